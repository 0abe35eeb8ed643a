package store

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

// FileStore is the embedded persistence backend: sealed JSON records under a
// data directory plus a plaintext append-only audit log. Session files hold
// all sessions of one workshop so the uniqueness invariant is enforced by a
// single atomic file replacement.
type FileStore struct {
	dir    string
	sealer *sealer

	sessionMu sync.RWMutex

	revocationMu sync.RWMutex
	revocations  map[string]domain.RevokedTokenRecord

	bindingMu sync.RWMutex
	bindings  map[string]domain.BusinessBinding

	auditMu sync.Mutex
}

// NewFileStore opens (or initializes) a file store rooted at dir.
func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"", "sessions"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0700); err != nil {
			return nil, fmt.Errorf("failed to create store directory: %w", err)
		}
	}

	sealer, err := newSealer(dir)
	if err != nil {
		return nil, err
	}

	fs := &FileStore{
		dir:         dir,
		sealer:      sealer,
		revocations: make(map[string]domain.RevokedTokenRecord),
		bindings:    make(map[string]domain.BusinessBinding),
	}

	if err := fs.loadSealedMap(fs.revocationPath(), &fs.revocations); err != nil {
		return nil, fmt.Errorf("failed to load revocation list: %w", err)
	}
	if err := fs.loadSealedMap(fs.bindingPath(), &fs.bindings); err != nil {
		return nil, fmt.Errorf("failed to load bindings: %w", err)
	}

	return fs, nil
}

func (fs *FileStore) sessionPath(workshopID string) string {
	return filepath.Join(fs.dir, "sessions", sanitizeKey(workshopID)+".dat")
}

func (fs *FileStore) revocationPath() string { return filepath.Join(fs.dir, "revoked.dat") }
func (fs *FileStore) bindingPath() string    { return filepath.Join(fs.dir, "bindings.dat") }
func (fs *FileStore) auditPath() string      { return filepath.Join(fs.dir, "audit.log") }

func sanitizeKey(key string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
}

func (fs *FileStore) loadSealedMap(path string, dst interface{}) error {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	if err != nil {
		return err
	}
	return fs.sealer.open(data, dst)
}

// writeSealedAtomic seals v and replaces path in a single rename so readers
// never observe a partial write.
func (fs *FileStore) writeSealedAtomic(path string, v interface{}) error {
	data, err := fs.sealer.seal(v)
	if err != nil {
		return err
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to replace %s: %w", path, err)
	}
	return nil
}

func (fs *FileStore) loadSessions(workshopID string) ([]domain.OfflineSession, error) {
	var sessions []domain.OfflineSession
	data, err := os.ReadFile(fs.sessionPath(workshopID))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if err := fs.sealer.open(data, &sessions); err != nil {
		return nil, err
	}
	return sessions, nil
}

// ActiveSession implements SessionStore.
func (fs *FileStore) ActiveSession(ctx context.Context, workshopID string) (*domain.OfflineSession, error) {
	fs.sessionMu.RLock()
	defer fs.sessionMu.RUnlock()

	sessions, err := fs.loadSessions(workshopID)
	if err != nil {
		return nil, err
	}
	for i := range sessions {
		if sessions[i].Status == domain.SessionActive {
			s := sessions[i]
			return &s, nil
		}
	}
	return nil, apperrors.ErrSessionNotFound
}

// Session implements SessionStore.
func (fs *FileStore) Session(ctx context.Context, sessionID string) (*domain.OfflineSession, error) {
	fs.sessionMu.RLock()
	defer fs.sessionMu.RUnlock()

	workshops, err := fs.listWorkshopIDs()
	if err != nil {
		return nil, err
	}
	for _, workshopID := range workshops {
		sessions, err := fs.loadSessions(workshopID)
		if err != nil {
			return nil, err
		}
		for i := range sessions {
			if sessions[i].SessionID == sessionID {
				s := sessions[i]
				return &s, nil
			}
		}
	}
	return nil, apperrors.ErrSessionNotFound
}

// SaveSession implements SessionStore.
func (fs *FileStore) SaveSession(ctx context.Context, session *domain.OfflineSession) error {
	fs.sessionMu.Lock()
	defer fs.sessionMu.Unlock()

	sessions, err := fs.loadSessions(session.WorkshopID)
	if err != nil {
		return err
	}

	replaced := false
	for i := range sessions {
		if sessions[i].SessionID == session.SessionID {
			sessions[i] = *session
			replaced = true
			break
		}
	}
	if !replaced {
		sessions = append(sessions, *session)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})

	return fs.writeSealedAtomic(fs.sessionPath(session.WorkshopID), sessions)
}

// Sessions implements SessionStore.
func (fs *FileStore) Sessions(ctx context.Context, workshopID string) ([]domain.OfflineSession, error) {
	fs.sessionMu.RLock()
	defer fs.sessionMu.RUnlock()

	sessions, err := fs.loadSessions(workshopID)
	if err != nil {
		return nil, err
	}
	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].StartedAt.After(sessions[j].StartedAt)
	})
	return sessions, nil
}

// DeleteSessions implements SessionStore.
func (fs *FileStore) DeleteSessions(ctx context.Context, workshopID string, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}

	fs.sessionMu.Lock()
	defer fs.sessionMu.Unlock()

	sessions, err := fs.loadSessions(workshopID)
	if err != nil {
		return err
	}

	drop := make(map[string]bool, len(sessionIDs))
	for _, id := range sessionIDs {
		drop[id] = true
	}

	kept := sessions[:0]
	for _, s := range sessions {
		if !drop[s.SessionID] {
			kept = append(kept, s)
		}
	}

	return fs.writeSealedAtomic(fs.sessionPath(workshopID), kept)
}

// WorkshopIDs implements SessionStore.
func (fs *FileStore) WorkshopIDs(ctx context.Context) ([]string, error) {
	fs.sessionMu.RLock()
	defer fs.sessionMu.RUnlock()
	return fs.listWorkshopIDs()
}

func (fs *FileStore) listWorkshopIDs() ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(fs.dir, "sessions"))
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if strings.HasSuffix(name, ".dat") {
			ids = append(ids, strings.TrimSuffix(name, ".dat"))
		}
	}
	return ids, nil
}

// Revocation implements RevocationStore.
func (fs *FileStore) Revocation(ctx context.Context, tokenID string) (*domain.RevokedTokenRecord, bool, error) {
	fs.revocationMu.RLock()
	defer fs.revocationMu.RUnlock()

	record, ok := fs.revocations[tokenID]
	if !ok {
		return nil, false, nil
	}
	return &record, true, nil
}

// Insert implements RevocationStore.
func (fs *FileStore) Insert(ctx context.Context, record *domain.RevokedTokenRecord) error {
	fs.revocationMu.Lock()
	defer fs.revocationMu.Unlock()

	if _, exists := fs.revocations[record.TokenID]; exists {
		return apperrors.ErrAlreadyRevoked
	}

	fs.revocations[record.TokenID] = *record
	if err := fs.writeSealedAtomic(fs.revocationPath(), fs.revocations); err != nil {
		delete(fs.revocations, record.TokenID)
		return err
	}
	return nil
}

// DeleteExpiredBefore implements RevocationStore. Each record is removed
// under its own short critical section so lookups never wait on a full pass.
func (fs *FileStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	fs.revocationMu.RLock()
	candidates := make([]string, 0)
	for id, record := range fs.revocations {
		if record.OriginalExpiry.Before(cutoff) {
			candidates = append(candidates, id)
		}
	}
	fs.revocationMu.RUnlock()

	removed := 0
	for _, id := range candidates {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		fs.revocationMu.Lock()
		if record, ok := fs.revocations[id]; ok && record.OriginalExpiry.Before(cutoff) {
			delete(fs.revocations, id)
			removed++
		}
		fs.revocationMu.Unlock()
	}

	if removed > 0 {
		fs.revocationMu.Lock()
		err := fs.writeSealedAtomic(fs.revocationPath(), fs.revocations)
		fs.revocationMu.Unlock()
		if err != nil {
			return removed, err
		}
	}
	return removed, nil
}

// Binding implements BindingStore.
func (fs *FileStore) Binding(ctx context.Context, workshopID string) (*domain.BusinessBinding, error) {
	fs.bindingMu.RLock()
	defer fs.bindingMu.RUnlock()

	binding, ok := fs.bindings[workshopID]
	if !ok {
		return nil, apperrors.ErrBindingNotFound
	}
	return &binding, nil
}

// SaveBinding implements BindingStore.
func (fs *FileStore) SaveBinding(ctx context.Context, binding *domain.BusinessBinding) error {
	fs.bindingMu.Lock()
	defer fs.bindingMu.Unlock()

	previous, existed := fs.bindings[binding.WorkshopID]
	fs.bindings[binding.WorkshopID] = *binding
	if err := fs.writeSealedAtomic(fs.bindingPath(), fs.bindings); err != nil {
		if existed {
			fs.bindings[binding.WorkshopID] = previous
		} else {
			delete(fs.bindings, binding.WorkshopID)
		}
		return err
	}
	return nil
}

// AppendEvent implements AuditStore. The audit log is plaintext JSONL; it
// carries identifiers and hashes only, never raw hardware signals.
func (fs *FileStore) AppendEvent(ctx context.Context, event *domain.AuditEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return err
	}

	fs.auditMu.Lock()
	defer fs.auditMu.Unlock()

	f, err := os.OpenFile(fs.auditPath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return err
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return err
	}
	return nil
}

// QueryEvents implements AuditStore.
func (fs *FileStore) QueryEvents(ctx context.Context, filter AuditFilter) ([]domain.AuditEvent, error) {
	fs.auditMu.Lock()
	defer fs.auditMu.Unlock()

	f, err := os.Open(fs.auditPath())
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var events []domain.AuditEvent
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var event domain.AuditEvent
		if err := json.Unmarshal(scanner.Bytes(), &event); err != nil {
			// A torn trailing line from a crash is skipped, not fatal.
			continue
		}
		if !matchesFilter(&event, filter) {
			continue
		}
		events = append(events, event)
		if filter.Limit > 0 && len(events) >= filter.Limit {
			break
		}
	}
	if err := scanner.Err(); err != nil {
		return events, err
	}
	return events, nil
}

func matchesFilter(event *domain.AuditEvent, filter AuditFilter) bool {
	if filter.WorkshopID != "" && event.WorkshopID != filter.WorkshopID {
		return false
	}
	if filter.Type != "" && event.Type != filter.Type {
		return false
	}
	if !filter.Since.IsZero() && event.Timestamp.Before(filter.Since) {
		return false
	}
	return true
}
