package license

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/fingerprint"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/store"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

// MaxGraceDuration caps the offline grace window regardless of
// configuration.
const MaxGraceDuration = 48 * time.Hour

// sessionIntegritySecret keys the HMAC over session fields. Defeats casual
// on-disk edits; the sealed store defeats offline copying.
const sessionIntegritySecret = "UW-Offline-Session-Integrity-v1"

// SessionManager owns the offline grace session lifecycle. Each workshop has
// at most one Active session; a session's expiry is fixed at creation and
// activity never extends it.
type SessionManager struct {
	store          store.SessionStore
	audit          *AuditLog
	logger         *slog.Logger
	metrics        *Metrics
	graceDuration  time.Duration
	retentionCount int
	now            func() time.Time

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func NewSessionManager(sessionStore store.SessionStore, audit *AuditLog, logger *slog.Logger, metrics *Metrics, graceDuration time.Duration, retentionCount int) *SessionManager {
	if logger == nil {
		logger = slog.Default()
	}
	if graceDuration <= 0 || graceDuration > MaxGraceDuration {
		graceDuration = MaxGraceDuration
	}
	if retentionCount <= 0 {
		retentionCount = 50
	}
	return &SessionManager{
		store:          sessionStore,
		audit:          audit,
		logger:         logger.With(slog.String("component", "offline-session")),
		metrics:        metrics,
		graceDuration:  graceDuration,
		retentionCount: retentionCount,
		now:            time.Now,
		locks:          make(map[string]*sync.Mutex),
	}
}

// workshopLock serializes session transitions per workshop so concurrent
// validations can never produce two Active sessions.
func (m *SessionManager) workshopLock(workshopID string) *sync.Mutex {
	m.mu.Lock()
	defer m.mu.Unlock()
	lock, ok := m.locks[workshopID]
	if !ok {
		lock = &sync.Mutex{}
		m.locks[workshopID] = lock
	}
	return lock
}

// GetOrCreate returns the workshop's Active session, creating one when grace
// is permitted. The boolean reports whether a new session was created.
//
// A new session is only granted when the workshop has no session history or
// when its most recent session was closed by a successful online validation.
// A session that ran out on its own, or was revoked for tampering, is
// returned as-is: the workshop must reach the authority again before any
// further grace.
func (m *SessionManager) GetOrCreate(ctx context.Context, workshopID string, fp *fingerprint.Fingerprint) (*domain.OfflineSession, bool, error) {
	lock := m.workshopLock(workshopID)
	lock.Lock()
	defer lock.Unlock()

	sessions, err := m.store.Sessions(ctx, workshopID)
	if err != nil {
		return nil, false, fmt.Errorf("failed to load sessions for %s: %w", workshopID, err)
	}

	if len(sessions) > 0 {
		latest := sessions[0]
		if latest.Status == domain.SessionActive {
			if !m.now().Before(latest.ExpiresAt) {
				if err := m.expireSession(ctx, &latest, "grace_elapsed"); err != nil {
					return nil, false, err
				}
				return &latest, false, nil
			}
			return &latest, false, nil
		}
		if !latest.LastOnlineSuccess {
			// Grace already consumed (or forfeited) since the last time the
			// authority confirmed this workshop.
			return &latest, false, nil
		}
	}

	now := m.now().UTC()
	session := &domain.OfflineSession{
		SessionID:             uuid.New().String(),
		WorkshopID:            workshopID,
		StartedAt:             now,
		ExpiresAt:             now.Add(m.graceDuration),
		Status:                domain.SessionActive,
		HardwarePartialPrefix: fp.PartialPrefix,
		ActivityCount:         0,
		LastActivityAt:        now,
	}
	session.IntegrityHash = computeSessionIntegrity(session)

	if err := m.store.SaveSession(ctx, session); err != nil {
		return nil, false, fmt.Errorf("failed to create offline session for %s: %w", workshopID, err)
	}

	if m.metrics != nil {
		m.metrics.OfflineSessionsCreated.Add(ctx, 1)
	}
	m.logger.InfoContext(ctx, "offline grace session created",
		slog.String("workshop_id", workshopID),
		slog.String("session_id", session.SessionID),
		slog.Time("expires_at", session.ExpiresAt),
	)
	m.audit.Append(ctx, domain.AuditOfflineSessionCreated, workshopID, map[string]string{
		"session_id":      session.SessionID,
		"hardware_prefix": session.HardwarePartialPrefix,
		"expires_at":      session.ExpiresAt.Format(time.RFC3339),
	})
	return session, true, nil
}

// RecordActivity verifies the session before counting an activity against
// it. Integrity tampering and hardware movement both revoke the session and
// fail closed.
func (m *SessionManager) RecordActivity(ctx context.Context, sessionID string, fp *fingerprint.Fingerprint) (*domain.OfflineSession, error) {
	probe, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	lock := m.workshopLock(probe.WorkshopID)
	lock.Lock()
	defer lock.Unlock()

	// Re-read under the lock; the probe may be stale.
	session, err := m.store.Session(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	if session.Status != domain.SessionActive {
		return session, nil
	}

	if computeSessionIntegrity(session) != session.IntegrityHash {
		if err := m.revokeSession(ctx, session, "integrity_check_failed"); err != nil {
			return session, err
		}
		if m.metrics != nil {
			m.metrics.IntegrityFailures.Add(ctx, 1)
		}
		m.audit.Append(ctx, domain.AuditIntegrityCheckFailed, session.WorkshopID, map[string]string{
			"session_id": session.SessionID,
		})
		return session, apperrors.ErrIntegrityCheckFailed
	}

	if session.HardwarePartialPrefix != fp.PartialPrefix {
		if err := m.revokeSession(ctx, session, "hardware_mismatch"); err != nil {
			return session, err
		}
		if m.metrics != nil {
			m.metrics.FingerprintMismatches.Add(ctx, 1)
		}
		m.audit.Append(ctx, domain.AuditHardwareMismatch, session.WorkshopID, map[string]string{
			"session_id":      session.SessionID,
			"bound_prefix":    session.HardwarePartialPrefix,
			"observed_prefix": fp.PartialPrefix,
		})
		return session, apperrors.ErrHardwareMismatch
	}

	if !m.now().Before(session.ExpiresAt) {
		if err := m.expireSession(ctx, session, "grace_elapsed"); err != nil {
			return session, err
		}
		return session, nil
	}

	session.ActivityCount++
	session.LastActivityAt = m.now().UTC()
	session.IntegrityHash = computeSessionIntegrity(session)
	if err := m.store.SaveSession(ctx, session); err != nil {
		return session, fmt.Errorf("failed to record session activity: %w", err)
	}

	if m.metrics != nil {
		m.metrics.OfflineSessionsRenewed.Add(ctx, 1)
	}
	m.audit.Append(ctx, domain.AuditOfflineSessionRenewed, session.WorkshopID, map[string]string{
		"session_id":     session.SessionID,
		"activity_count": fmt.Sprintf("%d", session.ActivityCount),
	})
	return session, nil
}

// RemainingGrace reports how long an Active session has left. Zero for any
// other state, never negative.
func (m *SessionManager) RemainingGrace(session *domain.OfflineSession) time.Duration {
	if session == nil || session.Status != domain.SessionActive {
		return 0
	}
	remaining := session.ExpiresAt.Sub(m.now())
	if remaining < 0 {
		return 0
	}
	return remaining
}

// CloseActive ends the workshop's Active session after a successful online
// validation. The closed session is marked as online-confirmed so a later
// outage may open a fresh grace window.
func (m *SessionManager) CloseActive(ctx context.Context, workshopID string) error {
	lock := m.workshopLock(workshopID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.ActiveSession(ctx, workshopID)
	if errors.Is(err, apperrors.ErrSessionNotFound) {
		return m.markOnlineConfirmed(ctx, workshopID)
	}
	if err != nil {
		return err
	}

	now := m.now().UTC()
	session.Status = domain.SessionExpired
	session.EndedAt = &now
	session.LastOnlineSuccess = true
	session.IntegrityHash = computeSessionIntegrity(session)
	if err := m.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("failed to close offline session: %w", err)
	}

	m.audit.Append(ctx, domain.AuditOfflineSessionExpired, workshopID, map[string]string{
		"session_id": session.SessionID,
		"reason":     "closed_after_online_validation",
	})
	return nil
}

// markOnlineConfirmed flags the latest closed session so the next outage is
// again eligible for grace.
func (m *SessionManager) markOnlineConfirmed(ctx context.Context, workshopID string) error {
	sessions, err := m.store.Sessions(ctx, workshopID)
	if err != nil || len(sessions) == 0 {
		return err
	}
	latest := sessions[0]
	if latest.LastOnlineSuccess {
		return nil
	}
	latest.LastOnlineSuccess = true
	latest.IntegrityHash = computeSessionIntegrity(&latest)
	return m.store.SaveSession(ctx, &latest)
}

// RevokeActive force-revokes the workshop's Active session, if any. Used
// when a re-bind or authority decision invalidates standing grace.
func (m *SessionManager) RevokeActive(ctx context.Context, workshopID, reason string) error {
	lock := m.workshopLock(workshopID)
	lock.Lock()
	defer lock.Unlock()

	session, err := m.store.ActiveSession(ctx, workshopID)
	if errors.Is(err, apperrors.ErrSessionNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return m.revokeSession(ctx, session, reason)
}

// SweepExpired walks every workshop and lazily expires overdue Active
// sessions. Returns how many were expired.
func (m *SessionManager) SweepExpired(ctx context.Context) (int, error) {
	workshops, err := m.store.WorkshopIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list workshops for expiry sweep: %w", err)
	}

	expired := 0
	for _, workshopID := range workshops {
		if ctx.Err() != nil {
			return expired, ctx.Err()
		}
		lock := m.workshopLock(workshopID)
		lock.Lock()
		session, err := m.store.ActiveSession(ctx, workshopID)
		if errors.Is(err, apperrors.ErrSessionNotFound) {
			lock.Unlock()
			continue
		}
		if err != nil {
			lock.Unlock()
			return expired, err
		}
		if !m.now().Before(session.ExpiresAt) {
			if err := m.expireSession(ctx, session, "grace_elapsed"); err != nil {
				lock.Unlock()
				return expired, err
			}
			expired++
		}
		lock.Unlock()
	}
	return expired, nil
}

// PruneHistory drops each workshop's oldest closed sessions beyond the
// retention count. Active sessions are always kept.
func (m *SessionManager) PruneHistory(ctx context.Context) (int, error) {
	workshops, err := m.store.WorkshopIDs(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to list workshops for history prune: %w", err)
	}

	pruned := 0
	for _, workshopID := range workshops {
		if ctx.Err() != nil {
			return pruned, ctx.Err()
		}
		lock := m.workshopLock(workshopID)
		lock.Lock()
		sessions, err := m.store.Sessions(ctx, workshopID)
		if err != nil {
			lock.Unlock()
			return pruned, err
		}

		closed := 0
		var stale []string
		for _, s := range sessions {
			if s.Status == domain.SessionActive {
				continue
			}
			closed++
			if closed > m.retentionCount {
				stale = append(stale, s.SessionID)
			}
		}
		if len(stale) > 0 {
			if err := m.store.DeleteSessions(ctx, workshopID, stale); err != nil {
				lock.Unlock()
				return pruned, err
			}
			pruned += len(stale)
		}
		lock.Unlock()
	}
	return pruned, nil
}

func (m *SessionManager) expireSession(ctx context.Context, session *domain.OfflineSession, reason string) error {
	now := m.now().UTC()
	session.Status = domain.SessionExpired
	session.EndedAt = &now
	session.IntegrityHash = computeSessionIntegrity(session)
	if err := m.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("failed to expire offline session: %w", err)
	}

	if m.metrics != nil {
		m.metrics.OfflineSessionsExpired.Add(ctx, 1)
	}
	m.logger.InfoContext(ctx, "offline grace session expired",
		slog.String("workshop_id", session.WorkshopID),
		slog.String("session_id", session.SessionID),
		slog.String("reason", reason),
	)
	m.audit.Append(ctx, domain.AuditOfflineSessionExpired, session.WorkshopID, map[string]string{
		"session_id": session.SessionID,
		"reason":     reason,
	})
	return nil
}

func (m *SessionManager) revokeSession(ctx context.Context, session *domain.OfflineSession, reason string) error {
	now := m.now().UTC()
	session.Status = domain.SessionRevoked
	session.EndedAt = &now
	session.IntegrityHash = computeSessionIntegrity(session)
	if err := m.store.SaveSession(ctx, session); err != nil {
		return fmt.Errorf("failed to revoke offline session: %w", err)
	}
	m.logger.WarnContext(ctx, "offline grace session revoked",
		slog.String("workshop_id", session.WorkshopID),
		slog.String("session_id", session.SessionID),
		slog.String("reason", reason),
	)
	return nil
}

// computeSessionIntegrity derives the tamper-evidence HMAC over every field
// that matters to the grace decision. Times are canonicalized to seconds so
// storage backends with differing sub-second precision round-trip cleanly.
func computeSessionIntegrity(session *domain.OfflineSession) string {
	var endedAt int64
	if session.EndedAt != nil {
		endedAt = session.EndedAt.Unix()
	}
	canonical := fmt.Sprintf("%s|%s|%d|%d|%s|%s|%d|%d|%d|%t",
		session.SessionID,
		session.WorkshopID,
		session.StartedAt.Unix(),
		session.ExpiresAt.Unix(),
		session.Status,
		session.HardwarePartialPrefix,
		session.ActivityCount,
		session.LastActivityAt.Unix(),
		endedAt,
		session.LastOnlineSuccess,
	)
	mac := hmac.New(sha256.New, []byte(sessionIntegritySecret))
	mac.Write([]byte(canonical))
	return hex.EncodeToString(mac.Sum(nil))
}
