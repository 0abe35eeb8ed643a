package store

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

func newTestFileStore(t *testing.T) *FileStore {
	t.Helper()
	fs, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	return fs
}

func testSession(workshopID, sessionID string, startedAt time.Time, status domain.SessionStatus) *domain.OfflineSession {
	return &domain.OfflineSession{
		SessionID:             sessionID,
		WorkshopID:            workshopID,
		StartedAt:             startedAt,
		ExpiresAt:             startedAt.Add(24 * time.Hour),
		Status:                status,
		HardwarePartialPrefix: "abcdef0123456789abcdef0123456789",
		IntegrityHash:         "hash",
		LastActivityAt:        startedAt,
	}
}

func TestFileStoreSessionRoundTrip(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	start := time.Now().UTC().Truncate(time.Second)

	session := testSession("ws-001", "sess-1", start, domain.SessionActive)
	require.NoError(t, fs.SaveSession(ctx, session))

	got, err := fs.ActiveSession(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, "sess-1", got.SessionID)
	assert.Equal(t, session.HardwarePartialPrefix, got.HardwarePartialPrefix)

	byID, err := fs.Session(ctx, "sess-1")
	require.NoError(t, err)
	assert.Equal(t, "ws-001", byID.WorkshopID)

	// Update in place replaces, not appends.
	session.ActivityCount = 3
	require.NoError(t, fs.SaveSession(ctx, session))
	sessions, err := fs.Sessions(ctx, "ws-001")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, 3, sessions[0].ActivityCount)
}

func TestFileStoreSessionsNewestFirst(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	require.NoError(t, fs.SaveSession(ctx, testSession("ws-001", "old", start.Add(-2*time.Hour), domain.SessionExpired)))
	require.NoError(t, fs.SaveSession(ctx, testSession("ws-001", "new", start, domain.SessionActive)))

	sessions, err := fs.Sessions(ctx, "ws-001")
	require.NoError(t, err)
	require.Len(t, sessions, 2)
	assert.Equal(t, "new", sessions[0].SessionID)
	assert.Equal(t, "old", sessions[1].SessionID)
}

func TestFileStoreActiveSessionNotFound(t *testing.T) {
	fs := newTestFileStore(t)
	_, err := fs.ActiveSession(context.Background(), "ws-missing")
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestFileStoreDeleteSessions(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	start := time.Now().UTC()

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, fs.SaveSession(ctx, testSession("ws-001", id, start, domain.SessionExpired)))
		start = start.Add(time.Minute)
	}

	require.NoError(t, fs.DeleteSessions(ctx, "ws-001", []string{"a", "c"}))
	sessions, err := fs.Sessions(ctx, "ws-001")
	require.NoError(t, err)
	require.Len(t, sessions, 1)
	assert.Equal(t, "b", sessions[0].SessionID)
}

func TestFileStoreSessionFileIsSealed(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	session := testSession("ws-001", "sess-1", time.Now().UTC(), domain.SessionActive)
	require.NoError(t, fs.SaveSession(ctx, session))

	raw, err := os.ReadFile(filepath.Join(dir, "sessions", "ws-001.dat"))
	require.NoError(t, err)
	assert.NotContains(t, string(raw), "sess-1", "session records must not be stored in plaintext")
	assert.NotContains(t, string(raw), "ws-001")
}

func TestFileStoreSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	require.NoError(t, fs.Insert(ctx, &domain.RevokedTokenRecord{
		TokenID:        "tok-1",
		Reason:         "compromised",
		RevokedAt:      time.Now().UTC(),
		OriginalExpiry: time.Now().UTC().Add(time.Hour),
	}))
	require.NoError(t, fs.SaveBinding(ctx, &domain.BusinessBinding{
		WorkshopID:          "ws-001",
		BusinessName:        "Al Noor Garage",
		HardwarePrimaryHash: "deadbeef",
		ComponentHashes:     map[string]string{"cpu_id": "aa"},
		BoundAt:             time.Now().UTC(),
	}))

	reopened, err := NewFileStore(dir)
	require.NoError(t, err)

	_, found, err := reopened.Revocation(ctx, "tok-1")
	require.NoError(t, err)
	assert.True(t, found)

	binding, err := reopened.Binding(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, "Al Noor Garage", binding.BusinessName)
	assert.Equal(t, "aa", binding.ComponentHashes["cpu_id"])
}

func TestFileStoreInsertDuplicateRevocation(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()

	record := &domain.RevokedTokenRecord{
		TokenID:        "tok-1",
		Reason:         "chargeback",
		RevokedAt:      time.Now().UTC(),
		OriginalExpiry: time.Now().UTC().Add(time.Hour),
	}
	require.NoError(t, fs.Insert(ctx, record))

	dup := *record
	dup.Reason = "second attempt"
	err := fs.Insert(ctx, &dup)
	require.ErrorIs(t, err, apperrors.ErrAlreadyRevoked)

	got, found, err := fs.Revocation(ctx, "tok-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "chargeback", got.Reason, "original record must be untouched")
}

func TestFileStoreDeleteExpiredBefore(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, fs.Insert(ctx, &domain.RevokedTokenRecord{
		TokenID:        "tok-old",
		RevokedAt:      now.Add(-10 * 24 * time.Hour),
		OriginalExpiry: now.Add(-8 * 24 * time.Hour),
	}))
	require.NoError(t, fs.Insert(ctx, &domain.RevokedTokenRecord{
		TokenID:        "tok-recent",
		RevokedAt:      now.Add(-5 * 24 * time.Hour),
		OriginalExpiry: now.Add(-3 * 24 * time.Hour),
	}))

	removed, err := fs.DeleteExpiredBefore(ctx, now.Add(-7*24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, found, err := fs.Revocation(ctx, "tok-old")
	require.NoError(t, err)
	assert.False(t, found)
	_, found, err = fs.Revocation(ctx, "tok-recent")
	require.NoError(t, err)
	assert.True(t, found)
}

func TestFileStoreBindingNotFound(t *testing.T) {
	fs := newTestFileStore(t)
	_, err := fs.Binding(context.Background(), "ws-missing")
	require.ErrorIs(t, err, apperrors.ErrBindingNotFound)
}

func TestFileStoreAuditAppendAndQuery(t *testing.T) {
	fs := newTestFileStore(t)
	ctx := context.Background()
	base := time.Now().UTC().Add(-time.Hour)

	events := []domain.AuditEvent{
		{EventID: "e1", Type: domain.AuditOnlineValidationSuccess, Timestamp: base, WorkshopID: "ws-001"},
		{EventID: "e2", Type: domain.AuditOfflineSessionCreated, Timestamp: base.Add(time.Minute), WorkshopID: "ws-001"},
		{EventID: "e3", Type: domain.AuditOnlineValidationSuccess, Timestamp: base.Add(2 * time.Minute), WorkshopID: "ws-002"},
	}
	for i := range events {
		require.NoError(t, fs.AppendEvent(ctx, &events[i]))
	}

	t.Run("by workshop", func(t *testing.T) {
		got, err := fs.QueryEvents(ctx, AuditFilter{WorkshopID: "ws-001"})
		require.NoError(t, err)
		assert.Len(t, got, 2)
	})
	t.Run("by type", func(t *testing.T) {
		got, err := fs.QueryEvents(ctx, AuditFilter{Type: domain.AuditOfflineSessionCreated})
		require.NoError(t, err)
		require.Len(t, got, 1)
		assert.Equal(t, "e2", got[0].EventID)
	})
	t.Run("since and limit", func(t *testing.T) {
		got, err := fs.QueryEvents(ctx, AuditFilter{Since: base.Add(30 * time.Second), Limit: 1})
		require.NoError(t, err)
		require.Len(t, got, 1)
	})
}

func TestFileStoreAuditSkipsTornTrailingLine(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStore(dir)
	require.NoError(t, err)
	ctx := context.Background()

	require.NoError(t, fs.AppendEvent(ctx, &domain.AuditEvent{
		EventID: "e1", Type: domain.AuditTokenRevoked, Timestamp: time.Now().UTC(), WorkshopID: "ws-001",
	}))

	f, err := os.OpenFile(filepath.Join(dir, "audit.log"), os.O_APPEND|os.O_WRONLY, 0600)
	require.NoError(t, err)
	_, err = f.WriteString(`{"event_id":"torn`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	got, err := fs.QueryEvents(ctx, AuditFilter{})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "e1", got[0].EventID)
}
