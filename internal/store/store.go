// Package store provides the persistence capabilities the license subsystem
// depends on. Persistence is injected, never reached through globals; every
// write is a single atomic create-or-update so a cancelled caller can never
// leave torn state behind.
package store

import (
	"context"
	"time"

	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

// SessionStore persists offline grace sessions keyed by workshop identifier.
type SessionStore interface {
	// ActiveSession returns the workshop's Active session, or
	// errors.ErrSessionNotFound when there is none.
	ActiveSession(ctx context.Context, workshopID string) (*domain.OfflineSession, error)
	// Session looks a session up by its id.
	Session(ctx context.Context, sessionID string) (*domain.OfflineSession, error)
	// SaveSession creates or replaces a session record atomically.
	SaveSession(ctx context.Context, session *domain.OfflineSession) error
	// Sessions lists all sessions for a workshop, newest first.
	Sessions(ctx context.Context, workshopID string) ([]domain.OfflineSession, error)
	// DeleteSessions removes the given session records.
	DeleteSessions(ctx context.Context, workshopID string, sessionIDs []string) error
	// WorkshopIDs lists every workshop that has at least one session.
	WorkshopIDs(ctx context.Context) ([]string, error)
}

// RevocationStore persists revoked-token records keyed by token id.
type RevocationStore interface {
	// Revocation returns the record for a token id, or
	// errors.ErrSessionNotFound-style nil result via found=false.
	Revocation(ctx context.Context, tokenID string) (*domain.RevokedTokenRecord, bool, error)
	// Insert adds a record; errors.ErrAlreadyRevoked when the id exists.
	Insert(ctx context.Context, record *domain.RevokedTokenRecord) error
	// DeleteExpiredBefore removes every record whose original expiry is
	// before the cutoff, returning the number removed. Must not hold a lock
	// across the whole pass.
	DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error)
}

// BindingStore persists the workshop-to-hardware business bindings.
type BindingStore interface {
	Binding(ctx context.Context, workshopID string) (*domain.BusinessBinding, error)
	SaveBinding(ctx context.Context, binding *domain.BusinessBinding) error
}

// AuditFilter narrows an audit query. Zero values match everything.
type AuditFilter struct {
	WorkshopID string
	Type       domain.AuditEventType
	Since      time.Time
	Limit      int
}

// AuditStore persists the append-only audit trail.
type AuditStore interface {
	AppendEvent(ctx context.Context, event *domain.AuditEvent) error
	QueryEvents(ctx context.Context, filter AuditFilter) ([]domain.AuditEvent, error)
}

// Store bundles every capability a single backend provides.
type Store interface {
	SessionStore
	RevocationStore
	BindingStore
	AuditStore
}
