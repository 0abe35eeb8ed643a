package license

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/store"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

// AuditLog records validation and session lifecycle events. Append never
// propagates a failure to the caller: a broken audit backend must not take
// down validation, so write errors are logged, counted, and swallowed.
type AuditLog struct {
	store   store.AuditStore
	logger  *slog.Logger
	metrics *Metrics
	dropped atomic.Int64
	now     func() time.Time
}

func NewAuditLog(auditStore store.AuditStore, logger *slog.Logger, metrics *Metrics) *AuditLog {
	if logger == nil {
		logger = slog.Default()
	}
	return &AuditLog{
		store:   auditStore,
		logger:  logger.With(slog.String("component", "audit")),
		metrics: metrics,
		now:     time.Now,
	}
}

// Append records one event. Details must contain only identifiers, hashes,
// and reasons; raw hardware values never reach the trail.
func (a *AuditLog) Append(ctx context.Context, eventType domain.AuditEventType, workshopID string, details map[string]string) {
	event := &domain.AuditEvent{
		EventID:    uuid.New().String(),
		Type:       eventType,
		Timestamp:  a.now().UTC(),
		WorkshopID: workshopID,
		Details:    details,
	}

	if err := a.store.AppendEvent(ctx, event); err != nil {
		a.dropped.Add(1)
		if a.metrics != nil {
			a.metrics.AuditEventsDropped.Add(ctx, 1)
		}
		a.logger.ErrorContext(ctx, "audit event dropped",
			slog.String("event_type", string(eventType)),
			slog.String("workshop_id", workshopID),
			slog.String("error", err.Error()),
		)
	}
}

// Query returns matching events, newest first.
func (a *AuditLog) Query(ctx context.Context, filter store.AuditFilter) ([]domain.AuditEvent, error) {
	return a.store.QueryEvents(ctx, filter)
}

// Dropped returns how many events could not be persisted since startup.
func (a *AuditLog) Dropped() int64 {
	return a.dropped.Load()
}
