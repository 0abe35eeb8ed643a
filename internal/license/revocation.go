package license

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/store"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

// RevocationList marks token ids as permanently untrusted. Revocation is
// one-way: records leave the list only through retention cleanup, long after
// the token's own validity window has passed.
type RevocationList struct {
	store   store.RevocationStore
	audit   *AuditLog
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time
}

func NewRevocationList(revocationStore store.RevocationStore, audit *AuditLog, logger *slog.Logger, metrics *Metrics) *RevocationList {
	if logger == nil {
		logger = slog.Default()
	}
	return &RevocationList{
		store:   revocationStore,
		audit:   audit,
		logger:  logger.With(slog.String("component", "revocation")),
		metrics: metrics,
		now:     time.Now,
	}
}

// IsRevoked reports whether the token id is on the list.
func (r *RevocationList) IsRevoked(ctx context.Context, tokenID string) (bool, error) {
	_, found, err := r.store.Revocation(ctx, tokenID)
	if err != nil {
		return false, fmt.Errorf("failed to look up revocation for %s: %w", maskTokenID(tokenID), err)
	}
	return found, nil
}

// Revoke adds a token to the list. A second revocation of the same id
// returns errors.ErrAlreadyRevoked without touching the existing record.
func (r *RevocationList) Revoke(ctx context.Context, tokenID, reason, workshopID string, originalExpiry time.Time) error {
	record := &domain.RevokedTokenRecord{
		TokenID:        tokenID,
		Reason:         reason,
		RevokedAt:      r.now().UTC(),
		OriginalExpiry: originalExpiry.UTC(),
		WorkshopID:     workshopID,
	}
	if err := r.store.Insert(ctx, record); err != nil {
		return err
	}

	if r.metrics != nil {
		r.metrics.TokenRevocations.Add(ctx, 1)
	}
	r.logger.InfoContext(ctx, "token revoked",
		slog.String("token_id", maskTokenID(tokenID)),
		slog.String("reason", reason),
		slog.String("workshop_id", workshopID),
	)
	r.audit.Append(ctx, domain.AuditTokenRevoked, workshopID, map[string]string{
		"token_id": tokenID,
		"reason":   reason,
	})
	return nil
}

// Cleanup removes records whose original expiry is older than the retention
// window and returns the number removed.
func (r *RevocationList) Cleanup(ctx context.Context, retention time.Duration) (int, error) {
	cutoff := r.now().Add(-retention)
	removed, err := r.store.DeleteExpiredBefore(ctx, cutoff)
	if err != nil {
		return removed, fmt.Errorf("revocation cleanup failed: %w", err)
	}
	if removed > 0 {
		r.logger.InfoContext(ctx, "revocation cleanup completed",
			slog.Int("removed", removed),
			slog.Time("cutoff", cutoff),
		)
	}
	return removed, nil
}
