package license

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/store"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

type failingAuditStore struct{}

func (failingAuditStore) AppendEvent(ctx context.Context, event *domain.AuditEvent) error {
	return errors.New("disk full")
}

func (failingAuditStore) QueryEvents(ctx context.Context, filter store.AuditFilter) ([]domain.AuditEvent, error) {
	return nil, nil
}

func TestAuditAppendAssignsIdentityAndTimestamp(t *testing.T) {
	fs := newTestStore(t)
	audit := NewAuditLog(fs, nil, nil)
	ctx := context.Background()

	audit.Append(ctx, domain.AuditOnlineValidationSuccess, "ws-001", map[string]string{"token_id": "tok-1"})

	events, err := audit.Query(ctx, store.AuditFilter{WorkshopID: "ws-001"})
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.NotEmpty(t, events[0].EventID)
	assert.False(t, events[0].Timestamp.IsZero())
	assert.Equal(t, domain.AuditOnlineValidationSuccess, events[0].Type)
}

func TestAuditAppendNeverFailsTheCaller(t *testing.T) {
	audit := NewAuditLog(failingAuditStore{}, nil, nil)

	// Must not panic or propagate; the failure is only counted.
	audit.Append(context.Background(), domain.AuditTokenRevoked, "ws-001", nil)
	audit.Append(context.Background(), domain.AuditTokenRevoked, "ws-001", nil)

	assert.Equal(t, int64(2), audit.Dropped())
}
