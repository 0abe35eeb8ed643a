package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

// sessionModel is the relational shape of an offline grace session.
type sessionModel struct {
	SessionID             string     `gorm:"primaryKey;size:64"`
	WorkshopID            string     `gorm:"size:128;not null;index:idx_sessions_workshop"`
	StartedAt             time.Time  `gorm:"not null"`
	ExpiresAt             time.Time  `gorm:"not null"`
	EndedAt               *time.Time ``
	Status                string     `gorm:"size:16;not null;index:idx_sessions_status"`
	HardwarePartialPrefix string     `gorm:"size:64;not null"`
	IntegrityHash         string     `gorm:"size:128;not null"`
	ActivityCount         int        `gorm:"not null;default:0"`
	LastActivityAt        time.Time  ``
	LastOnlineSuccess     bool       `gorm:"not null;default:false"`
}

func (sessionModel) TableName() string { return "offline_sessions" }

// revokedTokenModel uses hard deletes (no DeletedAt) so a revocation can
// never be soft-undeleted. Cleanup keys off OriginalExpiry.
type revokedTokenModel struct {
	TokenID        string    `gorm:"primaryKey;size:64"`
	Reason         string    `gorm:"size:255;not null"`
	RevokedAt      time.Time `gorm:"not null"`
	OriginalExpiry time.Time `gorm:"not null;index:idx_revoked_expiry"`
	WorkshopID     string    `gorm:"size:128"`
}

func (revokedTokenModel) TableName() string { return "revoked_tokens" }

type bindingModel struct {
	WorkshopID          string    `gorm:"primaryKey;size:128"`
	BusinessName        string    `gorm:"size:255;not null"`
	HardwarePrimaryHash string    `gorm:"size:128;not null"`
	ComponentHashes     string    `gorm:"type:text"`
	BoundAt             time.Time `gorm:"not null"`
}

func (bindingModel) TableName() string { return "business_bindings" }

type auditEventModel struct {
	EventID    string    `gorm:"primaryKey;size:64"`
	EventType  string    `gorm:"size:64;not null;index:idx_audit_type"`
	Timestamp  time.Time `gorm:"not null;index:idx_audit_ts"`
	WorkshopID string    `gorm:"size:128;index:idx_audit_workshop"`
	Details    string    `gorm:"type:text"`
}

func (auditEventModel) TableName() string { return "license_audit_events" }

// GormStore is the database persistence backend.
type GormStore struct {
	db *gorm.DB
}

// NewGormStore opens a database-backed store. Driver is "sqlite" or
// "postgres".
func NewGormStore(driver, dsn string) (*GormStore, error) {
	var dialector gorm.Dialector
	switch driver {
	case "sqlite":
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("unsupported store driver %q", driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store database: %w", err)
	}

	if err := db.AutoMigrate(
		&sessionModel{},
		&revokedTokenModel{},
		&bindingModel{},
		&auditEventModel{},
	); err != nil {
		return nil, fmt.Errorf("failed to migrate store schema: %w", err)
	}

	return &GormStore{db: db}, nil
}

func toSessionModel(s *domain.OfflineSession) sessionModel {
	return sessionModel{
		SessionID:             s.SessionID,
		WorkshopID:            s.WorkshopID,
		StartedAt:             s.StartedAt,
		ExpiresAt:             s.ExpiresAt,
		EndedAt:               s.EndedAt,
		Status:                string(s.Status),
		HardwarePartialPrefix: s.HardwarePartialPrefix,
		IntegrityHash:         s.IntegrityHash,
		ActivityCount:         s.ActivityCount,
		LastActivityAt:        s.LastActivityAt,
		LastOnlineSuccess:     s.LastOnlineSuccess,
	}
}

func (m sessionModel) toDomain() domain.OfflineSession {
	return domain.OfflineSession{
		SessionID:             m.SessionID,
		WorkshopID:            m.WorkshopID,
		StartedAt:             m.StartedAt,
		ExpiresAt:             m.ExpiresAt,
		EndedAt:               m.EndedAt,
		Status:                domain.SessionStatus(m.Status),
		HardwarePartialPrefix: m.HardwarePartialPrefix,
		IntegrityHash:         m.IntegrityHash,
		ActivityCount:         m.ActivityCount,
		LastActivityAt:        m.LastActivityAt,
		LastOnlineSuccess:     m.LastOnlineSuccess,
	}
}

// ActiveSession implements SessionStore.
func (g *GormStore) ActiveSession(ctx context.Context, workshopID string) (*domain.OfflineSession, error) {
	var m sessionModel
	err := g.db.WithContext(ctx).
		Where("workshop_id = ? AND status = ?", workshopID, string(domain.SessionActive)).
		First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	session := m.toDomain()
	return &session, nil
}

// Session implements SessionStore.
func (g *GormStore) Session(ctx context.Context, sessionID string) (*domain.OfflineSession, error) {
	var m sessionModel
	err := g.db.WithContext(ctx).Where("session_id = ?", sessionID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	session := m.toDomain()
	return &session, nil
}

// SaveSession implements SessionStore. The active-uniqueness invariant is
// enforced inside the transaction, not just by the caller's lock.
func (g *GormStore) SaveSession(ctx context.Context, session *domain.OfflineSession) error {
	m := toSessionModel(session)
	return g.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if session.Status == domain.SessionActive {
			var count int64
			err := tx.Model(&sessionModel{}).
				Where("workshop_id = ? AND status = ? AND session_id <> ?",
					session.WorkshopID, string(domain.SessionActive), session.SessionID).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return fmt.Errorf("workshop %s already has an active session", session.WorkshopID)
			}
		}
		return tx.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "session_id"}},
			UpdateAll: true,
		}).Create(&m).Error
	})
}

// Sessions implements SessionStore.
func (g *GormStore) Sessions(ctx context.Context, workshopID string) ([]domain.OfflineSession, error) {
	var models []sessionModel
	err := g.db.WithContext(ctx).
		Where("workshop_id = ?", workshopID).
		Order("started_at DESC").
		Find(&models).Error
	if err != nil {
		return nil, err
	}
	sessions := make([]domain.OfflineSession, 0, len(models))
	for _, m := range models {
		sessions = append(sessions, m.toDomain())
	}
	return sessions, nil
}

// DeleteSessions implements SessionStore.
func (g *GormStore) DeleteSessions(ctx context.Context, workshopID string, sessionIDs []string) error {
	if len(sessionIDs) == 0 {
		return nil
	}
	return g.db.WithContext(ctx).
		Where("workshop_id = ? AND session_id IN ?", workshopID, sessionIDs).
		Delete(&sessionModel{}).Error
}

// WorkshopIDs implements SessionStore.
func (g *GormStore) WorkshopIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := g.db.WithContext(ctx).
		Model(&sessionModel{}).
		Distinct("workshop_id").
		Pluck("workshop_id", &ids).Error
	return ids, err
}

// Revocation implements RevocationStore.
func (g *GormStore) Revocation(ctx context.Context, tokenID string) (*domain.RevokedTokenRecord, bool, error) {
	var m revokedTokenModel
	err := g.db.WithContext(ctx).Where("token_id = ?", tokenID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return &domain.RevokedTokenRecord{
		TokenID:        m.TokenID,
		Reason:         m.Reason,
		RevokedAt:      m.RevokedAt,
		OriginalExpiry: m.OriginalExpiry,
		WorkshopID:     m.WorkshopID,
	}, true, nil
}

// Insert implements RevocationStore.
func (g *GormStore) Insert(ctx context.Context, record *domain.RevokedTokenRecord) error {
	m := revokedTokenModel{
		TokenID:        record.TokenID,
		Reason:         record.Reason,
		RevokedAt:      record.RevokedAt,
		OriginalExpiry: record.OriginalExpiry,
		WorkshopID:     record.WorkshopID,
	}
	result := g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "token_id"}},
		DoNothing: true,
	}).Create(&m)
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return apperrors.ErrAlreadyRevoked
	}
	return nil
}

// DeleteExpiredBefore implements RevocationStore. Deletion is batched in
// small chunks so lookups are never starved behind one long transaction.
func (g *GormStore) DeleteExpiredBefore(ctx context.Context, cutoff time.Time) (int, error) {
	const batchSize = 100
	removed := 0
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		result := g.db.WithContext(ctx).
			Where("token_id IN (?)", g.db.Model(&revokedTokenModel{}).
				Select("token_id").
				Where("original_expiry < ?", cutoff).
				Limit(batchSize)).
			Delete(&revokedTokenModel{})
		if result.Error != nil {
			return removed, result.Error
		}
		removed += int(result.RowsAffected)
		if result.RowsAffected < batchSize {
			return removed, nil
		}
	}
}

// Binding implements BindingStore.
func (g *GormStore) Binding(ctx context.Context, workshopID string) (*domain.BusinessBinding, error) {
	var m bindingModel
	err := g.db.WithContext(ctx).Where("workshop_id = ?", workshopID).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.ErrBindingNotFound
	}
	if err != nil {
		return nil, err
	}
	return &domain.BusinessBinding{
		WorkshopID:          m.WorkshopID,
		BusinessName:        m.BusinessName,
		HardwarePrimaryHash: m.HardwarePrimaryHash,
		ComponentHashes:     decodeDetails(m.ComponentHashes),
		BoundAt:             m.BoundAt,
	}, nil
}

// SaveBinding implements BindingStore.
func (g *GormStore) SaveBinding(ctx context.Context, binding *domain.BusinessBinding) error {
	m := bindingModel{
		WorkshopID:          binding.WorkshopID,
		BusinessName:        binding.BusinessName,
		HardwarePrimaryHash: binding.HardwarePrimaryHash,
		ComponentHashes:     encodeDetails(binding.ComponentHashes),
		BoundAt:             binding.BoundAt,
	}
	return g.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "workshop_id"}},
		UpdateAll: true,
	}).Create(&m).Error
}

// AppendEvent implements AuditStore.
func (g *GormStore) AppendEvent(ctx context.Context, event *domain.AuditEvent) error {
	m := auditEventModel{
		EventID:    event.EventID,
		EventType:  string(event.Type),
		Timestamp:  event.Timestamp,
		WorkshopID: event.WorkshopID,
		Details:    encodeDetails(event.Details),
	}
	return g.db.WithContext(ctx).Create(&m).Error
}

// QueryEvents implements AuditStore.
func (g *GormStore) QueryEvents(ctx context.Context, filter AuditFilter) ([]domain.AuditEvent, error) {
	q := g.db.WithContext(ctx).Model(&auditEventModel{}).Order("timestamp ASC")
	if filter.WorkshopID != "" {
		q = q.Where("workshop_id = ?", filter.WorkshopID)
	}
	if filter.Type != "" {
		q = q.Where("event_type = ?", string(filter.Type))
	}
	if !filter.Since.IsZero() {
		q = q.Where("timestamp >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var models []auditEventModel
	if err := q.Find(&models).Error; err != nil {
		return nil, err
	}

	events := make([]domain.AuditEvent, 0, len(models))
	for _, m := range models {
		events = append(events, domain.AuditEvent{
			EventID:    m.EventID,
			Type:       domain.AuditEventType(m.EventType),
			Timestamp:  m.Timestamp,
			WorkshopID: m.WorkshopID,
			Details:    decodeDetails(m.Details),
		})
	}
	return events, nil
}
