// Package domain holds the canonical types shared between the license
// subsystem, its persistence capabilities, and the HTTP transport.
package domain

import "time"

// SessionStatus is the lifecycle state of an offline grace session.
type SessionStatus string

const (
	SessionActive  SessionStatus = "active"
	SessionExpired SessionStatus = "expired"
	SessionRevoked SessionStatus = "revoked"
)

// OfflineSession is a bounded-duration grace session created when the
// license authority is unreachable. The grace window is fixed at creation;
// activity never extends it.
type OfflineSession struct {
	SessionID             string        `json:"session_id"`
	WorkshopID            string        `json:"workshop_id"`
	StartedAt             time.Time     `json:"started_at"`
	ExpiresAt             time.Time     `json:"expires_at"`
	EndedAt               *time.Time    `json:"ended_at,omitempty"`
	Status                SessionStatus `json:"status"`
	HardwarePartialPrefix string        `json:"hardware_partial_prefix"`
	IntegrityHash         string        `json:"integrity_hash"`
	ActivityCount         int           `json:"activity_count"`
	LastActivityAt        time.Time     `json:"last_activity_at"`
	LastOnlineSuccess     bool          `json:"last_online_validation_success"`
}

// RevokedTokenRecord marks a token id as permanently untrusted. Records are
// hard-deleted only by retention cleanup once the token's own validity
// window has long passed.
type RevokedTokenRecord struct {
	TokenID        string    `json:"token_id"`
	Reason         string    `json:"reason"`
	RevokedAt      time.Time `json:"revoked_at"`
	OriginalExpiry time.Time `json:"original_expiry"`
	WorkshopID     string    `json:"workshop_id,omitempty"`
}

// BusinessBinding is the durable association between a workshop and the
// hardware it was first activated on. Re-binding is a distinct, audited
// operation, never a validation side effect.
type BusinessBinding struct {
	WorkshopID          string            `json:"workshop_id"`
	BusinessName        string            `json:"business_name"`
	HardwarePrimaryHash string            `json:"hardware_primary_hash"`
	ComponentHashes     map[string]string `json:"component_hashes,omitempty"`
	BoundAt             time.Time         `json:"bound_at"`
}

// AuditEventType enumerates every event kind the subsystem records.
type AuditEventType string

const (
	AuditOnlineValidationSuccess AuditEventType = "online_validation_success"
	AuditOnlineValidationFailure AuditEventType = "online_validation_failure"
	AuditOfflineSessionCreated   AuditEventType = "offline_session_created"
	AuditOfflineSessionRenewed   AuditEventType = "offline_session_renewed"
	AuditOfflineSessionExpired   AuditEventType = "offline_session_expired"
	AuditTokenRevoked            AuditEventType = "token_revoked"
	AuditHardwareMismatch        AuditEventType = "hardware_mismatch_detected"
	AuditIntegrityCheckFailed    AuditEventType = "integrity_check_failed"
	AuditWorkshopRebound         AuditEventType = "workshop_rebound"
)

// AuditEvent is one append-only record of a validation decision or session
// lifecycle event.
type AuditEvent struct {
	EventID    string            `json:"event_id"`
	Type       AuditEventType    `json:"event_type"`
	Timestamp  time.Time         `json:"timestamp"`
	WorkshopID string            `json:"workshop_id"`
	Details    map[string]string `json:"details,omitempty"`
}

// Entitlements carries the feature flags and numeric limits granted by a
// license token.
type Entitlements struct {
	Features []string         `json:"features,omitempty"`
	Limits   map[string]int64 `json:"limits,omitempty"`
}

// LicenseToken is the externally issued entitlement proof, consumed
// read-only by this subsystem. No field is trusted until the signature has
// been verified and the token id checked against the revocation list.
type LicenseToken struct {
	TokenID      string       `json:"token_id"`
	Subject      string       `json:"subject"`
	IssuedAt     time.Time    `json:"issued_at"`
	ExpiresAt    time.Time    `json:"expires_at"`
	Entitlements Entitlements `json:"entitlements"`
	// Raw is the signed compact serialization presented to the authority.
	Raw string `json:"-"`
}

// Verdict is the terminal classification of a validation decision.
type Verdict string

const (
	VerdictValid   Verdict = "valid"
	VerdictInvalid Verdict = "invalid"
	VerdictExpired Verdict = "expired"
	VerdictRevoked Verdict = "revoked"
)

// ValidationMode distinguishes how a valid verdict was reached.
type ValidationMode string

const (
	ModeOnline       ValidationMode = "online"
	ModeOfflineGrace ValidationMode = "offline_grace"
)

// ValidationResult is the typed outcome returned to callers. Terminal
// conditions are carried here as verdicts, never as raw errors.
type ValidationResult struct {
	Verdict        Verdict        `json:"verdict"`
	Mode           ValidationMode `json:"mode,omitempty"`
	Reason         string         `json:"reason,omitempty"`
	RemainingGrace time.Duration  `json:"remaining_grace,omitempty"`
	ValidatedAt    time.Time      `json:"validated_at"`
}

// IsValid reports whether the caller may continue operating.
func (r ValidationResult) IsValid() bool {
	return r.Verdict == VerdictValid
}

// AuthorityDecision is the answer from the remote license authority.
type AuthorityDecision struct {
	Valid        bool         `json:"valid"`
	Reason       string       `json:"reason,omitempty"`
	Entitlements Entitlements `json:"entitlements"`
	ServerTime   time.Time    `json:"server_time"`
}

// LicenseStatus is the caller-facing status summary.
type LicenseStatus struct {
	WorkshopID     string         `json:"workshop_id"`
	IsValid        bool           `json:"is_valid"`
	Mode           ValidationMode `json:"mode,omitempty"`
	RemainingGrace time.Duration  `json:"remaining_grace,omitempty"`
	LastValidated  time.Time      `json:"last_validated,omitempty"`
}
