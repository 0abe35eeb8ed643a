package errors

import "errors"

// Sentinel errors for the license validation and offline grace subsystem.
// Terminal conditions surface to callers as typed validation outcomes;
// recoverable ones are handled internally and never block a decision beyond
// the configured timeout.
var (
	// Terminal: the token or license state is bad and offline grace never applies.
	ErrLicenseExpired       = errors.New("license expired")
	ErrSignatureInvalid     = errors.New("license token signature invalid")
	ErrTokenRevoked         = errors.New("license token revoked")
	ErrHardwareMismatch     = errors.New("hardware fingerprint mismatch")
	ErrIntegrityCheckFailed = errors.New("session integrity check failed")
	ErrGraceExpired         = errors.New("offline grace period expired")
	ErrNotBound             = errors.New("workshop not bound to hardware")

	// Fatal: no fingerprint signals at all were available.
	ErrFingerprintUnavailable = errors.New("hardware fingerprint unavailable")

	// Recoverable: triggers the offline fallback, never surfaced raw.
	ErrNetworkUnavailable = errors.New("license authority unreachable")

	// Operational errors.
	ErrAlreadyRevoked  = errors.New("token already revoked")
	ErrSessionNotFound = errors.New("offline session not found")
	ErrBindingNotFound = errors.New("business binding not found")
)
