package errors

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// ProblemDetails implements RFC 7807 Problem Details for HTTP APIs
type ProblemDetails struct {
	Type     string `json:"type"`
	Title    string `json:"title"`
	Status   int    `json:"status"`
	Detail   string `json:"detail,omitempty"`
	Instance string `json:"instance,omitempty"`

	Extensions map[string]interface{} `json:"-"`
}

// Render implements the render.Renderer interface
func (pd *ProblemDetails) Render(w http.ResponseWriter, r *http.Request) error {
	render.Status(r, pd.Status)
	return nil
}

// MarshalJSON includes extension members alongside the standard fields.
func (pd *ProblemDetails) MarshalJSON() ([]byte, error) {
	data := make(map[string]interface{})
	data["type"] = pd.Type
	data["title"] = pd.Title
	data["status"] = pd.Status
	if pd.Detail != "" {
		data["detail"] = pd.Detail
	}
	if pd.Instance != "" {
		data["instance"] = pd.Instance
	}
	for k, v := range pd.Extensions {
		data[k] = v
	}
	return json.Marshal(data)
}

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(status int, problemType, title, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:       problemType,
		Title:      title,
		Status:     status,
		Detail:     detail,
		Instance:   instance,
		Extensions: make(map[string]interface{}),
	}
}

// WithExtension adds an extension member to the problem details
func (pd *ProblemDetails) WithExtension(key string, value interface{}) *ProblemDetails {
	pd.Extensions[key] = value
	return pd
}

// MapLicenseError maps domain errors to HTTP problem details
func MapLicenseError(err error, traceID string) render.Renderer {
	instance := fmt.Sprintf("/api/license#trace-%s", traceID)

	switch {
	case errors.Is(err, ErrLicenseExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/license-expired",
			"License Expired",
			"Your license has expired. Please renew to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "LICENSE_EXPIRED")

	case errors.Is(err, ErrGraceExpired):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/grace-expired",
			"Offline Grace Period Expired",
			"The offline grace period has ended. A successful online validation is required to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "GRACE_EXPIRED")

	case errors.Is(err, ErrTokenRevoked):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/token-revoked",
			"License Revoked",
			"This license token has been revoked and can no longer be used.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "TOKEN_REVOKED")

	case errors.Is(err, ErrSignatureInvalid):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/signature-invalid",
			"Invalid License Signature",
			"The license token signature could not be verified.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "SIGNATURE_INVALID")

	case errors.Is(err, ErrHardwareMismatch):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/hardware-mismatch",
			"Hardware Mismatch",
			"This license is bound to different hardware. Re-bind the workshop to this machine to continue.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "HARDWARE_MISMATCH")

	case errors.Is(err, ErrIntegrityCheckFailed):
		return NewProblemDetails(
			http.StatusForbidden,
			"/errors/integrity-check-failed",
			"Session Integrity Check Failed",
			"The offline session record failed its integrity check and has been revoked.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTEGRITY_CHECK_FAILED")

	case errors.Is(err, ErrFingerprintUnavailable):
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/fingerprint-unavailable",
			"Fingerprint Unavailable",
			"No hardware signals were available to identify this machine.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "FINGERPRINT_UNAVAILABLE")

	case errors.Is(err, ErrAlreadyRevoked):
		return NewProblemDetails(
			http.StatusConflict,
			"/errors/already-revoked",
			"Token Already Revoked",
			"This token id is already on the revocation list.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "ALREADY_REVOKED")

	case errors.Is(err, ErrNetworkUnavailable):
		return NewProblemDetails(
			http.StatusServiceUnavailable,
			"/errors/network-error",
			"Network Error",
			"Unable to reach the license authority. Please check your connection.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "NETWORK_ERROR")

	default:
		return NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing your request.",
			instance,
		).WithExtension("trace_id", traceID).
			WithExtension("error_code", "INTERNAL_ERROR")
	}
}
