// Package http exposes the license subsystem over a small chi-based API.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/infrastructure"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/license"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/store"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

// LicenseHandler serves validation, status, revocation, re-bind and audit
// requests for the local workshop install.
type LicenseHandler struct {
	validator *license.Validator
	logger    *slog.Logger
}

func NewLicenseHandler(validator *license.Validator, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		validator: validator,
		logger:    logger.With(slog.String("handler", "license")),
	}
}

// ValidateRequest asks for a fresh validation decision.
type ValidateRequest struct {
	WorkshopID string `json:"workshop_id"`
}

func (v *ValidateRequest) Bind(r *http.Request) error {
	if v.WorkshopID == "" {
		return errors.New("workshop_id is required")
	}
	if len(v.WorkshopID) > 128 {
		return errors.New("workshop_id is too long")
	}
	return nil
}

// RevokeRequest adds a token to the local revocation list.
type RevokeRequest struct {
	TokenID        string     `json:"token_id"`
	Reason         string     `json:"reason"`
	WorkshopID     string     `json:"workshop_id,omitempty"`
	OriginalExpiry *time.Time `json:"original_expiry,omitempty"`
}

func (v *RevokeRequest) Bind(r *http.Request) error {
	if v.TokenID == "" {
		return errors.New("token_id is required")
	}
	if v.Reason == "" {
		return errors.New("reason is required")
	}
	return nil
}

// RebindRequest moves the workshop binding to the current hardware.
type RebindRequest struct {
	WorkshopID   string `json:"workshop_id"`
	BusinessName string `json:"business_name"`
}

func (v *RebindRequest) Bind(r *http.Request) error {
	if v.WorkshopID == "" {
		return errors.New("workshop_id is required")
	}
	if v.BusinessName == "" {
		return errors.New("business_name is required")
	}
	return nil
}

// ValidateResponse is the wire form of a validation decision.
type ValidateResponse struct {
	Verdict               domain.Verdict        `json:"verdict"`
	Mode                  domain.ValidationMode `json:"mode,omitempty"`
	Reason                string                `json:"reason,omitempty"`
	RemainingGraceSeconds int64                 `json:"remaining_grace_seconds,omitempty"`
	ValidatedAt           time.Time             `json:"validated_at"`
	TraceID               string                `json:"trace_id,omitempty"`
}

func newValidateResponse(result domain.ValidationResult, traceID string) ValidateResponse {
	return ValidateResponse{
		Verdict:               result.Verdict,
		Mode:                  result.Mode,
		Reason:                result.Reason,
		RemainingGraceSeconds: int64(result.RemainingGrace.Seconds()),
		ValidatedAt:           result.ValidatedAt,
		TraceID:               traceID,
	}
}

// StatusResponse is the wire form of the status summary.
type StatusResponse struct {
	WorkshopID            string                `json:"workshop_id"`
	IsValid               bool                  `json:"is_valid"`
	Mode                  domain.ValidationMode `json:"mode,omitempty"`
	RemainingGraceSeconds int64                 `json:"remaining_grace_seconds,omitempty"`
	LastValidated         time.Time             `json:"last_validated,omitempty"`
}

// RebindResponse confirms the new binding.
type RebindResponse struct {
	WorkshopID   string    `json:"workshop_id"`
	BusinessName string    `json:"business_name"`
	BoundAt      time.Time `json:"bound_at"`
}

// Routes returns the chi router for license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/validate", h.Validate)
	r.Get("/status", h.GetStatus)
	r.Post("/revoke", h.Revoke)
	r.Post("/rebind", h.Rebind)
	r.Get("/audit", h.AuditEvents)

	return r
}

// Validate handles POST /api/v1/license/validate.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)
	tracer := otel.Tracer("license-handler")
	start := time.Now()

	req := &ValidateRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderBadRequest(w, r, err)
		return
	}

	ctx, span := tracer.Start(ctx, "license_handler.validate",
		trace.WithAttributes(
			attribute.String("http.route", "/api/v1/license/validate"),
			attribute.String("request_id", reqID),
			attribute.String("workshop_id", req.WorkshopID),
		),
	)
	defer span.End()

	result, err := h.validator.Validate(ctx, req.WorkshopID)
	latency := time.Since(start)
	span.SetAttributes(
		attribute.Int64("request.latency_ms", latency.Milliseconds()),
		attribute.Bool("request.success", err == nil),
	)

	if err != nil {
		span.RecordError(err)
		h.logger.ErrorContext(ctx, "validation request failed",
			slog.String("request_id", reqID),
			slog.String("workshop_id", req.WorkshopID),
			slog.Duration("latency", latency),
			slog.String("error", err.Error()),
		)
		h.renderError(w, r, err)
		return
	}

	span.SetAttributes(
		attribute.String("license.verdict", string(result.Verdict)),
		attribute.String("license.mode", string(result.Mode)),
	)
	h.logger.InfoContext(ctx, "validation request completed",
		slog.String("request_id", reqID),
		slog.String("workshop_id", req.WorkshopID),
		slog.String("verdict", string(result.Verdict)),
		slog.String("mode", string(result.Mode)),
		slog.Duration("latency", latency),
	)

	render.Status(r, http.StatusOK)
	render.JSON(w, r, newValidateResponse(result, infrastructure.TraceIDFromContext(ctx)))
}

// GetStatus handles GET /api/v1/license/status.
func (h *LicenseHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	workshopID := r.URL.Query().Get("workshop_id")
	if workshopID == "" {
		h.renderBadRequest(w, r, errors.New("workshop_id query parameter is required"))
		return
	}

	tracer := otel.Tracer("license-handler")
	ctx, span := tracer.Start(ctx, "license_handler.get_status",
		trace.WithAttributes(
			attribute.String("http.route", "/api/v1/license/status"),
			attribute.String("workshop_id", workshopID),
		),
	)
	defer span.End()

	status, err := h.validator.GetStatus(ctx, workshopID)
	if err != nil {
		span.RecordError(err)
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, StatusResponse{
		WorkshopID:            status.WorkshopID,
		IsValid:               status.IsValid,
		Mode:                  status.Mode,
		RemainingGraceSeconds: int64(status.RemainingGrace.Seconds()),
		LastValidated:         status.LastValidated,
	})
}

// Revoke handles POST /api/v1/license/revoke.
func (h *LicenseHandler) Revoke(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	req := &RevokeRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderBadRequest(w, r, err)
		return
	}

	var originalExpiry time.Time
	if req.OriginalExpiry != nil {
		originalExpiry = *req.OriginalExpiry
	}
	if err := h.validator.RevokeToken(ctx, req.TokenID, req.Reason, req.WorkshopID, originalExpiry); err != nil {
		h.logger.WarnContext(ctx, "revocation request rejected",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		h.renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, map[string]string{"status": "revoked"})
}

// Rebind handles POST /api/v1/license/rebind.
func (h *LicenseHandler) Rebind(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	reqID := middleware.GetReqID(ctx)

	req := &RebindRequest{}
	if err := render.Bind(r, req); err != nil {
		h.renderBadRequest(w, r, err)
		return
	}

	binding, err := h.validator.Rebind(ctx, req.WorkshopID, req.BusinessName)
	if err != nil {
		h.logger.ErrorContext(ctx, "rebind request failed",
			slog.String("request_id", reqID),
			slog.String("workshop_id", req.WorkshopID),
			slog.String("error", err.Error()),
		)
		h.renderError(w, r, err)
		return
	}

	render.JSON(w, r, RebindResponse{
		WorkshopID:   binding.WorkshopID,
		BusinessName: binding.BusinessName,
		BoundAt:      binding.BoundAt,
	})
}

// AuditEvents handles GET /api/v1/license/audit.
func (h *LicenseHandler) AuditEvents(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	q := r.URL.Query()

	filter := store.AuditFilter{
		WorkshopID: q.Get("workshop_id"),
		Type:       domain.AuditEventType(q.Get("type")),
	}
	if since := q.Get("since"); since != "" {
		parsed, err := time.Parse(time.RFC3339, since)
		if err != nil {
			h.renderBadRequest(w, r, errors.New("since must be RFC 3339"))
			return
		}
		filter.Since = parsed
	}
	if limit := q.Get("limit"); limit != "" {
		parsed, err := strconv.Atoi(limit)
		if err != nil || parsed < 0 {
			h.renderBadRequest(w, r, errors.New("limit must be a non-negative integer"))
			return
		}
		filter.Limit = parsed
	}

	events, err := h.validator.AuditEvents(ctx, filter)
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, map[string]interface{}{
		"events": events,
		"count":  len(events),
	})
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := infrastructure.TraceIDFromContext(r.Context())
	if renderErr := render.Render(w, r, apperrors.MapLicenseError(err, traceID)); renderErr != nil {
		http.Error(w, "failed to render error response", http.StatusInternalServerError)
	}
}

func (h *LicenseHandler) renderBadRequest(w http.ResponseWriter, r *http.Request, err error) {
	traceID := infrastructure.TraceIDFromContext(r.Context())
	problem := apperrors.NewProblemDetails(
		http.StatusBadRequest,
		"/errors/invalid-request",
		"Invalid Request",
		err.Error(),
		"/api/v1/license#trace-"+traceID,
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", "INVALID_REQUEST")
	if renderErr := render.Render(w, r, problem); renderErr != nil {
		http.Error(w, "failed to render error response", http.StatusInternalServerError)
	}
}
