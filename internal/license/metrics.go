package license

import (
	"fmt"

	"go.opentelemetry.io/otel/metric"
)

const MeterName = "license-validator"

// Metrics holds the license-specific OpenTelemetry instruments.
type Metrics struct {
	ValidationAttempts  metric.Int64Counter
	ValidationSuccess   metric.Int64Counter
	ValidationFailures  metric.Int64Counter
	ValidationDuration  metric.Float64Histogram
	ValidationCacheHits metric.Int64Counter
	ValidationCacheMiss metric.Int64Counter

	AuthorityRequests metric.Int64Counter
	AuthorityDuration metric.Float64Histogram

	OfflineSessionsCreated metric.Int64Counter
	OfflineSessionsRenewed metric.Int64Counter
	OfflineSessionsExpired metric.Int64Counter

	FingerprintMismatches metric.Int64Counter
	IntegrityFailures     metric.Int64Counter
	TokenRevocations      metric.Int64Counter
	AuditEventsDropped    metric.Int64Counter
}

// NewMetrics registers every license instrument against the meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	if m.ValidationAttempts, err = meter.Int64Counter(
		"license_validation_attempts_total",
		metric.WithDescription("Total number of license validation attempts"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation attempts counter: %w", err)
	}

	if m.ValidationSuccess, err = meter.Int64Counter(
		"license_validation_success_total",
		metric.WithDescription("Total number of successful license validations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation success counter: %w", err)
	}

	if m.ValidationFailures, err = meter.Int64Counter(
		"license_validation_failures_total",
		metric.WithDescription("Total number of failed license validations"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation failures counter: %w", err)
	}

	if m.ValidationDuration, err = meter.Float64Histogram(
		"license_validation_duration_seconds",
		metric.WithDescription("License validation duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create validation duration histogram: %w", err)
	}

	if m.ValidationCacheHits, err = meter.Int64Counter(
		"license_validation_cache_hits_total",
		metric.WithDescription("Validation results served from the per-workshop cache"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache hit counter: %w", err)
	}

	if m.ValidationCacheMiss, err = meter.Int64Counter(
		"license_validation_cache_misses_total",
		metric.WithDescription("Validation calls that bypassed the result cache"),
	); err != nil {
		return nil, fmt.Errorf("failed to create cache miss counter: %w", err)
	}

	if m.AuthorityRequests, err = meter.Int64Counter(
		"license_authority_requests_total",
		metric.WithDescription("Round-trips attempted against the license authority"),
	); err != nil {
		return nil, fmt.Errorf("failed to create authority request counter: %w", err)
	}

	if m.AuthorityDuration, err = meter.Float64Histogram(
		"license_authority_duration_seconds",
		metric.WithDescription("License authority round-trip duration in seconds"),
		metric.WithUnit("s"),
	); err != nil {
		return nil, fmt.Errorf("failed to create authority duration histogram: %w", err)
	}

	if m.OfflineSessionsCreated, err = meter.Int64Counter(
		"license_offline_sessions_created_total",
		metric.WithDescription("Offline grace sessions created"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sessions created counter: %w", err)
	}

	if m.OfflineSessionsRenewed, err = meter.Int64Counter(
		"license_offline_sessions_renewed_total",
		metric.WithDescription("Offline grace session activity renewals"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sessions renewed counter: %w", err)
	}

	if m.OfflineSessionsExpired, err = meter.Int64Counter(
		"license_offline_sessions_expired_total",
		metric.WithDescription("Offline grace sessions expired"),
	); err != nil {
		return nil, fmt.Errorf("failed to create sessions expired counter: %w", err)
	}

	if m.FingerprintMismatches, err = meter.Int64Counter(
		"license_fingerprint_mismatches_total",
		metric.WithDescription("Hardware fingerprint mismatches detected"),
	); err != nil {
		return nil, fmt.Errorf("failed to create fingerprint mismatch counter: %w", err)
	}

	if m.IntegrityFailures, err = meter.Int64Counter(
		"license_integrity_failures_total",
		metric.WithDescription("Offline session integrity check failures"),
	); err != nil {
		return nil, fmt.Errorf("failed to create integrity failure counter: %w", err)
	}

	if m.TokenRevocations, err = meter.Int64Counter(
		"license_token_revocations_total",
		metric.WithDescription("License tokens added to the revocation list"),
	); err != nil {
		return nil, fmt.Errorf("failed to create revocation counter: %w", err)
	}

	if m.AuditEventsDropped, err = meter.Int64Counter(
		"license_audit_events_dropped_total",
		metric.WithDescription("Audit events that could not be persisted"),
	); err != nil {
		return nil, fmt.Errorf("failed to create audit drop counter: %w", err)
	}

	return m, nil
}
