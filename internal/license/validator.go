package license

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/authority"
	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/fingerprint"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/store"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

// Result cache TTLs, tiered by how quickly the answer can change.
const (
	validResultTTL    = 5 * time.Minute
	terminalResultTTL = time.Hour
	degradedResultTTL = 2 * time.Minute
)

// FingerprintSource abstracts fingerprint generation for testing.
type FingerprintSource interface {
	Generate() (*fingerprint.Fingerprint, error)
}

type cachedResult struct {
	result    domain.ValidationResult
	expiresAt time.Time
}

// Validator orchestrates a validation decision: verify the stored token,
// consult the revocation list, try the authority online, and fall back to a
// bounded offline grace session when the network is down. A reachable
// authority that says no is final; only network failure opens the offline
// path.
type Validator struct {
	fingerprints FingerprintSource
	matcher      *fingerprint.Matcher
	tolerance    fingerprint.Tolerance
	verifier     *TokenVerifier
	tokens       TokenSource
	authority    authority.Client
	revocations  *RevocationList
	sessions     *SessionManager
	bindings     store.BindingStore
	audit        *AuditLog
	metrics      *Metrics
	logger       *slog.Logger
	timeout      time.Duration
	limiter      *rate.Limiter
	group        singleflight.Group
	now          func() time.Time

	resultMu sync.RWMutex
	results  map[string]cachedResult
}

// ValidatorDeps bundles everything a Validator needs. All fields except
// Metrics are required.
type ValidatorDeps struct {
	Fingerprints FingerprintSource
	Matcher      *fingerprint.Matcher
	Tolerance    fingerprint.Tolerance
	Verifier     *TokenVerifier
	Tokens       TokenSource
	Authority    authority.Client
	Revocations  *RevocationList
	Sessions     *SessionManager
	Bindings     store.BindingStore
	Audit        *AuditLog
	Metrics      *Metrics
	Logger       *slog.Logger
	// Timeout bounds one authority round-trip.
	Timeout time.Duration
	// AuthorityMinInterval throttles how often the authority is contacted.
	// A throttled attempt counts as a network failure, not a denial.
	AuthorityMinInterval time.Duration
}

func NewValidator(deps ValidatorDeps) *Validator {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	timeout := deps.Timeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	limiter := rate.NewLimiter(rate.Inf, 1)
	if deps.AuthorityMinInterval > 0 {
		limiter = rate.NewLimiter(rate.Every(deps.AuthorityMinInterval), 1)
	}
	return &Validator{
		fingerprints: deps.Fingerprints,
		matcher:      deps.Matcher,
		tolerance:    deps.Tolerance,
		verifier:     deps.Verifier,
		tokens:       deps.Tokens,
		authority:    deps.Authority,
		revocations:  deps.Revocations,
		sessions:     deps.Sessions,
		bindings:     deps.Bindings,
		audit:        deps.Audit,
		metrics:      deps.Metrics,
		logger:       logger.With(slog.String("component", "validator")),
		timeout:      timeout,
		limiter:      limiter,
		now:          time.Now,
		results:      make(map[string]cachedResult),
	}
}

// Validate decides whether the workshop may operate right now. Terminal
// conditions come back as verdicts; the error return is reserved for
// internal failures such as an unreadable fingerprint or a broken store.
func (v *Validator) Validate(ctx context.Context, workshopID string) (domain.ValidationResult, error) {
	if v.metrics != nil {
		v.metrics.ValidationAttempts.Add(ctx, 1)
	}

	if cached, ok := v.cachedResult(workshopID); ok {
		if v.metrics != nil {
			v.metrics.ValidationCacheHits.Add(ctx, 1)
		}
		return cached, nil
	}
	if v.metrics != nil {
		v.metrics.ValidationCacheMiss.Add(ctx, 1)
	}

	// Concurrent validations for the same workshop share one decision.
	value, err, _ := v.group.Do(workshopID, func() (interface{}, error) {
		start := v.now()
		result, err := v.decide(ctx, workshopID)
		if v.metrics != nil {
			v.metrics.ValidationDuration.Record(ctx, v.now().Sub(start).Seconds())
			if result.IsValid() {
				v.metrics.ValidationSuccess.Add(ctx, 1)
			} else if err == nil {
				v.metrics.ValidationFailures.Add(ctx, 1)
			}
		}
		if err == nil {
			v.cacheResult(workshopID, result)
		}
		return result, err
	})
	result, _ := value.(domain.ValidationResult)
	return result, err
}

func (v *Validator) decide(ctx context.Context, workshopID string) (domain.ValidationResult, error) {
	fp, err := v.fingerprints.Generate()
	if err != nil {
		// No usable hardware identity means no decision at all.
		return v.terminal(domain.VerdictInvalid, "", "fingerprint_unavailable"), err
	}

	raw, err := v.tokens.Token(workshopID)
	if err != nil {
		v.logger.WarnContext(ctx, "no stored license token",
			slog.String("workshop_id", workshopID),
			slog.String("error", err.Error()),
		)
		return v.terminal(domain.VerdictInvalid, "", "not_activated"), nil
	}

	token, err := v.verifier.ParseAndVerify(raw)
	switch {
	case errors.Is(err, apperrors.ErrLicenseExpired):
		return v.terminal(domain.VerdictExpired, "", "token_expired"), nil
	case errors.Is(err, apperrors.ErrSignatureInvalid):
		v.logger.WarnContext(ctx, "license token signature rejected",
			slog.String("workshop_id", workshopID),
		)
		return v.terminal(domain.VerdictInvalid, "", "signature_invalid"), nil
	case err != nil:
		return domain.ValidationResult{}, err
	}
	if token.Subject != workshopID {
		return v.terminal(domain.VerdictInvalid, "", "subject_mismatch"), nil
	}

	revoked, err := v.revocations.IsRevoked(ctx, token.TokenID)
	if err != nil {
		return domain.ValidationResult{}, err
	}
	if revoked {
		v.audit.Append(ctx, domain.AuditOnlineValidationFailure, workshopID, map[string]string{
			"token_id": token.TokenID,
			"reason":   "token_revoked",
		})
		return v.terminal(domain.VerdictRevoked, "", "token_revoked"), nil
	}

	decision, netErr := v.consultAuthority(ctx, workshopID, token)
	if netErr == nil {
		return v.concludeOnline(ctx, workshopID, token, fp, decision)
	}

	v.logger.WarnContext(ctx, "authority unreachable, attempting offline grace",
		slog.String("workshop_id", workshopID),
		slog.String("error", netErr.Error()),
	)
	v.audit.Append(ctx, domain.AuditOnlineValidationFailure, workshopID, map[string]string{
		"token_id": token.TokenID,
		"reason":   "network_unavailable",
	})
	return v.concludeOffline(ctx, workshopID, fp)
}

// consultAuthority performs one bounded online round-trip. Any failure to
// get an answer, including local throttling, is reported as a network error.
func (v *Validator) consultAuthority(ctx context.Context, workshopID string, token *domain.LicenseToken) (*domain.AuthorityDecision, error) {
	if !v.limiter.Allow() {
		return nil, fmt.Errorf("%w: authority contact throttled", apperrors.ErrNetworkUnavailable)
	}

	callCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	start := v.now()
	decision, err := v.authority.Validate(callCtx, token)
	if v.metrics != nil {
		v.metrics.AuthorityRequests.Add(ctx, 1)
		v.metrics.AuthorityDuration.Record(ctx, v.now().Sub(start).Seconds())
	}
	if err != nil {
		if errors.Is(err, apperrors.ErrNetworkUnavailable) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		// An answer we cannot interpret is indistinguishable from no answer.
		return nil, fmt.Errorf("%w: %v", apperrors.ErrNetworkUnavailable, err)
	}
	return decision, nil
}

// concludeOnline turns an authoritative answer into a verdict. A reachable
// authority that says no never falls back to offline grace.
func (v *Validator) concludeOnline(ctx context.Context, workshopID string, token *domain.LicenseToken, fp *fingerprint.Fingerprint, decision *domain.AuthorityDecision) (domain.ValidationResult, error) {
	if !decision.Valid {
		reason := decision.Reason
		if reason == "" {
			reason = "authority_denied"
		}
		verdict := domain.VerdictInvalid
		switch reason {
		case "revoked", "token_revoked":
			verdict = domain.VerdictRevoked
			// Persist the authority's decision so the next offline period
			// cannot resurrect the token.
			if err := v.revocations.Revoke(ctx, token.TokenID, "authority_revoked", workshopID, token.ExpiresAt); err != nil &&
				!errors.Is(err, apperrors.ErrAlreadyRevoked) {
				v.logger.ErrorContext(ctx, "failed to persist authority revocation",
					slog.String("token_id", maskTokenID(token.TokenID)),
					slog.String("error", err.Error()),
				)
			}
		case "expired", "token_expired":
			verdict = domain.VerdictExpired
		}
		v.audit.Append(ctx, domain.AuditOnlineValidationFailure, workshopID, map[string]string{
			"token_id": token.TokenID,
			"reason":   reason,
		})
		return v.terminal(verdict, "", reason), nil
	}

	binding, err := v.bindings.Binding(ctx, workshopID)
	if errors.Is(err, apperrors.ErrBindingNotFound) {
		// First confirmed online validation on this install binds it.
		binding = &domain.BusinessBinding{
			WorkshopID:          workshopID,
			HardwarePrimaryHash: fp.PrimaryHash,
			ComponentHashes:     fp.HashedComponents(),
			BoundAt:             v.now().UTC(),
		}
		if err := v.bindings.SaveBinding(ctx, binding); err != nil {
			return domain.ValidationResult{}, fmt.Errorf("failed to create initial binding: %w", err)
		}
		v.audit.Append(ctx, domain.AuditWorkshopRebound, workshopID, map[string]string{
			"hardware_hash": maskFingerprint(fp.PrimaryHash),
			"initial":       "true",
		})
	} else if err != nil {
		return domain.ValidationResult{}, err
	} else {
		// Online validation holds the binding to the strictest standard.
		match := v.matcher.MatchHashed(binding.ComponentHashes, binding.HardwarePrimaryHash, fp, fingerprint.Strict)
		if !match.Matched {
			if v.metrics != nil {
				v.metrics.FingerprintMismatches.Add(ctx, 1)
			}
			v.audit.Append(ctx, domain.AuditHardwareMismatch, workshopID, map[string]string{
				"tolerance":  match.Tolerance,
				"mismatched": fmt.Sprintf("%v", match.Mismatched),
			})
			return v.terminal(domain.VerdictInvalid, "", "hardware_mismatch"), nil
		}
	}

	if err := v.sessions.CloseActive(ctx, workshopID); err != nil {
		v.logger.ErrorContext(ctx, "failed to close offline session after online success",
			slog.String("workshop_id", workshopID),
			slog.String("error", err.Error()),
		)
	}
	v.audit.Append(ctx, domain.AuditOnlineValidationSuccess, workshopID, map[string]string{
		"token_id": token.TokenID,
	})
	return domain.ValidationResult{
		Verdict:     domain.VerdictValid,
		Mode:        domain.ModeOnline,
		ValidatedAt: v.now().UTC(),
	}, nil
}

// concludeOffline grants or refuses bounded grace when the authority cannot
// be reached.
func (v *Validator) concludeOffline(ctx context.Context, workshopID string, fp *fingerprint.Fingerprint) (domain.ValidationResult, error) {
	binding, err := v.bindings.Binding(ctx, workshopID)
	if errors.Is(err, apperrors.ErrBindingNotFound) {
		// Never validated online; grace has nothing to anchor to.
		return v.terminal(domain.VerdictInvalid, "", "not_bound"), nil
	}
	if err != nil {
		return domain.ValidationResult{}, err
	}

	match := v.matcher.MatchHashed(binding.ComponentHashes, binding.HardwarePrimaryHash, fp, v.tolerance)
	if !match.Matched {
		if v.metrics != nil {
			v.metrics.FingerprintMismatches.Add(ctx, 1)
		}
		v.audit.Append(ctx, domain.AuditHardwareMismatch, workshopID, map[string]string{
			"tolerance":  match.Tolerance,
			"mismatched": fmt.Sprintf("%v", match.Mismatched),
		})
		return v.terminal(domain.VerdictInvalid, "", "hardware_mismatch"), nil
	}

	session, created, err := v.sessions.GetOrCreate(ctx, workshopID, fp)
	if err != nil {
		return domain.ValidationResult{}, err
	}

	if session.Status == domain.SessionActive && !created {
		session, err = v.sessions.RecordActivity(ctx, session.SessionID, fp)
		switch {
		case errors.Is(err, apperrors.ErrIntegrityCheckFailed):
			return v.terminal(domain.VerdictInvalid, "", "integrity_check_failed"), nil
		case errors.Is(err, apperrors.ErrHardwareMismatch):
			return v.terminal(domain.VerdictInvalid, "", "hardware_mismatch"), nil
		case err != nil:
			return domain.ValidationResult{}, err
		}
	}

	switch session.Status {
	case domain.SessionActive:
		return domain.ValidationResult{
			Verdict:        domain.VerdictValid,
			Mode:           domain.ModeOfflineGrace,
			RemainingGrace: v.sessions.RemainingGrace(session),
			ValidatedAt:    v.now().UTC(),
		}, nil
	case domain.SessionExpired:
		return v.terminal(domain.VerdictExpired, domain.ModeOfflineGrace, "grace_expired"), nil
	default:
		return v.terminal(domain.VerdictRevoked, domain.ModeOfflineGrace, "session_revoked"), nil
	}
}

// GetStatus reports the current standing without forcing an authority
// round-trip when a fresh decision is cached.
func (v *Validator) GetStatus(ctx context.Context, workshopID string) (domain.LicenseStatus, error) {
	result, ok := v.cachedResult(workshopID)
	if !ok {
		var err error
		result, err = v.Validate(ctx, workshopID)
		if err != nil {
			return domain.LicenseStatus{}, err
		}
	}
	return domain.LicenseStatus{
		WorkshopID:     workshopID,
		IsValid:        result.IsValid(),
		Mode:           result.Mode,
		RemainingGrace: result.RemainingGrace,
		LastValidated:  result.ValidatedAt,
	}, nil
}

// RevokeToken adds a token to the local revocation list. When the token's
// own expiry is unknown the record is retained for a conservative year.
func (v *Validator) RevokeToken(ctx context.Context, tokenID, reason, workshopID string, originalExpiry time.Time) error {
	if originalExpiry.IsZero() {
		originalExpiry = v.now().Add(365 * 24 * time.Hour)
	}
	if err := v.revocations.Revoke(ctx, tokenID, reason, workshopID, originalExpiry); err != nil {
		return err
	}
	if workshopID != "" {
		v.invalidateResult(workshopID)
	}
	return nil
}

// Rebind moves the workshop's binding to the current hardware. Standing
// grace from the old hardware is revoked; the next validation decides from
// scratch.
func (v *Validator) Rebind(ctx context.Context, workshopID, businessName string) (*domain.BusinessBinding, error) {
	fp, err := v.fingerprints.Generate()
	if err != nil {
		return nil, err
	}

	binding := &domain.BusinessBinding{
		WorkshopID:          workshopID,
		BusinessName:        businessName,
		HardwarePrimaryHash: fp.PrimaryHash,
		ComponentHashes:     fp.HashedComponents(),
		BoundAt:             v.now().UTC(),
	}
	if err := v.bindings.SaveBinding(ctx, binding); err != nil {
		return nil, fmt.Errorf("failed to save binding for %s: %w", workshopID, err)
	}

	if err := v.sessions.RevokeActive(ctx, workshopID, "workshop_rebound"); err != nil {
		v.logger.ErrorContext(ctx, "failed to revoke session during rebind",
			slog.String("workshop_id", workshopID),
			slog.String("error", err.Error()),
		)
	}
	v.invalidateResult(workshopID)

	v.audit.Append(ctx, domain.AuditWorkshopRebound, workshopID, map[string]string{
		"hardware_hash": maskFingerprint(fp.PrimaryHash),
		"business_name": businessName,
	})
	v.logger.InfoContext(ctx, "workshop rebound to current hardware",
		slog.String("workshop_id", workshopID),
		slog.String("hardware_hash", maskFingerprint(fp.PrimaryHash)),
	)
	return binding, nil
}

// AuditEvents exposes the trail for the transport layer.
func (v *Validator) AuditEvents(ctx context.Context, filter store.AuditFilter) ([]domain.AuditEvent, error) {
	return v.audit.Query(ctx, filter)
}

func (v *Validator) terminal(verdict domain.Verdict, mode domain.ValidationMode, reason string) domain.ValidationResult {
	return domain.ValidationResult{
		Verdict:     verdict,
		Mode:        mode,
		Reason:      reason,
		ValidatedAt: v.now().UTC(),
	}
}

func (v *Validator) cachedResult(workshopID string) (domain.ValidationResult, bool) {
	v.resultMu.RLock()
	defer v.resultMu.RUnlock()
	cached, ok := v.results[workshopID]
	if !ok || v.now().After(cached.expiresAt) {
		return domain.ValidationResult{}, false
	}
	return cached.result, true
}

func (v *Validator) cacheResult(workshopID string, result domain.ValidationResult) {
	ttl := terminalResultTTL
	switch {
	case result.IsValid() && result.Mode == domain.ModeOnline:
		ttl = validResultTTL
	case result.IsValid():
		ttl = degradedResultTTL
	case result.Reason == "grace_expired":
		// Recovers as soon as the authority is reachable again.
		ttl = degradedResultTTL
	}
	v.resultMu.Lock()
	v.results[workshopID] = cachedResult{result: result, expiresAt: v.now().Add(ttl)}
	v.resultMu.Unlock()
}

func (v *Validator) invalidateResult(workshopID string) {
	v.resultMu.Lock()
	delete(v.results, workshopID)
	v.resultMu.Unlock()
}
