package license

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/fingerprint"
	"github.com/saidaladawi/universal-workshop-erp-sub013/internal/store"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

type fakeAuthority struct {
	mu       sync.Mutex
	decision *domain.AuthorityDecision
	err      error
	calls    int
}

func (f *fakeAuthority) Validate(ctx context.Context, token *domain.LicenseToken) (*domain.AuthorityDecision, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return f.decision, nil
}

func (f *fakeAuthority) set(decision *domain.AuthorityDecision, err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.decision = decision
	f.err = err
}

func (f *fakeAuthority) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeTokenSource map[string]string

func (f fakeTokenSource) Token(workshopID string) (string, error) {
	raw, ok := f[workshopID]
	if !ok {
		return "", errors.New("no token on disk")
	}
	return raw, nil
}

type fixedFingerprintSource struct {
	fp  *fingerprint.Fingerprint
	err error
}

func (f *fixedFingerprintSource) Generate() (*fingerprint.Fingerprint, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.fp, nil
}

type validatorHarness struct {
	validator    *Validator
	authority    *fakeAuthority
	fingerprints *fixedFingerprintSource
	sessions     *SessionManager
	revocations  *RevocationList
	audit        *AuditLog
	store        *store.FileStore
	clock        *fakeClock
	signer       *testAuthority
	tokenID      string
	tokenExpiry  time.Time
}

func newValidatorHarness(t *testing.T) *validatorHarness {
	t.Helper()
	fs := newTestStore(t)
	clock := newFakeClock(time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC))

	signer := newTestAuthority(t)
	verifier, err := NewTokenVerifier(signer.publicPEM)
	require.NoError(t, err)
	verifier.now = clock.Now

	tokenExpiry := clock.Now().Add(365 * 24 * time.Hour)
	raw := signer.mintToken(t, "tok-1", "ws-001", clock.Now().Add(-time.Hour), tokenExpiry)

	audit := NewAuditLog(fs, nil, nil)
	audit.now = clock.Now
	revocations := NewRevocationList(fs, audit, nil, nil)
	revocations.now = clock.Now
	sessions := NewSessionManager(fs, audit, nil, nil, 24*time.Hour, 50)
	sessions.now = clock.Now

	authority := &fakeAuthority{decision: &domain.AuthorityDecision{Valid: true}}
	fingerprints := &fixedFingerprintSource{fp: defaultTestFingerprint(t)}

	validator := NewValidator(ValidatorDeps{
		Fingerprints: fingerprints,
		Matcher:      fingerprint.NewMatcher(1),
		Tolerance:    fingerprint.Medium,
		Verifier:     verifier,
		Tokens:       fakeTokenSource{"ws-001": raw},
		Authority:    authority,
		Revocations:  revocations,
		Sessions:     sessions,
		Bindings:     fs,
		Audit:        audit,
		Logger:       nil,
		Timeout:      5 * time.Second,
	})
	validator.now = clock.Now

	return &validatorHarness{
		validator:    validator,
		authority:    authority,
		fingerprints: fingerprints,
		sessions:     sessions,
		revocations:  revocations,
		audit:        audit,
		store:        fs,
		clock:        clock,
		signer:       signer,
		tokenID:      "tok-1",
		tokenExpiry:  tokenExpiry,
	}
}

// bindOnline performs one successful online validation so the workshop has a
// business binding to anchor later offline checks.
func (h *validatorHarness) bindOnline(t *testing.T) {
	t.Helper()
	result, err := h.validator.Validate(context.Background(), "ws-001")
	require.NoError(t, err)
	require.Equal(t, domain.VerdictValid, result.Verdict)
	require.Equal(t, domain.ModeOnline, result.Mode)
	h.validator.invalidateResult("ws-001")
}

func TestValidateOnlineSuccessCreatesBinding(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()

	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictValid, result.Verdict)
	assert.Equal(t, domain.ModeOnline, result.Mode)

	binding, err := h.store.Binding(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, h.fingerprints.fp.PrimaryHash, binding.HardwarePrimaryHash)
	assert.NotEmpty(t, binding.ComponentHashes)

	events, err := h.audit.Query(ctx, store.AuditFilter{Type: domain.AuditOnlineValidationSuccess})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestValidateFallsBackToOfflineGrace(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()
	h.bindOnline(t)

	h.authority.set(nil, apperrors.ErrNetworkUnavailable)

	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictValid, result.Verdict)
	assert.Equal(t, domain.ModeOfflineGrace, result.Mode)
	assert.Equal(t, 24*time.Hour, result.RemainingGrace)

	events, err := h.audit.Query(ctx, store.AuditFilter{Type: domain.AuditOfflineSessionCreated})
	require.NoError(t, err)
	assert.Len(t, events, 1)
}

func TestValidateExpiresAfterGraceWindow(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()
	h.bindOnline(t)
	h.authority.set(nil, apperrors.ErrNetworkUnavailable)

	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	require.Equal(t, domain.ModeOfflineGrace, result.Mode)

	// Twenty hours in, still within grace.
	h.clock.Advance(20 * time.Hour)
	result, err = h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictValid, result.Verdict)
	assert.Equal(t, 4*time.Hour, result.RemainingGrace)

	// Past the window the verdict flips and stays flipped.
	h.clock.Advance(5 * time.Hour)
	result, err = h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictExpired, result.Verdict)
	assert.Equal(t, "grace_expired", result.Reason)

	// Recovery requires the authority, which is back online now.
	h.authority.set(&domain.AuthorityDecision{Valid: true}, nil)
	h.clock.Advance(3 * time.Minute)
	result, err = h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictValid, result.Verdict)
	assert.Equal(t, domain.ModeOnline, result.Mode)
}

func TestAuthorityDenialIsFinal(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()
	h.bindOnline(t)

	h.authority.set(&domain.AuthorityDecision{Valid: false, Reason: "expired"}, nil)

	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictExpired, result.Verdict)

	// A reachable authority saying no must never open offline grace.
	_, err = h.store.ActiveSession(ctx, "ws-001")
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestAuthorityRevocationIsPersistedLocally(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()
	h.bindOnline(t)

	h.authority.set(&domain.AuthorityDecision{Valid: false, Reason: "revoked"}, nil)

	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictRevoked, result.Verdict)

	revoked, err := h.revocations.IsRevoked(ctx, h.tokenID)
	require.NoError(t, err)
	assert.True(t, revoked, "an authority revocation must survive the next offline period")
}

func TestLocallyRevokedTokenShortCircuits(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()

	require.NoError(t, h.validator.RevokeToken(ctx, h.tokenID, "stolen card", "ws-001", h.tokenExpiry))

	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictRevoked, result.Verdict)
	assert.Equal(t, 0, h.authority.callCount(), "a revoked token needs no authority round-trip")
}

func TestRevokeTokenTwice(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()

	require.NoError(t, h.validator.RevokeToken(ctx, h.tokenID, "fraud", "ws-001", h.tokenExpiry))
	err := h.validator.RevokeToken(ctx, h.tokenID, "fraud again", "ws-001", h.tokenExpiry)
	require.ErrorIs(t, err, apperrors.ErrAlreadyRevoked)
}

func TestOfflineWithoutBindingIsInvalid(t *testing.T) {
	h := newValidatorHarness(t)
	h.authority.set(nil, apperrors.ErrNetworkUnavailable)

	result, err := h.validator.Validate(context.Background(), "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInvalid, result.Verdict)
	assert.Equal(t, "not_bound", result.Reason)
}

func TestOfflineToleratesBoundedHardwareDrift(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()
	h.bindOnline(t)
	h.authority.set(nil, apperrors.ErrNetworkUnavailable)

	// One component changed: inside the medium drift budget.
	h.fingerprints.fp = testFingerprint(t, map[string]string{
		"cpu_id":      "cpu-1",
		"disk_serial": "disk-1",
		"mac_address": "mac-replaced",
		"os_uuid":     "uuid-1",
		"hostname":    "host-1",
	})

	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictValid, result.Verdict)
	assert.Equal(t, domain.ModeOfflineGrace, result.Mode)
}

func TestOfflineRejectsExcessiveHardwareDrift(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()
	h.bindOnline(t)
	h.authority.set(nil, apperrors.ErrNetworkUnavailable)

	h.fingerprints.fp = testFingerprint(t, map[string]string{
		"cpu_id":      "cpu-replaced",
		"disk_serial": "disk-replaced",
		"mac_address": "mac-replaced",
		"os_uuid":     "uuid-1",
		"hostname":    "host-1",
	})

	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInvalid, result.Verdict)
	assert.Equal(t, "hardware_mismatch", result.Reason)

	events, err := h.audit.Query(ctx, store.AuditFilter{Type: domain.AuditHardwareMismatch})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestValidateRejectsBadSignature(t *testing.T) {
	h := newValidatorHarness(t)

	intruder := newTestAuthority(t)
	forged := intruder.mintToken(t, "tok-forged", "ws-001", h.clock.Now(), h.clock.Now().Add(time.Hour))
	h.validator.tokens = fakeTokenSource{"ws-001": forged}

	result, err := h.validator.Validate(context.Background(), "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInvalid, result.Verdict)
	assert.Equal(t, "signature_invalid", result.Reason)
	assert.Equal(t, 0, h.authority.callCount())
}

func TestValidateRejectsSubjectMismatch(t *testing.T) {
	h := newValidatorHarness(t)

	other := h.signer.mintToken(t, "tok-2", "ws-elsewhere", h.clock.Now(), h.clock.Now().Add(time.Hour))
	h.validator.tokens = fakeTokenSource{"ws-001": other}

	result, err := h.validator.Validate(context.Background(), "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInvalid, result.Verdict)
	assert.Equal(t, "subject_mismatch", result.Reason)
}

func TestValidateWithoutStoredToken(t *testing.T) {
	h := newValidatorHarness(t)
	result, err := h.validator.Validate(context.Background(), "ws-other")
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictInvalid, result.Verdict)
	assert.Equal(t, "not_activated", result.Reason)
}

func TestValidateSurfacesFingerprintFailure(t *testing.T) {
	h := newValidatorHarness(t)
	h.fingerprints.err = apperrors.ErrFingerprintUnavailable

	_, err := h.validator.Validate(context.Background(), "ws-001")
	require.ErrorIs(t, err, apperrors.ErrFingerprintUnavailable)
}

func TestValidateServesCachedResult(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()

	_, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	_, err = h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, 1, h.authority.callCount(), "second call within the TTL must not hit the authority")

	h.clock.Advance(6 * time.Minute)
	_, err = h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, 2, h.authority.callCount())
}

func TestOnlineSuccessClosesOfflineSession(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()
	h.bindOnline(t)

	h.authority.set(nil, apperrors.ErrNetworkUnavailable)
	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	require.Equal(t, domain.ModeOfflineGrace, result.Mode)

	h.authority.set(&domain.AuthorityDecision{Valid: true}, nil)
	h.clock.Advance(3 * time.Minute)

	result, err = h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, domain.ModeOnline, result.Mode)

	_, err = h.store.ActiveSession(ctx, "ws-001")
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)
}

func TestGetStatusReflectsLastDecision(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()

	status, err := h.validator.GetStatus(ctx, "ws-001")
	require.NoError(t, err)
	assert.True(t, status.IsValid)
	assert.Equal(t, domain.ModeOnline, status.Mode)
	assert.Equal(t, "ws-001", status.WorkshopID)

	// Served from the cached decision.
	assert.Equal(t, 1, h.authority.callCount())
	_, err = h.validator.GetStatus(ctx, "ws-001")
	require.NoError(t, err)
	assert.Equal(t, 1, h.authority.callCount())
}

func TestRebindMovesBindingAndRevokesGrace(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()
	h.bindOnline(t)

	h.authority.set(nil, apperrors.ErrNetworkUnavailable)
	result, err := h.validator.Validate(ctx, "ws-001")
	require.NoError(t, err)
	require.Equal(t, domain.ModeOfflineGrace, result.Mode)

	h.fingerprints.fp = testFingerprint(t, map[string]string{
		"cpu_id":      "cpu-new",
		"disk_serial": "disk-new",
		"mac_address": "mac-new",
		"os_uuid":     "uuid-new",
		"hostname":    "host-new",
	})

	binding, err := h.validator.Rebind(ctx, "ws-001", "Al Noor Garage")
	require.NoError(t, err)
	assert.Equal(t, h.fingerprints.fp.PrimaryHash, binding.HardwarePrimaryHash)
	assert.Equal(t, "Al Noor Garage", binding.BusinessName)

	// The old hardware's grace session is gone.
	_, err = h.store.ActiveSession(ctx, "ws-001")
	require.ErrorIs(t, err, apperrors.ErrSessionNotFound)

	events, err := h.audit.Query(ctx, store.AuditFilter{Type: domain.AuditWorkshopRebound})
	require.NoError(t, err)
	assert.NotEmpty(t, events)
}

func TestConcurrentValidationsShareOneDecision(t *testing.T) {
	h := newValidatorHarness(t)
	ctx := context.Background()

	const goroutines = 8
	var wg sync.WaitGroup
	results := make([]domain.ValidationResult, goroutines)
	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			result, err := h.validator.Validate(ctx, "ws-001")
			if assert.NoError(t, err) {
				results[i] = result
			}
		}(i)
	}
	wg.Wait()

	for _, result := range results {
		assert.Equal(t, domain.VerdictValid, result.Verdict)
	}
	assert.Equal(t, 1, h.authority.callCount(), "concurrent validations must coalesce")
}
