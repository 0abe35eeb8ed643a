// Package license implements the validation core: signed token verification,
// the revocation list, bounded offline grace sessions, the audit trail, and
// the validator that orchestrates them.
package license

import (
	"crypto/ed25519"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	apperrors "github.com/saidaladawi/universal-workshop-erp-sub013/internal/errors"
	"github.com/saidaladawi/universal-workshop-erp-sub013/pkg/contracts/domain"
)

type tokenClaims struct {
	Entitlements domain.Entitlements `json:"entitlements"`
	jwt.RegisteredClaims
}

// TokenVerifier checks license token signatures against the authority's
// Ed25519 public key. The subsystem never issues or refreshes tokens.
type TokenVerifier struct {
	publicKey ed25519.PublicKey
	now       func() time.Time
}

// NewTokenVerifier parses the PEM-encoded authority public key.
func NewTokenVerifier(pemKey string) (*TokenVerifier, error) {
	block, _ := pem.Decode([]byte(pemKey))
	if block == nil {
		return nil, fmt.Errorf("authority public key is not valid PEM")
	}
	parsed, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("failed to parse authority public key: %w", err)
	}
	key, ok := parsed.(ed25519.PublicKey)
	if !ok {
		return nil, fmt.Errorf("authority public key is %T, want ed25519", parsed)
	}
	return &TokenVerifier{publicKey: key, now: time.Now}, nil
}

// ParseAndVerify validates the compact serialization and returns the typed
// token. No claim is trusted unless the signature checks out.
func (v *TokenVerifier) ParseAndVerify(raw string) (*domain.LicenseToken, error) {
	claims := &tokenClaims{}
	parsed, err := jwt.ParseWithClaims(raw, claims,
		func(t *jwt.Token) (interface{}, error) { return v.publicKey, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithTimeFunc(v.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: token past its expiry", apperrors.ErrLicenseExpired)
		}
		return nil, fmt.Errorf("%w: %v", apperrors.ErrSignatureInvalid, err)
	}
	if !parsed.Valid {
		return nil, apperrors.ErrSignatureInvalid
	}
	if claims.ID == "" || claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing token id or subject", apperrors.ErrSignatureInvalid)
	}
	if claims.IssuedAt == nil || claims.ExpiresAt == nil ||
		!claims.IssuedAt.Time.Before(claims.ExpiresAt.Time) {
		return nil, fmt.Errorf("%w: issue time not before expiry", apperrors.ErrSignatureInvalid)
	}

	return &domain.LicenseToken{
		TokenID:      claims.ID,
		Subject:      claims.Subject,
		IssuedAt:     claims.IssuedAt.Time,
		ExpiresAt:    claims.ExpiresAt.Time,
		Entitlements: claims.Entitlements,
		Raw:          raw,
	}, nil
}

// TokenSource supplies the locally stored license token for a workshop.
type TokenSource interface {
	Token(workshopID string) (string, error)
}

// FileTokenSource reads tokens from <dir>/<workshop>.jwt. Tokens are signed
// artifacts, not secrets; they are stored as written by activation.
type FileTokenSource struct {
	dir string
}

func NewFileTokenSource(dir string) *FileTokenSource {
	return &FileTokenSource{dir: dir}
}

func (s *FileTokenSource) Token(workshopID string) (string, error) {
	name := sanitizeTokenFile(workshopID) + ".jwt"
	data, err := os.ReadFile(filepath.Join(s.dir, name))
	if err != nil {
		return "", fmt.Errorf("failed to read license token for %s: %w", workshopID, err)
	}
	return strings.TrimSpace(string(data)), nil
}

func sanitizeTokenFile(workshopID string) string {
	var b strings.Builder
	for _, r := range workshopID {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
