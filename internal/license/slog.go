package license

import (
	"crypto/sha256"
	"encoding/hex"
)

// maskTokenID keeps enough of a token identifier to correlate log lines
// without exposing the full value.
func maskTokenID(tokenID string) string {
	if len(tokenID) <= 8 {
		return "***"
	}
	return tokenID[:4] + "****" + tokenID[len(tokenID)-4:]
}

// maskFingerprint shortens a fingerprint hash for log output.
func maskFingerprint(hash string) string {
	if len(hash) <= 12 {
		return "***"
	}
	return hash[:12] + "..."
}

// hashForLogging produces a stable non-reversible reference for a raw value.
func hashForLogging(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:8])
}
