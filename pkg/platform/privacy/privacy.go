// Package privacy derives log-safe forms of visitor identifiers.
//
// Anonymous session tokens address a cart, so anyone holding one can read and
// mutate it. Logs, metrics labels and audit events carry a short unkeyed
// BLAKE2b fingerprint instead of the raw token.
package privacy

import (
	"encoding/hex"

	"golang.org/x/crypto/blake2b"
)

const fingerprintBytes = 8

// FingerprintToken returns a stable 16-hex-char digest of token, or "" for an
// empty token.
func FingerprintToken(token string) string {
	if token == "" {
		return ""
	}
	sum := blake2b.Sum256([]byte(token))
	return hex.EncodeToString(sum[:fingerprintBytes])
}
