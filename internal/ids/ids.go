// Package ids generates the opaque identifiers used throughout kangklip:
// time-ordered job ids, and random hex secrets for job/auth tokens.
package ids

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"regexp"

	"github.com/oklog/ulid/v2"
)

// jobIDPattern matches the job id format: "kk_" + 26 Crockford base32
// characters.
var jobIDPattern = regexp.MustCompile(`^kk_[0-9A-HJKMNP-TV-Z]{26}$`)

// NewJobID generates a time-ordered, monotonic job id of the form
// "kk_<26-char-Crockford-base32>".
func NewJobID() string {
	id := ulid.Make()
	return "kk_" + id.String()
}

// ValidJobID reports whether s matches the job id format.
func ValidJobID(s string) bool {
	return jobIDPattern.MatchString(s)
}

// NewHexToken generates n random bytes and returns their hex encoding,
// used for job tokens and auth tokens (64 lowercase hex characters for n=32).
func NewHexToken(n int) (string, error) {
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate random token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// NewNonceHex generates a 32-byte cryptographically random nonce, hex-encoded.
func NewNonceHex() (string, error) {
	return NewHexToken(32)
}
