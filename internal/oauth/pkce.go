package oauth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/base64"
	"errors"
)

const (
	PKCEMethodPlain = "plain"
	PKCEMethodS256  = "S256"
)

var errPKCEMismatch = errors.New("code_verifier does not match code_challenge")

// S256Challenge derives the S256 code challenge for a verifier.
func S256Challenge(verifier string) string {
	sum := sha256.Sum256([]byte(verifier))
	return base64.RawURLEncoding.EncodeToString(sum[:])
}

// validPKCEValue checks the RFC 7636 length and unreserved character set,
// which is the same for verifiers and challenges.
func validPKCEValue(v string) bool {
	if len(v) < 43 || len(v) > 128 {
		return false
	}
	for _, c := range v {
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9':
		case c == '-' || c == '.' || c == '_' || c == '~':
		default:
			return false
		}
	}
	return true
}

func verifyPKCE(challenge, method, verifier string) error {
	if challenge == "" {
		if verifier != "" {
			return errPKCEMismatch
		}
		return nil
	}
	if !validPKCEValue(verifier) {
		return errPKCEMismatch
	}

	expected := verifier
	if method == PKCEMethodS256 {
		expected = S256Challenge(verifier)
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(challenge)) != 1 {
		return errPKCEMismatch
	}
	return nil
}
