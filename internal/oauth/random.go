package oauth

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

// randomToken returns n bytes from crypto/rand, base64url encoded.
func randomToken(n int) (string, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to read random bytes: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}
