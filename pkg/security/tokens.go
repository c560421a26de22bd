// Package security implements the operator API tokens: HMAC-SHA256 signed
// claims in a compact payload.signature format. Tokens are minted by the
// issue-api-token utility and accepted by the admin API as an alternative to
// the static control plane token.
package security

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// Claims are the signed contents of an API token.
type Claims struct {
	User     string    `json:"user"`
	Roles    []string  `json:"roles"`
	IssuedAt time.Time `json:"issuedAt"`
	// ExpiresAt zero means the token does not expire.
	ExpiresAt time.Time `json:"expiresAt,omitzero"`
}

// HasRole reports whether the claims carry the given role.
func (c *Claims) HasRole(role string) bool {
	for _, r := range c.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// Sign serializes the claims and signs them with the shared secret. The
// result is base64url(payload) + "." + base64url(hmac).
func Sign(claims Claims, secret string) (string, error) {
	if secret == "" {
		return "", fmt.Errorf("signing secret cannot be empty")
	}
	if claims.User == "" {
		return "", fmt.Errorf("token user cannot be empty")
	}
	if claims.IssuedAt.IsZero() {
		claims.IssuedAt = time.Now().UTC()
	}

	payload, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to encode claims: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(payload)
	return encoded + "." + signature(encoded, secret), nil
}

// Verify checks the signature and expiry and returns the claims.
func Verify(token, secret string) (*Claims, error) {
	if secret == "" {
		return nil, fmt.Errorf("verification secret cannot be empty")
	}

	encoded, sig, ok := strings.Cut(token, ".")
	if !ok || encoded == "" || sig == "" {
		return nil, fmt.Errorf("token is not in payload.signature format")
	}
	if !hmac.Equal([]byte(sig), []byte(signature(encoded, secret))) {
		return nil, fmt.Errorf("token signature mismatch")
	}

	payload, err := base64.RawURLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode token payload: %w", err)
	}
	var claims Claims
	if err := json.Unmarshal(payload, &claims); err != nil {
		return nil, fmt.Errorf("failed to parse token claims: %w", err)
	}
	if !claims.ExpiresAt.IsZero() && time.Now().After(claims.ExpiresAt) {
		return nil, fmt.Errorf("token expired at %s", claims.ExpiresAt.Format(time.RFC3339))
	}
	return &claims, nil
}

func signature(encoded, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(encoded))
	return base64.RawURLEncoding.EncodeToString(mac.Sum(nil))
}
