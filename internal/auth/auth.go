package auth

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"
	"time"
)

// ErrTokenNotFound is returned by a CredentialLookup for unknown tokens.
var ErrTokenNotFound = errors.New("agent token not found")

// Agent represents an authenticated endpoint agent.
type Agent struct {
	ID       string
	TenantID string
	Name     string
}

// Credential is everything needed to verify one agent request, resolved from
// the bearer token in a single lookup.
type Credential struct {
	Agent      Agent
	TokenID    string
	Secret     string // hex HMAC secret, already unsealed
	Active     bool
	ExpiresAt  time.Time
	LastUsedAt *time.Time
}

// CredentialLookup resolves token hashes to credentials.
type CredentialLookup interface {
	LookupCredential(ctx context.Context, tokenHash string) (*Credential, error)
	// TouchToken records a successful use of the credential's token. On the
	// first use of a token, older active tokens of the same agent are
	// deactivated.
	TouchToken(ctx context.Context, c *Credential, at time.Time) error
}

// TokenPrefix starts every agent bearer token.
const TokenPrefix = "agt_"

// GenerateAgentToken creates a new opaque bearer token with the "agt_" prefix
// followed by 43 URL-safe random characters. It returns the plaintext token
// and its hash.
func GenerateAgentToken() (plaintext, hash string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", fmt.Errorf("generating random bytes: %w", err)
	}

	plaintext = TokenPrefix + base64.RawURLEncoding.EncodeToString(b)
	return plaintext, HashToken(plaintext), nil
}

// GenerateSecret returns a new 256-bit HMAC secret as 64 hex characters.
func GenerateSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("generating secret: %w", err)
	}
	return hex.EncodeToString(b), nil
}

// HashToken returns the hex-encoded SHA-256 hash of the given plaintext token.
func HashToken(plaintext string) string {
	h := sha256.Sum256([]byte(plaintext))
	return hex.EncodeToString(h[:])
}
