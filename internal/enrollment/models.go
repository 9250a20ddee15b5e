package enrollment

import (
	"errors"
	"time"
)

// Sentinel errors returned by Store implementations.
var (
	ErrKeyNotFound   = errors.New("enrollment key not found")
	ErrKeyExpired    = errors.New("enrollment key expired")
	ErrKeyExhausted  = errors.New("enrollment key exhausted")
	ErrDuplicateCode = errors.New("enrollment key code already exists")
)

// Key is an enrollment key row. The plaintext code is never stored.
type Key struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Description   string    `json:"description"`
	MaxUses       int       `json:"max_uses"`
	CurrentUses   int       `json:"current_uses"`
	ExpiresAt     time.Time `json:"expires_at"`
	Active        bool      `json:"is_active"`
	LinkedAgentID *string   `json:"linked_agent_id,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewKey holds the fields for inserting a key.
type NewKey struct {
	CodeHash    string
	TenantID    string
	Description string
	MaxUses     int
	ExpiresAt   time.Time
}

// CreateKeyInput is the admin request to issue a key.
type CreateKeyInput struct {
	TenantID       string `json:"tenantId"`
	ExpiresInHours int    `json:"expiresInHours"`
	MaxUses        int    `json:"maxUses"`
	Description    string `json:"description"`
}

// IssuedKey is a newly created key together with its plaintext code, which
// is only ever shown here.
type IssuedKey struct {
	Key
	Code string `json:"code"`
}

// EnrollInput is the agent's enrollment request.
type EnrollInput struct {
	EnrollmentKey string `json:"enrollmentKey"`
	AgentName     string `json:"agentName"`
}

// RedeemInput is everything the store needs to complete an enrollment.
type RedeemInput struct {
	KeyID          string
	TenantID       string
	AgentName      string
	SealedSecret   string
	TokenHash      string
	TokenExpiresAt time.Time
	Now            time.Time
}

// Result is returned to the enrolling agent. The token and secret are never
// shown again.
type Result struct {
	AgentID    string    `json:"-"`
	AgentToken string    `json:"agentToken"`
	HMACSecret string    `json:"hmacSecret"`
	ExpiresAt  time.Time `json:"expiresAt"`
}
