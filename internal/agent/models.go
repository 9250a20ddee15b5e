package agent

import (
	"errors"
	"time"
)

// Agent statuses. New agents are pending until their first heartbeat; active
// agents that go quiet are marked offline by the sweeper.
const (
	StatusPending = "pending"
	StatusActive  = "active"
	StatusOffline = "offline"
)

// Sentinel errors returned by Registry implementations.
var (
	ErrNotFound      = errors.New("agent not found")
	ErrInvalidCursor = errors.New("invalid cursor")
)

// Agent represents an enrolled endpoint agent.
type Agent struct {
	ID            string     `json:"id"`
	TenantID      string     `json:"tenant_id"`
	Name          string     `json:"agent_name"`
	HMACSecret    string     `json:"-"`
	Status        string     `json:"status"`
	OSType        string     `json:"os_type,omitempty"`
	OSVersion     string     `json:"os_version,omitempty"`
	Hostname      string     `json:"hostname,omitempty"`
	LastHeartbeat *time.Time `json:"last_heartbeat,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Token is a bearer token row joined with the agent it belongs to.
// Secret is the stored, possibly sealed, HMAC secret.
type Token struct {
	ID         string
	AgentID    string
	TenantID   string
	AgentName  string
	Secret     string
	Active     bool
	ExpiresAt  time.Time
	LastUsedAt *time.Time
	CreatedAt  time.Time
}

// HeartbeatInput carries optional host metadata reported by the agent.
// Empty fields leave the stored value unchanged.
type HeartbeatInput struct {
	OSType    string `json:"os_type"`
	OSVersion string `json:"os_version"`
	Hostname  string `json:"hostname"`
}

// ListParams controls cursor-based pagination for listing agents.
type ListParams struct {
	TenantID string `json:"tenant_id"`
	Cursor   string `json:"cursor"`
	Limit    int    `json:"limit"`
}
