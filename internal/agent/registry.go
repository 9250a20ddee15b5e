package agent

import (
	"context"
	"time"
)

// TokenStore resolves and records use of agent bearer tokens.
type TokenStore interface {
	LookupToken(ctx context.Context, tokenHash string) (*Token, error)
	// TouchToken sets last_used_at. When supersede is true it also
	// deactivates the agent's active tokens created before this one.
	TouchToken(ctx context.Context, tokenID, agentID string, supersede bool, at time.Time) error
}

// Registry is the full set of agent operations used by the HTTP layer.
type Registry interface {
	TokenStore
	GetByID(ctx context.Context, id string) (*Agent, error)
	ExistsByName(ctx context.Context, tenantID, name string) (bool, error)
	List(ctx context.Context, params ListParams) ([]*Agent, string, error)
	RecordHeartbeat(ctx context.Context, agentID string, in HeartbeatInput, at time.Time) error
	TouchLastSeen(ctx context.Context, agentID string, at time.Time) error
	MarkOffline(ctx context.Context, cutoff time.Time) (int64, error)
	RevokeTokens(ctx context.Context, agentID string) (int64, error)
	Delete(ctx context.Context, id string) error
}
