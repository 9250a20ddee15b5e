package agent

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/crypto"
)

// AuthAdapter wraps a TokenStore to satisfy auth.CredentialLookup.
type AuthAdapter struct {
	store  TokenStore
	sealer *crypto.Sealer
}

// NewAuthAdapter creates an adapter that bridges a TokenStore to
// auth.CredentialLookup. sealer may be nil when secrets are stored in
// plaintext.
func NewAuthAdapter(store TokenStore, sealer *crypto.Sealer) *AuthAdapter {
	return &AuthAdapter{store: store, sealer: sealer}
}

// SecretOwner is the associated data binding a sealed secret to its agent.
func SecretOwner(tenantID, name string) string {
	return tenantID + "/" + name
}

// LookupCredential resolves a token hash and unseals the agent's secret.
func (a *AuthAdapter) LookupCredential(ctx context.Context, tokenHash string) (*auth.Credential, error) {
	t, err := a.store.LookupToken(ctx, tokenHash)
	if errors.Is(err, ErrNotFound) {
		return nil, auth.ErrTokenNotFound
	}
	if err != nil {
		return nil, err
	}

	secret := t.Secret
	if secret != "" {
		secret, err = a.sealer.Open(t.Secret, SecretOwner(t.TenantID, t.AgentName))
		if err != nil {
			return nil, fmt.Errorf("unsealing secret for %s: %w", t.AgentName, err)
		}
	}

	return &auth.Credential{
		Agent:      auth.Agent{ID: t.AgentID, TenantID: t.TenantID, Name: t.AgentName},
		TokenID:    t.ID,
		Secret:     secret,
		Active:     t.Active,
		ExpiresAt:  t.ExpiresAt,
		LastUsedAt: t.LastUsedAt,
	}, nil
}

// TouchToken records the use. The first use of a token supersedes the
// agent's older tokens.
func (a *AuthAdapter) TouchToken(ctx context.Context, c *auth.Credential, at time.Time) error {
	return a.store.TouchToken(ctx, c.TokenID, c.Agent.ID, c.LastUsedAt == nil, at)
}
