package memstore

import (
	"context"
	"time"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/enrollment"
	"github.com/google/uuid"
)

// Keys implements enrollment.KeyStore.
type Keys struct{ *db }

var _ enrollment.KeyStore = (*Keys)(nil)

// CreateKey inserts a new key.
func (s *Keys) CreateKey(_ context.Context, in enrollment.NewKey) (*enrollment.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.keys {
		if row.hash == in.CodeHash {
			return nil, enrollment.ErrDuplicateCode
		}
	}
	row := &keyRow{
		hash: in.CodeHash,
		key: enrollment.Key{
			ID:          uuid.NewString(),
			TenantID:    in.TenantID,
			Description: in.Description,
			MaxUses:     in.MaxUses,
			ExpiresAt:   in.ExpiresAt,
			Active:      true,
			CreatedAt:   time.Now(),
		},
	}
	s.keys[row.key.ID] = row
	k := row.key
	return &k, nil
}

// GetKeyByHash returns the key with the given code hash.
func (s *Keys) GetKeyByHash(_ context.Context, codeHash string) (*enrollment.Key, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, row := range s.keys {
		if row.hash == codeHash {
			k := row.key
			return &k, nil
		}
	}
	return nil, enrollment.ErrKeyNotFound
}

// DeactivateKey marks a key inactive.
func (s *Keys) DeactivateKey(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.keys[id]
	if !ok {
		return enrollment.ErrKeyNotFound
	}
	row.key.Active = false
	return nil
}

// DeactivateExpired marks every active key past its expiry inactive.
func (s *Keys) DeactivateExpired(_ context.Context, now time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, row := range s.keys {
		if row.key.Active && !row.key.ExpiresAt.After(now) {
			row.key.Active = false
			n++
		}
	}
	return n, nil
}

// PurgeInactive deletes inactive keys that expired before horizon.
func (s *Keys) PurgeInactive(_ context.Context, horizon time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, row := range s.keys {
		if !row.key.Active && row.key.ExpiresAt.Before(horizon) {
			delete(s.keys, id)
			n++
		}
	}
	return n, nil
}

// Redeem consumes one use of the key and installs the agent's credentials.
func (s *Keys) Redeem(_ context.Context, in enrollment.RedeemInput) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, ok := s.keys[in.KeyID]
	if !ok || !row.key.Active || row.key.CurrentUses >= row.key.MaxUses || !row.key.ExpiresAt.After(in.Now) {
		return "", enrollment.ErrKeyExhausted
	}
	row.key.CurrentUses++

	a := s.agentByName(in.TenantID, in.AgentName)
	if a == nil {
		s.seq++
		a = &agent.Agent{
			ID:        uuid.NewString(),
			TenantID:  in.TenantID,
			Name:      in.AgentName,
			Status:    agent.StatusPending,
			CreatedAt: in.Now.Add(time.Duration(s.seq)),
		}
		s.agents[a.ID] = a
	}
	a.HMACSecret = in.SealedSecret

	for _, t := range s.tokens {
		if t.agentID == a.ID {
			t.active = false
		}
	}
	s.seq++
	t := &tokenRow{
		id:        uuid.NewString(),
		agentID:   a.ID,
		hash:      in.TokenHash,
		active:    true,
		expiresAt: in.TokenExpiresAt,
		createdAt: in.Now.Add(time.Duration(s.seq)),
	}
	s.tokens[t.id] = t

	row.key.LinkedAgentID = ptr(a.ID)
	return a.ID, nil
}

// Get returns a key by id. It is used by tests to inspect usage counters.
func (s *Keys) Get(id string) (*enrollment.Key, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.keys[id]
	if !ok {
		return nil, false
	}
	k := row.key
	return &k, true
}
