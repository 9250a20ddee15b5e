package memstore

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/alecgard/outpost/internal/agent"
)

// Agents implements agent.Registry.
type Agents struct{ *db }

var _ agent.Registry = (*Agents)(nil)

// LookupToken resolves a token hash to the token and its agent.
func (s *Agents) LookupToken(_ context.Context, tokenHash string) (*agent.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, t := range s.tokens {
		if t.hash != tokenHash {
			continue
		}
		a, ok := s.agents[t.agentID]
		if !ok {
			return nil, agent.ErrNotFound
		}
		tok := &agent.Token{
			ID:        t.id,
			AgentID:   a.ID,
			TenantID:  a.TenantID,
			AgentName: a.Name,
			Secret:    a.HMACSecret,
			Active:    t.active,
			ExpiresAt: t.expiresAt,
			CreatedAt: t.createdAt,
		}
		if t.lastUsedAt != nil {
			tok.LastUsedAt = ptr(*t.lastUsedAt)
		}
		return tok, nil
	}
	return nil, agent.ErrNotFound
}

// TouchToken records a use and optionally supersedes older tokens.
func (s *Agents) TouchToken(_ context.Context, tokenID, agentID string, supersede bool, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tokens[tokenID]
	if !ok {
		return nil
	}
	t.lastUsedAt = ptr(at)
	if !supersede {
		return nil
	}
	for _, other := range s.tokens {
		if other.agentID == agentID && other.id != tokenID && other.active && other.createdAt.Before(t.createdAt) {
			other.active = false
		}
	}
	return nil
}

// GetByID retrieves an agent by id.
func (s *Agents) GetByID(_ context.Context, id string) (*agent.Agent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[id]
	if !ok {
		return nil, agent.ErrNotFound
	}
	cp := *a
	return &cp, nil
}

// ExistsByName reports whether the tenant already has an agent with name.
func (s *Agents) ExistsByName(_ context.Context, tenantID, name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.agentByName(tenantID, name) != nil, nil
}

func (d *db) agentByName(tenantID, name string) *agent.Agent {
	for _, a := range d.agents {
		if a.TenantID == tenantID && a.Name == name {
			return a
		}
	}
	return nil
}

// List returns a page of agents, newest first.
func (s *Agents) List(_ context.Context, params agent.ListParams) ([]*agent.Agent, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	var cursorTime time.Time
	var cursorID string
	if params.Cursor != "" {
		var err error
		cursorTime, cursorID, err = agent.DecodeCursor(params.Cursor)
		if err != nil {
			return nil, "", fmt.Errorf("%w: %v", agent.ErrInvalidCursor, err)
		}
	}

	s.mu.Lock()
	var all []*agent.Agent
	for _, a := range s.agents {
		if params.TenantID != "" && a.TenantID != params.TenantID {
			continue
		}
		cp := *a
		all = append(all, &cp)
	}
	s.mu.Unlock()

	sort.Slice(all, func(i, j int) bool {
		if all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].ID > all[j].ID
		}
		return all[i].CreatedAt.After(all[j].CreatedAt)
	})

	var page []*agent.Agent
	for _, a := range all {
		if params.Cursor != "" {
			before := a.CreatedAt.Before(cursorTime) || (a.CreatedAt.Equal(cursorTime) && a.ID < cursorID)
			if !before {
				continue
			}
		}
		page = append(page, a)
		if len(page) > limit {
			break
		}
	}

	page, next := agent.Page(page, limit)
	return page, next, nil
}

// RecordHeartbeat marks the agent active and stores reported metadata.
func (s *Agents) RecordHeartbeat(_ context.Context, agentID string, in agent.HeartbeatInput, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.agents[agentID]
	if !ok {
		return agent.ErrNotFound
	}
	a.LastHeartbeat = ptr(at)
	a.Status = agent.StatusActive
	if in.OSType != "" {
		a.OSType = in.OSType
	}
	if in.OSVersion != "" {
		a.OSVersion = in.OSVersion
	}
	if in.Hostname != "" {
		a.Hostname = in.Hostname
	}
	return nil
}

// TouchLastSeen refreshes last_heartbeat and revives offline agents.
func (s *Agents) TouchLastSeen(_ context.Context, agentID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if a, ok := s.agents[agentID]; ok {
		a.LastHeartbeat = ptr(at)
		if a.Status == agent.StatusOffline {
			a.Status = agent.StatusActive
		}
	}
	return nil
}

// MarkOffline moves active agents silent since before cutoff to offline.
func (s *Agents) MarkOffline(_ context.Context, cutoff time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for _, a := range s.agents {
		if a.Status != agent.StatusActive {
			continue
		}
		if a.LastHeartbeat == nil || a.LastHeartbeat.Before(cutoff) {
			a.Status = agent.StatusOffline
			n++
		}
	}
	return n, nil
}

// RevokeTokens deactivates every active token of the agent.
func (s *Agents) RevokeTokens(_ context.Context, agentID string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[agentID]; !ok {
		return 0, agent.ErrNotFound
	}
	var n int64
	for _, t := range s.tokens {
		if t.agentID == agentID && t.active {
			t.active = false
			n++
		}
	}
	return n, nil
}

// Delete removes an agent and its tokens.
func (s *Agents) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.agents[id]; !ok {
		return agent.ErrNotFound
	}
	delete(s.agents, id)
	for tid, t := range s.tokens {
		if t.agentID == id {
			delete(s.tokens, tid)
		}
	}
	for _, k := range s.keys {
		if k.key.LinkedAgentID != nil && *k.key.LinkedAgentID == id {
			k.key.LinkedAgentID = nil
		}
	}
	return nil
}

// ActiveTokens returns the number of active tokens an agent holds.
func (s *Agents) ActiveTokens(agentID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, t := range s.tokens {
		if t.agentID == agentID && t.active {
			n++
		}
	}
	return n
}
