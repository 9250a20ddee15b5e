package memstore

import (
	"context"

	"github.com/alecgard/outpost/internal/audit"
)

// Events implements the security event store.
type Events struct{ *db }

var _ audit.BatchInserter = (*Events)(nil)

// BatchInsert appends events, assigning increasing ids.
func (s *Events) BatchInsert(_ context.Context, events []audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range events {
		e.ID = int64(len(s.events) + 1)
		s.events = append(s.events, e)
	}
	return nil
}

// List returns the most recent events matching q, newest first.
func (s *Events) List(_ context.Context, q audit.Query) ([]*audit.Event, error) {
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*audit.Event
	for i := len(s.events) - 1; i >= 0 && len(out) < limit; i-- {
		e := s.events[i]
		if q.Code != "" && e.Code != q.Code {
			continue
		}
		if q.AgentName != "" && e.AgentName != q.AgentName {
			continue
		}
		if !q.Since.IsZero() && e.OccurredAt.Before(q.Since) {
			continue
		}
		out = append(out, &e)
	}
	return out, nil
}
