package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/alecgard/outpost/internal/report"
	"github.com/google/uuid"
)

// Reports implements the report store.
type Reports struct{ *db }

// Create stores an upload, dropping a jobId that does not name a job of the
// same agent.
func (s *Reports) Create(_ context.Context, u report.Upload) (*report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	r := report.Report{
		ID:          uuid.NewString(),
		TenantID:    u.TenantID,
		AgentName:   u.AgentName,
		Kind:        u.Kind,
		Filename:    u.Filename,
		ContentType: u.ContentType,
		SizeBytes:   int64(len(u.Content)),
		CreatedAt:   time.Now(),
	}
	if j, ok := s.jobs[u.JobID]; ok && j.TenantID == u.TenantID && j.AgentName == u.AgentName {
		r.JobID = ptr(j.ID)
	}
	s.reports[r.ID] = &reportRow{meta: r, content: append([]byte(nil), u.Content...)}
	return &r, nil
}

// Get returns a report's metadata.
func (s *Reports) Get(_ context.Context, id string) (*report.Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	r := row.meta
	return &r, nil
}

// Content returns a report's raw bytes.
func (s *Reports) Content(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	row, ok := s.reports[id]
	if !ok {
		return nil, report.ErrNotFound
	}
	return append([]byte(nil), row.content...), nil
}

// List returns report metadata, newest first.
func (s *Reports) List(_ context.Context, p report.ListParams) ([]*report.Report, error) {
	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	s.mu.Lock()
	var out []*report.Report
	for _, row := range s.reports {
		if p.TenantID != "" && row.meta.TenantID != p.TenantID {
			continue
		}
		if p.AgentName != "" && row.meta.AgentName != p.AgentName {
			continue
		}
		r := row.meta
		out = append(out, &r)
	}
	s.mu.Unlock()

	sort.Slice(out, func(i, k int) bool {
		if out[i].CreatedAt.Equal(out[k].CreatedAt) {
			return out[i].ID > out[k].ID
		}
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
