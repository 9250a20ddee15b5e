package memstore

import (
	"context"
	"sort"
	"time"

	"github.com/alecgard/outpost/internal/job"
	"github.com/google/uuid"
)

// Jobs implements the job store used by job creation, dispatch and the
// sweepers.
type Jobs struct{ *db }

var _ job.Creator = (*Jobs)(nil)

func copyJob(j *job.Job) *job.Job {
	cp := *j
	cp.Payload = append([]byte(nil), j.Payload...)
	return &cp
}

// Create inserts a job or recurring template.
func (s *Jobs) Create(_ context.Context, in job.CreateInput) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	j := &job.Job{
		ID:          uuid.NewString(),
		TenantID:    in.TenantID,
		AgentName:   in.AgentName,
		Type:        in.Type,
		Payload:     append([]byte(nil), in.Payload...),
		Status:      job.StatusQueued,
		Approved:    in.Approved,
		CreatedAt:   time.Now().Add(time.Duration(s.seq)),
		ScheduledAt: in.ScheduledAt,
		IsRecurring: in.IsRecurring,
		NextRunAt:   in.NextRunAt,
	}
	if in.IsRecurring {
		j.RecurrencePattern = ptr(in.RecurrencePattern)
	}
	s.jobs[j.ID] = j
	return copyJob(j), nil
}

// Insert stores j as is. Tests use it to seed rows the service would reject.
func (s *Jobs) Insert(j *job.Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if j.ID == "" {
		j.ID = uuid.NewString()
	}
	s.jobs[j.ID] = copyJob(j)
}

// Get retrieves a job by id.
func (s *Jobs) Get(_ context.Context, id string) (*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return nil, job.ErrNotFound
	}
	return copyJob(j), nil
}

// Claim moves up to limit of the agent's oldest deliverable jobs to
// delivered and returns them, oldest first.
func (s *Jobs) Claim(_ context.Context, tenantID, agentName string, limit int, now time.Time) ([]job.Delivery, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*job.Job
	for _, j := range s.jobs {
		if j.TenantID != tenantID || j.AgentName != agentName || j.Status != job.StatusQueued || j.IsRecurring {
			continue
		}
		if j.ScheduledAt != nil && j.ScheduledAt.After(now) {
			continue
		}
		due = append(due, j)
	}
	sort.Slice(due, func(i, k int) bool {
		if due[i].CreatedAt.Equal(due[k].CreatedAt) {
			return due[i].ID < due[k].ID
		}
		return due[i].CreatedAt.Before(due[k].CreatedAt)
	})
	if len(due) > limit {
		due = due[:limit]
	}

	out := make([]job.Delivery, 0, len(due))
	for _, j := range due {
		j.Status = job.StatusDelivered
		j.DeliveredAt = ptr(now)
		out = append(out, job.Delivery{
			ID:       j.ID,
			Type:     j.Type,
			Payload:  append([]byte(nil), j.Payload...),
			Approved: j.Approved,
		})
	}
	return out, nil
}

// MarkDone completes a delivered job owned by the agent.
func (s *Jobs) MarkDone(_ context.Context, tenantID, agentName, id string, now time.Time) error {
	return s.finish(tenantID, agentName, id, job.StatusDone, nil, now)
}

// MarkFailed fails a delivered job owned by the agent.
func (s *Jobs) MarkFailed(_ context.Context, tenantID, agentName, id, reason string, now time.Time) error {
	return s.finish(tenantID, agentName, id, job.StatusFailed, &reason, now)
}

func (s *Jobs) finish(tenantID, agentName, id, status string, reason *string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok || j.TenantID != tenantID || j.AgentName != agentName || j.IsRecurring {
		return job.ErrNotFound
	}
	if j.Status == job.StatusDelivered {
		j.Status = status
		j.CompletedAt = ptr(now)
		j.FailureReason = reason
		return nil
	}
	if j.Status == status {
		return nil
	}
	return job.ErrNotFound
}

// MarkMalformed fails a claimed row that could not be delivered.
func (s *Jobs) MarkMalformed(_ context.Context, id string, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return job.ErrNotFound
	}
	if j.Status == job.StatusDelivered {
		j.Status = job.StatusFailed
		j.CompletedAt = ptr(now)
		j.FailureReason = ptr(job.MalformedReason)
	}
	return nil
}

// Reclaim returns every job delivered at or before cutoff to the queue.
func (s *Jobs) Reclaim(_ context.Context, cutoff time.Time) ([]job.Reclaimed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []job.Reclaimed
	for _, j := range s.jobs {
		if j.Status != job.StatusDelivered || j.DeliveredAt == nil || j.DeliveredAt.After(cutoff) {
			continue
		}
		j.Status = job.StatusQueued
		j.DeliveredAt = nil
		out = append(out, job.Reclaimed{ID: j.ID, AgentName: j.AgentName, Type: j.Type})
	}
	return out, nil
}

// DueTemplates lists approved recurring templates whose next run has come.
func (s *Jobs) DueTemplates(_ context.Context, now time.Time, limit int) ([]*job.Job, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if s.due(j, now) {
			out = append(out, copyJob(j))
		}
	}
	sort.Slice(out, func(i, k int) bool {
		if out[i].NextRunAt.Equal(*out[k].NextRunAt) {
			return out[i].ID < out[k].ID
		}
		return out[i].NextRunAt.Before(*out[k].NextRunAt)
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Jobs) due(j *job.Job, now time.Time) bool {
	return j.IsRecurring && j.Approved && j.NextRunAt != nil && !j.NextRunAt.After(now)
}

// Materialize inserts one queued instance of the template and advances its
// schedule.
func (s *Jobs) Materialize(_ context.Context, templateID string, now time.Time, next time.Time) (*job.Materialized, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.jobs[templateID]
	if !ok || !s.due(t, now) {
		return nil, job.ErrNotDue
	}

	s.seq++
	inst := &job.Job{
		ID:          uuid.NewString(),
		TenantID:    t.TenantID,
		AgentName:   t.AgentName,
		Type:        t.Type,
		Payload:     append([]byte(nil), t.Payload...),
		Status:      job.StatusQueued,
		Approved:    true,
		CreatedAt:   now.Add(time.Duration(s.seq)),
		ParentJobID: ptr(t.ID),
	}
	s.jobs[inst.ID] = inst
	t.LastRunAt = ptr(now)
	t.NextRunAt = ptr(next)

	return &job.Materialized{TemplateID: t.ID, InstanceID: inst.ID, NextRunAt: ptr(next)}, nil
}

// Disable clears a template's next run.
func (s *Jobs) Disable(_ context.Context, templateID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t, ok := s.jobs[templateID]; ok && t.IsRecurring {
		t.NextRunAt = nil
	}
	return nil
}

// Children returns the instances materialized from a template.
func (s *Jobs) Children(templateID string) []*job.Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*job.Job
	for _, j := range s.jobs {
		if j.ParentJobID != nil && *j.ParentJobID == templateID {
			out = append(out, copyJob(j))
		}
	}
	return out
}
