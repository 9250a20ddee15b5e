// Package dispatch hands queued jobs to polling agents and records their
// acknowledgments.
package dispatch

import (
	"context"
	"errors"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/alecgard/outpost/internal/apierr"
	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/job"
	"github.com/alecgard/outpost/internal/metrics"
)

// maxReasonLen bounds a stored failure reason.
const maxReasonLen = 1000

// JobStore is the job persistence used by Service.
type JobStore interface {
	Claim(ctx context.Context, tenantID, agentName string, limit int, now time.Time) ([]job.Delivery, error)
	MarkDone(ctx context.Context, tenantID, agentName, id string, now time.Time) error
	MarkFailed(ctx context.Context, tenantID, agentName, id, reason string, now time.Time) error
	MarkMalformed(ctx context.Context, id string, now time.Time) error
}

// Heartbeats refreshes an agent's liveness on every poll.
type Heartbeats interface {
	TouchLastSeen(ctx context.Context, agentID string, at time.Time) error
}

// Service implements poll, ack and fail.
type Service struct {
	jobs      JobStore
	agents    Heartbeats
	batchSize int
	metrics   *metrics.Metrics
	now       func() time.Time
}

// NewService creates a Service. m may be nil.
func NewService(jobs JobStore, agents Heartbeats, batchSize int, m *metrics.Metrics) *Service {
	return &Service{
		jobs:      jobs,
		agents:    agents,
		batchSize: batchSize,
		metrics:   m,
		now:       time.Now,
	}
}

// Poll claims up to the batch size of the agent's oldest deliverable jobs.
// It never fails: store errors are logged and yield an empty batch so that
// agents do not retry in a storm.
func (s *Service) Poll(ctx context.Context, a *auth.Agent) []job.Delivery {
	now := s.now()
	if err := s.agents.TouchLastSeen(ctx, a.ID, now); err != nil {
		slog.Warn("failed to update agent heartbeat on poll", "agent", a.Name, "error", err)
	}

	claimed, err := s.jobs.Claim(ctx, a.TenantID, a.Name, s.batchSize, now)
	if err != nil {
		slog.Error("failed to claim jobs", "agent", a.Name, "tenant", a.TenantID, "error", err)
		return []job.Delivery{}
	}

	out := make([]job.Delivery, 0, len(claimed))
	for _, d := range claimed {
		if !d.Valid() {
			slog.Error("dropping malformed job", "agent", a.Name, "job_id", d.ID, "type", d.Type)
			s.metrics.IncMalformed()
			if d.ID != "" {
				if err := s.jobs.MarkMalformed(ctx, d.ID, now); err != nil {
					slog.Error("failed to mark malformed job", "job_id", d.ID, "error", err)
				}
			}
			continue
		}
		out = append(out, d)
	}

	if len(out) > 0 {
		slog.Info("jobs delivered", "agent", a.Name, "count", len(out))
	}
	s.metrics.AddDelivered(len(out))
	return out
}

// Ack marks a delivered job done. Repeating an ack is harmless.
func (s *Service) Ack(ctx context.Context, a *auth.Agent, id string) error {
	err := s.jobs.MarkDone(ctx, a.TenantID, a.Name, id, s.now())
	if err := s.finishErr(err); err != nil {
		return err
	}
	slog.Info("job acknowledged", "agent", a.Name, "job_id", id)
	s.metrics.IncFinished(job.StatusDone)
	return nil
}

// Fail marks a delivered job failed with the agent's reason.
func (s *Service) Fail(ctx context.Context, a *auth.Agent, id, reason string) error {
	reason = clip(reason, maxReasonLen)
	err := s.jobs.MarkFailed(ctx, a.TenantID, a.Name, id, reason, s.now())
	if err := s.finishErr(err); err != nil {
		return err
	}
	slog.Info("job failed by agent", "agent", a.Name, "job_id", id, "reason", reason)
	s.metrics.IncFinished(job.StatusFailed)
	return nil
}

// clip cuts s to at most n bytes without splitting a rune. Postgres rejects
// invalid UTF-8 in TEXT columns.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n]
}

func (s *Service) finishErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, job.ErrNotFound) {
		return apierr.New(apierr.CodeNotFound, "job not found")
	}
	return apierr.Internal(err)
}
