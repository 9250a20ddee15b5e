package sweeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/alecgard/outpost/internal/job"
	"github.com/alecgard/outpost/internal/metrics"
)

// DefaultRecurringBatch bounds the templates handled per pass.
const DefaultRecurringBatch = 50

// TemplateStore is the persistence used by Scheduler.
type TemplateStore interface {
	DueTemplates(ctx context.Context, now time.Time, limit int) ([]*job.Job, error)
	Materialize(ctx context.Context, templateID string, now, next time.Time) (*job.Materialized, error)
	Disable(ctx context.Context, templateID string) error
}

// RunResult summarizes one scheduler pass.
type RunResult struct {
	Created  []job.Materialized `json:"created"`
	Skipped  int                `json:"skipped"`
	Disabled int                `json:"disabled"`
	Failed   int                `json:"failed"`
}

// Scheduler materializes due recurring templates into queued jobs.
type Scheduler struct {
	store   TemplateStore
	batch   int
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewScheduler creates a Scheduler. A batch below 1 uses
// DefaultRecurringBatch. m may be nil.
func NewScheduler(store TemplateStore, batch int, m *metrics.Metrics) *Scheduler {
	if batch < 1 {
		batch = DefaultRecurringBatch
	}
	return &Scheduler{store: store, batch: batch, metrics: m, now: time.Now}
}

// Run performs one pass. A failing template is logged and counted; the pass
// continues with the rest.
func (s *Scheduler) Run(ctx context.Context) (*RunResult, error) {
	start := time.Now()
	defer func() { s.metrics.ObserveSweep("recurring", time.Since(start)) }()

	now := s.now()
	templates, err := s.store.DueTemplates(ctx, now, s.batch)
	if err != nil {
		return nil, err
	}

	res := &RunResult{Created: []job.Materialized{}}
	for _, t := range templates {
		switch m, err := s.runOne(ctx, t, now); {
		case err == nil:
			res.Created = append(res.Created, *m)
			s.metrics.IncRecurringRun("ok")
		case errors.Is(err, job.ErrNotDue):
			res.Skipped++
			s.metrics.IncRecurringRun("skipped")
		case errors.Is(err, job.ErrInvalidRecurrence):
			res.Disabled++
			s.metrics.IncRecurringRun("disabled")
			slog.Warn("disabled recurring job with invalid pattern", "template_id", t.ID, "error", err)
		default:
			res.Failed++
			s.metrics.IncRecurringRun("error")
			slog.Error("failed to run recurring job", "template_id", t.ID, "error", err)
		}
	}

	if len(res.Created) > 0 {
		slog.Info("recurring jobs created", "count", len(res.Created))
	}
	return res, nil
}

func (s *Scheduler) runOne(ctx context.Context, t *job.Job, now time.Time) (*job.Materialized, error) {
	pattern := ""
	if t.RecurrencePattern != nil {
		pattern = *t.RecurrencePattern
	}
	next, err := job.NextRun(pattern, now)
	if err != nil {
		if derr := s.store.Disable(ctx, t.ID); derr != nil {
			return nil, derr
		}
		return nil, err
	}

	m, err := s.store.Materialize(ctx, t.ID, now, next)
	if err != nil {
		return nil, err
	}
	slog.Debug("recurring job materialized", "template_id", t.ID, "instance_id", m.InstanceID, "next_run_at", next)
	return m, nil
}
