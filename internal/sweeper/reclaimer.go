// Package sweeper holds the periodic maintenance passes over the job and key
// tables. Each pass is safe to run from several instances at once.
package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/alecgard/outpost/internal/job"
	"github.com/alecgard/outpost/internal/metrics"
)

// ReclaimStore returns stuck deliveries to the queue.
type ReclaimStore interface {
	Reclaim(ctx context.Context, cutoff time.Time) ([]job.Reclaimed, error)
}

// Reclaimer requeues jobs that were delivered but never acknowledged.
type Reclaimer struct {
	store   ReclaimStore
	timeout time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewReclaimer creates a Reclaimer that requeues deliveries older than
// timeout. m may be nil.
func NewReclaimer(store ReclaimStore, timeout time.Duration, m *metrics.Metrics) *Reclaimer {
	return &Reclaimer{store: store, timeout: timeout, metrics: m, now: time.Now}
}

// Run performs one reclaim pass and returns the requeued jobs.
func (r *Reclaimer) Run(ctx context.Context) ([]job.Reclaimed, error) {
	start := time.Now()
	defer func() { r.metrics.ObserveSweep("reclaim", time.Since(start)) }()

	reclaimed, err := r.store.Reclaim(ctx, r.now().Add(-r.timeout))
	if err != nil {
		return nil, err
	}
	for _, j := range reclaimed {
		slog.Info("reclaimed stuck job", "job_id", j.ID, "agent", j.AgentName, "type", j.Type)
	}
	if reclaimed == nil {
		reclaimed = []job.Reclaimed{}
	}
	r.metrics.AddReclaimed(len(reclaimed))
	return reclaimed, nil
}
