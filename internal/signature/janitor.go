package signature

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/alecgard/outpost/internal/metrics"
)

// CleanupTask is the maintenance_runs row that throttles signature purges.
const CleanupTask = "signature_cleanup"

// MaintenanceStore is the subset of Store the Janitor needs.
type MaintenanceStore interface {
	ClaimRun(ctx context.Context, name string, now time.Time, interval time.Duration) (bool, error)
	PurgeBefore(ctx context.Context, horizon time.Time) (int64, error)
}

// Janitor purges expired signatures at most once per interval across all
// instances sharing the store. Triggering is cheap and never blocks the
// caller.
type Janitor struct {
	store     MaintenanceStore
	interval  time.Duration
	retention time.Duration
	timeout   time.Duration
	now       func() time.Time
	metrics   *metrics.Metrics

	running     atomic.Bool
	lastAttempt atomic.Int64 // unix nanos; local hint only, the store decides
	wg          sync.WaitGroup
}

// NewJanitor creates a Janitor that purges signatures older than retention.
func NewJanitor(store MaintenanceStore, interval, retention time.Duration) *Janitor {
	return &Janitor{
		store:     store,
		interval:  interval,
		retention: retention,
		timeout:   30 * time.Second,
		now:       time.Now,
	}
}

// WithMetrics makes the Janitor report purge counts and durations to m.
func (j *Janitor) WithMetrics(m *metrics.Metrics) *Janitor {
	j.metrics = m
	return j
}

// Trigger starts a background cleanup attempt unless one is already running
// or this process attempted one within the interval.
func (j *Janitor) Trigger() {
	if j == nil {
		return
	}
	now := j.now()
	if last := j.lastAttempt.Load(); last != 0 && now.Sub(time.Unix(0, last)) < j.interval {
		return
	}
	if !j.running.CompareAndSwap(false, true) {
		return
	}
	j.lastAttempt.Store(now.UnixNano())

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()
		defer j.running.Store(false)

		ctx, cancel := context.WithTimeout(context.Background(), j.timeout)
		defer cancel()

		if _, _, err := j.RunOnce(ctx); err != nil {
			slog.Warn("signature cleanup failed", "error", err)
		}
	}()
}

// RunOnce claims the cleanup slot and, if won, purges expired signatures.
func (j *Janitor) RunOnce(ctx context.Context) (purged int64, ran bool, err error) {
	now := j.now()
	won, err := j.store.ClaimRun(ctx, CleanupTask, now, j.interval)
	if err != nil || !won {
		return 0, false, err
	}

	purged, err = j.store.PurgeBefore(ctx, now.Add(-j.retention))
	j.metrics.ObserveSweep("signatures", time.Since(now))
	if err != nil {
		return 0, true, err
	}
	j.metrics.AddSignaturesPurged(purged)
	if purged > 0 {
		slog.Info("purged consumed signatures", "count", purged)
	}
	return purged, true, nil
}

// Wait blocks until any in-flight cleanup finishes.
func (j *Janitor) Wait() {
	if j == nil {
		return
	}
	j.wg.Wait()
}
