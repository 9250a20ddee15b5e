package sweeper

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Task is one periodic pass run by a Runner.
type Task struct {
	Name     string
	Interval time.Duration
	Run      func(ctx context.Context) error
}

// Claimer grants a named task one run per interval across all instances.
// *signature.Store and the memstore implement it.
type Claimer interface {
	ClaimRun(ctx context.Context, name string, now time.Time, interval time.Duration) (bool, error)
}

// Runner drives tasks on their own tickers until stopped. It is the optional
// in-process trigger; the CLI and admin endpoints call the passes directly.
type Runner struct {
	tasks   []Task
	timeout time.Duration
	claims  Claimer
	now     func() time.Time
	cancel  context.CancelFunc
	wg      sync.WaitGroup
}

// NewRunner creates a Runner. Tasks with a non-positive interval are ignored.
func NewRunner(tasks ...Task) *Runner {
	r := &Runner{timeout: time.Minute, now: time.Now}
	for _, t := range tasks {
		if t.Interval > 0 && t.Run != nil {
			r.tasks = append(r.tasks, t)
		}
	}
	return r
}

// WithClaimer makes every tick claim the task first, so that with several
// instances only one runs each pass per interval.
func (r *Runner) WithClaimer(c Claimer) *Runner {
	r.claims = c
	return r
}

// Start launches one goroutine per task.
func (r *Runner) Start(ctx context.Context) {
	if r.cancel != nil {
		slog.Warn("sweeper already started")
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	for _, t := range r.tasks {
		r.wg.Add(1)
		go r.loop(ctx, t)
	}
	slog.Info("sweeper started", "tasks", len(r.tasks))
}

// Stop cancels the loops and waits for in-flight passes to return.
func (r *Runner) Stop() {
	if r.cancel != nil {
		r.cancel()
	}
	r.wg.Wait()
	r.cancel = nil
}

func (r *Runner) loop(ctx context.Context, t Task) {
	defer r.wg.Done()

	ticker := time.NewTicker(t.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.runOnce(ctx, t)
		}
	}
}

func (r *Runner) runOnce(ctx context.Context, t Task) {
	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if r.claims != nil {
		// Tickers on different instances drift; claim a little under the
		// interval so a late tick does not skip a whole period.
		ok, err := r.claims.ClaimRun(ctx, "sweep:"+t.Name, r.now(), t.Interval-t.Interval/10)
		if err != nil {
			// Every pass is safe to run concurrently, so a claim error
			// only costs a duplicate run.
			slog.Warn("sweep claim failed, running anyway", "task", t.Name, "error", err)
		} else if !ok {
			slog.Debug("sweep claimed elsewhere", "task", t.Name)
			return
		}
	}

	if err := t.Run(ctx); err != nil {
		slog.Error("sweep failed", "task", t.Name, "error", err)
	}
}
