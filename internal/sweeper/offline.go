package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/alecgard/outpost/internal/metrics"
)

// StaleAgents is satisfied by agent.Registry.
type StaleAgents interface {
	MarkOffline(ctx context.Context, cutoff time.Time) (int64, error)
}

// OfflineMarker flags active agents that stopped heartbeating.
type OfflineMarker struct {
	agents  StaleAgents
	after   time.Duration
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewOfflineMarker creates an OfflineMarker that treats agents silent for
// longer than after as offline. m may be nil.
func NewOfflineMarker(agents StaleAgents, after time.Duration, m *metrics.Metrics) *OfflineMarker {
	return &OfflineMarker{agents: agents, after: after, metrics: m, now: time.Now}
}

// Run performs one pass and returns the number of agents marked offline.
func (o *OfflineMarker) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() { o.metrics.ObserveSweep("offline_agents", time.Since(start)) }()

	n, err := o.agents.MarkOffline(ctx, o.now().Add(-o.after))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("marked agents offline", "count", n, "after", o.after)
		o.metrics.AddMarkedOffline(n)
	}
	return n, nil
}
