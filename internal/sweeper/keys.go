package sweeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/alecgard/outpost/internal/metrics"
)

// ExpiredKeys is satisfied by *enrollment.Service.
type ExpiredKeys interface {
	PurgeExpired(ctx context.Context, grace time.Duration) (int64, error)
}

// KeyPurger removes enrollment keys that expired more than grace ago.
type KeyPurger struct {
	keys    ExpiredKeys
	grace   time.Duration
	metrics *metrics.Metrics
}

// NewKeyPurger creates a KeyPurger. m may be nil.
func NewKeyPurger(keys ExpiredKeys, grace time.Duration, m *metrics.Metrics) *KeyPurger {
	return &KeyPurger{keys: keys, grace: grace, metrics: m}
}

// Run performs one purge pass.
func (p *KeyPurger) Run(ctx context.Context) (int64, error) {
	start := time.Now()
	defer func() { p.metrics.ObserveSweep("key_purge", time.Since(start)) }()

	n, err := p.keys.PurgeExpired(ctx, p.grace)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		slog.Info("purged expired enrollment keys", "count", n)
	}
	return n, nil
}
