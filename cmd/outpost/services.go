package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/alecgard/outpost/internal/config"
	"github.com/alecgard/outpost/internal/crypto"
	"github.com/alecgard/outpost/internal/enrollment"
	"github.com/alecgard/outpost/internal/metrics"
	"github.com/alecgard/outpost/internal/quota"
	"github.com/alecgard/outpost/internal/ratelimit"
	"github.com/alecgard/outpost/internal/sweeper"
)

// services are the domain components shared by serve and sweep.
type services struct {
	sealer     *crypto.Sealer
	enrollment *enrollment.Service
	reclaimer  *sweeper.Reclaimer
	scheduler  *sweeper.Scheduler
	keyPurger  *sweeper.KeyPurger
	offline    *sweeper.OfflineMarker
}

func newServices(cfg *config.Config, b *backend, m *metrics.Metrics) (*services, error) {
	sealer, err := crypto.NewSealer(cfg.Auth.EncryptionKey)
	if err != nil {
		return nil, fmt.Errorf("loading encryption key: %w", err)
	}
	if sealer == nil {
		slog.Warn("auth.encryption_key is not set; agent secrets are stored unencrypted")
	}

	enroll := enrollment.NewService(b.keys, b.agents, quota.NewChecker(b.features), sealer, cfg.Auth.TokenTTL)
	return &services{
		sealer:     sealer,
		enrollment: enroll,
		reclaimer:  sweeper.NewReclaimer(b.jobs, cfg.Jobs.ReclaimTimeout, m),
		scheduler:  sweeper.NewScheduler(b.jobs, cfg.Jobs.RecurringBatch, m),
		keyPurger:  sweeper.NewKeyPurger(enroll, cfg.Sweeper.KeyPurgeGrace, m),
		offline:    sweeper.NewOfflineMarker(b.agents, cfg.Sweeper.OfflineAfter, m),
	}, nil
}

// tasks lists the periodic maintenance passes for the in-process runner.
func (s *services) tasks(cfg *config.Config, b *backend) []sweeper.Task {
	maxWindow := ratelimit.PoliciesFromConfig(cfg.RateLimits).LongestWindow()
	return []sweeper.Task{
		{
			Name:     "reclaim",
			Interval: cfg.Sweeper.ReclaimInterval,
			Run: func(ctx context.Context) error {
				_, err := s.reclaimer.Run(ctx)
				return err
			},
		},
		{
			Name:     "recurring",
			Interval: cfg.Sweeper.RecurringInterval,
			Run: func(ctx context.Context) error {
				_, err := s.scheduler.Run(ctx)
				return err
			},
		},
		{
			Name:     "enrollment_keys",
			Interval: cfg.Sweeper.KeyPurgeInterval,
			Run: func(ctx context.Context) error {
				_, err := s.keyPurger.Run(ctx)
				return err
			},
		},
		{
			Name:     "offline_agents",
			Interval: cfg.Sweeper.OfflineInterval,
			Run: func(ctx context.Context) error {
				_, err := s.offline.Run(ctx)
				return err
			},
		},
		{
			Name:     "rate_limits",
			Interval: maxWindow,
			Run: func(ctx context.Context) error {
				n, err := b.purgeLimits(ctx, maxWindow)
				if n > 0 {
					slog.Debug("purged rate limit rows", "count", n)
				}
				return err
			},
		},
	}
}

func setupLogging(cfg *config.Config) {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: cfg.LogLevel()}))
	slog.SetDefault(logger)
}
