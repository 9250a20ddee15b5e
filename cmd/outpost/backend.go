package main

import (
	"context"
	"fmt"
	"time"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/alecgard/outpost/internal/api"
	"github.com/alecgard/outpost/internal/audit"
	"github.com/alecgard/outpost/internal/auth"
	"github.com/alecgard/outpost/internal/config"
	"github.com/alecgard/outpost/internal/db"
	"github.com/alecgard/outpost/internal/dispatch"
	"github.com/alecgard/outpost/internal/enrollment"
	"github.com/alecgard/outpost/internal/job"
	"github.com/alecgard/outpost/internal/memstore"
	"github.com/alecgard/outpost/internal/quota"
	"github.com/alecgard/outpost/internal/ratelimit"
	"github.com/alecgard/outpost/internal/report"
	"github.com/alecgard/outpost/internal/signature"
	"github.com/alecgard/outpost/internal/sweeper"
	"github.com/jackc/pgx/v5/pgxpool"
)

type jobStore interface {
	job.Creator
	dispatch.JobStore
	sweeper.ReclaimStore
	sweeper.TemplateStore
}

type signatureStore interface {
	auth.SignatureStore
	signature.MaintenanceStore
}

type featureStore interface {
	quota.FeatureStore
	api.FeatureWriter
}

type eventStore interface {
	audit.BatchInserter
	api.EventLister
}

// backend is one set of stores, either Postgres or in-process memory.
type backend struct {
	keys       enrollment.KeyStore
	agents     agent.Registry
	jobs       jobStore
	signatures signatureStore
	features   featureStore
	reports    api.ReportStore
	events     eventStore

	limiter ratelimit.Counter
	// purgeLimits drops idle rate-limit rows older than maxWindow.
	purgeLimits func(ctx context.Context, maxWindow time.Duration) (int64, error)

	pool  *pgxpool.Pool // nil for memory
	close func()
}

func openBackend(ctx context.Context, cfg *config.Config) (*backend, error) {
	switch cfg.Storage.Driver {
	case "memory":
		return memoryBackend(), nil
	case "postgres", "":
		pool, err := db.Open(ctx, cfg.Database.URL, cfg.Database.MaxConns, cfg.Database.MinConns)
		if err != nil {
			return nil, err
		}
		return postgresBackend(pool), nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Storage.Driver)
	}
}

func postgresBackend(pool *pgxpool.Pool) *backend {
	limits := ratelimit.NewStore(pool)
	return &backend{
		keys:        enrollment.NewStore(pool),
		agents:      agent.NewStore(pool),
		jobs:        job.NewStore(pool),
		signatures:  signature.NewStore(pool),
		features:    quota.NewStore(pool),
		reports:     report.NewStore(pool),
		events:      audit.NewStore(pool),
		limiter:     limits,
		purgeLimits: limits.Purge,
		pool:        pool,
		close:       pool.Close,
	}
}

func memoryBackend() *backend {
	store := memstore.New()
	limiter := ratelimit.New()
	return &backend{
		keys:       store.Keys,
		agents:     store.Agents,
		jobs:       store.Jobs,
		signatures: store.Signatures,
		features:   store.Features,
		reports:    store.Reports,
		events:     store.Events,
		limiter:    limiter,
		purgeLimits: func(_ context.Context, maxWindow time.Duration) (int64, error) {
			return int64(limiter.Prune(maxWindow)), nil
		},
		close: func() {},
	}
}

// pinger returns the health check target, or nil for memory.
func (b *backend) pinger() api.Pinger {
	if b.pool == nil {
		return nil
	}
	return b.pool
}
