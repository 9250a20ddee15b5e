// Package dbtest starts a throwaway Postgres for store integration tests.
package dbtest

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/alecgard/outpost/internal/db"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// Pool starts a Postgres container, applies migrations and returns a pool.
// The test is skipped under -short, when OUTPOST_SKIP_CONTAINERS is set, or
// when no container runtime is reachable.
func Pool(t *testing.T) *pgxpool.Pool {
	t.Helper()

	if testing.Short() || os.Getenv("OUTPOST_SKIP_CONTAINERS") != "" {
		t.Skip("skipping Postgres integration test")
	}

	ctx := context.Background()
	container, err := postgres.Run(ctx,
		"postgres:17-alpine",
		postgres.WithUsername("outpost"),
		postgres.WithPassword("outpost"),
		postgres.WithDatabase("outpost"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	if err != nil {
		t.Skipf("postgres container unavailable: %v", err)
	}
	t.Cleanup(func() {
		_ = container.Terminate(context.Background())
	})

	url, err := container.ConnectionString(ctx, "sslmode=disable")
	if err != nil {
		t.Fatalf("connection string: %v", err)
	}

	if err := db.MigrateEmbedded(url); err != nil {
		t.Fatalf("migrate: %v", err)
	}

	pool, err := db.Open(ctx, url, 20, 1)
	if err != nil {
		t.Fatalf("open pool: %v", err)
	}
	t.Cleanup(pool.Close)

	return pool
}
