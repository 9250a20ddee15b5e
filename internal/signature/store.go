// Package signature records consumed request signatures for replay
// protection and purges them once they can no longer pass the clock-skew
// check.
package signature

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for consumed signatures.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new signature store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Seen reports whether sig has already been consumed.
func (s *Store) Seen(ctx context.Context, sig string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM consumed_signatures WHERE signature = $1)`,
		sig,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking signature: %w", err)
	}
	return exists, nil
}

// Consume records sig as used. It returns false, without error, when another
// request recorded the same signature first.
func (s *Store) Consume(ctx context.Context, sig, agentName string, usedAt time.Time) (bool, error) {
	tag, err := s.pool.Exec(ctx,
		`INSERT INTO consumed_signatures (signature, agent_name, used_at)
		 VALUES ($1, $2, $3)
		 ON CONFLICT (signature) DO NOTHING`,
		sig, agentName, usedAt,
	)
	if err != nil {
		return false, fmt.Errorf("consuming signature: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ClaimRun marks the maintenance task name as run at now if it last ran at or
// before now-interval. Exactly one caller wins per interval even across
// instances.
func (s *Store) ClaimRun(ctx context.Context, name string, now time.Time, interval time.Duration) (bool, error) {
	var got string
	err := s.pool.QueryRow(ctx,
		`INSERT INTO maintenance_runs (name, last_run_at)
		 VALUES ($1, $2)
		 ON CONFLICT (name) DO UPDATE SET last_run_at = EXCLUDED.last_run_at
		 WHERE maintenance_runs.last_run_at <= $3
		 RETURNING name`,
		name, now, now.Add(-interval),
	).Scan(&got)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("claiming maintenance run: %w", err)
	}
	return true, nil
}

// PurgeBefore deletes signatures consumed before horizon.
func (s *Store) PurgeBefore(ctx context.Context, horizon time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM consumed_signatures WHERE used_at < $1`, horizon)
	if err != nil {
		return 0, fmt.Errorf("purging signatures: %w", err)
	}
	return tag.RowsAffected(), nil
}
