package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store is a Postgres-backed Counter shared by all instances.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

// NewStore creates a new rate-limit store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool, now: time.Now}
}

// Hit counts one request in a single upsert that applies the same transition
// as Step. Concurrent hits on the same row serialize on the row lock.
func (s *Store) Hit(ctx context.Context, identifier, endpoint string, p Policy) (Decision, error) {
	now := s.now()
	block := p.Block
	if block <= 0 {
		block = p.Window
	}

	var st State
	err := s.pool.QueryRow(ctx,
		`INSERT INTO rate_limits (identifier, endpoint, window_start, request_count, blocked_until)
		 VALUES ($1, $2, $3, 1, NULL)
		 ON CONFLICT (identifier, endpoint) DO UPDATE SET
		   window_start = CASE
		     WHEN rate_limits.blocked_until > $3 THEN rate_limits.window_start
		     WHEN rate_limits.window_start <= $4 THEN $3
		     ELSE rate_limits.window_start END,
		   request_count = CASE
		     WHEN rate_limits.blocked_until > $3 THEN rate_limits.request_count
		     WHEN rate_limits.window_start <= $4 THEN 1
		     ELSE rate_limits.request_count + 1 END,
		   blocked_until = CASE
		     WHEN rate_limits.blocked_until > $3 THEN rate_limits.blocked_until
		     WHEN rate_limits.window_start <= $4 THEN NULL
		     WHEN rate_limits.request_count + 1 > $5 THEN
		       CASE WHEN $7 THEN rate_limits.window_start + $6::interval ELSE $3 + $6::interval END
		     ELSE rate_limits.blocked_until END
		 RETURNING window_start, request_count, blocked_until`,
		identifier, endpoint, now, now.Add(-p.Window), p.MaxRequests, block, p.Block <= 0,
	).Scan(&st.WindowStart, &st.Count, &st.BlockedUntil)
	if err != nil {
		return Decision{}, fmt.Errorf("counting request: %w", err)
	}

	return Decide(st, p, now), nil
}

// Purge removes rows that are neither blocked nor inside a window of
// maxWindow. Run it from a sweeper to keep the table small.
func (s *Store) Purge(ctx context.Context, maxWindow time.Duration) (int64, error) {
	now := s.now()
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM rate_limits
		 WHERE window_start < $1 AND (blocked_until IS NULL OR blocked_until <= $2)`,
		now.Add(-maxWindow), now)
	if err != nil {
		return 0, fmt.Errorf("purging rate limits: %w", err)
	}
	return tag.RowsAffected(), nil
}
