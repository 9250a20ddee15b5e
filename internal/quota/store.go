package quota

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store reads tenant_features from Postgres.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new quota store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetFeature returns the feature row or ErrFeatureNotFound.
func (s *Store) GetFeature(ctx context.Context, tenantID, key string) (*Feature, error) {
	f := &Feature{}
	err := s.pool.QueryRow(ctx,
		`SELECT tenant_id, feature_key, enabled, quota_limit, quota_used
		 FROM tenant_features WHERE tenant_id = $1 AND feature_key = $2`,
		tenantID, key,
	).Scan(&f.TenantID, &f.Key, &f.Enabled, &f.Limit, &f.Used)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrFeatureNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting tenant feature: %w", err)
	}
	return f, nil
}

// SetFeature upserts a feature row. The table belongs to the tenant
// management service; this exists for seeding and tests.
func (s *Store) SetFeature(ctx context.Context, f Feature) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO tenant_features (tenant_id, feature_key, enabled, quota_limit, quota_used)
		 VALUES ($1, $2, $3, $4, $5)
		 ON CONFLICT (tenant_id, feature_key)
		 DO UPDATE SET enabled = EXCLUDED.enabled, quota_limit = EXCLUDED.quota_limit,
		               quota_used = EXCLUDED.quota_used`,
		f.TenantID, f.Key, f.Enabled, f.Limit, f.Used,
	)
	if err != nil {
		return fmt.Errorf("setting tenant feature: %w", err)
	}
	return nil
}
