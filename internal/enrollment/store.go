package enrollment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alecgard/outpost/internal/agent"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for enrollment keys and redemption.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new enrollment store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const keyColumns = `id, tenant_id, description, max_uses, current_uses, expires_at, is_active, linked_agent_id, created_at`

func scanKey(row pgx.Row) (*Key, error) {
	k := &Key{}
	err := row.Scan(&k.ID, &k.TenantID, &k.Description, &k.MaxUses, &k.CurrentUses,
		&k.ExpiresAt, &k.Active, &k.LinkedAgentID, &k.CreatedAt)
	return k, err
}

// CreateKey inserts a new key. A code hash collision returns ErrDuplicateCode.
func (s *Store) CreateKey(ctx context.Context, in NewKey) (*Key, error) {
	k, err := scanKey(s.pool.QueryRow(ctx,
		`INSERT INTO enrollment_keys (code_hash, tenant_id, description, max_uses, expires_at)
		 VALUES ($1, $2, $3, $4, $5)
		 RETURNING `+keyColumns,
		in.CodeHash, in.TenantID, in.Description, in.MaxUses, in.ExpiresAt,
	))
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return nil, ErrDuplicateCode
	}
	if err != nil {
		return nil, fmt.Errorf("creating enrollment key: %w", err)
	}
	return k, nil
}

// GetKeyByHash returns the key with the given code hash.
func (s *Store) GetKeyByHash(ctx context.Context, codeHash string) (*Key, error) {
	k, err := scanKey(s.pool.QueryRow(ctx,
		`SELECT `+keyColumns+` FROM enrollment_keys WHERE code_hash = $1`, codeHash))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrKeyNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting enrollment key: %w", err)
	}
	return k, nil
}

// DeactivateKey marks a key inactive. It returns ErrKeyNotFound for unknown
// ids, including ids that are not UUIDs.
func (s *Store) DeactivateKey(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return ErrKeyNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrollment_keys SET is_active = false WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivating enrollment key: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrKeyNotFound
	}
	return nil
}

// DeactivateExpired marks every active key past its expiry inactive.
func (s *Store) DeactivateExpired(ctx context.Context, now time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE enrollment_keys SET is_active = false WHERE is_active AND expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("deactivating expired keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// PurgeInactive deletes inactive keys that expired before horizon.
func (s *Store) PurgeInactive(ctx context.Context, horizon time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM enrollment_keys WHERE NOT is_active AND expires_at < $1`, horizon)
	if err != nil {
		return 0, fmt.Errorf("purging enrollment keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// Redeem consumes one use of the key and installs the agent's new
// credentials in a single transaction. It returns the agent id.
//
// The usage increment is conditional, so concurrent redemptions can never
// push current_uses past max_uses; the loser gets ErrKeyExhausted.
func (s *Store) Redeem(ctx context.Context, in RedeemInput) (string, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return "", fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var keyID string
	err = tx.QueryRow(ctx,
		`UPDATE enrollment_keys SET current_uses = current_uses + 1
		 WHERE id = $1 AND is_active AND current_uses < max_uses AND expires_at > $2
		 RETURNING id`,
		in.KeyID, in.Now,
	).Scan(&keyID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrKeyExhausted
	}
	if err != nil {
		return "", fmt.Errorf("incrementing key usage: %w", err)
	}

	var agentID string
	err = tx.QueryRow(ctx,
		`INSERT INTO agents (tenant_id, name, hmac_secret, status)
		 VALUES ($1, $2, $3, $4)
		 ON CONFLICT (tenant_id, name) DO UPDATE SET hmac_secret = EXCLUDED.hmac_secret
		 RETURNING id`,
		in.TenantID, in.AgentName, in.SealedSecret, agent.StatusPending,
	).Scan(&agentID)
	if err != nil {
		return "", fmt.Errorf("upserting agent: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE agent_tokens SET is_active = false WHERE agent_id = $1 AND is_active`, agentID); err != nil {
		return "", fmt.Errorf("deactivating old tokens: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`INSERT INTO agent_tokens (agent_id, token_hash, expires_at, created_at) VALUES ($1, $2, $3, $4)`,
		agentID, in.TokenHash, in.TokenExpiresAt, in.Now); err != nil {
		return "", fmt.Errorf("inserting agent token: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE enrollment_keys SET linked_agent_id = $2 WHERE id = $1`, keyID, agentID); err != nil {
		return "", fmt.Errorf("linking enrollment key: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return "", fmt.Errorf("committing transaction: %w", err)
	}
	return agentID, nil
}
