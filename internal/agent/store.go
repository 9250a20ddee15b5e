package agent

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for agents and their tokens.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new agent store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const agentColumns = `id, tenant_id, name, hmac_secret, status, os_type, os_version, hostname, last_heartbeat, created_at`

func scanAgent(row pgx.Row) (*Agent, error) {
	a := &Agent{}
	err := row.Scan(&a.ID, &a.TenantID, &a.Name, &a.HMACSecret, &a.Status,
		&a.OSType, &a.OSVersion, &a.Hostname, &a.LastHeartbeat, &a.CreatedAt)
	return a, err
}

// validID reports whether id can be compared against the uuid column.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// GetByID retrieves an agent by its primary key.
func (s *Store) GetByID(ctx context.Context, id string) (*Agent, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	a, err := scanAgent(s.pool.QueryRow(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting agent by id: %w", err)
	}
	return a, nil
}

// ExistsByName reports whether the tenant already has an agent with name.
func (s *Store) ExistsByName(ctx context.Context, tenantID, name string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM agents WHERE tenant_id = $1 AND name = $2)`,
		tenantID, name,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("checking agent name: %w", err)
	}
	return exists, nil
}

// LookupToken resolves a token hash to the token and its agent in one query.
func (s *Store) LookupToken(ctx context.Context, tokenHash string) (*Token, error) {
	t := &Token{}
	err := s.pool.QueryRow(ctx,
		`SELECT t.id, t.agent_id, a.tenant_id, a.name, a.hmac_secret,
		        t.is_active, t.expires_at, t.last_used_at, t.created_at
		 FROM agent_tokens t
		 JOIN agents a ON a.id = t.agent_id
		 WHERE t.token_hash = $1`,
		tokenHash,
	).Scan(&t.ID, &t.AgentID, &t.TenantID, &t.AgentName, &t.Secret,
		&t.Active, &t.ExpiresAt, &t.LastUsedAt, &t.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("looking up agent token: %w", err)
	}
	return t, nil
}

// TouchToken records a use of the token.
func (s *Store) TouchToken(ctx context.Context, tokenID, agentID string, supersede bool, at time.Time) error {
	if !supersede {
		_, err := s.pool.Exec(ctx,
			`UPDATE agent_tokens SET last_used_at = $2 WHERE id = $1`, tokenID, at)
		if err != nil {
			return fmt.Errorf("touching agent token: %w", err)
		}
		return nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var createdAt time.Time
	err = tx.QueryRow(ctx,
		`UPDATE agent_tokens SET last_used_at = $2 WHERE id = $1 RETURNING created_at`,
		tokenID, at,
	).Scan(&createdAt)
	if err != nil {
		return fmt.Errorf("touching agent token: %w", err)
	}

	_, err = tx.Exec(ctx,
		`UPDATE agent_tokens SET is_active = false
		 WHERE agent_id = $1 AND id <> $2 AND is_active AND created_at < $3`,
		agentID, tokenID, createdAt,
	)
	if err != nil {
		return fmt.Errorf("superseding older tokens: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("committing transaction: %w", err)
	}
	return nil
}

// RecordHeartbeat marks the agent active and stores any reported metadata.
func (s *Store) RecordHeartbeat(ctx context.Context, agentID string, in HeartbeatInput, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET
		   last_heartbeat = $2,
		   status = $3,
		   os_type = COALESCE(NULLIF($4, ''), os_type),
		   os_version = COALESCE(NULLIF($5, ''), os_version),
		   hostname = COALESCE(NULLIF($6, ''), hostname)
		 WHERE id = $1`,
		agentID, at, StatusActive, in.OSType, in.OSVersion, in.Hostname,
	)
	if err != nil {
		return fmt.Errorf("recording heartbeat: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// TouchLastSeen refreshes last_heartbeat. An offline agent that polls is
// active again; pending agents stay pending until they heartbeat.
func (s *Store) TouchLastSeen(ctx context.Context, agentID string, at time.Time) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE agents SET
		   last_heartbeat = $2,
		   status = CASE WHEN status = $3 THEN $4 ELSE status END
		 WHERE id = $1`,
		agentID, at, StatusOffline, StatusActive)
	if err != nil {
		return fmt.Errorf("updating last heartbeat: %w", err)
	}
	return nil
}

// MarkOffline moves active agents whose last heartbeat is older than cutoff
// to offline and returns how many changed.
func (s *Store) MarkOffline(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx,
		`UPDATE agents SET status = $1
		 WHERE status = $2 AND (last_heartbeat IS NULL OR last_heartbeat < $3)`,
		StatusOffline, StatusActive, cutoff)
	if err != nil {
		return 0, fmt.Errorf("marking agents offline: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RevokeTokens deactivates every active token of the agent.
func (s *Store) RevokeTokens(ctx context.Context, agentID string) (int64, error) {
	if !validID(agentID) {
		return 0, ErrNotFound
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE agent_tokens SET is_active = false WHERE agent_id = $1 AND is_active`, agentID)
	if err != nil {
		return 0, fmt.Errorf("revoking agent tokens: %w", err)
	}
	return tag.RowsAffected(), nil
}

// List returns a page of agents ordered by created_at DESC, id DESC using
// cursor-based pagination. It returns the agents, the next cursor (empty if no
// more results), and any error.
func (s *Store) List(ctx context.Context, params ListParams) ([]*Agent, string, error) {
	limit := params.Limit
	if limit <= 0 {
		limit = 20
	}

	where := []string{"($1 = '' OR tenant_id = $1)"}
	args := []any{params.TenantID}

	if params.Cursor != "" {
		cursorTime, cursorID, cerr := DecodeCursor(params.Cursor)
		if cerr != nil {
			return nil, "", fmt.Errorf("%w: %v", ErrInvalidCursor, cerr)
		}
		if !validID(cursorID) {
			return nil, "", ErrInvalidCursor
		}
		where = append(where, "(created_at, id) < ($2, $3::uuid)")
		args = append(args, cursorTime, cursorID)
	}
	args = append(args, limit+1)

	query := fmt.Sprintf(
		`SELECT %s FROM agents WHERE %s ORDER BY created_at DESC, id DESC LIMIT $%d`,
		agentColumns, strings.Join(where, " AND "), len(args),
	)
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, "", fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var agents []*Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, "", fmt.Errorf("scanning agent row: %w", err)
		}
		agents = append(agents, a)
	}
	if err := rows.Err(); err != nil {
		return nil, "", fmt.Errorf("iterating agent rows: %w", err)
	}

	agents, next := Page(agents, limit)
	return agents, next, nil
}

// Delete removes an agent by id. Its tokens go with it.
func (s *Store) Delete(ctx context.Context, id string) error {
	if !validID(id) {
		return ErrNotFound
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM agents WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deleting agent: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Page trims a limit+1 result set to limit and returns the cursor for the
// next page, or "" if there is none.
func Page(agents []*Agent, limit int) ([]*Agent, string) {
	if len(agents) <= limit {
		return agents, ""
	}
	last := agents[limit-1]
	return agents[:limit], EncodeCursor(last.CreatedAt, last.ID)
}

// EncodeCursor produces a base64 string from a created_at timestamp and id.
func EncodeCursor(createdAt time.Time, id string) string {
	raw := createdAt.Format(time.RFC3339Nano) + "|" + id
	return base64.StdEncoding.EncodeToString([]byte(raw))
}

// DecodeCursor parses a base64 cursor back into its created_at and id parts.
func DecodeCursor(cursor string) (time.Time, string, error) {
	data, err := base64.StdEncoding.DecodeString(cursor)
	if err != nil {
		return time.Time{}, "", fmt.Errorf("decoding cursor base64: %w", err)
	}

	parts := strings.SplitN(string(data), "|", 2)
	if len(parts) != 2 {
		return time.Time{}, "", fmt.Errorf("invalid cursor format")
	}

	t, err := time.Parse(time.RFC3339Nano, parts[0])
	if err != nil {
		return time.Time{}, "", fmt.Errorf("parsing cursor time: %w", err)
	}

	return t, parts[1], nil
}
