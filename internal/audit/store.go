package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for security events.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new Store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// BatchInsert writes events in a single multi-row INSERT statement. It is a
// no-op when events is empty.
func (s *Store) BatchInsert(ctx context.Context, events []Event) error {
	if len(events) == 0 {
		return nil
	}

	const cols = 7
	args := make([]any, 0, len(events)*cols)
	rows := make([]string, 0, len(events))

	for i, e := range events {
		base := i * cols
		rows = append(rows, fmt.Sprintf("($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7))
		args = append(args, e.OccurredAt, e.Code, e.AgentName, e.IPAddress, e.Endpoint, e.RequestID, e.Detail)
	}

	query := `INSERT INTO security_events
		(occurred_at, code, agent_name, ip_address, endpoint, request_id, detail)
		VALUES ` + strings.Join(rows, ", ")

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("batch inserting security events: %w", err)
	}
	return nil
}

// List returns the most recent events matching q, newest first.
func (s *Store) List(ctx context.Context, q Query) ([]*Event, error) {
	where, args := buildWhereClause(q)
	limit := q.Limit
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	args = append(args, limit)

	rows, err := s.pool.Query(ctx,
		`SELECT id, occurred_at, code, agent_name, ip_address, endpoint, request_id, detail
		 FROM security_events`+where+
			fmt.Sprintf(` ORDER BY occurred_at DESC, id DESC LIMIT $%d`, len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("listing security events: %w", err)
	}
	defer rows.Close()

	var out []*Event
	for rows.Next() {
		e := &Event{}
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Code, &e.AgentName, &e.IPAddress,
			&e.Endpoint, &e.RequestID, &e.Detail); err != nil {
			return nil, fmt.Errorf("scanning security event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating security events: %w", err)
	}
	return out, nil
}

// buildWhereClause constructs a SQL WHERE clause and positional arguments
// from the non-zero fields of q.
func buildWhereClause(q Query) (string, []any) {
	var conditions []string
	var args []any

	if q.Code != "" {
		args = append(args, q.Code)
		conditions = append(conditions, fmt.Sprintf("code = $%d", len(args)))
	}
	if q.AgentName != "" {
		args = append(args, q.AgentName)
		conditions = append(conditions, fmt.Sprintf("agent_name = $%d", len(args)))
	}
	if !q.Since.IsZero() {
		args = append(args, q.Since)
		conditions = append(conditions, fmt.Sprintf("occurred_at >= $%d", len(args)))
	}

	if len(conditions) == 0 {
		return "", args
	}
	return " WHERE " + strings.Join(conditions, " AND "), args
}
