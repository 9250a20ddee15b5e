package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotDue is returned by Materialize when the template was already
// handled by a concurrent sweep or is no longer due.
var ErrNotDue = errors.New("template not due")

// Store provides database operations for jobs.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new job store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const jobColumns = `id, tenant_id, agent_name, type, payload, status, approved, created_at,
	delivered_at, completed_at, scheduled_at, is_recurring, recurrence_pattern,
	next_run_at, last_run_at, parent_job_id, failure_reason`

func scanJob(row pgx.Row) (*Job, error) {
	j := &Job{}
	err := row.Scan(&j.ID, &j.TenantID, &j.AgentName, &j.Type, &j.Payload, &j.Status, &j.Approved,
		&j.CreatedAt, &j.DeliveredAt, &j.CompletedAt, &j.ScheduledAt, &j.IsRecurring,
		&j.RecurrencePattern, &j.NextRunAt, &j.LastRunAt, &j.ParentJobID, &j.FailureReason)
	return j, err
}

// validID reports whether id can be compared against the uuid column.
func validID(id string) bool {
	_, err := uuid.Parse(id)
	return err == nil
}

// Create inserts a job or recurring template.
func (s *Store) Create(ctx context.Context, in CreateInput) (*Job, error) {
	var pattern *string
	if in.IsRecurring {
		pattern = &in.RecurrencePattern
	}
	j, err := scanJob(s.pool.QueryRow(ctx,
		`INSERT INTO jobs (tenant_id, agent_name, type, payload, approved, scheduled_at,
		                   is_recurring, recurrence_pattern, next_run_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		 RETURNING `+jobColumns,
		in.TenantID, in.AgentName, in.Type, in.Payload, in.Approved, in.ScheduledAt,
		in.IsRecurring, pattern, in.NextRunAt,
	))
	if err != nil {
		return nil, fmt.Errorf("creating job: %w", err)
	}
	return j, nil
}

// Get retrieves a job by id.
func (s *Store) Get(ctx context.Context, id string) (*Job, error) {
	if !validID(id) {
		return nil, ErrNotFound
	}
	j, err := scanJob(s.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting job: %w", err)
	}
	return j, nil
}

// Claim atomically moves up to limit of the agent's oldest deliverable jobs
// from queued to delivered and returns them, oldest first. Concurrent claims
// skip each other's locked rows, so no job is ever returned twice.
func (s *Store) Claim(ctx context.Context, tenantID, agentName string, limit int, now time.Time) ([]Delivery, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'delivered', delivered_at = $4
		 WHERE status = 'queued' AND id IN (
		   SELECT id FROM jobs
		   WHERE tenant_id = $1 AND agent_name = $2 AND status = 'queued' AND NOT is_recurring
		     AND (scheduled_at IS NULL OR scheduled_at <= $4)
		   ORDER BY created_at, id
		   LIMIT $3
		   FOR UPDATE SKIP LOCKED)
		 RETURNING id, type, payload, approved, created_at`,
		tenantID, agentName, limit, now,
	)
	if err != nil {
		return nil, fmt.Errorf("claiming jobs: %w", err)
	}
	defer rows.Close()

	type claimed struct {
		d         Delivery
		createdAt time.Time
	}
	var out []claimed
	for rows.Next() {
		var c claimed
		var payload []byte
		if err := rows.Scan(&c.d.ID, &c.d.Type, &payload, &c.d.Approved, &c.createdAt); err != nil {
			return nil, fmt.Errorf("scanning claimed job: %w", err)
		}
		c.d.Payload = payload
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating claimed jobs: %w", err)
	}

	sort.Slice(out, func(i, k int) bool {
		if out[i].createdAt.Equal(out[k].createdAt) {
			return out[i].d.ID < out[k].d.ID
		}
		return out[i].createdAt.Before(out[k].createdAt)
	})
	deliveries := make([]Delivery, len(out))
	for i, c := range out {
		deliveries[i] = c.d
	}
	return deliveries, nil
}

// MarkDone completes a delivered job owned by the agent. A job that is
// already done succeeds again; anything else is ErrNotFound.
func (s *Store) MarkDone(ctx context.Context, tenantID, agentName, id string, now time.Time) error {
	return s.finish(ctx, tenantID, agentName, id, StatusDone, nil, now)
}

// MarkFailed fails a delivered job owned by the agent, with the same rules
// as MarkDone.
func (s *Store) MarkFailed(ctx context.Context, tenantID, agentName, id, reason string, now time.Time) error {
	return s.finish(ctx, tenantID, agentName, id, StatusFailed, &reason, now)
}

func (s *Store) finish(ctx context.Context, tenantID, agentName, id, status string, reason *string, now time.Time) error {
	if !validID(id) {
		return ErrNotFound
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = $4, completed_at = $5, failure_reason = $6
		 WHERE id = $1 AND tenant_id = $2 AND agent_name = $3
		   AND status = 'delivered' AND NOT is_recurring`,
		id, tenantID, agentName, status, now, reason,
	)
	if err != nil {
		return fmt.Errorf("updating job status: %w", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var current string
	err = s.pool.QueryRow(ctx,
		`SELECT status FROM jobs WHERE id = $1 AND tenant_id = $2 AND agent_name = $3 AND NOT is_recurring`,
		id, tenantID, agentName,
	).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("reading job status: %w", err)
	}
	if current == status {
		return nil
	}
	return ErrNotFound
}

// MarkMalformed fails a claimed row that could not be delivered so that the
// reclaimer does not requeue it forever.
func (s *Store) MarkMalformed(ctx context.Context, id string, now time.Time) error {
	if !validID(id) {
		return ErrNotFound
	}
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', completed_at = $2, failure_reason = $3
		 WHERE id = $1 AND status = 'delivered'`,
		id, now, MalformedReason,
	)
	if err != nil {
		return fmt.Errorf("failing malformed job: %w", err)
	}
	return nil
}

// Reclaim returns every job delivered at or before cutoff to the queue.
func (s *Store) Reclaim(ctx context.Context, cutoff time.Time) ([]Reclaimed, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE jobs SET status = 'queued', delivered_at = NULL
		 WHERE status = 'delivered' AND delivered_at <= $1
		 RETURNING id, agent_name, type`,
		cutoff,
	)
	if err != nil {
		return nil, fmt.Errorf("reclaiming jobs: %w", err)
	}
	defer rows.Close()

	var out []Reclaimed
	for rows.Next() {
		var r Reclaimed
		if err := rows.Scan(&r.ID, &r.AgentName, &r.Type); err != nil {
			return nil, fmt.Errorf("scanning reclaimed job: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reclaimed jobs: %w", err)
	}
	return out, nil
}

// DueTemplates lists approved recurring templates whose next run has come.
func (s *Store) DueTemplates(ctx context.Context, now time.Time, limit int) ([]*Job, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+jobColumns+` FROM jobs
		 WHERE is_recurring AND approved AND next_run_at <= $1
		 ORDER BY next_run_at, id
		 LIMIT $2`,
		now, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing due templates: %w", err)
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning template: %w", err)
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating templates: %w", err)
	}
	return out, nil
}

// Materialize inserts one queued instance of the template and advances its
// schedule, in one transaction. It returns ErrNotDue when another sweep holds
// or has already advanced the template.
func (s *Store) Materialize(ctx context.Context, templateID string, now time.Time, next time.Time) (*Materialized, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("beginning transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var tenantID, agentName, typ string
	var payload []byte
	err = tx.QueryRow(ctx,
		`SELECT tenant_id, agent_name, type, payload FROM jobs
		 WHERE id = $1 AND is_recurring AND approved AND next_run_at <= $2
		 FOR UPDATE SKIP LOCKED`,
		templateID, now,
	).Scan(&tenantID, &agentName, &typ, &payload)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotDue
	}
	if err != nil {
		return nil, fmt.Errorf("locking template: %w", err)
	}

	m := &Materialized{TemplateID: templateID, NextRunAt: &next}
	err = tx.QueryRow(ctx,
		`INSERT INTO jobs (tenant_id, agent_name, type, payload, status, approved, parent_job_id, created_at)
		 VALUES ($1, $2, $3, $4, 'queued', true, $5, $6)
		 RETURNING id`,
		tenantID, agentName, typ, payload, templateID, now,
	).Scan(&m.InstanceID)
	if err != nil {
		return nil, fmt.Errorf("inserting instance: %w", err)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE jobs SET last_run_at = $2, next_run_at = $3 WHERE id = $1`,
		templateID, now, next); err != nil {
		return nil, fmt.Errorf("advancing template: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("committing transaction: %w", err)
	}
	return m, nil
}

// Disable clears a template's next run so it is no longer picked up.
func (s *Store) Disable(ctx context.Context, templateID string) error {
	_, err := s.pool.Exec(ctx,
		`UPDATE jobs SET next_run_at = NULL WHERE id = $1 AND is_recurring`, templateID)
	if err != nil {
		return fmt.Errorf("disabling template: %w", err)
	}
	return nil
}
