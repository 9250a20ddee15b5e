package report

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Store provides database operations for reports.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a new report store backed by the given connection pool.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

const reportColumns = `id, tenant_id, agent_name, job_id, kind, filename, content_type, size_bytes, created_at`

func scanReport(row pgx.Row) (*Report, error) {
	r := &Report{}
	err := row.Scan(&r.ID, &r.TenantID, &r.AgentName, &r.JobID, &r.Kind, &r.Filename,
		&r.ContentType, &r.SizeBytes, &r.CreatedAt)
	return r, err
}

// Create stores an upload. A jobId that does not name an existing job of the
// same agent is dropped rather than failing the upload.
func (s *Store) Create(ctx context.Context, u Upload) (*Report, error) {
	var jobID *string
	if u.JobID != "" {
		jobID = &u.JobID
	}
	r, err := scanReport(s.pool.QueryRow(ctx,
		`INSERT INTO reports (tenant_id, agent_name, job_id, kind, filename, content_type, content, size_bytes)
		 VALUES ($1, $2,
		         (SELECT id FROM jobs WHERE id = $3::uuid AND tenant_id = $1 AND agent_name = $2),
		         $4, $5, $6, $7, $8)
		 RETURNING `+reportColumns,
		u.TenantID, u.AgentName, jobID, u.Kind, u.Filename, u.ContentType, u.Content, int64(len(u.Content)),
	))
	if err != nil {
		return nil, fmt.Errorf("creating report: %w", err)
	}
	return r, nil
}

// Get returns a report's metadata.
func (s *Store) Get(ctx context.Context, id string) (*Report, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	r, err := scanReport(s.pool.QueryRow(ctx, `SELECT `+reportColumns+` FROM reports WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("getting report: %w", err)
	}
	return r, nil
}

// Content returns a report's raw bytes.
func (s *Store) Content(ctx context.Context, id string) ([]byte, error) {
	if _, err := uuid.Parse(id); err != nil {
		return nil, ErrNotFound
	}
	var content []byte
	err := s.pool.QueryRow(ctx, `SELECT content FROM reports WHERE id = $1`, id).Scan(&content)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("reading report content: %w", err)
	}
	return content, nil
}

// List returns report metadata, newest first.
func (s *Store) List(ctx context.Context, p ListParams) ([]*Report, error) {
	limit := p.Limit
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+reportColumns+` FROM reports
		 WHERE ($1 = '' OR tenant_id = $1) AND ($2 = '' OR agent_name = $2)
		 ORDER BY created_at DESC, id DESC
		 LIMIT $3`,
		p.TenantID, p.AgentName, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("listing reports: %w", err)
	}
	defer rows.Close()

	var out []*Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("scanning report: %w", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating reports: %w", err)
	}
	return out, nil
}
