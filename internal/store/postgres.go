package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"

	"genforge/internal/domain"
	"genforge/internal/infra"
)

// Postgres implements domain.JobStore backed by PostgreSQL.
type Postgres struct {
	pool *pgxpool.Pool
}

// NewPostgres creates a job store backed by PostgreSQL.
func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Create inserts a new job record.
func (s *Postgres) Create(ctx context.Context, job *domain.Job) error {
	query := `
INSERT INTO jobs (id, kind, status, progress, user_id, provider, input_data, output_data,
                  error_message, attempts, max_attempts, credits_reserved, credits_settled, degraded)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);
`
	_, err := s.pool.Exec(ctx, query,
		job.ID,
		job.Kind,
		job.Status,
		job.Progress,
		job.UserID,
		job.Provider,
		job.InputData,
		nullableBytes(job.OutputData),
		job.ErrorMessage,
		job.Attempts,
		job.MaxAttempts,
		job.CreditsReserved,
		job.CreditsSettled,
		job.Degraded,
	)
	return err
}

// Update writes the full row. The WHERE clause restates the legal transitions
// so an illegal write (out of a terminal state, or a progress regression)
// matches no row and is surfaced as an error.
func (s *Postgres) Update(ctx context.Context, job *domain.Job) error {
	query := `
UPDATE jobs
SET status = $2,
    progress = $3,
    output_data = COALESCE($4, output_data),
    error_message = $5,
    attempts = $6,
    credits_reserved = $7,
    credits_settled = $8,
    degraded = $9,
    started_at = COALESCE($10, started_at),
    completed_at = COALESCE($11, completed_at),
    updated_at = NOW()
WHERE id = $1
  AND status NOT IN ('completed', 'failed')
  AND (status = $2
       OR (status = 'pending' AND $2 IN ('processing', 'failed'))
       OR (status = 'processing' AND $2 IN ('completed', 'failed')))
  AND (status <> 'processing' OR $2 <> 'processing' OR progress <= $3);
`
	tag, err := s.pool.Exec(ctx, query,
		job.ID,
		job.Status,
		job.Progress,
		nullableBytes(job.OutputData),
		job.ErrorMessage,
		job.Attempts,
		job.CreditsReserved,
		job.CreditsSettled,
		job.Degraded,
		job.StartedAt,
		job.CompletedAt,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("job %s: update rejected (missing or illegal transition to %s)", job.ID, job.Status)
	}
	return nil
}

// Get fetches a job by its identifier.
func (s *Postgres) Get(ctx context.Context, jobID string) (*domain.Job, error) {
	query := `
SELECT id, kind, status, progress, user_id, provider, input_data, output_data, error_message,
       attempts, max_attempts, credits_reserved, credits_settled, degraded,
       created_at, started_at, completed_at, updated_at
FROM jobs
WHERE id = $1;
`
	row := s.pool.QueryRow(ctx, query, jobID)
	job, err := scanJob(row)
	if err != nil {
		if infra.IsNoRows(err) {
			return nil, domain.ErrNotFound
		}
		return nil, err
	}
	return job, nil
}

// ListByUser returns a user's jobs, newest first.
func (s *Postgres) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Job, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
SELECT id, kind, status, progress, user_id, provider, input_data, output_data, error_message,
       attempts, max_attempts, credits_reserved, credits_settled, degraded,
       created_at, started_at, completed_at, updated_at
FROM jobs
WHERE user_id = $1
ORDER BY created_at DESC
LIMIT $2;
`
	rows, err := s.pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (*domain.Job, error) {
	var job domain.Job
	if err := row.Scan(
		&job.ID,
		&job.Kind,
		&job.Status,
		&job.Progress,
		&job.UserID,
		&job.Provider,
		&job.InputData,
		&job.OutputData,
		&job.ErrorMessage,
		&job.Attempts,
		&job.MaxAttempts,
		&job.CreditsReserved,
		&job.CreditsSettled,
		&job.Degraded,
		&job.CreatedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.UpdatedAt,
	); err != nil {
		return nil, err
	}
	return &job, nil
}

func nullableBytes(b []byte) []byte {
	if len(b) == 0 {
		return nil
	}
	return b
}

var _ domain.JobStore = (*Postgres)(nil)
