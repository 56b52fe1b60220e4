package batch

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"eligibility-gateway/internal/domain"
	id "eligibility-gateway/pkg/domain"
	pkgerrors "eligibility-gateway/pkg/errors"
	"eligibility-gateway/pkg/platform/sentinel"
)

// PostgresStore persists jobs and checkpoints in PostgreSQL. Selector,
// options, errors and chunk plans are stored as JSONB documents; the columns
// the API filters on (status, created_at) are first-class.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore wraps an open database handle.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

// EnsureSchema creates the job tables if they do not exist. Deployments with
// managed migrations run the equivalent DDL there and skip this.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	const ddl = `
		CREATE TABLE IF NOT EXISTS scheduled_jobs (
			job_id     UUID PRIMARY KEY,
			status     TEXT NOT NULL,
			payload    JSONB NOT NULL,
			created_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL
		);
		CREATE INDEX IF NOT EXISTS scheduled_jobs_status_idx ON scheduled_jobs (status, created_at DESC);
		CREATE TABLE IF NOT EXISTS job_checkpoints (
			job_id     UUID PRIMARY KEY REFERENCES scheduled_jobs (job_id),
			payload    JSONB NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL DEFAULT now()
		);
	`
	if _, err := s.db.ExecContext(ctx, ddl); err != nil {
		return fmt.Errorf("ensure job schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) CreateJob(ctx context.Context, job *domain.ScheduledJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "encode job")
	}
	query := `
		INSERT INTO scheduled_jobs (job_id, status, payload, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id) DO NOTHING
	`
	res, err := s.db.ExecContext(ctx, query,
		job.JobID.String(), job.Status.String(), payload, job.CreatedAt, job.UpdatedAt)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job insert failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerrors.Wrap(sentinel.ErrConflict, pkgerrors.CodeConflict, "job already exists")
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, jobID id.JobID) (*domain.ScheduledJob, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM scheduled_jobs WHERE job_id = $1`, jobID.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeNotFound, "job not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job read failed")
	}
	var job domain.ScheduledJob
	if err := json.Unmarshal(payload, &job); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "corrupt job record")
	}
	return &job, nil
}

func (s *PostgresStore) UpdateJob(ctx context.Context, job *domain.ScheduledJob) error {
	payload, err := json.Marshal(job)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "encode job")
	}
	query := `
		UPDATE scheduled_jobs
		SET status = $2, payload = $3, updated_at = $4
		WHERE job_id = $1
	`
	res, err := s.db.ExecContext(ctx, query,
		job.JobID.String(), job.Status.String(), payload, job.UpdatedAt)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job update failed")
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeNotFound, "job not found")
	}
	return nil
}

func (s *PostgresStore) ListJobs(ctx context.Context, statuses []domain.JobStatus, limit int) ([]*domain.ScheduledJob, error) {
	query := `SELECT payload FROM scheduled_jobs`
	args := make([]any, 0, 2)
	if len(statuses) > 0 {
		placeholders := make([]string, len(statuses))
		for i, st := range statuses {
			args = append(args, st.String())
			placeholders[i] = fmt.Sprintf("$%d", len(args))
		}
		query += ` WHERE status IN (` + strings.Join(placeholders, ", ") + `)`
	}
	query += ` ORDER BY created_at DESC`
	if limit > 0 {
		args = append(args, limit)
		query += fmt.Sprintf(` LIMIT $%d`, len(args))
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job list failed")
	}
	defer rows.Close()

	var out []*domain.ScheduledJob
	for rows.Next() {
		var payload []byte
		if err := rows.Scan(&payload); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job list scan failed")
		}
		var job domain.ScheduledJob
		if err := json.Unmarshal(payload, &job); err != nil {
			return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "corrupt job record")
		}
		out = append(out, &job)
	}
	if err := rows.Err(); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "job list failed")
	}
	return out, nil
}

func (s *PostgresStore) SaveCheckpoint(ctx context.Context, cp Checkpoint) error {
	payload, err := json.Marshal(cp)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeInternal, "encode checkpoint")
	}
	query := `
		INSERT INTO job_checkpoints (job_id, payload, updated_at)
		VALUES ($1, $2, now())
		ON CONFLICT (job_id) DO UPDATE SET
			payload = EXCLUDED.payload,
			updated_at = now()
	`
	if _, err := s.db.ExecContext(ctx, query, cp.JobID.String(), payload); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "checkpoint write failed")
	}
	return nil
}

func (s *PostgresStore) GetCheckpoint(ctx context.Context, jobID id.JobID) (*Checkpoint, error) {
	var payload []byte
	err := s.db.QueryRowContext(ctx,
		`SELECT payload FROM job_checkpoints WHERE job_id = $1`, jobID.String()).Scan(&payload)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, pkgerrors.Wrap(sentinel.ErrNotFound, pkgerrors.CodeNotFound, "checkpoint not found")
	}
	if err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "checkpoint read failed")
	}
	var cp Checkpoint
	if err := json.Unmarshal(payload, &cp); err != nil {
		return nil, pkgerrors.Wrap(err, pkgerrors.CodeInternal, "corrupt checkpoint record")
	}
	return &cp, nil
}

func (s *PostgresStore) DeleteCheckpoint(ctx context.Context, jobID id.JobID) error {
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM job_checkpoints WHERE job_id = $1`, jobID.String()); err != nil {
		return pkgerrors.Wrap(err, pkgerrors.CodeUnavailable, "checkpoint delete failed")
	}
	return nil
}
