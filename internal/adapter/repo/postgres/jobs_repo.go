// Package postgres provides PostgreSQL adapters for batch job lifecycle and
// skill score persistence.
package postgres

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"

	"github.com/fairyhunter13/ai-answer-grader/internal/domain"
)

// JobRepo persists batch grading jobs. The live queue state stays in memory;
// rows here exist for job status queries, audit, and stuck-job recovery.
type JobRepo struct{ Pool PgxPool }

// NewJobRepo constructs a JobRepo with the given pool.
func NewJobRepo(p PgxPool) *JobRepo { return &JobRepo{Pool: p} }

var _ domain.JobRepository = (*JobRepo)(nil)

// Create inserts a new job row with its files payload serialized as JSON.
func (r *JobRepo) Create(ctx domain.Context, j domain.BatchJob) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Create")
	defer span.End()
	span.SetAttributes(
		attribute.String("db.system", "postgresql"),
		attribute.String("db.sql.table", "grading_jobs"),
	)
	id := j.ID
	if id == "" {
		id = uuid.New().String()
	}
	files, err := json.Marshal(j.Files)
	if err != nil {
		return fmt.Errorf("op=job.create: marshal files: %w", err)
	}
	q := `INSERT INTO grading_jobs (id, priority, status, progress, question_count, retry_count, max_retries, files, created_at, updated_at)
	      VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	now := time.Now().UTC()
	_, err = r.Pool.Exec(ctx, q, id, j.Priority, j.Status, j.Progress, j.QuestionCount(), j.RetryCount, j.MaxRetries, files, now, now)
	if err != nil {
		return fmt.Errorf("op=job.create: %w", err)
	}
	return nil
}

// UpdateStatus moves a job to a new status, recording the error message and
// stamping started_at / completed_at on the matching transitions.
func (r *JobRepo) UpdateStatus(ctx domain.Context, id string, status domain.JobStatus, errMsg string) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateStatus")
	defer span.End()
	now := time.Now().UTC()
	q := `UPDATE grading_jobs SET status=$2, error=$3, updated_at=$4,
	        started_at = CASE WHEN $2='processing' AND started_at IS NULL THEN $4 ELSE started_at END,
	        completed_at = CASE WHEN $2 IN ('completed','failed') THEN $4 ELSE completed_at END
	      WHERE id=$1`
	tag, err := r.Pool.Exec(ctx, q, id, status, errMsg, now)
	if err != nil {
		return fmt.Errorf("op=job.update_status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("op=job.update_status: %w", domain.ErrNotFound)
	}
	return nil
}

// UpdateProgress writes the completion percentage for a processing job.
func (r *JobRepo) UpdateProgress(ctx domain.Context, id string, progress float64) error {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.UpdateProgress")
	defer span.End()
	q := `UPDATE grading_jobs SET progress=$2, updated_at=$3 WHERE id=$1`
	if _, err := r.Pool.Exec(ctx, q, id, progress, time.Now().UTC()); err != nil {
		return fmt.Errorf("op=job.update_progress: %w", err)
	}
	return nil
}

// Get loads a job by id, including its serialized files payload.
func (r *JobRepo) Get(ctx domain.Context, id string) (domain.BatchJob, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.Get")
	defer span.End()
	q := `SELECT id, priority, status, progress, retry_count, max_retries, files, COALESCE(error,''), created_at, started_at, completed_at
	      FROM grading_jobs WHERE id=$1`
	row := r.Pool.QueryRow(ctx, q, id)
	var (
		j       domain.BatchJob
		files   []byte
		errText string
	)
	if err := row.Scan(&j.ID, &j.Priority, &j.Status, &j.Progress, &j.RetryCount, &j.MaxRetries, &files, &errText, &j.CreatedAt, &j.StartedAt, &j.CompletedAt); err != nil {
		if err == pgx.ErrNoRows {
			return domain.BatchJob{}, fmt.Errorf("op=job.get: %w", domain.ErrNotFound)
		}
		return domain.BatchJob{}, fmt.Errorf("op=job.get: %w", err)
	}
	if len(files) > 0 {
		if err := json.Unmarshal(files, &j.Files); err != nil {
			return domain.BatchJob{}, fmt.Errorf("op=job.get: unmarshal files: %w", err)
		}
	}
	if errText != "" {
		j.Errors = append(j.Errors, errText)
	}
	return j, nil
}

// ListStuckProcessing returns ids of jobs stuck in processing since before
// cutoff, oldest first, so the sweeper can fail them.
func (r *JobRepo) ListStuckProcessing(ctx domain.Context, cutoff time.Time, limit int) ([]string, error) {
	tracer := otel.Tracer("repo.jobs")
	ctx, span := tracer.Start(ctx, "jobs.ListStuckProcessing")
	defer span.End()
	q := `SELECT id FROM grading_jobs WHERE status='processing' AND updated_at < $1 ORDER BY updated_at ASC LIMIT $2`
	rows, err := r.Pool.Query(ctx, q, cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: %w", err)
	}
	defer rows.Close()
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("op=job.list_stuck: scan: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("op=job.list_stuck: rows: %w", err)
	}
	return ids, nil
}
