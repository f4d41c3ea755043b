package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/glazeworks/kiln/internal/model"
	"github.com/glazeworks/kiln/internal/pagination"
)

const jobColumns = `id, parent_id, owner_id, producer_id, prompt, negative_prompt,
	params, debug, status, error, created_at, updated_at`

func scanJob(row pgx.Row) (model.Job, error) {
	var j model.Job
	err := row.Scan(
		&j.ID, &j.ParentID, &j.OwnerID, &j.ProducerID, &j.Prompt, &j.NegativePrompt,
		&j.Params, &j.Debug, &j.Status, &j.Error, &j.CreatedAt, &j.UpdatedAt,
	)
	return j, err
}

// CreateJob inserts a new job in the queued state and returns it.
func (db *DB) CreateJob(ctx context.Context, req model.CreateJobRequest) (model.Job, error) {
	now := time.Now().UTC()
	job := model.Job{
		ID:             uuid.New(),
		ParentID:       req.ParentID,
		OwnerID:        req.OwnerID,
		ProducerID:     req.ProducerID,
		Prompt:         req.Prompt,
		NegativePrompt: req.NegativePrompt,
		Params:         req.Params,
		Status:         model.JobStatusQueued,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if job.Params == nil {
		job.Params = map[string]any{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO jobs (id, parent_id, owner_id, producer_id, prompt, negative_prompt,
		                   params, debug, status, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
		job.ID, job.ParentID, job.OwnerID, job.ProducerID, job.Prompt, job.NegativePrompt,
		job.Params, job.Debug, string(job.Status), job.CreatedAt, job.UpdatedAt,
	)
	if err != nil {
		return model.Job{}, fmt.Errorf("storage: create job: %w", err)
	}
	return job, nil
}

// GetJob retrieves a job by ID.
func (db *DB) GetJob(ctx context.Context, id uuid.UUID) (model.Job, error) {
	job, err := scanJob(db.pool.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id,
	))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Job{}, fmt.Errorf("storage: job %s: %w", id, ErrNotFound)
		}
		return model.Job{}, fmt.Errorf("storage: get job: %w", err)
	}
	return job, nil
}

// MarkJobProcessing transitions a job from queued to processing.
// Returns ErrInvalidTransition if the job is missing or not queued.
func (db *DB) MarkJobProcessing(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'processing', updated_at = $2
		 WHERE id = $1 AND status = 'queued'`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: mark job processing: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %s not queued: %w", id, ErrInvalidTransition)
	}
	return nil
}

// CompleteJob transitions a job from processing to completed. The job's
// outputs must already be durable; callers flip status last so a reader
// never observes completed without outputs.
func (db *DB) CompleteJob(ctx context.Context, id uuid.UUID) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'completed', updated_at = $2
		 WHERE id = $1 AND status = 'processing'`,
		id, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: complete job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %s not processing: %w", id, ErrInvalidTransition)
	}
	return nil
}

// FailJob transitions a job to failed from any non-terminal state,
// recording the error message. Terminal states are never overwritten.
func (db *DB) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	tag, err := db.pool.Exec(ctx,
		`UPDATE jobs SET status = 'failed', error = $2, updated_at = $3
		 WHERE id = $1 AND status IN ('queued', 'processing')`,
		id, errMsg, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("storage: fail job: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("storage: job %s already terminal: %w", id, ErrInvalidTransition)
	}
	return nil
}

// UpdateJobDebug replaces a job's debug record while it is processing.
// The write also bumps updated_at, which floats actively-heartbeating jobs
// to the top of the pagination order. No-ops (without error) once the job
// is terminal: the debug record freezes with the job.
func (db *DB) UpdateJobDebug(ctx context.Context, id uuid.UUID, debug model.DebugRecord) error {
	// Heartbeats race with the terminal-status flip on the same row, so
	// retry the deadlock case instead of surfacing it.
	err := withRetry(ctx, 3, 25*time.Millisecond, func() error {
		_, err := db.pool.Exec(ctx,
			`UPDATE jobs SET debug = $2, updated_at = $3
			 WHERE id = $1 AND status = 'processing'`,
			id, debug, time.Now().UTC(),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("storage: update job debug: %w", err)
	}
	return nil
}

// ListJobsPage returns one keyset page of jobs for a parent collection,
// ordered by (updated_at DESC, id ASC). A nil cursor starts at the top of
// the order; otherwise the scan resumes strictly after the cursor's key.
// limit must already be clamped by the caller.
//
// Under concurrent updates an in-flight job can move past a page boundary
// (timestamps only increase), so a boundary may occasionally omit or
// duplicate such a job. That weak guarantee is accepted; no snapshot is
// taken across page fetches.
func (db *DB) ListJobsPage(ctx context.Context, parentID string, cursor *pagination.Cursor, limit int) (model.JobPage, error) {
	var (
		rows pgx.Rows
		err  error
	)
	// Fetch one extra row to learn whether more pages exist.
	if cursor == nil {
		rows, err = db.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE parent_id = $1
			 ORDER BY updated_at DESC, id ASC
			 LIMIT $2`,
			parentID, limit+1,
		)
	} else {
		rows, err = db.pool.Query(ctx,
			`SELECT `+jobColumns+` FROM jobs
			 WHERE parent_id = $1
			   AND (updated_at < $2 OR (updated_at = $2 AND id > $3))
			 ORDER BY updated_at DESC, id ASC
			 LIMIT $4`,
			parentID, cursor.UpdatedAt, cursor.ID, limit+1,
		)
	}
	if err != nil {
		return model.JobPage{}, fmt.Errorf("storage: list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []model.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return model.JobPage{}, fmt.Errorf("storage: scan job: %w", err)
		}
		jobs = append(jobs, j)
	}
	if err := rows.Err(); err != nil {
		return model.JobPage{}, fmt.Errorf("storage: list jobs: %w", err)
	}

	page := model.JobPage{Data: jobs}
	if len(jobs) > limit {
		page.Data = jobs[:limit]
		page.HasMore = true
		last := page.Data[limit-1]
		next := pagination.Cursor{
			ParentID:  parentID,
			UpdatedAt: last.UpdatedAt,
			ID:        last.ID,
		}.Encode()
		page.NextCursor = &next
	}
	return page, nil
}
