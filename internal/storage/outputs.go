package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/glazeworks/kiln/internal/model"
)

// CreateOutputs inserts a job's outputs in a single batch write.
// Called exactly once per job, before the status flips to completed.
func (db *DB) CreateOutputs(ctx context.Context, jobID uuid.UUID, outputs []model.Output) ([]model.Output, error) {
	if len(outputs) == 0 {
		return nil, nil
	}

	now := time.Now().UTC()
	batch := &pgx.Batch{}
	created := make([]model.Output, len(outputs))
	for i, out := range outputs {
		out.ID = uuid.New()
		out.JobID = jobID
		out.CreatedAt = now
		created[i] = out
		batch.Queue(
			`INSERT INTO outputs (id, job_id, url, kind, width, height, duration_ms, created_at)
			 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			out.ID, out.JobID, out.URL, out.Kind, out.Width, out.Height, out.DurationMs, out.CreatedAt,
		)
	}

	err := withRetry(ctx, 3, 25*time.Millisecond, func() error {
		br := db.pool.SendBatch(ctx, batch)
		defer br.Close()
		for range created {
			if _, err := br.Exec(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("storage: create outputs: %w", err)
	}
	return created, nil
}

// ListOutputsByJob returns a job's outputs in insertion order.
func (db *DB) ListOutputsByJob(ctx context.Context, jobID uuid.UUID) ([]model.Output, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT id, job_id, url, kind, width, height, duration_ms, created_at
		 FROM outputs WHERE job_id = $1
		 ORDER BY created_at ASC, id ASC`,
		jobID,
	)
	if err != nil {
		return nil, fmt.Errorf("storage: list outputs: %w", err)
	}
	defer rows.Close()

	var outputs []model.Output
	for rows.Next() {
		var o model.Output
		if err := rows.Scan(
			&o.ID, &o.JobID, &o.URL, &o.Kind, &o.Width, &o.Height, &o.DurationMs, &o.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("storage: scan output: %w", err)
		}
		outputs = append(outputs, o)
	}
	return outputs, rows.Err()
}

// CountOutputsByJob returns the number of outputs recorded for a job.
func (db *DB) CountOutputsByJob(ctx context.Context, jobID uuid.UUID) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM outputs WHERE job_id = $1`, jobID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count outputs: %w", err)
	}
	return n, nil
}
