package lifecycle

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/glazeworks/kiln/internal/model"
)

// Recorder writes producer progress markers into a job's debug record and
// serves the read-only introspection view. Writes are best-effort: a store
// failure is logged and swallowed, never propagated to fail the enclosing
// run.
type Recorder struct {
	store  Store
	logger *slog.Logger
}

// NewRecorder creates a Recorder over the given store.
func NewRecorder(store Store, logger *slog.Logger) *Recorder {
	return &Recorder{store: store, logger: logger}
}

// RecordHeartbeat merges a progress marker into the job's debug record:
// bumps last_heartbeat_at, sets last_step, and appends logLine (if
// non-empty) to the bounded log buffer. The store-side guard makes this a
// no-op once the job is terminal, freezing the record.
func (r *Recorder) RecordHeartbeat(ctx context.Context, jobID uuid.UUID, step, logLine string) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		r.logger.Warn("heartbeat read failed", "job_id", jobID, "error", err)
		return
	}

	now := time.Now().UTC()
	debug := job.Debug
	debug.LastHeartbeatAt = &now
	if step != "" {
		if len(step) > model.MaxStepLabelLen {
			step = step[:model.MaxStepLabelLen]
		}
		debug.LastStep = step
	}
	if logLine != "" {
		if len(logLine) > model.MaxLogLineLen {
			logLine = logLine[:model.MaxLogLineLen]
		}
		debug.AppendLog(logLine)
	}

	if err := r.store.UpdateJobDebug(ctx, jobID, debug); err != nil {
		r.logger.Warn("heartbeat write failed", "job_id", jobID, "error", err)
	}
}

// Inspect returns the diagnostics snapshot for a job: status, age, output
// count, and the current debug record. Purely for external diagnostics,
// never for control flow.
func (r *Recorder) Inspect(ctx context.Context, jobID uuid.UUID) (model.JobInspection, error) {
	job, err := r.store.GetJob(ctx, jobID)
	if err != nil {
		return model.JobInspection{}, fmt.Errorf("lifecycle: inspect: %w", err)
	}
	outputCount, err := r.store.CountOutputsByJob(ctx, jobID)
	if err != nil {
		return model.JobInspection{}, fmt.Errorf("lifecycle: inspect: %w", err)
	}

	return model.JobInspection{
		ID:              job.ID,
		Status:          job.Status,
		ProducerID:      job.ProducerID,
		ParentID:        job.ParentID,
		CreatedAt:       job.CreatedAt,
		AgeMs:           time.Since(job.CreatedAt).Milliseconds(),
		OutputCount:     outputCount,
		LastStep:        job.Debug.LastStep,
		LastHeartbeatAt: job.Debug.LastHeartbeatAt,
		DebugLogs:       job.Debug.Logs,
		Error:           job.Error,
	}, nil
}
