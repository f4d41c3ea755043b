// Package lifecycle owns job creation, status transitions, and failure
// capture. It is the only writer of job status: every transition goes
// through the Manager, which also emits a change notification per write
// so viewers learn that the parent collection moved.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/glazeworks/kiln/internal/model"
	"github.com/glazeworks/kiln/internal/producer"
	"github.com/glazeworks/kiln/internal/storage"
	"github.com/glazeworks/kiln/internal/telemetry"
)

// Store is the persistence contract the Manager writes through. It is a
// thin adapter over the transactional store: create/read/update by ID plus
// the change-notification side channel. *storage.DB satisfies it.
type Store interface {
	CreateJob(ctx context.Context, req model.CreateJobRequest) (model.Job, error)
	GetJob(ctx context.Context, id uuid.UUID) (model.Job, error)
	MarkJobProcessing(ctx context.Context, id uuid.UUID) error
	CompleteJob(ctx context.Context, id uuid.UUID) error
	FailJob(ctx context.Context, id uuid.UUID, errMsg string) error
	UpdateJobDebug(ctx context.Context, id uuid.UUID, debug model.DebugRecord) error
	CreateOutputs(ctx context.Context, jobID uuid.UUID, outputs []model.Output) ([]model.Output, error)
	ListOutputsByJob(ctx context.Context, jobID uuid.UUID) ([]model.Output, error)
	CountOutputsByJob(ctx context.Context, jobID uuid.UUID) (int, error)
	NotifyChange(ctx context.Context, ev model.ChangeEvent) error
}

// Manager drives the job lifecycle state machine:
// queued → processing → {completed, failed}.
type Manager struct {
	store    Store
	registry *producer.Registry
	recorder *Recorder
	logger   *slog.Logger
	timeout  time.Duration

	runDuration   metric.Float64Histogram
	jobsCompleted metric.Int64Counter
	jobsFailed    metric.Int64Counter
}

// New creates a Manager. timeout bounds each producer call; on expiry the
// job is failed with a timeout error rather than left processing.
func New(store Store, registry *producer.Registry, logger *slog.Logger, timeout time.Duration) *Manager {
	meter := telemetry.Meter("kiln/lifecycle")
	runDur, _ := meter.Float64Histogram("kiln.job.run.duration",
		metric.WithDescription("Time spent in the producer call (ms)"),
		metric.WithUnit("ms"),
	)
	completed, _ := meter.Int64Counter("kiln.jobs.completed",
		metric.WithDescription("Jobs that reached the completed state"),
	)
	failed, _ := meter.Int64Counter("kiln.jobs.failed",
		metric.WithDescription("Jobs that reached the failed state"),
	)
	return &Manager{
		store:         store,
		registry:      registry,
		recorder:      NewRecorder(store, logger),
		logger:        logger,
		timeout:       timeout,
		runDuration:   runDur,
		jobsCompleted: completed,
		jobsFailed:    failed,
	}
}

// Recorder returns the debug recorder bound to this manager's store.
func (m *Manager) Recorder() *Recorder { return m.recorder }

// Create validates the request and persists a new job in the queued state.
// The record is durable before any external call is made, so a crash after
// creation never loses it. Returns *ValidationError on missing fields and
// ErrProducerNotFound when the producer does not resolve.
func (m *Manager) Create(ctx context.Context, req model.CreateJobRequest) (model.Job, error) {
	if err := req.Validate(); err != nil {
		return model.Job{}, &ValidationError{Err: err}
	}
	if _, err := m.registry.Resolve(req.ProducerID); err != nil {
		return model.Job{}, fmt.Errorf("%w: %s", ErrProducerNotFound, req.ProducerID)
	}

	job, err := m.store.CreateJob(ctx, req)
	if err != nil {
		return model.Job{}, fmt.Errorf("lifecycle: create: %w", err)
	}
	m.notify(ctx, job.ParentID, model.EntityJob, model.EventInsert, job.ID)

	m.logger.Info("job created",
		"job_id", job.ID, "parent_id", job.ParentID, "producer_id", job.ProducerID)
	return job, nil
}

// Run executes a queued job to a terminal state. The caller holds a
// single-flight guarantee per job ID: Run is invoked at most once per job
// and concurrent calls on the same job are not deduplicated here.
//
// On producer success, outputs are persisted before the status flips to
// completed, so a reader never observes completed without outputs. On any
// producer failure (error result, timeout, or panic) the job is failed
// with the error captured, via a cleanup region around the whole call.
func (m *Manager) Run(ctx context.Context, job model.Job) (model.Job, []model.Output, error) {
	p, err := m.registry.Resolve(job.ProducerID)
	if err != nil {
		m.fail(ctx, &job, "unknown producer: "+job.ProducerID)
		return job, nil, &ProducerError{JobID: job.ID, Err: err}
	}

	if err := m.store.MarkJobProcessing(ctx, job.ID); err != nil {
		return job, nil, fmt.Errorf("lifecycle: run: %w", err)
	}
	job.Status = model.JobStatusProcessing
	m.notify(ctx, job.ParentID, model.EntityJob, model.EventUpdate, job.ID)

	runCtx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()

	// Heartbeats persist through a non-cancelable context so a producer
	// timeout cannot also kill the final progress write.
	beatCtx := context.WithoutCancel(ctx)
	beat := func(step, logLine string) {
		m.recorder.RecordHeartbeat(beatCtx, job.ID, step, logLine)
	}

	start := time.Now()
	result, genErr := m.invoke(runCtx, p, producer.Request{
		JobID:          job.ID.String(),
		Prompt:         job.Prompt,
		NegativePrompt: deref(job.NegativePrompt),
		Params:         job.Params,
	}, beat)
	elapsed := time.Since(start)
	m.runDuration.Record(ctx, float64(elapsed.Milliseconds()),
		metric.WithAttributes(attribute.String("producer_id", job.ProducerID)))

	if genErr != nil {
		timedOut := errors.Is(genErr, context.DeadlineExceeded) || errors.Is(runCtx.Err(), context.DeadlineExceeded)
		errMsg := genErr.Error()
		if timedOut {
			errMsg = "timeout"
		}
		m.fail(beatCtx, &job, errMsg)
		m.logger.Warn("job failed",
			"job_id", job.ID, "producer_id", job.ProducerID,
			"duration_ms", elapsed.Milliseconds(), "error", genErr)
		return job, nil, &ProducerError{JobID: job.ID, Timeout: timedOut, Err: genErr}
	}

	outputs := make([]model.Output, len(result.Outputs))
	for i, out := range result.Outputs {
		outputs[i] = model.Output{
			URL:        out.URL,
			Kind:       out.Kind,
			Width:      out.Width,
			Height:     out.Height,
			DurationMs: out.DurationMs,
		}
	}

	// Outputs first, status second: two sequential durable writes, not one
	// transaction. A crash between them leaves a processing job with
	// outputs already written, which an external reconciliation sweep
	// resolves.
	created, err := m.store.CreateOutputs(ctx, job.ID, outputs)
	if err != nil {
		m.fail(beatCtx, &job, "failed to persist outputs: "+err.Error())
		return job, nil, fmt.Errorf("lifecycle: persist outputs for job %s: %w", job.ID, err)
	}
	for _, out := range created {
		m.notify(ctx, job.ParentID, model.EntityOutput, model.EventInsert, out.ID)
	}

	if err := m.store.CompleteJob(ctx, job.ID); err != nil {
		return job, created, fmt.Errorf("lifecycle: complete job %s: %w", job.ID, err)
	}
	job.Status = model.JobStatusCompleted
	m.notify(ctx, job.ParentID, model.EntityJob, model.EventUpdate, job.ID)
	m.jobsCompleted.Add(ctx, 1)

	m.logger.Info("job completed",
		"job_id", job.ID, "producer_id", job.ProducerID,
		"outputs", len(created), "duration_ms", elapsed.Milliseconds())
	return job, created, nil
}

// invoke calls the producer with a recover barrier so a panicking producer
// is reported as a failure rather than unwinding past the status writes.
func (m *Manager) invoke(ctx context.Context, p producer.Producer, req producer.Request, beat producer.Heartbeat) (result producer.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("producer panic: %v", r)
		}
	}()
	return p.Generate(ctx, req, beat)
}

// fail transitions the job to failed, tolerating the race where it is
// already terminal.
func (m *Manager) fail(ctx context.Context, job *model.Job, errMsg string) {
	if err := m.store.FailJob(ctx, job.ID, errMsg); err != nil {
		if !errors.Is(err, storage.ErrInvalidTransition) {
			m.logger.Error("failed to record job failure", "job_id", job.ID, "error", err)
		}
		return
	}
	job.Status = model.JobStatusFailed
	job.Error = &errMsg
	m.notify(ctx, job.ParentID, model.EntityJob, model.EventUpdate, job.ID)
	m.jobsFailed.Add(ctx, 1)
}

// notify publishes a change event. Best-effort: the durable write already
// happened and pollers will converge without the push, so a notify failure
// is logged, never propagated.
func (m *Manager) notify(ctx context.Context, parentID string, entity model.EntityKind, event model.EventKind, id uuid.UUID) {
	if err := m.store.NotifyChange(ctx, model.ChangeEvent{
		ParentID:   parentID,
		EntityKind: entity,
		EventKind:  event,
		EntityID:   id,
	}); err != nil {
		m.logger.Warn("change notification failed", "parent_id", parentID, "error", err)
	}
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
