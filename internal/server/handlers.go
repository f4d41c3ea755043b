package server

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/glazeworks/kiln/internal/lifecycle"
	"github.com/glazeworks/kiln/internal/model"
	"github.com/glazeworks/kiln/internal/pagination"
	"github.com/glazeworks/kiln/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db                  *storage.DB
	manager             *lifecycle.Manager
	broker              *Broker
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	openapiSpec         []byte
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Broker, OpenAPISpec.
type HandlersDeps struct {
	DB                  *storage.DB
	Manager             *lifecycle.Manager
	Broker              *Broker
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
	OpenAPISpec         []byte
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:                  d.DB,
		manager:             d.Manager,
		broker:              d.Broker,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		openapiSpec:         d.OpenAPISpec,
	}
}

// HandleCreateJob handles POST /v1/jobs. The job is created and run to a
// terminal state within the request. A producer failure is a job-level
// outcome: the response body carries the failed job and its error, with a
// 200 status, because the job record itself was created and is retrievable.
func (h *Handlers) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req model.CreateJobRequest
	if err := decodeJSON(r, &req, h.maxRequestBodyBytes); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	job, err := h.manager.Create(r.Context(), req)
	if err != nil {
		var vErr *lifecycle.ValidationError
		switch {
		case errors.As(err, &vErr):
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, vErr.Err.Error())
		case errors.Is(err, lifecycle.ErrProducerNotFound):
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound,
				"unknown producer: "+req.ProducerID)
		default:
			h.writeInternalError(w, r, "failed to create job", err)
		}
		return
	}

	span := trace.SpanFromContext(r.Context())
	span.SetAttributes(
		attribute.String("kiln.job_id", job.ID.String()),
		attribute.String("kiln.producer_id", job.ProducerID),
	)

	job, outputs, err := h.manager.Run(r.Context(), job)
	if err != nil {
		var pErr *lifecycle.ProducerError
		if errors.As(err, &pErr) {
			writeJSON(w, r, http.StatusOK, model.CreateJobResponse{
				ID:     job.ID,
				Status: job.Status,
				Error:  job.Error,
			})
			return
		}
		// The job exists but its final state is unknown to this request.
		// Include the ID so the caller can inspect it.
		h.logger.Error("job run failed after create",
			"job_id", job.ID, "error", err,
			"request_id", RequestIDFromContext(r.Context()))
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError,
			fmt.Sprintf("job %s hit an internal error; check its status", job.ID))
		return
	}

	writeJSON(w, r, http.StatusCreated, model.CreateJobResponse{
		ID:      job.ID,
		Status:  job.Status,
		Outputs: outputs,
	})
}

// HandleGetJob handles GET /v1/jobs/{job_id}.
func (h *Handlers) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	job, err := h.db.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
			return
		}
		h.writeInternalError(w, r, "failed to get job", err)
		return
	}

	outputs, err := h.db.ListOutputsByJob(r.Context(), jobID)
	if err != nil {
		h.writeInternalError(w, r, "failed to list outputs", err)
		return
	}

	writeJSON(w, r, http.StatusOK, model.JobDetail{Job: job, Outputs: outputs})
}

// HandleInspectJob handles GET /v1/jobs/{job_id}/debug.
func (h *Handlers) HandleInspectJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := parseJobID(r)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, err.Error())
		return
	}

	inspection, err := h.manager.Recorder().Inspect(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "job not found")
			return
		}
		h.writeInternalError(w, r, "failed to inspect job", err)
		return
	}

	writeJSON(w, r, http.StatusOK, inspection)
}

// HandlePageJobs handles GET /v1/collections/{parent_id}/jobs.
func (h *Handlers) HandlePageJobs(w http.ResponseWriter, r *http.Request) {
	parentID := r.PathValue("parent_id")
	if parentID == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "parent_id is required")
		return
	}

	limit := pagination.DefaultLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := parsePositiveInt(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		limit = n
	}
	limit = pagination.ClampLimit(limit)

	var cursor *pagination.Cursor
	if token := r.URL.Query().Get("cursor"); token != "" {
		c, err := pagination.Decode(token, parentID)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidCursor, "invalid cursor")
			return
		}
		cursor = &c
	}

	page, err := h.db.ListJobsPage(r.Context(), parentID, cursor, limit)
	if err != nil {
		h.writeInternalError(w, r, "failed to list jobs", err)
		return
	}

	writeJSON(w, r, http.StatusOK, page)
}

// HandleSubscribe handles GET /v1/subscribe (SSE).
func (h *Handlers) HandleSubscribe(w http.ResponseWriter, r *http.Request) {
	if h.broker == nil {
		writeError(w, r, http.StatusServiceUnavailable, model.ErrCodeInternalError,
			"SSE not available (LISTEN/NOTIFY not configured)")
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "streaming not supported")
		return
	}

	parentID := r.URL.Query().Get("parent_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	// Disable the server's WriteTimeout for this long-lived connection.
	// Without this, idle SSE connections are killed after WriteTimeout.
	rc := http.NewResponseController(w)
	_ = rc.SetWriteDeadline(time.Time{})

	ch := h.broker.Subscribe(parentID)
	defer h.broker.Unsubscribe(ch)

	keepalive := time.NewTicker(15 * time.Second)
	defer keepalive.Stop()

	ctx := r.Context()
	for {
		select {
		case <-ctx.Done():
			return
		case <-keepalive.C:
			if _, err := w.Write([]byte(":keepalive\n\n")); err != nil {
				return
			}
			flusher.Flush()
		case event, ok := <-ch:
			if !ok {
				return
			}
			if _, err := w.Write(event); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	resp := map[string]any{
		"status":   status,
		"version":  h.version,
		"postgres": pgStatus,
		"uptime":   int64(time.Since(h.startedAt).Seconds()),
	}
	if h.broker != nil {
		resp["sse_broker"] = "running"
	}

	writeJSON(w, r, httpStatus, resp)
}

// HandleOpenAPISpec serves the embedded OpenAPI specification.
func (h *Handlers) HandleOpenAPISpec(w http.ResponseWriter, r *http.Request) {
	if len(h.openapiSpec) == 0 {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/yaml")
	_, _ = w.Write(h.openapiSpec)
}

// writeInternalError logs the underlying error and writes a generic 500.
func (h *Handlers) writeInternalError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	h.logger.Error(msg, "error", err, "request_id", RequestIDFromContext(r.Context()))
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, msg)
}

func parseJobID(r *http.Request) (uuid.UUID, error) {
	raw := r.PathValue("job_id")
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid job_id: %q", raw)
	}
	return id, nil
}

func parsePositiveInt(raw string) (int, error) {
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("not a positive integer: %q", raw)
	}
	return n, nil
}
