package model

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Field length limits for job creation. These keep caller-controlled text
// out of pathological territory for the producer request and for the
// Postgres TEXT columns backing it.
const (
	MaxPromptLen     = 32 * 1024 // 32 KB
	MaxStepLabelLen  = 200
	MaxLogLineLen    = 4 * 1024 // 4 KB
	MaxParamsEntries = 100
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ResponseMeta contains request metadata included in every response.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// ErrorDetail describes an API error.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// ErrorCode constants for standard API error codes.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeInvalidCursor = "INVALID_CURSOR"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeRateLimited   = "RATE_LIMITED"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// CreateJobRequest is the request body for POST /v1/jobs.
//
// This is the versioned, explicitly-shaped replacement for the legacy
// caller's flattened parameter bag: required fields are named, producer
// parameters live under params and nowhere else.
type CreateJobRequest struct {
	ParentID       string         `json:"parent_id"`
	OwnerID        string         `json:"owner_id"`
	ProducerID     string         `json:"producer_id"`
	Prompt         string         `json:"prompt"`
	NegativePrompt *string        `json:"negative_prompt,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// Validate checks required fields and size limits.
func (r CreateJobRequest) Validate() error {
	if r.ParentID == "" {
		return fmt.Errorf("parent_id is required")
	}
	if r.ProducerID == "" {
		return fmt.Errorf("producer_id is required")
	}
	if r.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if len(r.Prompt) > MaxPromptLen {
		return fmt.Errorf("prompt exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if r.NegativePrompt != nil && len(*r.NegativePrompt) > MaxPromptLen {
		return fmt.Errorf("negative_prompt exceeds maximum length of %d bytes", MaxPromptLen)
	}
	if len(r.Params) > MaxParamsEntries {
		return fmt.Errorf("params exceeds maximum of %d entries", MaxParamsEntries)
	}
	return nil
}

// CreateJobResponse is the response body for POST /v1/jobs.
// Error is set when the job reached the failed state.
type CreateJobResponse struct {
	ID      uuid.UUID `json:"id"`
	Status  JobStatus `json:"status"`
	Outputs []Output  `json:"outputs,omitempty"`
	Error   *string   `json:"error,omitempty"`
}

// JobPage is the response body for a cursor page fetch.
type JobPage struct {
	Data       []Job   `json:"data"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor,omitempty"`
}

// JobDetail is the response body for GET /v1/jobs/{job_id}.
type JobDetail struct {
	Job     Job      `json:"job"`
	Outputs []Output `json:"outputs"`
}

// JobInspection is the diagnostics view returned by GET /v1/jobs/{job_id}/debug.
// Read-only; never used for control flow.
type JobInspection struct {
	ID              uuid.UUID  `json:"id"`
	Status          JobStatus  `json:"status"`
	ProducerID      string     `json:"producer_id"`
	ParentID        string     `json:"parent_id"`
	CreatedAt       time.Time  `json:"created_at"`
	AgeMs           int64      `json:"age_ms"`
	OutputCount     int        `json:"output_count"`
	LastStep        string     `json:"last_step,omitempty"`
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	DebugLogs       []string   `json:"debug_logs,omitempty"`
	Error           *string    `json:"error,omitempty"`
}
