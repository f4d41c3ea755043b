package kiln

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state of a job.
type JobStatus string

const (
	StatusQueued     JobStatus = "queued"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether s is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Job is one generation job as returned by the API.
type Job struct {
	ID             uuid.UUID      `json:"id"`
	ParentID       string         `json:"parent_id"`
	OwnerID        string         `json:"owner_id"`
	ProducerID     string         `json:"producer_id"`
	Prompt         string         `json:"prompt"`
	NegativePrompt *string        `json:"negative_prompt,omitempty"`
	Params         map[string]any `json:"params"`
	Debug          DebugRecord    `json:"debug"`
	Status         JobStatus      `json:"status"`
	Error          *string        `json:"error,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// Output is a single produced artifact.
type Output struct {
	ID         uuid.UUID `json:"id"`
	JobID      uuid.UUID `json:"job_id"`
	URL        string    `json:"url"`
	Kind       string    `json:"kind"`
	Width      *int      `json:"width,omitempty"`
	Height     *int      `json:"height,omitempty"`
	DurationMs *int64    `json:"duration_ms,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// DebugRecord is a job's introspection view.
type DebugRecord struct {
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	LastStep        string     `json:"last_step,omitempty"`
	Logs            []string   `json:"logs,omitempty"`
}

// CreateJobRequest is the request body for CreateJob.
type CreateJobRequest struct {
	ParentID       string         `json:"parent_id"`
	OwnerID        string         `json:"owner_id"`
	ProducerID     string         `json:"producer_id"`
	Prompt         string         `json:"prompt"`
	NegativePrompt *string        `json:"negative_prompt,omitempty"`
	Params         map[string]any `json:"params,omitempty"`
}

// CreateJobResponse is the terminal outcome of a creation call.
// Error is set when the job reached the failed state.
type CreateJobResponse struct {
	ID      uuid.UUID `json:"id"`
	Status  JobStatus `json:"status"`
	Outputs []Output  `json:"outputs,omitempty"`
	Error   *string   `json:"error,omitempty"`
}

// JobPage is one cursor page of a parent collection.
type JobPage struct {
	Data       []Job   `json:"data"`
	HasMore    bool    `json:"has_more"`
	NextCursor *string `json:"next_cursor,omitempty"`
}

// JobDetail is a job with its outputs.
type JobDetail struct {
	Job     Job      `json:"job"`
	Outputs []Output `json:"outputs"`
}

// Inspection is the diagnostics view of a job.
type Inspection struct {
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

// ChangeEvent is one push notification from the change feed. Delivery is
// at-least-once and possibly reordered; treat an event as "something in
// this collection may have changed", never as a description of what changed.
type ChangeEvent struct {
	ParentID   string    `json:"parent_id"`
	EntityKind string    `json:"entity_kind"`
	EventKind  string    `json:"event_kind"`
	EntityID   uuid.UUID `json:"entity_id"`
}
