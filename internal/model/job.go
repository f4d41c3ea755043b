// Package model defines the core domain types for Kiln.
//
// Types use strong typing (UUIDs, time.Time, enums) and avoid
// interface{} wherever possible. Jobs and outputs correspond directly
// to database tables; the debug record is a substructure embedded in
// the job row.
package model

import (
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a generation job.
//
// Transitions are monotonic: queued → processing → {completed, failed}.
// Terminal states are never left.
type JobStatus string

const (
	JobStatusQueued     JobStatus = "queued"
	JobStatusProcessing JobStatus = "processing"
	JobStatusCompleted  JobStatus = "completed"
	JobStatusFailed     JobStatus = "failed"
)

// Terminal reports whether s is a terminal state.
func (s JobStatus) Terminal() bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// Job is one unit of producing one or more outputs via an external producer.
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

// Output is a single produced artifact belonging to one job.
// Outputs exist only for completed jobs and are deleted with their job.
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

// MaxDebugLogLines caps the debug record's log buffer. Oldest lines are
// evicted first once the cap is reached.
const MaxDebugLogLines = 50

// DebugRecord is the append-only introspection view carried inside a job.
// Written only by the producer-adapter path while the job is processing;
// frozen once the job reaches a terminal state.
type DebugRecord struct {
	LastHeartbeatAt *time.Time `json:"last_heartbeat_at,omitempty"`
	LastStep        string     `json:"last_step,omitempty"`
	Logs            []string   `json:"logs,omitempty"`
}

// AppendLog adds a line to the bounded log buffer, evicting the oldest
// line when the cap is exceeded.
func (d *DebugRecord) AppendLog(line string) {
	d.Logs = append(d.Logs, line)
	if len(d.Logs) > MaxDebugLogLines {
		d.Logs = d.Logs[len(d.Logs)-MaxDebugLogLines:]
	}
}
