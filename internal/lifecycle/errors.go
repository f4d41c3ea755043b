package lifecycle

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrProducerNotFound is returned when a job names a producer that does not
// resolve to a registered producer.
var ErrProducerNotFound = errors.New("lifecycle: producer not found")

// ValidationError reports a bad creation request. Never retried; surfaced
// to the caller before any job record exists.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("lifecycle: invalid request: %v", e.Err)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// ProducerError reports that the external producer call failed or timed
// out. By the time it is returned, the failure is already captured on the
// job's terminal state. It is a job-level failure, not a transport error,
// and always carries the job ID so the caller can retry by recreation.
type ProducerError struct {
	JobID   uuid.UUID
	Timeout bool
	Err     error
}

func (e *ProducerError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("lifecycle: producer timed out for job %s", e.JobID)
	}
	return fmt.Sprintf("lifecycle: producer failed for job %s: %v", e.JobID, e.Err)
}

func (e *ProducerError) Unwrap() error { return e.Err }
