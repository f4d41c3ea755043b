package storage

import "errors"

// ErrNotFound is returned when a requested entity does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrInvalidTransition is returned when a guarded status update matches no
// row, i.e. the job does not exist or is not in the expected source state.
var ErrInvalidTransition = errors.New("storage: invalid status transition")
