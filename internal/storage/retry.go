package storage

import (
	"context"
	"errors"
	"math/rand/v2"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	pgSerializationFailure = "40001"
	pgDeadlockDetected     = "40P01"
)

// transient reports whether err is a conflict worth retrying. Heartbeat
// writes race with status transitions on the same job row, so deadlocks
// and serialization failures are expected under load and resolve on a
// re-run.
func transient(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == pgSerializationFailure || pgErr.Code == pgDeadlockDetected
}

// withRetry runs fn until it succeeds, returns a non-transient error, or
// exhausts attempts. Waits between attempts double from base, plus jitter
// so concurrent retriers spread out.
func withRetry(ctx context.Context, attempts int, base time.Duration, fn func() error) error {
	delay := base
	for {
		err := fn()
		if err == nil || !transient(err) {
			return err
		}
		attempts--
		if attempts <= 0 {
			return err
		}

		jitter := time.Duration(rand.Int64N(int64(delay)))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
}
