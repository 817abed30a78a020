package studio

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrValidation marks a request the caller must fix before retrying.
	ErrValidation = errors.New("invalid request")
	// ErrBusy means the session already has an operation in flight.
	ErrBusy = errors.New("session has an operation in flight")
	// ErrCancelled is returned when the caller gave up on a request. It is
	// informational, not a failure of the request itself.
	ErrCancelled = errors.New("operation cancelled")
	// ErrNoOperation means there is no remembered operation to recover.
	ErrNoOperation = errors.New("no operation to recover")
	// ErrNotPending is returned when an action needs a pending job.
	ErrNotPending = errors.New("job is not pending")
	// ErrNotPolling is returned when cancelling a job nobody is polling.
	ErrNotPolling = errors.New("job is not being polled")
	// ErrJobFailed wraps the upstream message of a job that ended in failure.
	ErrJobFailed = errors.New("job failed")
)

func validationError(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// upstreamError turns a cancelled request into ErrCancelled and leaves
// everything else wrapped as-is.
func upstreamError(op string, err error) error {
	if errors.Is(err, context.Canceled) {
		return fmt.Errorf("%s: %w", op, ErrCancelled)
	}
	return fmt.Errorf("%s: %w", op, err)
}
