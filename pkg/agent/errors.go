package agent

import (
	"context"
	"errors"
	"fmt"
)

var (
	// ErrStepLimitExceeded ends a run that used all of its steps. The run's
	// result is still returned alongside it.
	ErrStepLimitExceeded = errors.New("step limit exceeded")

	// ErrAborted is returned when the run's context was cancelled. It also
	// matches the underlying context error.
	ErrAborted = errors.New("agent run aborted")

	// ErrAlreadyRunning is returned when a thread already has an active run
	// and no queue is configured to serialize them.
	ErrAlreadyRunning = errors.New("thread is already running")
)

func aborted(ctx context.Context) error {
	cause := ctx.Err()
	if cause == nil {
		cause = context.Canceled
	}
	return fmt.Errorf("%w: %w", ErrAborted, cause)
}
