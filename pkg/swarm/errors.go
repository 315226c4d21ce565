package swarm

import "errors"

var (
	// ErrClosed is returned by Spawn after Close.
	ErrClosed = errors.New("swarm supervisor closed")
	// ErrUnknownWorker is returned when a report names a task with no worker.
	ErrUnknownWorker = errors.New("unknown worker")
	// ErrNotAssigned is returned when a worker reports on a task it does
	// not own.
	ErrNotAssigned = errors.New("task not assigned to this worker")
	// ErrInvalidStatus is returned for a completion status other than
	// success or failed.
	ErrInvalidStatus = errors.New("invalid completion status")
)
