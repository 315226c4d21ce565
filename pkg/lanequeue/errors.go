package lanequeue

import "errors"

var (
	// ErrLaneCleared is returned to callers whose queued task was dropped by Clear.
	ErrLaneCleared = errors.New("lane cleared")
	// ErrLaneReset is returned to callers whose queued task was dropped by Reset.
	ErrLaneReset = errors.New("lane reset")
	// ErrClosed is returned by Enqueue after Close.
	ErrClosed = errors.New("queue closed")
	// ErrTaskPanic wraps a panic raised inside a task.
	ErrTaskPanic = errors.New("task panicked")
)
