package filelock

import (
	"errors"
	"fmt"
	"time"
)

// ErrLockTimeout is matched by every *TimeoutError.
var ErrLockTimeout = errors.New("lock timeout")

// TimeoutError reports a lock that could not be acquired in time and who held it.
type TimeoutError struct {
	Path   string
	Owner  Record
	Waited time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("lock timeout on %s after %s (held by pid=%d since %s)",
		e.Path, e.Waited.Round(time.Millisecond), e.Owner.PID,
		time.UnixMilli(e.Owner.CreatedAt).Format(time.RFC3339))
}

func (e *TimeoutError) Is(target error) bool {
	return target == ErrLockTimeout
}
