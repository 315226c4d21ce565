package filelock

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Sweep removes lock files under prefix whose owner is dead or whose age
// exceeds stale. Locks held by this process are never swept. It returns the
// protected paths that were freed.
func (l *Locker) Sweep(ctx context.Context, prefix string, stale time.Duration) ([]string, error) {
	if stale <= 0 {
		stale = DefaultStale
	}

	keys, err := l.store.List(ctx, prefix)
	if err != nil {
		return nil, err
	}

	var freed []string
	for _, key := range keys {
		if !strings.HasSuffix(key, Suffix) {
			continue
		}
		path := strings.TrimSuffix(key, Suffix)
		if l.IsHeld(path) {
			continue
		}

		raw, err := l.store.Get(ctx, key)
		if err != nil {
			continue
		}
		var rec Record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if cause := l.staleCause(rec, stale); cause != "" {
			l.reclaim(ctx, key, raw, cause)
			freed = append(freed, path)
			l.logger.Info().Str("path", path).Int("owner_pid", rec.PID).Str("cause", cause).Msg("Swept stale lock")
		}
	}
	return freed, nil
}
