// Package filelock provides cross-process mutual exclusion keyed by file
// path. A lock is a sidecar "<path>.lock" record created exclusively through
// a storage.KeyValueStore and holding the owner's PID and creation time.
package filelock

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/harun/hive/internal/observability"
	"github.com/harun/hive/internal/tracing"
	"github.com/harun/hive/pkg/storage"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel/attribute"
)

const (
	DefaultTimeout = 10 * time.Second
	DefaultStale   = 30 * time.Minute

	// Suffix is appended to the protected path to form the lock key.
	Suffix = ".lock"

	maxBackoff  = time.Second
	backoffStep = 50 * time.Millisecond
	// An unreadable record (for example one caught mid-write) is reclaimed
	// once it has stayed unreadable this long.
	invalidGrace = time.Second
)

// Record is the persisted content of a lock file.
type Record struct {
	PID       int   `json:"pid"`
	CreatedAt int64 `json:"createdAt"` // unix ms
}

// Options tunes a single acquisition. Zero values take the defaults.
type Options struct {
	Timeout time.Duration
	Stale   time.Duration
}

// Config configures a Locker.
type Config struct {
	Store  storage.KeyValueStore
	Logger zerolog.Logger
	// PID defaults to os.Getpid().
	PID int
	// Alive defaults to ProcessAlive.
	Alive func(pid int) bool
	// Now defaults to time.Now.
	Now func() time.Time
}

type heldLock struct {
	count int
}

// Locker hands out re-entrant file locks for one process. Re-entrance is per
// process: goroutines in the same process share a hold, so callers needing
// goroutine exclusion as well should use WithLock.
type Locker struct {
	store  storage.KeyValueStore
	logger zerolog.Logger
	pid    int
	alive  func(pid int) bool
	now    func() time.Time

	mu    sync.Mutex
	held  map[string]*heldLock
	gates map[string]chan struct{}
}

// New creates a Locker.
func New(cfg Config) *Locker {
	if cfg.Store == nil {
		cfg.Store = storage.NewFileStore("")
	}
	if cfg.PID == 0 {
		cfg.PID = os.Getpid()
	}
	if cfg.Alive == nil {
		cfg.Alive = ProcessAlive
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	observability.EnsureRegistered()

	return &Locker{
		store:  cfg.Store,
		logger: cfg.Logger,
		pid:    cfg.PID,
		alive:  cfg.Alive,
		now:    cfg.Now,
		held:   make(map[string]*heldLock),
		gates:  make(map[string]chan struct{}),
	}
}

// Handle releases one acquisition. Releasing a handle twice is a no-op.
type Handle struct {
	locker *Locker
	path   string
	once   sync.Once
}

// Path returns the protected path.
func (h *Handle) Path() string { return h.path }

// Release drops this acquisition; the lock file is removed when the last
// acquisition in the process is released.
func (h *Handle) Release() error {
	var err error
	h.once.Do(func() {
		err = h.locker.Release(h.path)
	})
	return err
}

// Acquire takes the lock for path, waiting up to opts.Timeout.
func (l *Locker) Acquire(ctx context.Context, path string, opts Options) (*Handle, error) {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Stale <= 0 {
		opts.Stale = DefaultStale
	}

	ctx, span := tracing.StartSpan(ctx, tracing.TracerLock, "filelock.acquire",
		attribute.String("path", path))
	var spanErr error
	defer func() { tracing.EndSpan(span, spanErr) }()

	if l.reenter(path) {
		return &Handle{locker: l, path: path}, nil
	}

	key := path + Suffix
	start := l.now()
	attempt := 0
	var invalidSince time.Time

	for {
		record := Record{PID: l.pid, CreatedAt: l.now().UnixMilli()}
		data, err := json.Marshal(record)
		if err != nil {
			spanErr = err
			return nil, err
		}

		err = l.store.Create(ctx, key, data)
		if err == nil {
			l.mu.Lock()
			l.held[path] = &heldLock{count: 1}
			observability.SetLocksHeld(len(l.held))
			l.mu.Unlock()

			observability.RecordLockAcquire(l.now().Sub(start), true)
			l.logger.Debug().Str("path", path).Int("attempts", attempt+1).Msg("Lock acquired")
			return &Handle{locker: l, path: path}, nil
		}
		if !errors.Is(err, storage.ErrExists) {
			spanErr = err
			return nil, fmt.Errorf("failed to create lock file: %w", err)
		}

		// Another goroutine of this process may have won the race.
		if l.reenter(path) {
			return &Handle{locker: l, path: path}, nil
		}

		raw, err := l.store.Get(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			spanErr = err
			return nil, fmt.Errorf("failed to read lock file: %w", err)
		}

		var owner Record
		if jsonErr := json.Unmarshal(raw, &owner); jsonErr != nil || owner.PID == 0 {
			if invalidSince.IsZero() {
				invalidSince = l.now()
			} else if l.now().Sub(invalidSince) >= invalidGrace {
				l.reclaim(ctx, key, raw, "invalid")
				invalidSince = time.Time{}
				continue
			}
		} else {
			invalidSince = time.Time{}
			if cause := l.staleCause(owner, opts.Stale); cause != "" {
				l.logger.Warn().
					Str("path", path).
					Int("owner_pid", owner.PID).
					Str("cause", cause).
					Msg("Reclaiming lock")
				l.reclaim(ctx, key, raw, cause)
				continue
			}
		}

		waited := l.now().Sub(start)
		if waited >= opts.Timeout {
			observability.RecordLockAcquire(waited, false)
			spanErr = &TimeoutError{Path: path, Owner: owner, Waited: waited}
			return nil, spanErr
		}

		attempt++
		delay := backoff(attempt)
		if remaining := opts.Timeout - waited; delay > remaining {
			delay = remaining
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			spanErr = ctx.Err()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

func backoff(attempt int) time.Duration {
	d := time.Duration(attempt) * backoffStep
	if d > maxBackoff {
		return maxBackoff
	}
	return d
}

func (l *Locker) reenter(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[path]; ok {
		h.count++
		return true
	}
	return false
}

func (l *Locker) staleCause(owner Record, stale time.Duration) string {
	if !l.alive(owner.PID) {
		return "dead_owner"
	}
	if l.now().Sub(time.UnixMilli(owner.CreatedAt)) > stale {
		return "stale"
	}
	return ""
}

// reclaim deletes the lock only if it still holds the record we judged stale.
func (l *Locker) reclaim(ctx context.Context, key string, seen []byte, cause string) {
	current, err := l.store.Get(ctx, key)
	if err != nil || string(current) != string(seen) {
		return
	}
	if err := l.store.Delete(ctx, key); err == nil {
		observability.RecordLockReclaim(cause)
	}
}

// Release drops one acquisition of path. An unmatched release is a no-op.
func (l *Locker) Release(path string) error {
	l.mu.Lock()
	h, ok := l.held[path]
	if !ok {
		l.mu.Unlock()
		return nil
	}
	h.count--
	if h.count > 0 {
		l.mu.Unlock()
		return nil
	}
	delete(l.held, path)
	observability.SetLocksHeld(len(l.held))
	l.mu.Unlock()

	err := l.store.Delete(context.Background(), path+Suffix)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		l.logger.Error().Err(err).Str("path", path).Msg("Failed to remove lock file")
		return fmt.Errorf("failed to remove lock file: %w", err)
	}
	l.logger.Debug().Str("path", path).Msg("Lock released")
	return nil
}

// IsHeld reports whether this process currently holds path.
func (l *Locker) IsHeld(path string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[path]
	return ok
}

// HeldCount returns the re-entrance count for path.
func (l *Locker) HeldCount(path string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	if h, ok := l.held[path]; ok {
		return h.count
	}
	return 0
}

// ReleaseAll force-releases every lock held by this process regardless of
// reference counts.
func (l *Locker) ReleaseAll() {
	l.mu.Lock()
	paths := make([]string, 0, len(l.held))
	for path := range l.held {
		paths = append(paths, path)
	}
	l.held = make(map[string]*heldLock)
	observability.SetLocksHeld(0)
	l.mu.Unlock()

	for _, path := range paths {
		if err := l.store.Delete(context.Background(), path+Suffix); err != nil && !errors.Is(err, storage.ErrNotFound) {
			l.logger.Error().Err(err).Str("path", path).Msg("Failed to remove lock file")
		}
	}
	if len(paths) > 0 {
		l.logger.Info().Int("count", len(paths)).Msg("Released all held locks")
	}
}

// WithLock runs fn while holding both an in-process gate for path and the
// file lock, so it excludes other goroutines as well as other processes.
func (l *Locker) WithLock(ctx context.Context, path string, opts Options, fn func() error) error {
	gate := l.gate(path)
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-gate }()

	h, err := l.Acquire(ctx, path, opts)
	if err != nil {
		return err
	}
	defer h.Release()

	return fn()
}

func (l *Locker) gate(path string) chan struct{} {
	l.mu.Lock()
	defer l.mu.Unlock()
	g, ok := l.gates[path]
	if !ok {
		g = make(chan struct{}, 1)
		l.gates[path] = g
	}
	return g
}

// Inspect returns the record currently stored for path.
func (l *Locker) Inspect(ctx context.Context, path string) (*Record, error) {
	raw, err := l.store.Get(ctx, path+Suffix)
	if err != nil {
		return nil, err
	}
	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("invalid lock record: %w", err)
	}
	return &rec, nil
}
