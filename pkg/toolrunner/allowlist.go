package toolrunner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/storage"
)

// AllowlistEntry is one persisted allow-always decision.
type AllowlistEntry struct {
	Command string `json:"command,omitempty"`
	Pattern string `json:"pattern,omitempty"` // glob over the executable name
	Reason  string `json:"reason,omitempty"`
	AddedAt string `json:"added_at"`
}

// AllowlistConfig configures an Allowlist.
type AllowlistConfig struct {
	Store  storage.KeyValueStore
	Locker *filelock.Locker
	Path   string
	Lock   filelock.Options
	Logger zerolog.Logger
}

// Allowlist holds executables approved with allow-always. Saves merge with
// what is on disk under the file lock, so concurrent processes do not lose
// each other's entries.
type Allowlist struct {
	store  storage.KeyValueStore
	locker *filelock.Locker
	path   string
	opts   filelock.Options
	logger zerolog.Logger

	mu      sync.RWMutex
	entries []AllowlistEntry
}

// NewAllowlist creates an allowlist and loads any persisted entries.
func NewAllowlist(ctx context.Context, cfg AllowlistConfig) (*Allowlist, error) {
	a := &Allowlist{
		store:  cfg.Store,
		locker: cfg.Locker,
		path:   cfg.Path,
		opts:   cfg.Lock,
		logger: cfg.Logger,
	}
	if err := a.Load(ctx); err != nil {
		return nil, err
	}
	return a, nil
}

// Load replaces the in-memory entries with the persisted ones. A missing
// file is not an error.
func (a *Allowlist) Load(ctx context.Context) error {
	entries, err := a.read(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.entries = entries
	a.mu.Unlock()

	a.logger.Debug().Str("path", a.path).Int("count", len(entries)).Msg("Allowlist loaded")
	return nil
}

func (a *Allowlist) read(ctx context.Context) ([]AllowlistEntry, error) {
	if a.store == nil || a.path == "" {
		return nil, nil
	}
	data, err := a.store.Get(ctx, a.path)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read allowlist: %w", err)
	}
	var entries []AllowlistEntry
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("failed to parse allowlist: %w", err)
	}
	return entries, nil
}

// Add records an entry in memory and persists it.
func (a *Allowlist) Add(ctx context.Context, entry AllowlistEntry) error {
	if entry.Command == "" && entry.Pattern == "" {
		return fmt.Errorf("either command or pattern must be specified")
	}
	if entry.AddedAt == "" {
		entry.AddedAt = time.Now().UTC().Format(time.RFC3339)
	}

	a.mu.Lock()
	a.entries = mergeEntries(a.entries, entry)
	a.mu.Unlock()

	if a.store == nil || a.path == "" {
		return nil
	}
	save := func() error {
		onDisk, err := a.read(ctx)
		if err != nil {
			return err
		}
		merged := mergeEntries(onDisk, entry)
		data, err := json.MarshalIndent(merged, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal allowlist: %w", err)
		}
		if err := a.store.Put(ctx, a.path, data); err != nil {
			return fmt.Errorf("failed to write allowlist: %w", err)
		}
		a.mu.Lock()
		for _, e := range merged {
			a.entries = mergeEntries(a.entries, e)
		}
		a.mu.Unlock()
		return nil
	}

	var err error
	if a.locker != nil {
		err = a.locker.WithLock(ctx, a.path, a.opts, save)
	} else {
		err = save()
	}
	if err != nil {
		return err
	}

	a.logger.Info().
		Str("command", entry.Command).
		Str("pattern", entry.Pattern).
		Msg("Added to allowlist")
	return nil
}

func mergeEntries(entries []AllowlistEntry, entry AllowlistEntry) []AllowlistEntry {
	for _, e := range entries {
		if e.Command == entry.Command && e.Pattern == entry.Pattern {
			return entries
		}
	}
	return append(entries, entry)
}

// IsAllowed reports whether an executable name was approved permanently.
func (a *Allowlist) IsAllowed(executable string) bool {
	if a == nil {
		return false
	}
	a.mu.RLock()
	defer a.mu.RUnlock()

	for _, entry := range a.entries {
		if entry.Command != "" && entry.Command == executable {
			return true
		}
		if entry.Pattern != "" {
			if ok, err := filepath.Match(entry.Pattern, executable); err == nil && ok {
				return true
			}
		}
	}
	return false
}

// List returns a copy of the entries.
func (a *Allowlist) List() []AllowlistEntry {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]AllowlistEntry, len(a.entries))
	copy(out, a.entries)
	return out
}
