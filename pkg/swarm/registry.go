package swarm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/harun/hive/pkg/filelock"
	"github.com/harun/hive/pkg/storage"
)

// UpdateFunc receives the current record (zero when absent) and returns the
// record to store. Returning false leaves the registry unchanged.
type UpdateFunc func(current WorkerRecord, exists bool) (WorkerRecord, bool)

// Registry stores worker records by task ID. Update is an atomic
// check-and-set.
type Registry interface {
	Get(ctx context.Context, taskID string) (WorkerRecord, bool, error)
	List(ctx context.Context) ([]WorkerRecord, error)
	Update(ctx context.Context, taskID string, fn UpdateFunc) (WorkerRecord, error)
}

// MemoryRegistry keeps records in process memory.
type MemoryRegistry struct {
	mu      sync.Mutex
	records map[string]WorkerRecord
}

// NewMemoryRegistry creates an empty in-process registry.
func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{records: make(map[string]WorkerRecord)}
}

func (r *MemoryRegistry) Get(_ context.Context, taskID string) (WorkerRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	rec, ok := r.records[taskID]
	return rec, ok, nil
}

func (r *MemoryRegistry) List(_ context.Context) ([]WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return sortedRecords(r.records), nil
}

func (r *MemoryRegistry) Update(_ context.Context, taskID string, fn UpdateFunc) (WorkerRecord, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cur, ok := r.records[taskID]
	next, write := fn(cur, ok)
	if !write {
		return cur, nil
	}
	r.records[taskID] = next
	return next, nil
}

// StoreRegistryConfig configures a StoreRegistry.
type StoreRegistryConfig struct {
	// Store holds the registry document. A FileStore gives the json
	// backend; a SQLiteStore gives the sqlite backend.
	Store storage.KeyValueStore
	// Key is the document's key in Store.
	Key string
	// Locker guards every read-modify-write with the lock on LockPath.
	Locker   *filelock.Locker
	LockPath string
	Lock     filelock.Options
}

// StoreRegistry persists records as one JSON document so several processes
// supervising the same project share dedup state.
type StoreRegistry struct {
	store    storage.KeyValueStore
	key      string
	locker   *filelock.Locker
	lockPath string
	opts     filelock.Options
}

// NewStoreRegistry creates a StoreRegistry.
func NewStoreRegistry(cfg StoreRegistryConfig) (*StoreRegistry, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("registry store is required")
	}
	if cfg.Key == "" {
		return nil, fmt.Errorf("registry key is required")
	}
	if cfg.Locker == nil {
		return nil, fmt.Errorf("registry locker is required")
	}
	if cfg.LockPath == "" {
		cfg.LockPath = cfg.Key
	}
	return &StoreRegistry{
		store:    cfg.Store,
		key:      cfg.Key,
		locker:   cfg.Locker,
		lockPath: cfg.LockPath,
		opts:     cfg.Lock,
	}, nil
}

func (r *StoreRegistry) load(ctx context.Context) (map[string]WorkerRecord, error) {
	raw, err := r.store.Get(ctx, r.key)
	if errors.Is(err, storage.ErrNotFound) {
		return map[string]WorkerRecord{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read worker registry: %w", err)
	}
	records := map[string]WorkerRecord{}
	if len(raw) == 0 {
		return records, nil
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("failed to parse worker registry: %w", err)
	}
	return records, nil
}

func (r *StoreRegistry) Get(ctx context.Context, taskID string) (WorkerRecord, bool, error) {
	records, err := r.load(ctx)
	if err != nil {
		return WorkerRecord{}, false, err
	}
	rec, ok := records[taskID]
	return rec, ok, nil
}

func (r *StoreRegistry) List(ctx context.Context) ([]WorkerRecord, error) {
	records, err := r.load(ctx)
	if err != nil {
		return nil, err
	}
	return sortedRecords(records), nil
}

func (r *StoreRegistry) Update(ctx context.Context, taskID string, fn UpdateFunc) (WorkerRecord, error) {
	var out WorkerRecord
	err := r.locker.WithLock(ctx, r.lockPath, r.opts, func() error {
		records, err := r.load(ctx)
		if err != nil {
			return err
		}
		cur, ok := records[taskID]
		next, write := fn(cur, ok)
		if !write {
			out = cur
			return nil
		}
		records[taskID] = next
		raw, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to encode worker registry: %w", err)
		}
		if err := r.store.Put(ctx, r.key, raw); err != nil {
			return fmt.Errorf("failed to write worker registry: %w", err)
		}
		out = next
		return nil
	})
	return out, err
}

func sortedRecords(records map[string]WorkerRecord) []WorkerRecord {
	out := make([]WorkerRecord, 0, len(records))
	for _, rec := range records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TaskID < out[j].TaskID })
	return out
}
