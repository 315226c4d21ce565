// Package storage defines the narrow persistence interfaces used by the
// concurrency core, with file, in-memory and SQLite backends.
package storage

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when a key does not exist.
	ErrNotFound = errors.New("storage: key not found")
	// ErrExists is returned by Create when the key already exists.
	ErrExists = errors.New("storage: key already exists")
)

// KeyValueStore stores opaque values by key.
// Create must be atomic: exactly one concurrent caller may succeed for a key.
type KeyValueStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
	Create(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]string, error)
}

// AppendLog is an append-only record stream.
type AppendLog interface {
	Append(ctx context.Context, key string, record []byte) error
	ReadAll(ctx context.Context, key string) ([][]byte, error)
}
