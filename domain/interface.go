package domain

import (
	"context"
)

// Store is the shared metadata store written by the watchers and read by the enricher.
// Implementations are safe for concurrent use.
type Store interface {
	RecordReader
	// Put inserts or replaces the record stored under key
	Put(ctx context.Context, key string, record *MetadataRecord) error
	// Remove deletes key; removing an absent key is a no-op
	Remove(ctx context.Context, key string) error
	// Clear removes every entry
	Clear(ctx context.Context) error
	// Range calls fn for the entries present during the iteration until fn returns false
	Range(ctx context.Context, fn func(key string, record *MetadataRecord) bool) error
	// Len returns the number of stored entries
	Len(ctx context.Context) (int, error)
	Close() error
}

// RecordReader looks up a single record, returning ErrNotFound when the key is absent.
type RecordReader interface {
	Get(ctx context.Context, key string) (*MetadataRecord, error)
}

// ContainerSource is the container engine as seen by the container watcher.
type ContainerSource interface {
	// Ping checks that the engine is reachable
	Ping(ctx context.Context) error
	// ListRunning returns the ids of the running containers
	ListRunning(ctx context.Context) ([]string, error)
	// Inspect returns the container details; a vanished container yields an ErrNotFound-wrapped error
	Inspect(ctx context.Context, id string) (ContainerInfo, error)
	// Subscribe streams engine events until ctx is done or the stream fails, then closes the channel.
	// The returned error func reports why the stream ended.
	Subscribe(ctx context.Context) (<-chan ContainerEvent, func() error, error)
}

// Watcher keeps a slice of the store in sync with one external event source.
type Watcher interface {
	Name() string
	// Run blocks until ctx is cancelled (nil) or a fatal error occurs
	Run(ctx context.Context) error
}
