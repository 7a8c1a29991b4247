// Package metadata provides the cache node's view of the distributed
// metadata store: a strongly-consistent key/value abstraction with
// versioned compare-and-swap writes and change notification, plus the
// record schemas stored through it (cache slot ownership records and
// the read-only snapshot catalog).
package metadata

import (
	"context"
	"errors"
)

var (
	// ErrKeyNotFound is returned when a key does not exist in the store
	ErrKeyNotFound = errors.New("metadata: key not found")

	// ErrKeyExists is returned by Create when the key already exists
	ErrKeyExists = errors.New("metadata: key already exists")

	// ErrVersionConflict is returned by Update when the expected version
	// no longer matches; the caller lost a write race and must re-read
	ErrVersionConflict = errors.New("metadata: version conflict")

	// ErrStoreUnavailable is returned when the store cannot be reached;
	// callers pause rather than act on possibly stale local state
	ErrStoreUnavailable = errors.New("metadata: store unavailable")

	// ErrWatchClosed is delivered when a watch terminates
	ErrWatchClosed = errors.New("metadata: watch closed")
)

// Entry is a versioned value read from the store. Version is assigned by
// the store and increases on every successful write to the key.
type Entry struct {
	Value   []byte
	Version int64
}

// EventType describes what happened to a watched key
type EventType int

const (
	EventPut EventType = iota
	EventDelete
)

// WatchEvent is a change notification for a watched key. Events for a key
// may be coalesced; watchers re-read the key rather than trusting the
// carried value to be the latest.
type WatchEvent struct {
	Type  EventType
	Key   string
	Entry Entry
	Err   error
}

// Store is the key/value + watch abstraction over the distributed
// metadata store. Implementations must be safe for concurrent use.
type Store interface {
	// Get reads the current entry for a key
	Get(ctx context.Context, key string) (Entry, error)

	// Create writes a new key, failing with ErrKeyExists if present.
	// Returns the initial version.
	Create(ctx context.Context, key string, value []byte) (int64, error)

	// Update writes a key conditioned on its last-observed version,
	// failing with ErrVersionConflict if the record changed underneath.
	// Returns the new version.
	Update(ctx context.Context, key string, value []byte, version int64) (int64, error)

	// Delete removes a key. Deleting a missing key returns ErrKeyNotFound.
	Delete(ctx context.Context, key string) error

	// Watch streams change events for a key until ctx is done or the
	// returned channel is closed by the store.
	Watch(ctx context.Context, key string) (<-chan WatchEvent, error)

	// Ping verifies connectivity; used by fail-fast startup checks
	Ping(ctx context.Context) error

	// Close releases the store connection
	Close() error
}
