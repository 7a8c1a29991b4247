// Package blobstore adapts durable object storage for chunk downloads.
// A chunk lives under one key prefix; the adapter enumerates the prefix
// and fetches every object into a local target directory.
package blobstore

import (
	"context"
	"errors"
)

var (
	// ErrPrefixEmpty is returned when a fetch prefix matches no objects
	ErrPrefixEmpty = errors.New("blobstore: no objects under prefix")

	// ErrObjectNotFound is returned for a missing individual object
	ErrObjectNotFound = errors.New("blobstore: object not found")
)

// ObjectResult reports the outcome of fetching one object
type ObjectResult struct {
	Key       string
	SizeBytes int64
	Err       error
}

// FetchResult aggregates per-object outcomes for one prefix fetch
type FetchResult struct {
	Objects    []ObjectResult
	TotalBytes int64
}

// Failed returns the results of objects that failed to fetch
func (r FetchResult) Failed() []ObjectResult {
	var failed []ObjectResult
	for _, obj := range r.Objects {
		if obj.Err != nil {
			failed = append(failed, obj)
		}
	}
	return failed
}

// Client fetches chunk objects from durable object storage.
// Implementations must honor context cancellation mid-transfer and must
// be idempotent per target directory: a retried fetch either atomically
// overwrites previously downloaded objects or fails the whole operation
// without corrupting them.
type Client interface {
	// List enumerates object keys under a prefix, relative to the prefix
	List(ctx context.Context, prefix string) ([]string, error)

	// FetchPrefix downloads every object under prefix into targetDir,
	// preserving relative paths. Returns per-object outcomes; err is
	// non-nil if the fetch as a whole cannot be trusted.
	FetchPrefix(ctx context.Context, prefix, targetDir string) (FetchResult, error)
}
