// Package chunk materializes an immutable searchable index segment on
// local disk: a directory of index files plus parsed manifest and schema
// metadata, gated behind an open flag so eviction can drain in-flight
// searches before the files disappear.
package chunk

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	cacheerrors "github.com/logtide/cachenode/internal/errors"
)

// TimeRange is the time span a chunk covers, in epoch milliseconds
type TimeRange struct {
	StartEpochMs int64
	EndEpochMs   int64
}

// Overlaps reports whether the range intersects [startMs, endMs]
func (r TimeRange) Overlaps(startMs, endMs int64) bool {
	return r.StartEpochMs <= endMs && r.EndEpochMs >= startMs
}

// SearchRequest is the minimal query handed to a chunk
type SearchRequest struct {
	Query        string
	StartEpochMs int64
	EndEpochMs   int64
	Limit        int
}

// SearchResult is the per-chunk response handed back to the fan-out layer
type SearchResult struct {
	ChunkID   string
	Hits      []string
	TotalHits int64
	TookMs    int64
}

// Searcher executes a query against an opened chunk directory. The real
// query engine plugs in here; the package ships a time-range matcher so
// the node is exercisable end to end without it.
type Searcher interface {
	Search(ctx context.Context, dir string, schema Schema, timeRange TimeRange, req SearchRequest) (SearchResult, error)
}

// Chunk is the local read-only materialization of one snapshot. It is
// owned exclusively by the cache slot that loaded it and destroyed on
// eviction.
type Chunk struct {
	id        string
	dir       string
	timeRange TimeRange
	manifest  Manifest
	schema    Schema
	searcher  Searcher

	open     atomic.Bool
	inflight atomic.Int32
	readers  sync.WaitGroup
}

// Open validates a downloaded chunk directory and opens it for search.
// The manifest's digests must match the files on disk and the schema
// must parse; either failure leaves the chunk unopened.
func Open(dir string, timeRange TimeRange, searcher Searcher) (*Chunk, error) {
	manifest, err := LoadManifest(dir)
	if err != nil {
		return nil, err
	}
	if err := manifest.Verify(dir); err != nil {
		return nil, err
	}

	schema, err := LoadSchema(dir)
	if err != nil {
		return nil, err
	}

	if searcher == nil {
		searcher = defaultSearcher{}
	}

	c := &Chunk{
		id:        manifest.ChunkID,
		dir:       dir,
		timeRange: timeRange,
		manifest:  manifest,
		schema:    schema,
		searcher:  searcher,
	}
	c.open.Store(true)
	return c, nil
}

// ID returns the chunk id
func (c *Chunk) ID() string { return c.id }

// Dir returns the chunk's local directory
func (c *Chunk) Dir() string { return c.dir }

// TimeRange returns the time span the chunk covers
func (c *Chunk) TimeRange() TimeRange { return c.timeRange }

// Schema returns the chunk's parsed field schema
func (c *Chunk) Schema() Schema { return c.schema }

// SizeBytes returns the on-disk size per the manifest
func (c *Chunk) SizeBytes() int64 { return c.manifest.TotalBytes() }

// IsOpen reports whether the chunk accepts new searches
func (c *Chunk) IsOpen() bool { return c.open.Load() }

// Search runs a query against the chunk. A chunk that has begun
// evicting rejects new searches immediately; searches already in flight
// run to completion under the eviction drain.
func (c *Chunk) Search(ctx context.Context, req SearchRequest) (SearchResult, error) {
	if !c.open.Load() {
		return SearchResult{}, cacheerrors.ChunkNotOpen(c.id)
	}
	c.readers.Add(1)
	c.inflight.Add(1)
	defer func() {
		c.inflight.Add(-1)
		c.readers.Done()
	}()

	// Re-check after registering so a concurrent CloseWithDrain cannot
	// miss this reader
	if !c.open.Load() {
		return SearchResult{}, cacheerrors.ChunkNotOpen(c.id)
	}

	start := time.Now()
	result, err := c.searcher.Search(ctx, c.dir, c.schema, c.timeRange, req)
	if err != nil {
		return SearchResult{}, fmt.Errorf("search on chunk %s failed: %w", c.id, err)
	}
	result.ChunkID = c.id
	result.TookMs = time.Since(start).Milliseconds()
	return result, nil
}

// CloseWithDrain marks the chunk not searchable and waits up to timeout
// for in-flight searches to finish. It never deletes files; directory
// removal belongs to the owning slot. Closing an already closed chunk
// is a no-op.
func (c *Chunk) CloseWithDrain(timeout time.Duration) error {
	if !c.open.CompareAndSwap(true, false) {
		return nil
	}

	done := make(chan struct{})
	go func() {
		c.readers.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		return cacheerrors.DrainTimeout(c.id, int(c.inflight.Load()))
	}
}

// DefaultSearcher returns the built-in metadata-only searcher
func DefaultSearcher() Searcher { return defaultSearcher{} }

// defaultSearcher answers queries from chunk metadata alone: it reports
// a hit count of zero outside the requested time range and otherwise
// returns an empty match set for the delegated engine to fill in.
type defaultSearcher struct{}

func (defaultSearcher) Search(_ context.Context, _ string, _ Schema, timeRange TimeRange, req SearchRequest) (SearchResult, error) {
	if req.StartEpochMs != 0 || req.EndEpochMs != 0 {
		if !timeRange.Overlaps(req.StartEpochMs, req.EndEpochMs) {
			return SearchResult{TotalHits: 0}, nil
		}
	}
	return SearchResult{TotalHits: 0, Hits: nil}, nil
}
