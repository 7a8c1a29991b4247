package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	cacheerrors "github.com/logtide/cachenode/internal/errors"
)

// snapshotCacheSize bounds the descriptor cache; descriptors are small
// and immutable so the cache is purely a lookup saver.
const snapshotCacheSize = 1024

// SnapshotDescriptor identifies a chunk eligible for caching. Produced by
// the write path; read-only here.
type SnapshotDescriptor struct {
	SnapshotID       string `json:"snapshotId"`
	BlobPrefix       string `json:"blobPrefix"`
	ReplicaSet       string `json:"replicaSet"`
	StartTimeEpochMs int64  `json:"startTimeEpochMs"`
	EndTimeEpochMs   int64  `json:"endTimeEpochMs"`
	SizeBytes        int64  `json:"sizeBytes"`
}

// SnapshotCatalog resolves snapshot descriptors by id from the metadata
// store. Published descriptors never change, so resolved entries are
// cached in a bounded LRU.
type SnapshotCatalog struct {
	store      Store
	pathPrefix string
	cache      *lru.Cache[string, SnapshotDescriptor]
}

// NewSnapshotCatalog creates a snapshot catalog backed by the given store
func NewSnapshotCatalog(store Store, pathPrefix string) (*SnapshotCatalog, error) {
	cache, err := lru.New[string, SnapshotDescriptor](snapshotCacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache: %w", err)
	}
	return &SnapshotCatalog{
		store:      store,
		pathPrefix: pathPrefix,
		cache:      cache,
	}, nil
}

// Resolve returns the descriptor for a snapshot id
func (c *SnapshotCatalog) Resolve(ctx context.Context, snapshotID string) (SnapshotDescriptor, error) {
	if snapshotID == "" {
		return SnapshotDescriptor{}, cacheerrors.InvalidArgument("snapshot id is empty", nil)
	}

	if desc, ok := c.cache.Get(snapshotID); ok {
		return desc, nil
	}

	entry, err := c.store.Get(ctx, SnapshotPath(c.pathPrefix, snapshotID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return SnapshotDescriptor{}, cacheerrors.SnapshotNotFound(snapshotID)
		}
		return SnapshotDescriptor{}, fmt.Errorf("failed to resolve snapshot %s: %w", snapshotID, err)
	}

	var desc SnapshotDescriptor
	if err := json.Unmarshal(entry.Value, &desc); err != nil {
		return SnapshotDescriptor{}, fmt.Errorf("failed to decode snapshot %s: %w", snapshotID, err)
	}

	c.cache.Add(snapshotID, desc)
	return desc, nil
}

// Publish writes a snapshot descriptor into the catalog. The write path
// owns publication in production; tests and tooling use this directly.
func (c *SnapshotCatalog) Publish(ctx context.Context, desc SnapshotDescriptor) error {
	if desc.SnapshotID == "" {
		return cacheerrors.InvalidArgument("snapshot id is empty", nil)
	}

	data, err := json.Marshal(desc)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot %s: %w", desc.SnapshotID, err)
	}

	if _, err := c.store.Create(ctx, SnapshotPath(c.pathPrefix, desc.SnapshotID), data); err != nil {
		return fmt.Errorf("failed to publish snapshot %s: %w", desc.SnapshotID, err)
	}
	return nil
}
