package metadata

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cacheerrors "github.com/logtide/cachenode/internal/errors"
)

func TestSnapshotCatalog_PublishAndResolve(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	catalog, err := NewSnapshotCatalog(store, "/test")
	require.NoError(t, err)

	desc := SnapshotDescriptor{
		SnapshotID:       "snap-1",
		BlobPrefix:       "chunks/snap-1",
		ReplicaSet:       "rep1",
		StartTimeEpochMs: 1000,
		EndTimeEpochMs:   2000,
		SizeBytes:        4096,
	}
	require.NoError(t, catalog.Publish(ctx, desc))

	resolved, err := catalog.Resolve(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, desc, resolved)
}

func TestSnapshotCatalog_NotFound(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	catalog, err := NewSnapshotCatalog(store, "/test")
	require.NoError(t, err)

	_, err = catalog.Resolve(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, cacheerrors.ErrCodeSnapshotNotFound, cacheerrors.GetCode(err))
}

func TestSnapshotCatalog_CachesResolvedDescriptors(t *testing.T) {
	store := NewMemoryStore()
	ctx := context.Background()

	catalog, err := NewSnapshotCatalog(store, "/test")
	require.NoError(t, err)

	desc := SnapshotDescriptor{SnapshotID: "snap-1", BlobPrefix: "chunks/snap-1", ReplicaSet: "rep1"}
	require.NoError(t, catalog.Publish(ctx, desc))

	_, err = catalog.Resolve(ctx, "snap-1")
	require.NoError(t, err)

	// A partitioned store does not break cached lookups
	store.SetAvailable(false)
	resolved, err := catalog.Resolve(ctx, "snap-1")
	require.NoError(t, err)
	assert.Equal(t, desc, resolved)

	// Uncached lookups still surface the outage
	_, err = catalog.Resolve(ctx, "snap-2")
	assert.Error(t, err)
}

func TestSnapshotCatalog_EmptyID(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()

	catalog, err := NewSnapshotCatalog(store, "/test")
	require.NoError(t, err)

	_, err = catalog.Resolve(context.Background(), "")
	assert.Error(t, err)
	assert.Error(t, catalog.Publish(context.Background(), SnapshotDescriptor{}))
}
