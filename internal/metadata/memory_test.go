package metadata

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryStore_CreateAndGet(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	version, err := store.Create(ctx, "/a", []byte("one"))
	require.NoError(t, err)
	assert.Equal(t, int64(1), version)

	entry, err := store.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), entry.Value)
	assert.Equal(t, int64(1), entry.Version)

	_, err = store.Create(ctx, "/a", []byte("two"))
	assert.ErrorIs(t, err, ErrKeyExists)

	_, err = store.Get(ctx, "/missing")
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestMemoryStore_UpdateCAS(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	version, err := store.Create(ctx, "/a", []byte("one"))
	require.NoError(t, err)

	newVersion, err := store.Update(ctx, "/a", []byte("two"), version)
	require.NoError(t, err)
	assert.Equal(t, version+1, newVersion)

	// A writer holding the old version loses
	_, err = store.Update(ctx, "/a", []byte("stale"), version)
	assert.ErrorIs(t, err, ErrVersionConflict)

	entry, err := store.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("two"), entry.Value)
}

func TestMemoryStore_Delete(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "/a", []byte("one"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, "/a"))
	assert.ErrorIs(t, store.Delete(ctx, "/a"), ErrKeyNotFound)
}

func TestMemoryStore_Watch(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := store.Watch(ctx, "/a")
	require.NoError(t, err)

	version, err := store.Create(ctx, "/a", []byte("one"))
	require.NoError(t, err)
	_, err = store.Update(ctx, "/a", []byte("two"), version)
	require.NoError(t, err)
	require.NoError(t, store.Delete(ctx, "/a"))

	var got []WatchEvent
	timeout := time.After(time.Second)
	for len(got) < 3 {
		select {
		case ev := <-events:
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("expected 3 events, got %d", len(got))
		}
	}

	assert.Equal(t, EventPut, got[0].Type)
	assert.Equal(t, EventPut, got[1].Type)
	assert.Equal(t, EventDelete, got[2].Type)
	assert.Equal(t, []byte("two"), got[1].Entry.Value)
}

func TestMemoryStore_Partition(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	_, err := store.Create(ctx, "/a", []byte("one"))
	require.NoError(t, err)

	store.SetAvailable(false)

	_, err = store.Get(ctx, "/a")
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = store.Create(ctx, "/b", []byte("x"))
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	_, err = store.Update(ctx, "/a", []byte("x"), 1)
	assert.ErrorIs(t, err, ErrStoreUnavailable)
	assert.ErrorIs(t, store.Ping(ctx), ErrStoreUnavailable)

	store.SetAvailable(true)

	entry, err := store.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), entry.Value)
}

func TestMemoryStore_ValueIsolation(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	original := []byte("one")
	_, err := store.Create(ctx, "/a", original)
	require.NoError(t, err)

	original[0] = 'X'

	entry, err := store.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), entry.Value)

	entry.Value[0] = 'Y'
	again, err := store.Get(ctx, "/a")
	require.NoError(t, err)
	assert.Equal(t, []byte("one"), again.Value)
}
