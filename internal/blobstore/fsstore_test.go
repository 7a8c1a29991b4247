package blobstore

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func writeObject(t *testing.T, bucketDir, key string, content []byte) {
	t.Helper()
	path := filepath.Join(bucketDir, filepath.FromSlash(key))
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, content, 0o644))
}

func TestFSStore_List(t *testing.T) {
	bucket := t.TempDir()
	writeObject(t, bucket, "chunks/c1/index.bin", []byte("index"))
	writeObject(t, bucket, "chunks/c1/docs/part-0.bin", []byte("docs"))
	writeObject(t, bucket, "chunks/c2/index.bin", []byte("other"))

	store, err := NewFSStore(bucket, zap.NewNop())
	require.NoError(t, err)

	keys, err := store.List(context.Background(), "chunks/c1")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"index.bin", "docs/part-0.bin"}, keys)
}

func TestFSStore_ListEmptyPrefix(t *testing.T) {
	store, err := NewFSStore(t.TempDir(), zap.NewNop())
	require.NoError(t, err)

	_, err = store.List(context.Background(), "chunks/missing")
	assert.ErrorIs(t, err, ErrPrefixEmpty)
}

func TestFSStore_FetchPrefix(t *testing.T) {
	bucket := t.TempDir()
	writeObject(t, bucket, "chunks/c1/index.bin", []byte("index-data"))
	writeObject(t, bucket, "chunks/c1/docs/part-0.bin", []byte("doc-data"))

	store, err := NewFSStore(bucket, zap.NewNop())
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "chunk")
	result, err := store.FetchPrefix(context.Background(), "chunks/c1", target)
	require.NoError(t, err)
	assert.Len(t, result.Objects, 2)
	assert.Empty(t, result.Failed())
	assert.Equal(t, int64(len("index-data")+len("doc-data")), result.TotalBytes)

	data, err := os.ReadFile(filepath.Join(target, "index.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("index-data"), data)
	data, err = os.ReadFile(filepath.Join(target, "docs", "part-0.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("doc-data"), data)
}

func TestFSStore_FetchPrefixIdempotent(t *testing.T) {
	bucket := t.TempDir()
	writeObject(t, bucket, "chunks/c1/index.bin", []byte("index-data"))

	store, err := NewFSStore(bucket, zap.NewNop())
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "chunk")
	_, err = store.FetchPrefix(context.Background(), "chunks/c1", target)
	require.NoError(t, err)

	// A second fetch into the same directory overwrites atomically
	_, err = store.FetchPrefix(context.Background(), "chunks/c1", target)
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(target, "index.bin"))
	require.NoError(t, err)
	assert.Equal(t, []byte("index-data"), data)

	// No temp files linger
	entries, err := os.ReadDir(target)
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestFSStore_FetchPrefixCancellation(t *testing.T) {
	bucket := t.TempDir()
	writeObject(t, bucket, "chunks/c1/index.bin", []byte("index-data"))

	store, err := NewFSStore(bucket, zap.NewNop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	target := filepath.Join(t.TempDir(), "chunk")
	_, err = store.FetchPrefix(ctx, "chunks/c1", target)
	assert.Error(t, err)
}

func TestNewFSStore_MissingBucket(t *testing.T) {
	_, err := NewFSStore(filepath.Join(t.TempDir(), "nope"), zap.NewNop())
	assert.Error(t, err)
}
