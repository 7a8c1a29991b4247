package errors

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCacheError_WrapsAndUnwraps(t *testing.T) {
	cause := errors.New("disk full")
	err := DownloadFailed("snap-1", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "snap-1")
	assert.Contains(t, err.Error(), "disk full")
	assert.Equal(t, "snap-1", err.Details["snapshot_id"])
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, ErrCodeUnsupported, GetCode(Unsupported("addMessage")))
	assert.Equal(t, ErrCodeReplicaSetMismatch, GetCode(ReplicaSetMismatch("slot-1", "rep1", "rep2")))

	// Codes survive wrapping
	wrapped := fmt.Errorf("outer: %w", SnapshotNotFound("snap-1"))
	assert.Equal(t, ErrCodeSnapshotNotFound, GetCode(wrapped))
	assert.True(t, IsCacheError(wrapped))

	// Unknown errors map to internal
	assert.Equal(t, ErrCodeInternal, GetCode(errors.New("boom")))
	assert.False(t, IsCacheError(errors.New("boom")))
}
