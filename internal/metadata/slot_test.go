package metadata

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	cacheerrors "github.com/logtide/cachenode/internal/errors"
)

func TestCacheSlotRecord_RoundTrip(t *testing.T) {
	record := NewFreeSlotRecord("slot-1", "cache-1.internal", 8080, "rep1")
	assert.Equal(t, SlotStateFree, record.State)
	assert.Empty(t, record.AssignedChunkID)
	assert.NotZero(t, record.UpdatedAtEpochMs)

	data, err := record.Marshal()
	require.NoError(t, err)

	decoded, err := UnmarshalSlotRecord(data)
	require.NoError(t, err)
	assert.Equal(t, record, decoded)
}

func TestCacheSlotRecord_Transitions(t *testing.T) {
	record := NewFreeSlotRecord("slot-1", "cache-1.internal", 8080, "rep1")

	assigned := record.WithAssignment("chunk-42")
	assert.Equal(t, SlotStateAssigned, assigned.State)
	assert.Equal(t, "chunk-42", assigned.AssignedChunkID)

	loading := assigned.WithState(SlotStateLoading)
	assert.Equal(t, SlotStateLoading, loading.State)
	assert.Equal(t, "chunk-42", loading.AssignedChunkID)

	cleared := loading.Cleared()
	assert.Equal(t, SlotStateFree, cleared.State)
	assert.Empty(t, cleared.AssignedChunkID)
}

func TestUnmarshalSlotRecord_UnknownState(t *testing.T) {
	_, err := UnmarshalSlotRecord([]byte(`{"slotId":"s1","state":"BOGUS"}`))
	assert.Error(t, err)
}

func TestSlotState_Valid(t *testing.T) {
	for _, state := range []SlotState{
		SlotStateFree, SlotStateAssigned, SlotStateLoading,
		SlotStateLive, SlotStateEvict, SlotStateEvicted,
	} {
		assert.True(t, state.Valid(), string(state))
	}
	assert.False(t, SlotState("PENDING").Valid())
}

// createSlotRecord seeds a FREE record for a slot
func createSlotRecord(t *testing.T, store *MemoryStore, slotID, replicaSet string) {
	t.Helper()
	record := NewFreeSlotRecord(slotID, "cache-1.internal", 8080, replicaSet)
	data, err := record.Marshal()
	require.NoError(t, err)
	_, err = store.Create(context.Background(), SlotRecordPath("/test", slotID), data)
	require.NoError(t, err)
}

// createSnapshot seeds a descriptor in the catalog path
func createSnapshot(t *testing.T, store *MemoryStore, snapshotID, replicaSet string) {
	t.Helper()
	data, err := json.Marshal(SnapshotDescriptor{
		SnapshotID: snapshotID,
		BlobPrefix: "chunks/" + snapshotID,
		ReplicaSet: replicaSet,
	})
	require.NoError(t, err)
	_, err = store.Create(context.Background(), SnapshotPath("/test", snapshotID), data)
	require.NoError(t, err)
}

func TestAssignSlot(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	createSlotRecord(t, store, "slot-1", "rep1")
	createSnapshot(t, store, "chunk-42", "rep1")

	require.NoError(t, AssignSlot(ctx, store, "/test", "slot-1", "chunk-42"))

	entry, err := store.Get(ctx, SlotRecordPath("/test", "slot-1"))
	require.NoError(t, err)
	updated, err := UnmarshalSlotRecord(entry.Value)
	require.NoError(t, err)
	assert.Equal(t, SlotStateAssigned, updated.State)
	assert.Equal(t, "chunk-42", updated.AssignedChunkID)
}

func TestAssignSlot_RejectsNonFree(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	record := NewFreeSlotRecord("slot-1", "cache-1.internal", 8080, "rep1").WithAssignment("chunk-1")
	data, err := record.Marshal()
	require.NoError(t, err)
	_, err = store.Create(ctx, SlotRecordPath("/test", "slot-1"), data)
	require.NoError(t, err)
	createSnapshot(t, store, "chunk-2", "rep1")

	err = AssignSlot(ctx, store, "/test", "slot-1", "chunk-2")
	require.Error(t, err)
	assert.Equal(t, cacheerrors.ErrCodeSlotStateConflict, cacheerrors.GetCode(err))

	// The record is untouched by the rejected write
	entry, err := store.Get(ctx, SlotRecordPath("/test", "slot-1"))
	require.NoError(t, err)
	unchanged, err := UnmarshalSlotRecord(entry.Value)
	require.NoError(t, err)
	assert.Equal(t, "chunk-1", unchanged.AssignedChunkID)
}

func TestAssignSlot_RejectsReplicaSetMismatch(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	createSlotRecord(t, store, "slot-1", "rep1")
	createSnapshot(t, store, "chunk-42", "rep2")

	err := AssignSlot(ctx, store, "/test", "slot-1", "chunk-42")
	require.Error(t, err)
	assert.Equal(t, cacheerrors.ErrCodeReplicaSetMismatch, cacheerrors.GetCode(err))

	// The rejected write leaves the record FREE and unassigned
	entry, err := store.Get(ctx, SlotRecordPath("/test", "slot-1"))
	require.NoError(t, err)
	unchanged, err := UnmarshalSlotRecord(entry.Value)
	require.NoError(t, err)
	assert.Equal(t, SlotStateFree, unchanged.State)
	assert.Empty(t, unchanged.AssignedChunkID)
}

func TestAssignSlot_RejectsUnknownSnapshot(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	createSlotRecord(t, store, "slot-1", "rep1")

	err := AssignSlot(ctx, store, "/test", "slot-1", "chunk-missing")
	require.Error(t, err)
	assert.Equal(t, cacheerrors.ErrCodeSnapshotNotFound, cacheerrors.GetCode(err))
	assert.Equal(t, SlotStateFree, mustReadState(t, store, "slot-1"))
}

func mustReadState(t *testing.T, store *MemoryStore, slotID string) SlotState {
	t.Helper()
	entry, err := store.Get(context.Background(), SlotRecordPath("/test", slotID))
	require.NoError(t, err)
	record, err := UnmarshalSlotRecord(entry.Value)
	require.NoError(t, err)
	return record.State
}

func TestRequestEviction_Idempotent(t *testing.T) {
	store := NewMemoryStore()
	defer store.Close()
	ctx := context.Background()

	record := NewFreeSlotRecord("slot-1", "cache-1.internal", 8080, "rep1")
	data, err := record.Marshal()
	require.NoError(t, err)
	_, err = store.Create(ctx, SlotRecordPath("/test", "slot-1"), data)
	require.NoError(t, err)

	// Evicting a FREE slot is a no-op, repeatedly
	require.NoError(t, RequestEviction(ctx, store, "/test", "slot-1"))
	require.NoError(t, RequestEviction(ctx, store, "/test", "slot-1"))

	entry, err := store.Get(ctx, SlotRecordPath("/test", "slot-1"))
	require.NoError(t, err)
	unchanged, err := UnmarshalSlotRecord(entry.Value)
	require.NoError(t, err)
	assert.Equal(t, SlotStateFree, unchanged.State)
}
