package metadata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	cacheerrors "github.com/logtide/cachenode/internal/errors"
)

// The cache node never originates assignment decisions; an external
// scheduler writes them into slot records. These helpers are the
// scheduler side of that protocol, shared so tests and tooling issue
// the same conditioned writes a production scheduler would.

// AssignSlot binds a chunk to a FREE slot. The write is conditioned on
// the record's observed version, and rejected outright when the slot is
// not FREE, the snapshot is unknown, or the snapshot's replica set does
// not match the slot's; the slot's observable state is left untouched
// on rejection.
func AssignSlot(ctx context.Context, store Store, pathPrefix, slotID, chunkID string) error {
	if chunkID == "" {
		return cacheerrors.InvalidArgument("chunk id is empty", nil)
	}

	key := SlotRecordPath(pathPrefix, slotID)
	entry, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read slot record %s: %w", slotID, err)
	}

	record, err := UnmarshalSlotRecord(entry.Value)
	if err != nil {
		return err
	}
	if record.State != SlotStateFree {
		return cacheerrors.SlotStateConflict(slotID, string(record.State), string(SlotStateFree))
	}

	snapEntry, err := store.Get(ctx, SnapshotPath(pathPrefix, chunkID))
	if err != nil {
		if errors.Is(err, ErrKeyNotFound) {
			return cacheerrors.SnapshotNotFound(chunkID)
		}
		return fmt.Errorf("failed to resolve snapshot %s: %w", chunkID, err)
	}
	var desc SnapshotDescriptor
	if err := json.Unmarshal(snapEntry.Value, &desc); err != nil {
		return fmt.Errorf("failed to decode snapshot %s: %w", chunkID, err)
	}
	if desc.ReplicaSet != record.ReplicaSet {
		return cacheerrors.ReplicaSetMismatch(slotID, record.ReplicaSet, desc.ReplicaSet)
	}

	data, err := record.WithAssignment(chunkID).Marshal()
	if err != nil {
		return err
	}
	if _, err := store.Update(ctx, key, data, entry.Version); err != nil {
		return fmt.Errorf("failed to assign chunk %s to slot %s: %w", chunkID, slotID, err)
	}
	return nil
}

// RequestEviction signals a slot to evict its chunk. Signalling a slot
// that is already evicting or FREE is a no-op.
func RequestEviction(ctx context.Context, store Store, pathPrefix, slotID string) error {
	key := SlotRecordPath(pathPrefix, slotID)
	entry, err := store.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to read slot record %s: %w", slotID, err)
	}

	record, err := UnmarshalSlotRecord(entry.Value)
	if err != nil {
		return err
	}

	switch record.State {
	case SlotStateFree, SlotStateEvict, SlotStateEvicted:
		return nil
	}

	data, err := record.WithState(SlotStateEvict).Marshal()
	if err != nil {
		return err
	}
	if _, err := store.Update(ctx, key, data, entry.Version); err != nil {
		return fmt.Errorf("failed to request eviction on slot %s: %w", slotID, err)
	}
	return nil
}
