package metadata

import (
	"encoding/json"
	"fmt"
	"path"
	"time"
)

// SlotState is the persisted state of a cache slot's ownership record
type SlotState string

const (
	SlotStateFree     SlotState = "FREE"
	SlotStateAssigned SlotState = "ASSIGNED"
	SlotStateLoading  SlotState = "LOADING"
	SlotStateLive     SlotState = "LIVE"
	SlotStateEvict    SlotState = "EVICT"
	SlotStateEvicted  SlotState = "EVICTED"
)

// Valid reports whether s is a known slot state
func (s SlotState) Valid() bool {
	switch s {
	case SlotStateFree, SlotStateAssigned, SlotStateLoading,
		SlotStateLive, SlotStateEvict, SlotStateEvicted:
		return true
	}
	return false
}

// CacheSlotRecord is the per-slot ownership record persisted in the
// metadata store. The owning slot is the only writer of State and
// AssignedChunkID, with one exception: an external scheduler may set
// AssignedChunkID and flip State to ASSIGNED while the record is FREE.
type CacheSlotRecord struct {
	SlotID           string    `json:"slotId"`
	Hostname         string    `json:"hostname"`
	Port             int       `json:"port"`
	ReplicaSet       string    `json:"replicaSet"`
	AssignedChunkID  string    `json:"assignedChunkId"`
	State            SlotState `json:"state"`
	UpdatedAtEpochMs int64     `json:"updatedAtEpochMs"`
}

// NewFreeSlotRecord builds the initial FREE record for a freshly created slot
func NewFreeSlotRecord(slotID, hostname string, port int, replicaSet string) CacheSlotRecord {
	return CacheSlotRecord{
		SlotID:           slotID,
		Hostname:         hostname,
		Port:             port,
		ReplicaSet:       replicaSet,
		State:            SlotStateFree,
		UpdatedAtEpochMs: time.Now().UnixMilli(),
	}
}

// WithState returns a copy of the record moved to the given state,
// stamped with the current time
func (r CacheSlotRecord) WithState(state SlotState) CacheSlotRecord {
	r.State = state
	r.UpdatedAtEpochMs = time.Now().UnixMilli()
	return r
}

// WithAssignment returns a copy of the record carrying an assignment
func (r CacheSlotRecord) WithAssignment(chunkID string) CacheSlotRecord {
	r.AssignedChunkID = chunkID
	r.State = SlotStateAssigned
	r.UpdatedAtEpochMs = time.Now().UnixMilli()
	return r
}

// Cleared returns a copy of the record with the assignment removed and
// the state returned to FREE
func (r CacheSlotRecord) Cleared() CacheSlotRecord {
	r.AssignedChunkID = ""
	r.State = SlotStateFree
	r.UpdatedAtEpochMs = time.Now().UnixMilli()
	return r
}

// Marshal encodes the record for storage
func (r CacheSlotRecord) Marshal() ([]byte, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("failed to encode slot record %s: %w", r.SlotID, err)
	}
	return data, nil
}

// UnmarshalSlotRecord decodes a stored slot record
func UnmarshalSlotRecord(data []byte) (CacheSlotRecord, error) {
	var r CacheSlotRecord
	if err := json.Unmarshal(data, &r); err != nil {
		return CacheSlotRecord{}, fmt.Errorf("failed to decode slot record: %w", err)
	}
	if !r.State.Valid() {
		return CacheSlotRecord{}, fmt.Errorf("slot record %s has unknown state %q", r.SlotID, r.State)
	}
	return r, nil
}

// SlotRecordPath maps a slot id to its key in the metadata store
func SlotRecordPath(pathPrefix, slotID string) string {
	return path.Join(pathPrefix, "cacheSlot", slotID)
}

// SnapshotPath maps a snapshot id to its catalog key
func SnapshotPath(pathPrefix, snapshotID string) string {
	return path.Join(pathPrefix, "snapshot", snapshotID)
}
