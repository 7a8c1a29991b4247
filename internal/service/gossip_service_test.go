package service

import (
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/logtide/cachenode/internal/metrics"
)

func newTestGossipService() *GossipService {
	return &GossipService{
		status: &CacheNodeStatus{
			NodeID:     "cache-1",
			ReplicaSet: "rep1",
			TotalSlots: 3,
		},
		metrics: metrics.NewForTest(),
		logger:  zap.NewNop(),
	}
}

func TestGossipService_NodeMetaReflectsLiveSlots(t *testing.T) {
	gs := newTestGossipService()
	gs.UpdateLiveSlots(2)

	var status CacheNodeStatus
	require.NoError(t, json.Unmarshal(gs.NodeMeta(512), &status))
	assert.Equal(t, "cache-1", status.NodeID)
	assert.Equal(t, "rep1", status.ReplicaSet)
	assert.Equal(t, 3, status.TotalSlots)
	assert.Equal(t, 2, status.LiveSlots)
	assert.NotZero(t, status.UpdatedAt)
}

func TestGossipService_StatusUpdatesAreRaceFree(t *testing.T) {
	gs := newTestGossipService()

	// Slot-count updates race the delegate reads memberlist performs
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				gs.UpdateLiveSlots(j % 4)
			}
		}()
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_ = gs.NodeMeta(512)
				_ = gs.LocalState(false)
			}
		}()
	}
	wg.Wait()

	var status CacheNodeStatus
	require.NoError(t, json.Unmarshal(gs.LocalState(false), &status))
	assert.Equal(t, "cache-1", status.NodeID)
}

func TestGossipService_NodeMetaRespectsLimit(t *testing.T) {
	gs := newTestGossipService()
	meta := gs.NodeMeta(8)
	assert.Len(t, meta, 8)
}
