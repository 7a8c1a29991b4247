package service

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/logtide/cachenode/internal/blobstore"
	"github.com/logtide/cachenode/internal/chunk"
	cacheerrors "github.com/logtide/cachenode/internal/errors"
	"github.com/logtide/cachenode/internal/metadata"
	"github.com/logtide/cachenode/internal/metrics"
	"github.com/logtide/cachenode/internal/util/workerpool"
)

// stateGaugeInterval is how often the slot-state gauge is refreshed
const stateGaugeInterval = 5 * time.Second

// ChunkManagerConfig holds the chunk manager configuration
type ChunkManagerConfig struct {
	NodeID           string
	SlotsPerInstance int
	ReplicaSet       string
	DataDirectory    string
	Hostname         string
	Port             int
	PathPrefix       string
	EvictionDrain    time.Duration
	RetryBackoff     time.Duration
	MaxCASAttempts   int
	DownloadWorkers  int
	DownloadQueue    int
	Searcher         chunk.Searcher
}

// CachingChunkManager owns a fixed pool of cache slots for one node.
// It is cache-only: chunks arrive exclusively through externally written
// assignments, never through ingestion, which keeps the node stateless
// with respect to global scheduling.
type CachingChunkManager struct {
	cfg     ChunkManagerConfig
	store   metadata.Store
	catalog *metadata.SnapshotCatalog
	blob    blobstore.Client
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	slots   []*CacheSlot
	pool    *workerpool.Pool
	started bool

	stopCh   chan struct{}
	stopOnce sync.Once
	gaugeWG  sync.WaitGroup
}

// NewCachingChunkManager creates an unstarted chunk manager
func NewCachingChunkManager(
	cfg ChunkManagerConfig,
	store metadata.Store,
	catalog *metadata.SnapshotCatalog,
	blob blobstore.Client,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CachingChunkManager {
	return &CachingChunkManager{
		cfg:     cfg,
		store:   store,
		catalog: catalog,
		blob:    blob,
		metrics: m,
		logger:  logger.With(zap.String("node_id", cfg.NodeID)),
		stopCh:  make(chan struct{}),
	}
}

// Start creates the slot pool and brings every slot to FREE. Startup is
// fail-fast: an unreachable metadata store or unwritable data directory
// aborts the node rather than running degraded.
func (m *CachingChunkManager) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("chunk manager already started")
	}

	if err := m.store.Ping(ctx); err != nil {
		return fmt.Errorf("metadata store unreachable at startup: %w", err)
	}

	if err := os.MkdirAll(m.cfg.DataDirectory, 0o755); err != nil {
		return fmt.Errorf("data directory not writable: %w", err)
	}
	probe := filepath.Join(m.cfg.DataDirectory, ".startup-probe")
	if err := os.WriteFile(probe, nil, 0o644); err != nil {
		return fmt.Errorf("data directory not writable: %w", err)
	}
	os.Remove(probe)

	m.pool = workerpool.New(&workerpool.Config{
		Name:       "chunk-downloads",
		MaxWorkers: m.cfg.DownloadWorkers,
		QueueSize:  m.cfg.DownloadQueue,
		Logger:     m.logger,
	})

	// Slot order is creation order and stays stable for the node's
	// lifetime; slots are never removed once created
	slots := make([]*CacheSlot, 0, m.cfg.SlotsPerInstance)
	for i := 0; i < m.cfg.SlotsPerInstance; i++ {
		slotID := uuid.NewString()
		slot := NewCacheSlot(
			SlotConfig{
				SlotID:       slotID,
				DataDir:      filepath.Join(m.cfg.DataDirectory, "slots", slotID),
				ReplicaSet:   m.cfg.ReplicaSet,
				Hostname:     m.cfg.Hostname,
				Port:         m.cfg.Port,
				PathPrefix:   m.cfg.PathPrefix,
				DrainTimeout: m.cfg.EvictionDrain,
				RetryBackoff: m.cfg.RetryBackoff,
				MaxCAS:       m.cfg.MaxCASAttempts,
				Searcher:     m.cfg.Searcher,
			},
			m.store, m.catalog, m.blob, m.pool, m.metrics, m.logger,
		)
		if err := slot.Start(ctx); err != nil {
			for _, started := range slots {
				started.Stop(ctx)
			}
			m.pool.Stop(time.Second)
			return fmt.Errorf("failed to start slot %d: %w", i, err)
		}
		slots = append(slots, slot)
	}
	m.slots = slots
	m.started = true

	m.gaugeWG.Add(1)
	go m.refreshStateGauge()

	m.logger.Info("Caching chunk manager started",
		zap.Int("slots", len(slots)),
		zap.String("replica_set", m.cfg.ReplicaSet),
		zap.String("data_dir", m.cfg.DataDirectory))
	return nil
}

// Stop evicts every live chunk with a bounded drain and tears down the
// slot pool. A slot that misses the deadline is abandoned so the node
// exits instead of hanging.
func (m *CachingChunkManager) Stop(ctx context.Context) error {
	// Stop the gauge refresher before taking the lock; it reads the
	// slot list under RLock
	m.stopOnce.Do(func() { close(m.stopCh) })
	m.gaugeWG.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.started {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for _, slot := range m.slots {
		slot := slot
		g.Go(func() error {
			return slot.Stop(gctx)
		})
	}
	err := g.Wait()
	if err != nil {
		m.logger.Warn("Not all slots quiesced before the deadline", zap.Error(err))
	}

	if perr := m.pool.Stop(5 * time.Second); perr != nil && err == nil {
		err = perr
	}

	m.started = false
	m.logger.Info("Caching chunk manager stopped")
	return err
}

// GetChunkList returns a point-in-time snapshot of the chunks currently
// open for search, in slot creation order. Slots mid-transition are
// simply absent; the call never blocks on a download or eviction.
func (m *CachingChunkManager) GetChunkList() []*chunk.Chunk {
	m.mu.RLock()
	slots := m.slots
	m.mu.RUnlock()

	chunks := make([]*chunk.Chunk, 0, len(slots))
	for _, slot := range slots {
		if chk, ok := slot.LiveChunk(); ok {
			chunks = append(chunks, chk)
		}
	}
	m.metrics.ChunkListRequestsTotal.Inc()
	return chunks
}

// AddMessage always fails: a caching chunk manager is never an
// ingestion target. The write-path chunk manager is a different node
// role entirely.
func (m *CachingChunkManager) AddMessage(_ context.Context, _ []byte, _ string, _ int64) error {
	return cacheerrors.Unsupported("addMessage")
}

// Slots returns the slot pool; read-only observability surface
func (m *CachingChunkManager) Slots() []*CacheSlot {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.slots
}

// SlotStateCounts returns how many slots are in each state
func (m *CachingChunkManager) SlotStateCounts() map[metadata.SlotState]int {
	m.mu.RLock()
	slots := m.slots
	m.mu.RUnlock()

	counts := make(map[metadata.SlotState]int)
	for _, slot := range slots {
		counts[slot.State()]++
	}
	return counts
}

// LiveSlotCount returns how many slots currently serve a chunk
func (m *CachingChunkManager) LiveSlotCount() int {
	return m.SlotStateCounts()[metadata.SlotStateLive]
}

func (m *CachingChunkManager) refreshStateGauge() {
	defer m.gaugeWG.Done()

	ticker := time.NewTicker(stateGaugeInterval)
	defer ticker.Stop()

	states := []metadata.SlotState{
		metadata.SlotStateFree, metadata.SlotStateAssigned,
		metadata.SlotStateLoading, metadata.SlotStateLive,
		metadata.SlotStateEvict, metadata.SlotStateEvicted,
	}

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			counts := m.SlotStateCounts()
			for _, state := range states {
				m.metrics.SlotsByState.WithLabelValues(string(state)).Set(float64(counts[state]))
			}
		}
	}
}
