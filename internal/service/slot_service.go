package service

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/logtide/cachenode/internal/blobstore"
	"github.com/logtide/cachenode/internal/chunk"
	cacheerrors "github.com/logtide/cachenode/internal/errors"
	"github.com/logtide/cachenode/internal/metadata"
	"github.com/logtide/cachenode/internal/metrics"
	"github.com/logtide/cachenode/internal/util/workerpool"
)

// slotEvent is a wakeup delivered to the slot's event loop: a metadata
// watch notification or the completion of a background download.
type slotEvent struct {
	record       *metadata.WatchEvent
	downloadDone *downloadResult
}

type downloadResult struct {
	chunkID    string
	descriptor metadata.SnapshotDescriptor
	bytes      int64
	duration   time.Duration
	err        error
}

// SlotConfig holds the per-slot wiring handed down by the chunk manager
type SlotConfig struct {
	SlotID       string
	DataDir      string
	ReplicaSet   string
	Hostname     string
	Port         int
	PathPrefix   string
	DrainTimeout time.Duration
	RetryBackoff time.Duration
	MaxCAS       int
	Searcher     chunk.Searcher
}

// CacheSlot is one unit of local cache capacity. It owns a directory, a
// possibly loaded chunk, and a persisted ownership record, and runs the
// assignment state machine on its own goroutine. Slots never block on
// each other; the only cross-slot resource is the shared download pool.
type CacheSlot struct {
	cfg        SlotConfig
	recordPath string
	searcher   chunk.Searcher

	store   metadata.Store
	catalog *metadata.SnapshotCatalog
	blob    blobstore.Client
	pool    *workerpool.Pool
	metrics *metrics.Metrics
	logger  *zap.Logger

	mu      sync.RWMutex
	state   metadata.SlotState
	version int64
	chk     *chunk.Chunk

	loadingCancel context.CancelFunc

	events   chan slotEvent
	stopCh   chan struct{}
	doneCh   chan struct{}
	stopOnce sync.Once

	transitionErrors atomic.Uint64
}

// NewCacheSlot creates an unstarted cache slot
func NewCacheSlot(
	cfg SlotConfig,
	store metadata.Store,
	catalog *metadata.SnapshotCatalog,
	blob blobstore.Client,
	pool *workerpool.Pool,
	m *metrics.Metrics,
	logger *zap.Logger,
) *CacheSlot {
	inner := cfg.Searcher
	if inner == nil {
		inner = chunk.DefaultSearcher()
	}
	return &CacheSlot{
		cfg:        cfg,
		recordPath: metadata.SlotRecordPath(cfg.PathPrefix, cfg.SlotID),
		searcher:   meteredSearcher{inner: inner, counter: m.ChunkSearchesTotal},
		store:      store,
		catalog:    catalog,
		blob:       blob,
		pool:       pool,
		metrics:    m,
		logger: logger.With(
			zap.String("slot_id", cfg.SlotID),
			zap.String("replica_set", cfg.ReplicaSet)),
		state:  metadata.SlotStateFree,
		events: make(chan slotEvent, 16),
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}
}

// ID returns the slot's stable identifier
func (s *CacheSlot) ID() string { return s.cfg.SlotID }

// State returns the slot's current state
func (s *CacheSlot) State() metadata.SlotState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// LiveChunk returns the slot's chunk if the slot is LIVE. A slot mid
// transition simply reports no chunk.
func (s *CacheSlot) LiveChunk() (*chunk.Chunk, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != metadata.SlotStateLive || s.chk == nil {
		return nil, false
	}
	return s.chk, true
}

// TransitionErrors returns how many transitions have failed and forced
// a retreat to FREE
func (s *CacheSlot) TransitionErrors() uint64 {
	return s.transitionErrors.Load()
}

// Start registers the slot's FREE ownership record and launches the
// state machine goroutine. The record must not already exist; slot ids
// are never reused across slot identities.
func (s *CacheSlot) Start(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("failed to create slot directory: %w", err)
	}

	record := metadata.NewFreeSlotRecord(s.cfg.SlotID, s.cfg.Hostname, s.cfg.Port, s.cfg.ReplicaSet)
	data, err := record.Marshal()
	if err != nil {
		return err
	}

	version, err := s.store.Create(ctx, s.recordPath, data)
	if err != nil {
		return fmt.Errorf("failed to register slot %s: %w", s.cfg.SlotID, err)
	}
	s.mu.Lock()
	s.version = version
	s.mu.Unlock()

	watch, err := s.store.Watch(ctx, s.recordPath)
	if err != nil {
		return fmt.Errorf("failed to watch slot record %s: %w", s.cfg.SlotID, err)
	}

	go s.run(ctx, watch)

	s.logger.Info("Cache slot started", zap.String("data_dir", s.cfg.DataDir))
	return nil
}

// Stop signals the slot to evict and tear down, then waits for the
// state machine goroutine to finish or the context to expire.
func (s *CacheSlot) Stop(ctx context.Context) error {
	s.stopOnce.Do(func() { close(s.stopCh) })

	select {
	case <-s.doneCh:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("slot %s did not quiesce: %w", s.cfg.SlotID, ctx.Err())
	}
}

// run is the slot's event loop. Every state transition happens on this
// goroutine; watch notifications and download completions are the only
// wakeups.
func (s *CacheSlot) run(ctx context.Context, watch <-chan metadata.WatchEvent) {
	defer close(s.doneCh)

	for {
		select {
		case <-s.stopCh:
			s.shutdown(ctx)
			return
		case <-ctx.Done():
			s.shutdown(context.Background())
			return
		case ev, ok := <-watch:
			if !ok {
				// Watch closed by the store; without notifications no
				// transition is safe, so pause until shutdown
				s.logger.Warn("Slot record watch closed")
				select {
				case <-s.stopCh:
					s.shutdown(ctx)
				case <-ctx.Done():
					s.shutdown(context.Background())
				}
				return
			}
			s.handleRecordEvent(ctx, ev)
		case ev := <-s.events:
			if ev.downloadDone != nil {
				s.handleDownloadDone(ctx, *ev.downloadDone)
			}
		}
	}
}

// handleRecordEvent reacts to an external write of the slot's record
func (s *CacheSlot) handleRecordEvent(ctx context.Context, ev metadata.WatchEvent) {
	if ev.Type == metadata.EventDelete {
		s.logger.Warn("Slot record deleted externally")
		return
	}

	record, err := s.readRecord(ctx)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return
		}
		s.logger.Error("Failed to read slot record after change", zap.Error(err))
		return
	}

	s.mu.RLock()
	local := s.state
	s.mu.RUnlock()

	switch record.State {
	case metadata.SlotStateAssigned:
		if local == metadata.SlotStateFree {
			s.handleAssignment(ctx, record)
		}
	case metadata.SlotStateEvict:
		switch local {
		case metadata.SlotStateLive:
			s.evictLiveChunk(ctx)
		case metadata.SlotStateLoading:
			// Abort the in-flight download; cleanup happens when the
			// download completion event arrives
			if s.loadingCancel != nil {
				s.loadingCancel()
			}
		default:
			// Already FREE or mid-recycle; eviction is idempotent.
			// Return the record to FREE so the scheduler sees the slot
			// as available again.
			if local == metadata.SlotStateFree {
				s.writeRecordState(ctx, func(r metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error) {
					if r.State != metadata.SlotStateEvict {
						return r, errTransitionAbandoned
					}
					return r.Cleared(), nil
				})
			}
		}
	}
}

// handleAssignment runs FREE -> ASSIGNED -> LOADING. The flip to
// LOADING is conditioned on the record being unchanged since the read;
// a lost race abandons the assignment for the next watch event.
func (s *CacheSlot) handleAssignment(ctx context.Context, record metadata.CacheSlotRecord) {
	chunkID := record.AssignedChunkID
	if chunkID == "" {
		s.logger.Warn("Assignment record carries no chunk id")
		return
	}
	s.metrics.AssignmentsTotal.Inc()

	desc, err := s.catalog.Resolve(ctx, chunkID)
	if err != nil {
		s.logger.Error("Failed to resolve assigned snapshot",
			zap.String("chunk_id", chunkID), zap.Error(err))
		s.metrics.AssignmentsRejected.WithLabelValues("snapshot_unresolved").Inc()
		s.retreatToFree(ctx)
		return
	}

	if desc.ReplicaSet != s.cfg.ReplicaSet {
		err := cacheerrors.ReplicaSetMismatch(s.cfg.SlotID, s.cfg.ReplicaSet, desc.ReplicaSet)
		s.logger.Error("Rejecting assignment", zap.Error(err))
		s.metrics.AssignmentsRejected.WithLabelValues("replica_set_mismatch").Inc()
		s.retreatToFree(ctx)
		return
	}

	if err := s.writeRecordState(ctx, func(r metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error) {
		if r.State != metadata.SlotStateAssigned || r.AssignedChunkID != chunkID {
			return r, errTransitionAbandoned
		}
		return r.WithState(metadata.SlotStateLoading), nil
	}); err != nil {
		s.logger.Warn("Lost the race to claim assignment", zap.Error(err))
		return
	}
	s.setState(metadata.SlotStateLoading)

	s.startDownload(ctx, desc)
}

// startDownload submits the chunk fetch to the shared worker pool and
// returns immediately; completion is delivered back to the event loop.
func (s *CacheSlot) startDownload(ctx context.Context, desc metadata.SnapshotDescriptor) {
	dlCtx, cancel := context.WithCancel(ctx)
	s.loadingCancel = cancel

	chunkDir := s.chunkDir()
	task := workerpool.Task{
		Name:    fmt.Sprintf("download-%s", desc.SnapshotID),
		Context: dlCtx,
		Fn: func(taskCtx context.Context) error {
			start := time.Now()
			result, err := s.blob.FetchPrefix(taskCtx, desc.BlobPrefix, chunkDir)
			done := &downloadResult{
				chunkID:    desc.SnapshotID,
				descriptor: desc,
				bytes:      result.TotalBytes,
				duration:   time.Since(start),
				err:        err,
			}
			// At most one download is in flight per slot, so the
			// buffered channel always has room while the event loop
			// runs; the default arm only fires after the loop exited
			select {
			case s.events <- slotEvent{downloadDone: done}:
			default:
			}
			return err
		},
	}

	if err := s.pool.Submit(task); err != nil {
		s.logger.Error("Failed to submit chunk download", zap.Error(err))
		cancel()
		s.loadingCancel = nil
		s.metrics.ChunkDownloadsTotal.WithLabelValues("rejected").Inc()
		s.failLoad(ctx)
	}
}

// handleDownloadDone finishes LOADING -> LIVE, or cleans up a failed or
// aborted download and retreats through EVICT to FREE.
func (s *CacheSlot) handleDownloadDone(ctx context.Context, result downloadResult) {
	if s.loadingCancel != nil {
		s.loadingCancel()
		s.loadingCancel = nil
	}

	s.mu.RLock()
	local := s.state
	s.mu.RUnlock()
	if local != metadata.SlotStateLoading {
		// Stale completion from an already abandoned cycle
		if local == metadata.SlotStateFree {
			s.removeChunkDir()
		}
		return
	}

	if result.err != nil {
		s.logger.Warn("Chunk download failed",
			zap.String("chunk_id", result.chunkID),
			zap.Error(cacheerrors.DownloadFailed(result.chunkID, result.err)))
		s.metrics.ChunkDownloadsTotal.WithLabelValues("failure").Inc()
		s.failLoad(ctx)
		return
	}

	timeRange := chunk.TimeRange{
		StartEpochMs: result.descriptor.StartTimeEpochMs,
		EndEpochMs:   result.descriptor.EndTimeEpochMs,
	}
	chk, err := chunk.Open(s.chunkDir(), timeRange, s.searcher)
	if err != nil {
		s.logger.Error("Failed to open downloaded chunk",
			zap.String("chunk_id", result.chunkID), zap.Error(err))
		s.metrics.ChunkDownloadsTotal.WithLabelValues("open_failure").Inc()
		s.failLoad(ctx)
		return
	}

	if err := s.writeRecordState(ctx, func(r metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error) {
		return r.WithState(metadata.SlotStateLive), nil
	}); err != nil {
		s.logger.Error("Failed to mark slot LIVE", zap.Error(err))
		chk.CloseWithDrain(0)
		s.failLoad(ctx)
		return
	}

	s.mu.Lock()
	s.chk = chk
	s.state = metadata.SlotStateLive
	s.mu.Unlock()
	s.observeState(metadata.SlotStateLive)

	s.metrics.ChunkDownloadsTotal.WithLabelValues("success").Inc()
	s.metrics.ChunkDownloadDuration.Observe(result.duration.Seconds())
	s.metrics.ChunkDownloadBytes.Observe(float64(result.bytes))
	s.metrics.LiveChunks.Inc()

	s.logger.Info("Chunk live",
		zap.String("chunk_id", chk.ID()),
		zap.Int64("bytes", result.bytes),
		zap.Duration("download", result.duration))
}

// evictLiveChunk runs LIVE -> EVICT -> FREE: gate new searches, drain
// in-flight ones, delete local files, clear the assignment.
func (s *CacheSlot) evictLiveChunk(ctx context.Context) {
	s.writeRecordState(ctx, func(r metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error) {
		return r.WithState(metadata.SlotStateEvict), nil
	})
	s.setState(metadata.SlotStateEvict)

	s.mu.Lock()
	chk := s.chk
	s.chk = nil
	s.mu.Unlock()

	if chk != nil {
		if err := chk.CloseWithDrain(s.cfg.DrainTimeout); err != nil {
			s.logger.Warn("Eviction drain timed out", zap.Error(err))
			s.metrics.EvictionDrainTimeouts.Inc()
		}
		s.metrics.LiveChunks.Dec()
		s.logger.Info("Chunk evicted", zap.String("chunk_id", chk.ID()))
	}
	s.removeChunkDir()
	s.metrics.ChunkEvictionsTotal.Inc()

	if err := s.writeRecordState(ctx, func(r metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error) {
		return r.Cleared(), nil
	}); err != nil {
		s.logger.Error("Failed to return slot record to FREE", zap.Error(err))
	}
	s.setState(metadata.SlotStateFree)
}

// failLoad retreats a failed load through EVICT to FREE with no chunk
// attached, surfacing the failure to the scheduler via state. No local
// retry: reassignment policy belongs to the scheduler.
func (s *CacheSlot) failLoad(ctx context.Context) {
	s.transitionErrors.Add(1)
	s.metrics.SlotTransitionErrors.Inc()

	s.writeRecordState(ctx, func(r metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error) {
		return r.WithState(metadata.SlotStateEvict), nil
	})
	s.setState(metadata.SlotStateEvict)

	s.removeChunkDir()

	if err := s.writeRecordState(ctx, func(r metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error) {
		return r.Cleared(), nil
	}); err != nil {
		s.logger.Error("Failed to return slot record to FREE after failed load", zap.Error(err))
	}
	s.setState(metadata.SlotStateFree)
}

// retreatToFree clears a rejected assignment without an eviction cycle;
// nothing was downloaded yet
func (s *CacheSlot) retreatToFree(ctx context.Context) {
	s.transitionErrors.Add(1)
	s.metrics.SlotTransitionErrors.Inc()
	if err := s.writeRecordState(ctx, func(r metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error) {
		return r.Cleared(), nil
	}); err != nil {
		s.logger.Error("Failed to clear rejected assignment", zap.Error(err))
	}
	s.setState(metadata.SlotStateFree)
}

// shutdown is the terminal path: evict any live chunk with a bounded
// drain, delete local files, and remove the ownership record
func (s *CacheSlot) shutdown(ctx context.Context) {
	if s.loadingCancel != nil {
		s.loadingCancel()
		// Give the aborted download a moment to land so directory
		// removal is not racing the final rename
		select {
		case ev := <-s.events:
			_ = ev
		case <-time.After(s.cfg.DrainTimeout):
		}
		s.loadingCancel = nil
	}

	s.mu.Lock()
	chk := s.chk
	s.chk = nil
	s.mu.Unlock()

	if chk != nil {
		if err := chk.CloseWithDrain(s.cfg.DrainTimeout); err != nil {
			s.logger.Warn("Shutdown drain timed out", zap.Error(err))
			s.metrics.EvictionDrainTimeouts.Inc()
		}
		s.metrics.LiveChunks.Dec()
	}
	s.removeChunkDir()

	// Best effort: mark the record EVICTED, then remove it. A node that
	// cannot reach the store still exits; the scheduler observes the
	// stale record via its own liveness checks.
	deadline, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	s.writeRecordState(deadline, func(r metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error) {
		return r.WithState(metadata.SlotStateEvicted), nil
	})
	if err := s.store.Delete(deadline, s.recordPath); err != nil && !errors.Is(err, metadata.ErrKeyNotFound) {
		s.logger.Warn("Failed to remove slot record on shutdown", zap.Error(err))
	}

	s.setState(metadata.SlotStateEvicted)
	s.logger.Info("Cache slot stopped")
}

// readRecord reads the slot's record, pausing with backoff while the
// store is unreachable. A slot never advances on stale local state.
func (s *CacheSlot) readRecord(ctx context.Context) (metadata.CacheSlotRecord, error) {
	for {
		entry, err := s.store.Get(ctx, s.recordPath)
		if err == nil {
			record, derr := metadata.UnmarshalSlotRecord(entry.Value)
			if derr != nil {
				return metadata.CacheSlotRecord{}, derr
			}
			s.mu.Lock()
			s.version = entry.Version
			s.mu.Unlock()
			return record, nil
		}
		if !errors.Is(err, metadata.ErrStoreUnavailable) {
			return metadata.CacheSlotRecord{}, err
		}

		s.metrics.StoreUnavailableTotal.Inc()
		s.logger.Warn("Metadata store unavailable, pausing transitions")
		select {
		case <-time.After(s.cfg.RetryBackoff):
		case <-ctx.Done():
			return metadata.CacheSlotRecord{}, ctx.Err()
		case <-s.stopCh:
			return metadata.CacheSlotRecord{}, context.Canceled
		}
	}
}

// errTransitionAbandoned aborts a conditioned write whose precondition
// no longer holds after a re-read
var errTransitionAbandoned = errors.New("transition abandoned: record changed underneath")

// writeRecordState applies mutate to the freshly read record and writes
// it back conditioned on the observed version. Version conflicts are
// retried a bounded number of times; store outages pause the write
// until connectivity returns.
func (s *CacheSlot) writeRecordState(ctx context.Context, mutate func(metadata.CacheSlotRecord) (metadata.CacheSlotRecord, error)) error {
	for attempt := 1; attempt <= s.cfg.MaxCAS; attempt++ {
		record, err := s.readRecord(ctx)
		if err != nil {
			return err
		}

		updated, err := mutate(record)
		if err != nil {
			return err
		}
		data, err := updated.Marshal()
		if err != nil {
			return err
		}

		s.mu.RLock()
		version := s.version
		s.mu.RUnlock()

		newVersion, err := s.store.Update(ctx, s.recordPath, data, version)
		if err == nil {
			s.mu.Lock()
			s.version = newVersion
			s.mu.Unlock()
			s.metrics.SlotTransitionsTotal.WithLabelValues(string(updated.State)).Inc()
			return nil
		}

		switch {
		case errors.Is(err, metadata.ErrVersionConflict):
			s.metrics.StoreCASConflicts.Inc()
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		case errors.Is(err, metadata.ErrStoreUnavailable):
			s.metrics.StoreUnavailableTotal.Inc()
			select {
			case <-time.After(s.cfg.RetryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
			attempt-- // outages pause, they do not consume attempts
		default:
			return fmt.Errorf("failed to update slot record %s: %w", s.cfg.SlotID, err)
		}
	}
	return fmt.Errorf("slot record %s: %w", s.cfg.SlotID, metadata.ErrVersionConflict)
}

func (s *CacheSlot) setState(state metadata.SlotState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.observeState(state)
}

func (s *CacheSlot) observeState(state metadata.SlotState) {
	s.logger.Debug("Slot state changed", zap.String("state", string(state)))
}

func (s *CacheSlot) chunkDir() string {
	return filepath.Join(s.cfg.DataDir, "chunk")
}

func (s *CacheSlot) removeChunkDir() {
	if err := os.RemoveAll(s.chunkDir()); err != nil {
		s.logger.Error("Failed to remove chunk directory", zap.Error(err))
	}
}

// meteredSearcher counts every per-chunk search dispatched on this node
type meteredSearcher struct {
	inner   chunk.Searcher
	counter prometheus.Counter
}

func (m meteredSearcher) Search(ctx context.Context, dir string, schema chunk.Schema, timeRange chunk.TimeRange, req chunk.SearchRequest) (chunk.SearchResult, error) {
	m.counter.Inc()
	return m.inner.Search(ctx, dir, schema, timeRange, req)
}
