package health

import (
	"context"
	"fmt"
	"os"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/logtide/cachenode/internal/metadata"
)

// checkInterval is how often periodic health checks run
const checkInterval = 10 * time.Second

// CheckResult represents the result of a single health check
type CheckResult struct {
	Name      string
	Status    string
	Message   string
	Timestamp time.Time
}

// HealthChecker runs the cache node's periodic health checks. Readiness
// requires metadata store connectivity and a writable data directory;
// a node that loses either keeps serving its LIVE chunks but reports
// not-ready so no new assignments land on it.
type HealthChecker struct {
	nodeID  string
	dataDir string
	store   metadata.Store
	logger  *zap.Logger

	mu          sync.RWMutex
	lastCheck   time.Time
	checks      map[string]CheckResult
	readinessOK bool
}

// NewHealthChecker creates a health checker
func NewHealthChecker(nodeID, dataDir string, store metadata.Store, logger *zap.Logger) *HealthChecker {
	return &HealthChecker{
		nodeID:      nodeID,
		dataDir:     dataDir,
		store:       store,
		logger:      logger,
		checks:      make(map[string]CheckResult),
		readinessOK: true,
	}
}

// Start runs checks until the context is canceled
func (h *HealthChecker) Start(ctx context.Context) {
	ticker := time.NewTicker(checkInterval)
	defer ticker.Stop()

	h.runChecks(ctx)

	for {
		select {
		case <-ticker.C:
			h.runChecks(ctx)
		case <-ctx.Done():
			h.logger.Info("Health checker stopped")
			return
		}
	}
}

// IsReady reports whether the node should receive new assignments
func (h *HealthChecker) IsReady() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.readinessOK
}

// Checks returns a copy of the latest check results
func (h *HealthChecker) Checks() map[string]CheckResult {
	h.mu.RLock()
	defer h.mu.RUnlock()

	out := make(map[string]CheckResult, len(h.checks))
	for k, v := range h.checks {
		out[k] = v
	}
	return out
}

func (h *HealthChecker) runChecks(ctx context.Context) {
	results := []CheckResult{
		h.checkDataDir(),
		h.checkDiskSpace(),
		h.checkMetadataStore(ctx),
	}

	ready := true
	for _, r := range results {
		if r.Status == "critical" {
			ready = false
		}
	}

	h.mu.Lock()
	h.lastCheck = time.Now()
	for _, r := range results {
		h.checks[r.Name] = r
	}
	h.readinessOK = ready
	h.mu.Unlock()

	h.logger.Debug("Health checks completed", zap.Bool("ready", ready))
}

func (h *HealthChecker) checkDataDir() CheckResult {
	info, err := os.Stat(h.dataDir)
	if err != nil || !info.IsDir() {
		return CheckResult{
			Name:      "data_dir",
			Status:    "critical",
			Message:   fmt.Sprintf("data directory not accessible: %v", err),
			Timestamp: time.Now(),
		}
	}

	probe := fmt.Sprintf("%s/.health_probe_%d", h.dataDir, time.Now().UnixNano())
	f, err := os.Create(probe)
	if err != nil {
		return CheckResult{
			Name:      "data_dir",
			Status:    "critical",
			Message:   fmt.Sprintf("data directory not writable: %v", err),
			Timestamp: time.Now(),
		}
	}
	f.Close()
	os.Remove(probe)

	return CheckResult{Name: "data_dir", Status: "healthy", Message: "data directory writable", Timestamp: time.Now()}
}

func (h *HealthChecker) checkDiskSpace() CheckResult {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(h.dataDir, &stat); err != nil {
		return CheckResult{
			Name:      "disk_space",
			Status:    "warning",
			Message:   fmt.Sprintf("failed to stat filesystem: %v", err),
			Timestamp: time.Now(),
		}
	}

	total := stat.Blocks * uint64(stat.Bsize)
	used := total - stat.Bfree*uint64(stat.Bsize)
	usagePercent := float64(used) / float64(total) * 100

	status := "healthy"
	if usagePercent > 95 {
		status = "critical"
	} else if usagePercent > 90 {
		status = "warning"
	}

	return CheckResult{
		Name:      "disk_space",
		Status:    status,
		Message:   fmt.Sprintf("disk usage: %.2f%%", usagePercent),
		Timestamp: time.Now(),
	}
}

func (h *HealthChecker) checkMetadataStore(ctx context.Context) CheckResult {
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()

	if err := h.store.Ping(pingCtx); err != nil {
		return CheckResult{
			Name:      "metadata_store",
			Status:    "critical",
			Message:   fmt.Sprintf("metadata store unreachable: %v", err),
			Timestamp: time.Now(),
		}
	}
	return CheckResult{Name: "metadata_store", Status: "healthy", Message: "metadata store reachable", Timestamp: time.Now()}
}
