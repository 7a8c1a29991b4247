package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/logtide/cachenode/internal/blobstore"
	"github.com/logtide/cachenode/internal/config"
	"github.com/logtide/cachenode/internal/health"
	"github.com/logtide/cachenode/internal/metadata"
	"github.com/logtide/cachenode/internal/metrics"
	"github.com/logtide/cachenode/internal/server"
	"github.com/logtide/cachenode/internal/service"
)

func main() {
	// Load configuration
	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "./config.yaml"
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	// Initialize logger
	logger, err := initLogger(cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	logger.Info("Configuration loaded",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("replica_set", cfg.Cache.ReplicaSet),
		zap.Int("slots", cfg.Cache.SlotsPerInstance),
		zap.String("data_dir", cfg.Cache.DataDirectory))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Metrics registry
	registry := prometheus.NewRegistry()
	m := metrics.New(registry, cfg.Server.NodeID)

	// Connect the metadata store; a node that cannot reach it must not
	// come up at all
	store, err := metadata.Connect(ctx, metadata.ConnectConfig{
		ConnectString:     cfg.Metadata.ConnectString,
		ConnectionTimeout: cfg.Metadata.ConnectionTimeout,
	})
	if err != nil {
		logger.Fatal("Failed to connect metadata store", zap.Error(err))
	}
	defer store.Close()

	catalog, err := metadata.NewSnapshotCatalog(store, cfg.Metadata.PathPrefix)
	if err != nil {
		logger.Fatal("Failed to create snapshot catalog", zap.Error(err))
	}

	// Blob store client
	blob, err := blobstore.NewFSStore(cfg.BlobStore.Bucket, logger)
	if err != nil {
		logger.Fatal("Failed to open blob store", zap.Error(err))
	}

	// Chunk manager
	manager := service.NewCachingChunkManager(
		service.ChunkManagerConfig{
			NodeID:           cfg.Server.NodeID,
			SlotsPerInstance: cfg.Cache.SlotsPerInstance,
			ReplicaSet:       cfg.Cache.ReplicaSet,
			DataDirectory:    cfg.Cache.DataDirectory,
			Hostname:         cfg.Server.Host,
			Port:             cfg.Server.Port,
			PathPrefix:       cfg.Metadata.PathPrefix,
			EvictionDrain:    cfg.Cache.EvictionDrain,
			RetryBackoff:     cfg.Metadata.RetryBackoff,
			MaxCASAttempts:   cfg.Metadata.MaxCASAttempts,
			DownloadWorkers:  cfg.Cache.DownloadWorkers,
			DownloadQueue:    cfg.Cache.DownloadQueue,
		},
		store, catalog, blob, m, logger,
	)

	if err := manager.Start(ctx); err != nil {
		logger.Fatal("Failed to start chunk manager", zap.Error(err))
	}

	// Health checks
	checker := health.NewHealthChecker(cfg.Server.NodeID, cfg.Cache.DataDirectory, store, logger)
	go checker.Start(ctx)

	// Metrics server
	var metricsServer *server.MetricsServer
	if cfg.Metrics.Enabled {
		metricsServer = server.NewMetricsServer(
			&server.MetricsServerConfig{Port: cfg.Metrics.Port},
			registry, checker, logger,
		)
		metricsServer.Start()
	}

	// Fleet gossip
	var gossip *service.GossipService
	if cfg.Gossip.Enabled {
		gossip, err = service.NewGossipService(
			&service.GossipServiceConfig{
				BindPort:       cfg.Gossip.BindPort,
				SeedNodes:      cfg.Gossip.SeedNodes,
				GossipInterval: cfg.Gossip.GossipInterval,
				ProbeTimeout:   cfg.Gossip.ProbeTimeout,
				ProbeInterval:  cfg.Gossip.ProbeInterval,
			},
			cfg.Server.NodeID, cfg.Cache.ReplicaSet, cfg.Cache.SlotsPerInstance,
			m, logger,
		)
		if err != nil {
			logger.Error("Failed to start gossip service", zap.Error(err))
		} else {
			go advertiseLiveSlots(ctx, manager, gossip)
			logger.Info("Gossip service started", zap.Int("bind_port", cfg.Gossip.BindPort))
		}
	}

	logger.Info("Cache node running",
		zap.String("node_id", cfg.Server.NodeID),
		zap.String("address", fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)))

	// Wait for shutdown signal
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	<-sigChan

	logger.Info("Shutting down gracefully...")

	stopCtx, stopCancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer stopCancel()

	if err := manager.Stop(stopCtx); err != nil {
		logger.Error("Chunk manager stop reported errors", zap.Error(err))
	}
	if gossip != nil {
		if err := gossip.Shutdown(); err != nil {
			logger.Error("Gossip shutdown failed", zap.Error(err))
		}
	}
	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error("Metrics server stop failed", zap.Error(err))
		}
	}
	cancel()

	logger.Info("Cache node stopped")
}

// advertiseLiveSlots keeps the gossiped slot capacity fresh
func advertiseLiveSlots(ctx context.Context, manager *service.CachingChunkManager, gossip *service.GossipService) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			gossip.UpdateLiveSlots(manager.LiveSlotCount())
		}
	}
}

// initLogger initializes the zap logger
func initLogger(level string) (*zap.Logger, error) {
	parsed, err := zapcore.ParseLevel(level)
	if err != nil {
		parsed = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(parsed)
	return cfg.Build()
}
