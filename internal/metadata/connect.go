package metadata

import (
	"context"
	"fmt"
	"strings"
	"time"
)

// ConnectConfig describes how to reach the metadata store
type ConnectConfig struct {
	ConnectString     string
	ConnectionTimeout time.Duration
}

// Connect dials the configured metadata store and verifies connectivity.
// The embedded store serves single-process deployments and local
// development; clustered backends register additional schemes behind
// the same Store contract.
func Connect(ctx context.Context, cfg ConnectConfig) (Store, error) {
	pingCtx, cancel := context.WithTimeout(ctx, cfg.ConnectionTimeout)
	defer cancel()

	var store Store
	switch {
	case cfg.ConnectString == "" || strings.HasPrefix(cfg.ConnectString, "mem://"):
		store = NewMemoryStore()
	default:
		return nil, fmt.Errorf("unsupported metadata store scheme in %q", cfg.ConnectString)
	}

	if err := store.Ping(pingCtx); err != nil {
		store.Close()
		return nil, fmt.Errorf("metadata store unreachable: %w", err)
	}
	return store, nil
}
