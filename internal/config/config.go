package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds server configuration
type ServerConfig struct {
	NodeID          string        `yaml:"node_id"`
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
}

// CacheConfig holds cache slot pool configuration
type CacheConfig struct {
	SlotsPerInstance int           `yaml:"slots_per_instance"`
	ReplicaSet       string        `yaml:"replica_set"`
	DataDirectory    string        `yaml:"data_directory"`
	EvictionDrain    time.Duration `yaml:"eviction_drain"`
	DownloadWorkers  int           `yaml:"download_workers"`
	DownloadQueue    int           `yaml:"download_queue"`
}

// MetadataConfig holds distributed metadata store configuration
type MetadataConfig struct {
	ConnectString     string        `yaml:"connect_string"`
	PathPrefix        string        `yaml:"path_prefix"`
	SessionTimeout    time.Duration `yaml:"session_timeout"`
	ConnectionTimeout time.Duration `yaml:"connection_timeout"`
	RetryBackoff      time.Duration `yaml:"retry_backoff"`
	MaxCASAttempts    int           `yaml:"max_cas_attempts"`
}

// BlobStoreConfig holds blob store configuration
type BlobStoreConfig struct {
	Bucket string `yaml:"bucket"`
	Region string `yaml:"region"`
}

// GossipConfig holds fleet gossip configuration
type GossipConfig struct {
	Enabled        bool          `yaml:"enabled"`
	BindPort       int           `yaml:"bind_port"`
	SeedNodes      []string      `yaml:"seed_nodes"`
	GossipInterval time.Duration `yaml:"gossip_interval"`
	ProbeTimeout   time.Duration `yaml:"probe_timeout"`
	ProbeInterval  time.Duration `yaml:"probe_interval"`
}

// MetricsConfig holds metrics configuration
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
	Port    int  `yaml:"port"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Config represents the complete configuration for a cache node
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Cache     CacheConfig     `yaml:"cache"`
	Metadata  MetadataConfig  `yaml:"metadata"`
	BlobStore BlobStoreConfig `yaml:"blob_store"`
	Gossip    GossipConfig    `yaml:"gossip"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// LoadConfig loads configuration from a file
func LoadConfig(filePath string) (*Config, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	// Set defaults if not specified
	setDefaults(&cfg)

	// Validate configuration
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &cfg, nil
}

// setDefaults sets default values for unspecified configuration
func setDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.Port == 0 {
		cfg.Server.Port = 8080
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = 30 * time.Second
	}

	if cfg.Cache.SlotsPerInstance == 0 {
		cfg.Cache.SlotsPerInstance = 3
	}
	if cfg.Cache.DataDirectory == "" {
		cfg.Cache.DataDirectory = "/var/lib/cachenode"
	}
	if cfg.Cache.EvictionDrain == 0 {
		cfg.Cache.EvictionDrain = 10 * time.Second
	}
	if cfg.Cache.DownloadWorkers == 0 {
		cfg.Cache.DownloadWorkers = cfg.Cache.SlotsPerInstance
	}
	if cfg.Cache.DownloadQueue == 0 {
		cfg.Cache.DownloadQueue = cfg.Cache.SlotsPerInstance * 2
	}

	if cfg.Metadata.PathPrefix == "" {
		cfg.Metadata.PathPrefix = "/cachenode"
	}
	if cfg.Metadata.SessionTimeout == 0 {
		cfg.Metadata.SessionTimeout = 15 * time.Second
	}
	if cfg.Metadata.ConnectionTimeout == 0 {
		cfg.Metadata.ConnectionTimeout = 15 * time.Second
	}
	if cfg.Metadata.RetryBackoff == 0 {
		cfg.Metadata.RetryBackoff = time.Second
	}
	if cfg.Metadata.MaxCASAttempts == 0 {
		cfg.Metadata.MaxCASAttempts = 5
	}

	if cfg.Gossip.GossipInterval == 0 {
		cfg.Gossip.GossipInterval = 200 * time.Millisecond
	}
	if cfg.Gossip.ProbeTimeout == 0 {
		cfg.Gossip.ProbeTimeout = time.Second
	}
	if cfg.Gossip.ProbeInterval == 0 {
		cfg.Gossip.ProbeInterval = time.Second
	}

	if cfg.Metrics.Port == 0 {
		cfg.Metrics.Port = 9090
	}

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.NodeID == "" {
		return fmt.Errorf("server.node_id is required")
	}
	if c.Server.Port < 1 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535")
	}
	if c.Cache.SlotsPerInstance < 1 {
		return fmt.Errorf("cache.slots_per_instance must be at least 1")
	}
	if c.Cache.ReplicaSet == "" {
		return fmt.Errorf("cache.replica_set is required")
	}
	if c.BlobStore.Bucket == "" {
		return fmt.Errorf("blob_store.bucket is required")
	}
	return nil
}
