/**
 * CONTEXT:   Daemon configuration management for capacitord
 * INPUT:     Defaults, an optional YAML config file, and CAPACITOR_* environment variables
 * OUTPUT:    A validated Config with every threshold from the reducer/aggregator/supervisor
 * BUSINESS:  Thresholds are explicitly configurable, never silently hardcoded, per design note
 * CHANGE:    Initial configuration implementation with layered defaults/file/env precedence
 * RISK:      Low - configuration loading fails closed with defaults, never panics at startup
 */
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every operator-tunable parameter named in spec.md §4 and §6.
type Config struct {
	// SocketPath is the Unix-domain socket the IPC server listens on.
	SocketPath string `yaml:"socket_path"`

	// DataDir holds the event log, snapshot database, and heartbeat file.
	DataDir string `yaml:"data_dir"`

	// HTTPAddr, if non-empty, serves /healthz and /metrics for local diagnostics.
	HTTPAddr string `yaml:"http_addr"`

	LogLevel string `yaml:"log_level"`
	LogFile  string `yaml:"log_file"`

	// Thresholds (spec.md §4.1, §4.2, §4.4, §4.7).
	TombstoneGrace         time.Duration `yaml:"tombstone_grace"`
	ActiveStaleAfter       time.Duration `yaml:"active_stale_after"`
	ReadyStaleAfter        time.Duration `yaml:"ready_stale_after"`
	ActiveTTL              time.Duration `yaml:"active_ttl"`
	ReadyTTL               time.Duration `yaml:"ready_ttl"`
	IdleTTL                time.Duration `yaml:"idle_ttl"`
	SweepInterval          time.Duration `yaml:"sweep_interval"`
	ActivityWindow         time.Duration `yaml:"activity_window"`
	ActivityRetention      time.Duration `yaml:"activity_retention"`
	CompactionInterval     time.Duration `yaml:"compaction_interval"`
	LogRetentionHorizon    time.Duration `yaml:"log_retention_horizon"`
	LogCompactionThreshold int           `yaml:"log_compaction_threshold"`
	ShellStaleAfter        time.Duration `yaml:"shell_stale_after"`

	// DefaultRequestDeadline bounds every send_event; a client cannot supply
	// its own deadline.
	DefaultRequestDeadline time.Duration `yaml:"default_request_deadline"`

	// SubscriberBufferSize bounds per-connection notification fan-out (§4.6 backpressure).
	SubscriberBufferSize int `yaml:"subscriber_buffer_size"`
}

// Default returns the compile-time defaults from spec.md §4.
func Default() *Config {
	home, _ := os.UserHomeDir()
	dataDir := filepath.Join(home, ".local", "share", "capacitor")
	return &Config{
		SocketPath:             filepath.Join(dataDir, "capacitor.sock"),
		DataDir:                dataDir,
		HTTPAddr:               "",
		LogLevel:               "info",
		LogFile:                "",
		TombstoneGrace:         60 * time.Second,
		ActiveStaleAfter:       8 * time.Second,
		ReadyStaleAfter:        30 * time.Minute,
		ActiveTTL:              20 * time.Minute,
		ReadyTTL:               30 * time.Minute,
		IdleTTL:                10 * time.Minute,
		SweepInterval:          5 * time.Second,
		ActivityWindow:         5 * time.Minute,
		ActivityRetention:      1 * time.Hour,
		CompactionInterval:     10 * time.Minute,
		LogRetentionHorizon:    24 * time.Hour,
		LogCompactionThreshold: 100_000,
		ShellStaleAfter:        10 * time.Minute,
		DefaultRequestDeadline: 600 * time.Millisecond,
		SubscriberBufferSize:   64,
	}
}

// Load builds a Config from defaults, then overlays an optional YAML file at
// configPath (if non-empty and present), then overlays CAPACITOR_* env vars.
func Load(configPath string) (*Config, error) {
	cfg := Default()

	if configPath != "" {
		data, err := os.ReadFile(configPath)
		if err != nil {
			if !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading config file %s: %w", configPath, err)
			}
		} else if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configPath, err)
		}
	}

	applyEnvOverrides(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	str := func(key string, dst *string) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			*dst = v
		}
	}
	dur := func(key string, dst *time.Duration) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if parsed, err := time.ParseDuration(v); err == nil {
				*dst = parsed
			}
		}
	}
	num := func(key string, dst *int) {
		if v, ok := os.LookupEnv(key); ok && v != "" {
			if parsed, err := strconv.Atoi(v); err == nil {
				*dst = parsed
			}
		}
	}

	str("CAPACITOR_SOCKET_PATH", &cfg.SocketPath)
	str("CAPACITOR_DATA_DIR", &cfg.DataDir)
	str("CAPACITOR_HTTP_ADDR", &cfg.HTTPAddr)
	str("CAPACITOR_LOG_LEVEL", &cfg.LogLevel)
	str("CAPACITOR_LOG_FILE", &cfg.LogFile)
	dur("CAPACITOR_TOMBSTONE_GRACE", &cfg.TombstoneGrace)
	dur("CAPACITOR_ACTIVE_STALE_AFTER", &cfg.ActiveStaleAfter)
	dur("CAPACITOR_READY_STALE_AFTER", &cfg.ReadyStaleAfter)
	dur("CAPACITOR_ACTIVE_TTL", &cfg.ActiveTTL)
	dur("CAPACITOR_READY_TTL", &cfg.ReadyTTL)
	dur("CAPACITOR_IDLE_TTL", &cfg.IdleTTL)
	dur("CAPACITOR_SWEEP_INTERVAL", &cfg.SweepInterval)
	dur("CAPACITOR_ACTIVITY_WINDOW", &cfg.ActivityWindow)
	dur("CAPACITOR_ACTIVITY_RETENTION", &cfg.ActivityRetention)
	dur("CAPACITOR_COMPACTION_INTERVAL", &cfg.CompactionInterval)
	dur("CAPACITOR_LOG_RETENTION_HORIZON", &cfg.LogRetentionHorizon)
	num("CAPACITOR_LOG_COMPACTION_THRESHOLD", &cfg.LogCompactionThreshold)
	dur("CAPACITOR_SHELL_STALE_AFTER", &cfg.ShellStaleAfter)
	dur("CAPACITOR_DEFAULT_REQUEST_DEADLINE", &cfg.DefaultRequestDeadline)
	num("CAPACITOR_SUBSCRIBER_BUFFER_SIZE", &cfg.SubscriberBufferSize)
}

// Validate rejects configurations that would make the thresholds incoherent.
func (c *Config) Validate() error {
	if c.SocketPath == "" {
		return fmt.Errorf("socket_path must not be empty")
	}
	if c.DataDir == "" {
		return fmt.Errorf("data_dir must not be empty")
	}
	if c.TombstoneGrace <= 0 {
		return fmt.Errorf("tombstone_grace must be positive")
	}
	if c.ActiveStaleAfter <= 0 || c.ReadyStaleAfter <= 0 {
		return fmt.Errorf("staleness windows must be positive")
	}
	if c.ActiveTTL <= 0 || c.ReadyTTL <= 0 || c.IdleTTL <= 0 {
		return fmt.Errorf("TTLs must be positive")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.SubscriberBufferSize <= 0 {
		return fmt.Errorf("subscriber_buffer_size must be positive")
	}
	return nil
}

// EventLogPath is the SQLite database file backing the Event Store.
func (c *Config) EventLogPath() string { return filepath.Join(c.DataDir, "events.db") }

// SnapshotPath is the KuzuDB database directory backing the Snapshot Store.
func (c *Config) SnapshotPath() string { return filepath.Join(c.DataDir, "snapshot.kuzu") }

// HeartbeatPath is touched on every successfully persisted event.
func (c *Config) HeartbeatPath() string { return filepath.Join(c.DataDir, "heartbeat") }
