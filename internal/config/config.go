// Package config provides configuration types and defaults for cadre.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/zjrosen/cadre/internal/log"
	"github.com/zjrosen/cadre/internal/npu"
)

// Config holds all daemon configuration. Flat keys mirror the YAML file;
// env overrides use the CADRE_ prefix with dots replaced by underscores
// (CADRE_LISTEN_ADDR, CADRE_DATABASE_PATH, ...).
type Config struct {
	ListenAddr string `mapstructure:"listen_addr"`

	// Workflow engine settings.
	MaxConcurrentWorkflows int           `mapstructure:"max_concurrent_workflows"`
	ApprovalTimeoutDefault time.Duration `mapstructure:"approval_timeout_default"`
	StepTimeoutDefault     time.Duration `mapstructure:"step_timeout_default"`
	LocalWorkerSlots       int           `mapstructure:"local_worker_slots"`
	RetentionInterval      time.Duration `mapstructure:"retention_interval"`

	// Worker pool settings.
	HeartbeatInterval      time.Duration `mapstructure:"heartbeat_interval"`
	HeartbeatMissThreshold int           `mapstructure:"heartbeat_miss_threshold"`
	LoadBalancingStrategy  string        `mapstructure:"load_balancing_strategy"`
	RetryBudget            int           `mapstructure:"retry_budget"`

	// Event bus settings.
	AdapterQueueCapacity int           `mapstructure:"adapter_queue_capacity"`
	CriticalBlockGrace   time.Duration `mapstructure:"critical_block_grace"`

	Database DatabaseConfig `mapstructure:"database"`
	Plans    PlansConfig    `mapstructure:"plans"`
	Log      LogConfig      `mapstructure:"log"`
	Tracing  TracingConfig  `mapstructure:"tracing"`
}

// DatabaseConfig holds the SQLite store location.
type DatabaseConfig struct {
	// Path is the database file. Default: ~/.cadre/cadre.db
	Path string `mapstructure:"path"`
}

// PlansConfig holds user plan template settings.
type PlansConfig struct {
	// UserDir is scanned for *.md plan templates that override the
	// built-ins. Default: ~/.cadre/plans
	UserDir string `mapstructure:"user_dir"`

	// HotReload watches UserDir and reloads templates on change.
	HotReload bool `mapstructure:"hot_reload"`
}

// LogConfig holds daemon logging settings.
type LogConfig struct {
	// Level is debug, info, warn, or error.
	Level string `mapstructure:"level"`

	// File is an optional log sink path. Empty logs to stderr only.
	File string `mapstructure:"file"`
}

// TracingConfig holds distributed tracing configuration.
type TracingConfig struct {
	// Enabled controls whether tracing is active. Default: false
	Enabled bool `mapstructure:"enabled"`

	// Exporter selects the trace export backend.
	// Options: "none", "file", "stdout", "otlp"
	// Default: "file"
	Exporter string `mapstructure:"exporter"`

	// FilePath is the output file for the "file" exporter.
	// Default: ~/.config/cadre/traces/traces.jsonl
	FilePath string `mapstructure:"file_path"`

	// OTLPEndpoint is the collector endpoint for the "otlp" exporter.
	// Default: "localhost:4317"
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`

	// SampleRate controls trace sampling (0.0 to 1.0).
	// Default: 1.0
	SampleRate float64 `mapstructure:"sample_rate"`
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		ListenAddr: ":7433",

		MaxConcurrentWorkflows: 32,
		ApprovalTimeoutDefault: time.Hour,
		StepTimeoutDefault:     5 * time.Minute,
		LocalWorkerSlots:       8,
		RetentionInterval:      time.Hour,

		HeartbeatInterval:      10 * time.Second,
		HeartbeatMissThreshold: 3,
		LoadBalancingStrategy:  string(npu.StrategyLeastLoaded),
		RetryBudget:            2,

		AdapterQueueCapacity: 1024,
		CriticalBlockGrace:   250 * time.Millisecond,

		Database: DatabaseConfig{
			Path: DefaultDatabasePath(),
		},
		Plans: PlansConfig{
			UserDir:   DefaultPlansDir(),
			HotReload: true,
		},
		Log: LogConfig{
			Level: "info",
		},
		Tracing: TracingConfig{
			Enabled:      false,
			Exporter:     "file",
			FilePath:     "", // Derived from config dir at runtime
			OTLPEndpoint: "localhost:4317",
			SampleRate:   1.0,
		},
	}
}

// DefaultConfigPath returns ~/.config/cadre/config.yaml, or empty string if
// the home dir is unavailable.
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cadre", "config.yaml")
}

// DefaultDatabasePath returns ~/.cadre/cadre.db, or empty string if the
// home dir is unavailable.
func DefaultDatabasePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cadre", "cadre.db")
}

// DefaultPlansDir returns ~/.cadre/plans, or empty string if the home dir
// is unavailable.
func DefaultPlansDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".cadre", "plans")
}

// DefaultTracesFilePath returns the default path for trace file export.
// Returns ~/.config/cadre/traces/traces.jsonl or empty string if home dir
// unavailable.
func DefaultTracesFilePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".config", "cadre", "traces", "traces.jsonl")
}

// PoolConfig maps the flat worker keys onto the pool's runtime settings.
// An unknown strategy falls back to least_loaded; Validate catches it first
// on any loaded config.
func (c Config) PoolConfig() npu.Config {
	strategy, err := npu.ParseStrategy(c.LoadBalancingStrategy)
	if err != nil {
		strategy = npu.StrategyLeastLoaded
	}
	return npu.Config{
		HeartbeatInterval: c.HeartbeatInterval,
		MissThreshold:     c.HeartbeatMissThreshold,
		Strategy:          strategy,
		RetryBudget:       c.RetryBudget,
	}
}

// Validate checks the full configuration for errors.
func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr is required")
	}
	if c.MaxConcurrentWorkflows <= 0 {
		return fmt.Errorf("max_concurrent_workflows must be positive, got %d", c.MaxConcurrentWorkflows)
	}
	if c.ApprovalTimeoutDefault <= 0 {
		return fmt.Errorf("approval_timeout_default must be positive, got %v", c.ApprovalTimeoutDefault)
	}
	if c.StepTimeoutDefault <= 0 {
		return fmt.Errorf("step_timeout_default must be positive, got %v", c.StepTimeoutDefault)
	}
	if c.LocalWorkerSlots <= 0 {
		return fmt.Errorf("local_worker_slots must be positive, got %d", c.LocalWorkerSlots)
	}
	if c.RetentionInterval <= 0 {
		return fmt.Errorf("retention_interval must be positive, got %v", c.RetentionInterval)
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("heartbeat_interval must be positive, got %v", c.HeartbeatInterval)
	}
	if c.HeartbeatMissThreshold <= 0 {
		return fmt.Errorf("heartbeat_miss_threshold must be positive, got %d", c.HeartbeatMissThreshold)
	}
	if _, err := npu.ParseStrategy(c.LoadBalancingStrategy); err != nil {
		return fmt.Errorf("load_balancing_strategy: %w", err)
	}
	if c.RetryBudget < 0 {
		return fmt.Errorf("retry_budget must not be negative, got %d", c.RetryBudget)
	}
	if c.AdapterQueueCapacity <= 0 {
		return fmt.Errorf("adapter_queue_capacity must be positive, got %d", c.AdapterQueueCapacity)
	}
	if c.CriticalBlockGrace <= 0 {
		return fmt.Errorf("critical_block_grace must be positive, got %v", c.CriticalBlockGrace)
	}
	if err := ValidateLog(c.Log); err != nil {
		return err
	}
	return ValidateTracing(c.Tracing)
}

// ValidateLog checks logging configuration for errors.
func ValidateLog(lc LogConfig) error {
	switch lc.Level {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	default:
		return fmt.Errorf("log.level must be \"debug\", \"info\", \"warn\", or \"error\", got %q", lc.Level)
	}
}

// ValidateTracing checks tracing configuration for errors.
// Returns nil if the configuration is valid (empty values use defaults).
func ValidateTracing(tracing TracingConfig) error {
	if tracing.SampleRate < 0.0 || tracing.SampleRate > 1.0 {
		return fmt.Errorf("tracing.sample_rate must be between 0.0 and 1.0, got %v", tracing.SampleRate)
	}

	if tracing.Exporter != "" {
		switch tracing.Exporter {
		case "none", "file", "stdout", "otlp":
			// Valid
		default:
			return fmt.Errorf("tracing.exporter must be \"none\", \"file\", \"stdout\", or \"otlp\", got %q", tracing.Exporter)
		}
	}

	// Only validate path requirements when tracing is enabled
	if tracing.Enabled {
		if tracing.Exporter == "file" && tracing.FilePath == "" {
			return fmt.Errorf("tracing.file_path is required when exporter is \"file\"")
		}
		if tracing.Exporter == "otlp" && tracing.OTLPEndpoint == "" {
			return fmt.Errorf("tracing.otlp_endpoint is required when exporter is \"otlp\"")
		}
	}

	return nil
}

// DefaultConfigTemplate returns the default config as a YAML string with
// comments.
func DefaultConfigTemplate() string {
	return `# Cadre Configuration

# Address the daemon listens on
listen_addr: ":7433"

# Workflow engine
max_concurrent_workflows: 32   # Admission cap; extra requests fail fast
approval_timeout_default: 1h   # How long a gated step waits for a decision
step_timeout_default: 5m       # Local step execution ceiling
local_worker_slots: 8          # Concurrent local step executions
retention_interval: 1h         # How long finished workflows stay queryable in memory

# NPU worker pool
heartbeat_interval: 10s        # Probe cadence per paired worker
heartbeat_miss_threshold: 3    # Consecutive misses before a worker goes offline
load_balancing_strategy: least_loaded  # round_robin, least_loaded, weighted, priority
retry_budget: 2                # Dispatch attempts across distinct workers

# Event bus
adapter_queue_capacity: 1024   # Per-subscriber queue depth
critical_block_grace: 250ms    # Producer wait before evicting for critical events

# Persistence (terminal workflow records + rollups)
database:
  path: ~/.cadre/cadre.db

# Plan templates
plans:
  user_dir: ~/.cadre/plans     # *.md templates overriding the built-ins
  hot_reload: true             # Reload templates when the directory changes

# Logging
log:
  level: info                  # debug, info, warn, error
  # file: /var/log/cadre.log   # Optional file sink

# Distributed tracing
# tracing:
#   enabled: false             # Enable/disable tracing (default: false)
#   exporter: file             # Export backend: none, file, stdout, otlp (default: file)
#   file_path: ~/.config/cadre/traces/traces.jsonl
#   otlp_endpoint: localhost:4317
#   sample_rate: 1.0           # Trace sampling rate 0.0-1.0
#
# Example: send traces to Jaeger via OTLP
# tracing:
#   enabled: true
#   exporter: otlp
#   otlp_endpoint: jaeger.internal:4317
#   sample_rate: 0.1
`
}

// WriteDefaultConfig creates a config file at the given path with default
// settings and comments. Creates the parent directory if it doesn't exist.
func WriteDefaultConfig(configPath string) error {
	log.Debug(log.CatConfig, "Writing default config", "path", configPath)

	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to create config directory", err, "dir", dir)
		return fmt.Errorf("creating config directory: %w", err)
	}

	if err := os.WriteFile(configPath, []byte(DefaultConfigTemplate()), 0o600); err != nil {
		log.ErrorErr(log.CatConfig, "Failed to write config file", err, "path", configPath)
		return fmt.Errorf("writing config file: %w", err)
	}

	log.Info(log.CatConfig, "Created default config", "path", configPath)
	return nil
}

// ExpandHome replaces a leading ~ with the user's home directory. Paths
// without the prefix pass through unchanged.
func ExpandHome(path string) string {
	if path == "~" || (len(path) >= 2 && path[0] == '~' && path[1] == filepath.Separator) {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}
