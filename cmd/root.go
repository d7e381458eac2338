// Package cmd wires the cadre CLI: the root command loads configuration,
// subcommands run the daemon.
package cmd

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/zjrosen/cadre/internal/config"
)

var (
	version  = "dev"
	cfgFile  string
	logLevel string
	cfg      config.Config
)

var rootCmd = &cobra.Command{
	Use:     "cadre",
	Short:   "Workflow orchestration daemon for NPU-backed agent fleets",
	Long:    `Cadre plans natural-language requests into multi-step workflows, gates risky steps behind approvals, and dispatches work across local slots and paired NPU workers. Run 'cadre daemon' to start the HTTP API.`,
	Version: version,
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "",
		"config file (default: ~/.config/cadre/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"log level: debug, info, warn, error (overrides config)")
}

func initConfig() {
	defaults := config.Defaults()
	viper.SetDefault("listen_addr", defaults.ListenAddr)
	viper.SetDefault("max_concurrent_workflows", defaults.MaxConcurrentWorkflows)
	viper.SetDefault("approval_timeout_default", defaults.ApprovalTimeoutDefault)
	viper.SetDefault("step_timeout_default", defaults.StepTimeoutDefault)
	viper.SetDefault("local_worker_slots", defaults.LocalWorkerSlots)
	viper.SetDefault("retention_interval", defaults.RetentionInterval)
	viper.SetDefault("heartbeat_interval", defaults.HeartbeatInterval)
	viper.SetDefault("heartbeat_miss_threshold", defaults.HeartbeatMissThreshold)
	viper.SetDefault("load_balancing_strategy", defaults.LoadBalancingStrategy)
	viper.SetDefault("retry_budget", defaults.RetryBudget)
	viper.SetDefault("adapter_queue_capacity", defaults.AdapterQueueCapacity)
	viper.SetDefault("critical_block_grace", defaults.CriticalBlockGrace)
	viper.SetDefault("database.path", defaults.Database.Path)
	viper.SetDefault("plans.user_dir", defaults.Plans.UserDir)
	viper.SetDefault("plans.hot_reload", defaults.Plans.HotReload)
	viper.SetDefault("log.level", defaults.Log.Level)
	viper.SetDefault("log.file", defaults.Log.File)
	viper.SetDefault("tracing.enabled", defaults.Tracing.Enabled)
	viper.SetDefault("tracing.exporter", defaults.Tracing.Exporter)
	viper.SetDefault("tracing.file_path", defaults.Tracing.FilePath)
	viper.SetDefault("tracing.otlp_endpoint", defaults.Tracing.OTLPEndpoint)
	viper.SetDefault("tracing.sample_rate", defaults.Tracing.SampleRate)

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, _ := os.UserHomeDir()
		viper.AddConfigPath(filepath.Join(home, ".config", "cadre"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.SetEnvPrefix("CADRE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	viper.AutomaticEnv()

	if err := viper.ReadInConfig(); err != nil {
		// No config file found anywhere - write the commented default so
		// the first run leaves something to edit.
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			defaultPath := config.DefaultConfigPath()
			if writeErr := config.WriteDefaultConfig(defaultPath); writeErr == nil {
				viper.SetConfigFile(defaultPath)
				_ = viper.ReadInConfig()
			}
			// If write fails, just continue with defaults (no config file)
		}
	}

	_ = viper.Unmarshal(&cfg)

	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

// SetVersion sets the version string (called from main with ldflags)
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}
