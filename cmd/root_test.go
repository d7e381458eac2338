package cmd

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/cadre/internal/config"
	"github.com/zjrosen/cadre/internal/log"
)

func init() {
	log.InitDiscard()
}

// resetConfig clears the process-wide viper state between tests. initConfig
// is registered with cobra.OnInitialize, so tests call it directly.
func resetConfig(t *testing.T) {
	t.Helper()
	viper.Reset()
	cfgFile = ""
	logLevel = ""
	cfg = config.Config{}
	t.Cleanup(func() {
		viper.Reset()
		cfgFile = ""
		logLevel = ""
		cfg = config.Config{}
	})
}

func TestInitConfig_DefaultsWhenFileMissing(t *testing.T) {
	resetConfig(t)
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")

	initConfig()

	assert.Equal(t, ":7433", cfg.ListenAddr)
	assert.Equal(t, 32, cfg.MaxConcurrentWorkflows)
	assert.Equal(t, time.Hour, cfg.ApprovalTimeoutDefault)
	assert.Equal(t, "least_loaded", cfg.LoadBalancingStrategy)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestInitConfig_ReadsConfigFile(t *testing.T) {
	resetConfig(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	content := "listen_addr: \":9999\"\nmax_concurrent_workflows: 4\nplans:\n  hot_reload: false\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	cfgFile = path

	initConfig()

	assert.Equal(t, ":9999", cfg.ListenAddr)
	assert.Equal(t, 4, cfg.MaxConcurrentWorkflows)
	assert.False(t, cfg.Plans.HotReload)
	// Keys absent from the file keep their defaults.
	assert.Equal(t, 2, cfg.RetryBudget)
	assert.Equal(t, 10*time.Second, cfg.HeartbeatInterval)
}

func TestInitConfig_EnvOverridesFile(t *testing.T) {
	resetConfig(t)

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("listen_addr: \":9999\"\n"), 0o644))
	cfgFile = path

	t.Setenv("CADRE_LISTEN_ADDR", ":8811")
	t.Setenv("CADRE_DATABASE_PATH", "/tmp/elsewhere.db")

	initConfig()

	assert.Equal(t, ":8811", cfg.ListenAddr)
	assert.Equal(t, "/tmp/elsewhere.db", cfg.Database.Path)
}

func TestInitConfig_WritesDefaultOnFirstRun(t *testing.T) {
	resetConfig(t)

	// Point the home lookup at a temp dir so the first-run write lands
	// there instead of the real user config.
	home := t.TempDir()
	t.Setenv("HOME", home)

	initConfig()

	written := filepath.Join(home, ".config", "cadre", "config.yaml")
	data, err := os.ReadFile(written)
	require.NoError(t, err)
	assert.Contains(t, string(data), "listen_addr")
	assert.Contains(t, string(data), "load_balancing_strategy")
	assert.Equal(t, ":7433", cfg.ListenAddr)
}

func TestInitConfig_LogLevelFlagOverride(t *testing.T) {
	resetConfig(t)
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")
	logLevel = "debug"

	initConfig()

	assert.Equal(t, "debug", cfg.Log.Level)
}

func TestInitConfig_ResultValidates(t *testing.T) {
	resetConfig(t)
	cfgFile = filepath.Join(t.TempDir(), "missing.yaml")

	initConfig()

	require.NoError(t, cfg.Validate())
}
