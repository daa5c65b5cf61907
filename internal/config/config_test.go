package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ricirt/dispatch/internal/config"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{
		"DATABASE_URL", "DISPATCHER_VERSION", "DISPATCHER_NODE_ID",
		"DB_MAX_CONNS", "DB_MIN_CONNS", "DISPATCHER_CHANNELS",
		"POOL_MAX_WORKERS", "POOL_FORK_MODE", "ADMIN_ADDR", "SHUTDOWN_TIMEOUT",
	} {
		t.Setenv(key, "")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	clearEnv(t)
	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/dispatch")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, "1", cfg.Version)
	require.Equal(t, []string{"dispatcher"}, cfg.Channels)
	require.Equal(t, 4, cfg.PoolMaxWorkers)
	require.Equal(t, config.ForkModeFork, cfg.PoolForkMode)
	require.Equal(t, ":8080", cfg.AdminAddr)
	require.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
}

func TestLoadParsesChannelList(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/dispatch")
	t.Setenv("DISPATCHER_CHANNELS", "tasks, control , retries")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, []string{"tasks", "control", "retries"}, cfg.Channels)
}

func TestLoadRejectsInvalidForkMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/dispatch")
	t.Setenv("POOL_FORK_MODE", "bogus")

	_, err := config.Load()
	require.Error(t, err)
}

func TestLoadAcceptsForkServerMode(t *testing.T) {
	clearEnv(t)
	t.Setenv("DATABASE_URL", "postgres://localhost/dispatch")
	t.Setenv("POOL_FORK_MODE", "forkserver")

	cfg, err := config.Load()
	require.NoError(t, err)
	require.Equal(t, config.ForkModeForkServer, cfg.PoolForkMode)
}
