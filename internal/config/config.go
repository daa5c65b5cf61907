// Package config loads dispatcher runtime configuration from environment
// variables, following the same getEnv/getInt/getDuration convention used
// throughout this project's ancestry. Every field has a sensible default;
// only DATABASE_URL is required when the pg_notify broker is in use.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ForkMode mirrors the pool.fork_mode setting named in spec.md §6. This
// repository only ships the goroutine-based launcher (see
// internal/workerpool/launcher.go), so the value is carried through as
// configuration and validated, but ForkServer has no launcher behind it
// yet — see DESIGN.md.
type ForkMode string

const (
	ForkModeFork       ForkMode = "fork"
	ForkModeForkServer ForkMode = "forkserver"
)

// Config holds all runtime configuration for the dispatcher process.
type Config struct {
	// Settings schema version, per spec.md §6.
	Version string

	// Node identity. Empty means "generate a fresh UUID at startup."
	NodeID string

	// Database / pg_notify broker.
	DatabaseURL string
	DBMaxConns  int32
	DBMinConns  int32

	// Broker channel subscriptions.
	Channels []string

	// Worker pool.
	PoolMaxWorkers int
	PoolForkMode   ForkMode

	// Admin HTTP server (metrics + health only; the notification REST API
	// of the teacher repo is out of scope for this dispatcher).
	AdminAddr string

	// Background poll / shutdown timings.
	ShutdownTimeout time.Duration
}

// Load reads configuration from the environment.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	forkMode := ForkMode(getEnv("POOL_FORK_MODE", string(ForkModeFork)))
	if forkMode != ForkModeFork && forkMode != ForkModeForkServer {
		return nil, fmt.Errorf("invalid POOL_FORK_MODE %q: must be %q or %q", forkMode, ForkModeFork, ForkModeForkServer)
	}

	return &Config{
		Version: getEnv("DISPATCHER_VERSION", "1"),
		NodeID:  os.Getenv("DISPATCHER_NODE_ID"),

		DatabaseURL: dbURL,
		DBMaxConns:  int32(getInt("DB_MAX_CONNS", 10)),
		DBMinConns:  int32(getInt("DB_MIN_CONNS", 2)),

		Channels: getList("DISPATCHER_CHANNELS", []string{"dispatcher"}),

		PoolMaxWorkers: getInt("POOL_MAX_WORKERS", 4),
		PoolForkMode:   forkMode,

		AdminAddr: getEnv("ADMIN_ADDR", ":8080"),

		ShutdownTimeout: getDuration("SHUTDOWN_TIMEOUT", 10*time.Second),
	}, nil
}

func getEnv(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

func getList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return defaultVal
	}
	return out
}
