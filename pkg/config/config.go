// Package config loads the server configuration from environment
// variables with sensible defaults for local development.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/masc-io/masc/pkg/cleanup"
	"github.com/masc-io/masc/pkg/gate"
)

// StorageKind selects the persistence backend.
type StorageKind string

// Storage backends.
const (
	StorageFile     StorageKind = "file"
	StorageSQLite   StorageKind = "sqlite"
	StoragePostgres StorageKind = "postgres"
)

// Config is the umbrella configuration for the server process.
type Config struct {
	Server  ServerConfig
	Storage StorageConfig
	Gate    gate.Config
	Cleanup cleanup.Config
	Stream  StreamConfig
}

// ServerConfig covers the HTTP listener.
type ServerConfig struct {
	Host            string
	Port            int
	ShutdownTimeout time.Duration
}

// Addr returns the listen address.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects and parameterizes the backend.
type StorageConfig struct {
	// Kind picks the backend implementation.
	Kind StorageKind
	// BasePath is the room root for the file backend and the lock path
	// namespace for all backends.
	BasePath string
	// DSN is the sqlite file path or postgres connection string.
	DSN string
	// SecureMode restricts room directory permissions to 0700.
	SecureMode bool
}

// StreamConfig tunes the event fabric.
type StreamConfig struct {
	MaxPendingSends int
}

// LoadFromEnv builds the configuration from MASC_* environment variables.
func LoadFromEnv() (*Config, error) {
	port, err := strconv.Atoi(getEnvOrDefault("MASC_PORT", "8117"))
	if err != nil {
		return nil, fmt.Errorf("invalid MASC_PORT: %w", err)
	}

	kind := StorageKind(getEnvOrDefault("MASC_STORAGE", string(StorageFile)))
	switch kind {
	case StorageFile, StorageSQLite, StoragePostgres:
	default:
		return nil, fmt.Errorf("unknown MASC_STORAGE %q", kind)
	}

	basePath := getEnvOrDefault("MASC_BASE_PATH", ".")
	dsn := os.Getenv("MASC_DSN")
	if dsn == "" && kind == StorageSQLite {
		dsn = basePath + "/masc.db"
	}
	if dsn == "" && kind == StoragePostgres {
		return nil, fmt.Errorf("MASC_DSN is required for postgres storage")
	}

	gateCfg := gate.DefaultConfig()
	if v, err := envFloat("MASC_RATE_LIMIT"); err != nil {
		return nil, err
	} else if v > 0 {
		gateCfg.Rate = v
	}
	if v, err := envFloat("MASC_RATE_BURST"); err != nil {
		return nil, err
	} else if v > 0 {
		gateCfg.Burst = v
	}
	if d, err := envDuration("MASC_SESSION_TTL"); err != nil {
		return nil, err
	} else if d > 0 {
		gateCfg.SessionTTL = d
	}
	if d, err := envDuration("MASC_TOKEN_TTL"); err != nil {
		return nil, err
	} else if d > 0 {
		gateCfg.TokenTTL = d
	}

	cleanupCfg := cleanup.DefaultConfig()
	if d, err := envDuration("MASC_CLEANUP_INTERVAL"); err != nil {
		return nil, err
	} else if d > 0 {
		cleanupCfg.Interval = d
	}
	if d, err := envDuration("MASC_ZOMBIE_THRESHOLD"); err != nil {
		return nil, err
	} else if d > 0 {
		cleanupCfg.ZombieThreshold = d
	}

	maxPending, _ := strconv.Atoi(getEnvOrDefault("MASC_MAX_PENDING_SENDS", "100"))

	return &Config{
		Server: ServerConfig{
			Host:            getEnvOrDefault("MASC_HOST", "0.0.0.0"),
			Port:            port,
			ShutdownTimeout: 10 * time.Second,
		},
		Storage: StorageConfig{
			Kind:       kind,
			BasePath:   basePath,
			DSN:        dsn,
			SecureMode: os.Getenv("MASC_SECURE_MODE") == "true",
		},
		Gate:    gateCfg,
		Cleanup: cleanupCfg,
		Stream:  StreamConfig{MaxPendingSends: maxPending},
	}, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func envFloat(key string) (float64, error) {
	val := os.Getenv(key)
	if val == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(val, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return f, nil
}

func envDuration(key string) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}
