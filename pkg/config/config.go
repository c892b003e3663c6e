package config

import (
	"os"
	"strconv"
)

// Config holds process configuration for the settlement core and its edges.
// Every field is sourced from a CHAINBRIDGE_* environment variable with a
// default suitable for a single-node development deployment.
type Config struct {
	ListenAddr     string
	LogLevel       string
	DatabaseDriver string // "sqlite" | "postgres"
	DatabaseURL    string // sqlite path or postgres DSN
	RedisAddr      string // empty: replay guard uses the database backend
	ArchiveBackend string // "file" | "s3" | "gcs"
	ArchiveDir     string
	ArchiveBucket  string
	OTLPEndpoint   string // empty: telemetry disabled
	RegistryPath   string
	ProfilePath    string // empty: built-in validation defaults
	SignalPath     string // empty: training signals discarded
	RateRPS        int
	RateBurst      int
}

// Load reads configuration from environment variables.
func Load() *Config {
	return &Config{
		ListenAddr:     getenvDefault("CHAINBRIDGE_LISTEN_ADDR", ":8080"),
		LogLevel:       getenvDefault("CHAINBRIDGE_LOG_LEVEL", "INFO"),
		DatabaseDriver: getenvDefault("CHAINBRIDGE_DATABASE_DRIVER", "sqlite"),
		DatabaseURL:    getenvDefault("CHAINBRIDGE_DATABASE_URL", "chainbridge.db"),
		RedisAddr:      os.Getenv("CHAINBRIDGE_REDIS_ADDR"),
		ArchiveBackend: getenvDefault("CHAINBRIDGE_ARCHIVE_BACKEND", "file"),
		ArchiveDir:     getenvDefault("CHAINBRIDGE_ARCHIVE_DIR", "archive"),
		ArchiveBucket:  os.Getenv("CHAINBRIDGE_ARCHIVE_BUCKET"),
		OTLPEndpoint:   os.Getenv("CHAINBRIDGE_OTLP_ENDPOINT"),
		RegistryPath:   getenvDefault("CHAINBRIDGE_REGISTRY_PATH", "registry.yaml"),
		ProfilePath:    os.Getenv("CHAINBRIDGE_PROFILE"),
		SignalPath:     os.Getenv("CHAINBRIDGE_SIGNAL_PATH"),
		RateRPS:        getenvIntDefault("CHAINBRIDGE_RATE_RPS", 10),
		RateBurst:      getenvIntDefault("CHAINBRIDGE_RATE_BURST", 20),
	}
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getenvIntDefault(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
