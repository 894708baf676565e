// Package config loads runtime configuration from the environment, with
// an optional YAML profile for file-based deployments.
package config

import (
	"fmt"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// Config holds kernel runtime configuration.
type Config struct {
	LogLevel         string `yaml:"log_level"`
	TickIntervalMs   int    `yaml:"tick_interval_ms"`
	HandlerTimeoutMs int    `yaml:"handler_timeout_ms"`

	// LedgerPath points at a SQLite file for durable audit records.
	// Empty keeps the chain in memory only.
	LedgerPath string `yaml:"ledger_path"`

	// DatabaseURL selects a Postgres audit store instead of SQLite.
	DatabaseURL string `yaml:"database_url"`

	// RedisAddr enables the shared connector rate limiter.
	RedisAddr string `yaml:"redis_addr"`

	// ExportDir receives ledger exports from the CLI.
	ExportDir string `yaml:"export_dir"`

	OTLPEndpoint     string `yaml:"otlp_endpoint"`
	TelemetryEnabled bool   `yaml:"telemetry_enabled"`
}

// Load reads configuration from environment variables.
func Load() *Config {
	logLevel := os.Getenv("SPC_LOG_LEVEL")
	if logLevel == "" {
		logLevel = "INFO"
	}

	exportDir := os.Getenv("SPC_EXPORT_DIR")
	if exportDir == "" {
		exportDir = "exports"
	}

	return &Config{
		LogLevel:         logLevel,
		TickIntervalMs:   envInt("SPC_TICK_INTERVAL_MS", 1000),
		HandlerTimeoutMs: envInt("SPC_HANDLER_TIMEOUT_MS", 5000),
		LedgerPath:       os.Getenv("SPC_LEDGER_PATH"),
		DatabaseURL:      os.Getenv("SPC_DATABASE_URL"),
		RedisAddr:        os.Getenv("SPC_REDIS_ADDR"),
		ExportDir:        exportDir,
		OTLPEndpoint:     os.Getenv("SPC_OTLP_ENDPOINT"),
		TelemetryEnabled: os.Getenv("SPC_TELEMETRY_ENABLED") == "true",
	}
}

// LoadFile overlays a YAML profile on top of the environment defaults.
// Keys absent from the file keep their environment values.
func LoadFile(path string) (*Config, error) {
	cfg := Load()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config %s: %w", path, err)
	}
	return cfg, nil
}

func envInt(key string, fallback int) int {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
