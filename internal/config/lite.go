// Package config provides configuration management for the screening engine.
// This file contains the lightweight configuration for file-free local runs.
package config

import (
	"os"
	"path/filepath"
	"strconv"

	"github.com/trial-screening-engine/internal/domain"
)

// LiteConfig is a small environment-only configuration for running the screener
// locally with a SQLite audit log and an on-disk knowledge corpus.
type LiteConfig struct {
	// Data storage
	DataDir    string // Base directory for the audit database and exports
	CorpusPath string // JSON knowledge corpus; empty runs without evidence

	// Self-consistency
	Samples int   // Judgments per evidence-based criterion
	Seed    int64 // Sampling seed for reproducible runs

	// Logging
	LogLevel  string // Log level: debug, info, warn, error
	LogFormat string // Log format: json, text
}

// DefaultLiteConfig returns a configuration with sensible defaults.
func DefaultLiteConfig() *LiteConfig {
	homeDir, _ := os.UserHomeDir()
	dataDir := filepath.Join(homeDir, ".trial-screener")
	scoring := domain.DefaultScoringConfig()

	return &LiteConfig{
		DataDir:   dataDir,
		Samples:   scoring.Samples,
		Seed:      scoring.Seed,
		LogLevel:  "info",
		LogFormat: "json",
	}
}

// LoadLiteConfig loads configuration from environment variables.
// Falls back to defaults if not set.
func LoadLiteConfig() *LiteConfig {
	cfg := DefaultLiteConfig()

	if v := os.Getenv("SCREENER_DATA_DIR"); v != "" {
		cfg.DataDir = v
	}
	cfg.CorpusPath = os.Getenv("SCREENER_CORPUS")

	if v := os.Getenv("SCREENER_SAMPLES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.Samples = n
		}
	}
	if v := os.Getenv("SCREENER_SEED"); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.Seed = n
		}
	}

	if v := os.Getenv("SCREENER_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("SCREENER_LOG_FORMAT"); v != "" {
		cfg.LogFormat = v
	}

	return cfg
}

// AuditDBPath returns the path to the audit SQLite database.
func (c *LiteConfig) AuditDBPath() string {
	return filepath.Join(c.DataDir, "audit.db")
}

// ExportDir returns the directory for JSON exports.
func (c *LiteConfig) ExportDir() string {
	return filepath.Join(c.DataDir, "exports")
}

// EnsureDataDir creates the data directory if it doesn't exist.
func (c *LiteConfig) EnsureDataDir() error {
	if err := os.MkdirAll(c.DataDir, 0755); err != nil {
		return err
	}
	return os.MkdirAll(c.ExportDir(), 0755)
}

// ToConfig expands the lite settings into a full configuration
func (c *LiteConfig) ToConfig() domain.Config {
	cfg := domain.DefaultConfig()
	cfg.Logging = domain.LoggingConfig{Level: c.LogLevel, Format: c.LogFormat}
	cfg.Scoring.Samples = c.Samples
	cfg.Scoring.Seed = c.Seed
	cfg.Knowledge.CorpusPath = c.CorpusPath
	cfg.Audit.Backend = "sqlite"
	cfg.Audit.SQLitePath = c.AuditDBPath()
	return cfg
}
