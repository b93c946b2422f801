// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir            string // Base directory for the database (always absolute)
	LogLevel           string
	Port               int
	DevMode            bool
	DraftRetentionDays int // Uncommitted drafts older than this are expired by the retention job
	RebuildBatchSize   int // Aggregate rows persisted per transaction during a rebuild
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	// Determine data directory with fallback logic:
	// 1. KONTOR_DATA_DIR environment variable
	// 2. Default to ./data
	// 3. Always resolve to absolute path and ensure it exists
	dataDir := getEnv("KONTOR_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:            absDataDir,
		Port:               getEnvAsInt("KONTOR_PORT", 8001),
		DevMode:            getEnvAsBool("DEV_MODE", false),
		LogLevel:           getEnv("LOG_LEVEL", "info"),
		DraftRetentionDays: getEnvAsInt("DRAFT_RETENTION_DAYS", 90),
		RebuildBatchSize:   getEnvAsInt("REBUILD_BATCH_SIZE", 200),
	}

	if cfg.RebuildBatchSize < 1 {
		return nil, fmt.Errorf("REBUILD_BATCH_SIZE must be positive, got %d", cfg.RebuildBatchSize)
	}

	return cfg, nil
}

// DatabasePath returns the path of the kontor database file
func (c *Config) DatabasePath() string {
	return filepath.Join(c.DataDir, "kontor.db")
}

// getEnv retrieves an environment variable or returns a fallback
func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

// getEnvAsInt retrieves an environment variable as int or returns a fallback
func getEnvAsInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.Atoi(value); err == nil {
			return parsed
		}
	}
	return fallback
}

// getEnvAsBool retrieves an environment variable as bool or returns a fallback
func getEnvAsBool(key string, fallback bool) bool {
	if value := os.Getenv(key); value != "" {
		if parsed, err := strconv.ParseBool(value); err == nil {
			return parsed
		}
	}
	return fallback
}
