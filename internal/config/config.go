// Package config provides configuration management functionality.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration
type Config struct {
	DataDir string // Base directory for all databases (always absolute)
	Port    int
	DevMode bool

	LogLevel string

	// Data provider endpoints and credentials
	MarketDataURL    string
	MarketDataAPIKey string
	SentimentURL     string

	// LLM rule interpreter (OpenAI-compatible chat completions endpoint).
	// When empty, the deterministic interpreter is used for all runs.
	LLMBaseURL string
	LLMAPIKey  string
	LLMModel   string

	// Execution engine tuning
	FetchConcurrency  int           // Max concurrent (symbol, source) fetches per run
	ProviderTimeout   time.Duration // Per provider call
	ExecutionTimeout  time.Duration // Wall-clock ceiling per execution
	ProviderRateLimit time.Duration // Minimum interval between calls to one provider

	// Cron expressions for background jobs
	StrategySchedule string
	BackupSchedule   string

	// Audit backup (S3-compatible storage, optional)
	BackupEnabled   bool
	BackupEndpoint  string
	BackupBucket    string
	BackupAccessKey string
	BackupSecretKey string
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	// Load .env file if it exists
	_ = godotenv.Load()

	dataDir := getEnv("FINCH_DATA_DIR", "")
	if dataDir == "" {
		dataDir = "./data"
	}

	// Always resolve to absolute path
	absDataDir, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory path: %w", err)
	}

	if err := os.MkdirAll(absDataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	cfg := &Config{
		DataDir:  absDataDir,
		Port:     getEnvAsInt("FINCH_PORT", 8080),
		DevMode:  getEnvAsBool("DEV_MODE", false),
		LogLevel: getEnv("LOG_LEVEL", "info"),

		MarketDataURL:    getEnv("MARKET_DATA_URL", "https://financialmodelingprep.com/api/v3"),
		MarketDataAPIKey: getEnv("MARKET_DATA_API_KEY", ""),
		SentimentURL:     getEnv("SENTIMENT_URL", "https://tradestie.com/api/v1/apps/reddit"),

		LLMBaseURL: getEnv("LLM_BASE_URL", ""),
		LLMAPIKey:  getEnv("LLM_API_KEY", ""),
		LLMModel:   getEnv("LLM_MODEL", "gpt-4o-mini"),

		FetchConcurrency:  getEnvAsInt("FETCH_CONCURRENCY", 4),
		ProviderTimeout:   getEnvAsDuration("PROVIDER_TIMEOUT", 15*time.Second),
		ExecutionTimeout:  getEnvAsDuration("EXECUTION_TIMEOUT", 5*time.Minute),
		ProviderRateLimit: getEnvAsDuration("PROVIDER_RATE_LIMIT", 250*time.Millisecond),

		StrategySchedule: getEnv("STRATEGY_SCHEDULE", "@every 15m"),
		BackupSchedule:   getEnv("BACKUP_SCHEDULE", "@daily"),

		BackupEnabled:   getEnvAsBool("BACKUP_ENABLED", false),
		BackupEndpoint:  getEnv("BACKUP_ENDPOINT", ""),
		BackupBucket:    getEnv("BACKUP_BUCKET", "finch-audit"),
		BackupAccessKey: getEnv("BACKUP_ACCESS_KEY", ""),
		BackupSecretKey: getEnv("BACKUP_SECRET_KEY", ""),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.FetchConcurrency < 1 {
		return fmt.Errorf("FETCH_CONCURRENCY must be at least 1, got %d", c.FetchConcurrency)
	}
	if c.ExecutionTimeout <= 0 {
		return fmt.Errorf("EXECUTION_TIMEOUT must be positive, got %s", c.ExecutionTimeout)
	}
	if c.BackupEnabled && c.BackupEndpoint == "" {
		return fmt.Errorf("BACKUP_ENDPOINT required when BACKUP_ENABLED is set")
	}

	// Note: market data credentials optional - providers reject unauthenticated
	// calls at fetch time, which surfaces as a provider error, not a crash

	return nil
}

// Helper functions
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
