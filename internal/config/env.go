package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/joho/godotenv"
)

// LoadFromEnv loads configuration from environment variables
// Parameters:
// - configDir: Directory containing config files (or empty for default)
// - configFilePath: Path to .env file (or empty for default)
func LoadFromEnv(configDir string, configFilePath string) (*Config, error) {
	cfg := New()

	// If configDir is empty, use the default
	if configDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		configDir = filepath.Join(homeDir, ".cardvault")

		if err := os.MkdirAll(configDir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create config directory: %w", err)
		}
	}
	cfg.configDir = configDir

	// Default database and log paths live in the config directory
	cfg.Database.Path = filepath.Join(configDir, "cardvault.db")
	defaultLogPath := filepath.Join(configDir, "cardvault.log")

	// Use provided config file path or default
	if configFilePath == "" {
		configFilePath = filepath.Join(configDir, ".env")
	}

	// Check if ENV_FILE_PATH is set to load from a custom .env file
	envFilePath := getEnvString("ENV_FILE_PATH", "")
	if envFilePath != "" {
		if err := godotenv.Load(envFilePath); err != nil {
			return nil, fmt.Errorf("failed to load env file from %s: %w", envFilePath, err)
		}
	} else {
		// Try the config directory first, then the current directory
		if err := godotenv.Load(configFilePath); err != nil {
			_ = godotenv.Load() // Ignore errors if file doesn't exist
		}
	}

	cfg.Database = DatabaseConfig{
		Path:            getEnvString("CARDVAULT_DB_PATH", cfg.Database.Path),
		BusyTimeout:     getEnvInt("CARDVAULT_DB_BUSY_TIMEOUT", 5000),
		JournalMode:     getEnvString("CARDVAULT_DB_JOURNAL_MODE", "WAL"),
		SynchronousMode: getEnvString("CARDVAULT_DB_SYNCHRONOUS_MODE", "NORMAL"),
		CacheSize:       getEnvInt("CARDVAULT_DB_CACHE_SIZE", -64000), // ~64MB
		ForeignKeys:     getEnvBool("CARDVAULT_DB_FOREIGN_KEYS", true),
		ConnMaxLife:     getEnvDuration("CARDVAULT_DB_CONN_MAX_LIFE", 5*time.Minute),
		QueryTimeout:    getEnvDuration("CARDVAULT_DB_QUERY_TIMEOUT", 30*time.Second),
	}

	cfg.Logging = LoggingConfig{
		Level:      getEnvString("CARDVAULT_LOG_LEVEL", "info"),
		Format:     getEnvString("CARDVAULT_LOG_FORMAT", "text"),
		Output:     getEnvString("CARDVAULT_LOG_OUTPUT", defaultLogPath),
		AddSource:  getEnvBool("CARDVAULT_LOG_ADD_SOURCE", true),
		TimeFormat: getEnvString("CARDVAULT_LOG_TIME_FORMAT", time.RFC3339),
	}

	cfg.Remote = RemoteConfig{
		Enabled:           getEnvBool("CARDVAULT_REMOTE_ENABLED", true),
		URL:               getEnvString("CARDVAULT_REMOTE_URL", "http://localhost:3000"),
		Token:             getEnvString("CARDVAULT_REMOTE_TOKEN", ""),
		Timeout:           getEnvDuration("CARDVAULT_REMOTE_TIMEOUT", 30*time.Second),
		DeviceName:        getEnvString("CARDVAULT_REMOTE_DEVICE_NAME", ""),
		RequestsPerSecond: getEnvFloat("CARDVAULT_REMOTE_REQUESTS_PER_SECOND", 20),
		BurstLimit:        getEnvInt("CARDVAULT_REMOTE_BURST_LIMIT", 40),
	}

	cfg.Pool = PoolConfig{
		MaxConnections:      getEnvInt("CARDVAULT_POOL_MAX_CONNECTIONS", 5),
		MinConnections:      getEnvInt("CARDVAULT_POOL_MIN_CONNECTIONS", 2),
		MaxIdleTime:         getEnvDuration("CARDVAULT_POOL_MAX_IDLE_TIME", 5*time.Minute),
		ConnectionTimeout:   getEnvDuration("CARDVAULT_POOL_CONNECTION_TIMEOUT", 10*time.Second),
		AcquireTimeout:      getEnvDuration("CARDVAULT_POOL_ACQUIRE_TIMEOUT", 15*time.Second),
		HealthCheckInterval: getEnvDuration("CARDVAULT_POOL_HEALTH_CHECK_INTERVAL", 30*time.Second),
		ValidationThreshold: getEnvDuration("CARDVAULT_POOL_VALIDATION_THRESHOLD", time.Second),
		ErrorThreshold:      getEnvInt("CARDVAULT_POOL_ERROR_THRESHOLD", 3),
	}

	cfg.Batch = BatchConfig{
		BatchSize:      getEnvInt("CARDVAULT_BATCH_SIZE", 50),
		MaxConcurrent:  getEnvInt("CARDVAULT_BATCH_MAX_CONCURRENT", 4),
		RetryCount:     getEnvInt("CARDVAULT_BATCH_RETRY_COUNT", 3),
		RetryStrategy:  getEnvString("CARDVAULT_BATCH_RETRY_STRATEGY", "exponential"),
		RetryBaseDelay: getEnvDuration("CARDVAULT_BATCH_RETRY_BASE_DELAY", 200*time.Millisecond),
		CacheTTL:       getEnvDuration("CARDVAULT_BATCH_CACHE_TTL", time.Minute),
	}

	cfg.Sync = SyncConfig{
		Interval:    getEnvDuration("CARDVAULT_SYNC_INTERVAL", time.Minute),
		DrainLimit:  getEnvInt("CARDVAULT_SYNC_DRAIN_LIMIT", 200),
		AutoResolve: getEnvBool("CARDVAULT_SYNC_AUTO_RESOLVE", true),
	}

	cfg.Conflict = ConflictConfig{
		MergeSimilarity:       getEnvFloat("CARDVAULT_CONFLICT_MERGE_SIMILARITY", 0.8),
		RecencyConfidenceCap:  getEnvFloat("CARDVAULT_CONFLICT_RECENCY_CONFIDENCE_CAP", 0.85),
		AutoResolveConfidence: getEnvFloat("CARDVAULT_CONFLICT_AUTO_RESOLVE_CONFIDENCE", 0.7),
		HistoryLimit:          getEnvInt("CARDVAULT_CONFLICT_HISTORY_LIMIT", 500),
	}

	return cfg, cfg.Validate()
}
