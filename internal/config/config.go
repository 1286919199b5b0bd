// Package config loads and validates the cardvault configuration
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Config represents the complete application configuration
type Config struct {
	Database DatabaseConfig
	Logging  LoggingConfig
	Remote   RemoteConfig
	Pool     PoolConfig
	Batch    BatchConfig
	Sync     SyncConfig
	Conflict ConflictConfig

	configDir string // Internal: Directory where config was loaded from
}

// DatabaseConfig represents local SQLite database configuration
type DatabaseConfig struct {
	Path            string        // Path to the SQLite database file
	JournalMode     string        // Journal mode (WAL recommended)
	SynchronousMode string        // Synchronous mode
	BusyTimeout     int           // Busy timeout in milliseconds
	CacheSize       int           // Cache size in KiB
	ForeignKeys     bool          // Whether to enforce foreign key constraints
	ConnMaxLife     time.Duration // Maximum connection lifetime
	QueryTimeout    time.Duration // Query timeout
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level      string // debug, info, warn, error
	Format     string // text or json
	Output     string // stdout, stderr, or file path
	AddSource  bool   // Include source code position in logs
	TimeFormat string // Time format for logs (empty uses RFC3339)
}

// RemoteConfig holds configuration for the remote sync backend
type RemoteConfig struct {
	Enabled    bool          // Whether remote sync is enabled
	URL        string        // Backend base URL
	Token      string        // Authentication token
	Timeout    time.Duration // Per-call request timeout
	DeviceName string        // Device name for identification

	// Rate limiting of outgoing RPCs
	RequestsPerSecond float64
	BurstLimit        int
}

// PoolConfig holds configuration for the remote connection pool
type PoolConfig struct {
	MaxConnections      int           // Upper bound on concurrent remote sessions
	MinConnections      int           // Connections kept warm at all times
	MaxIdleTime         time.Duration // Idle connections older than this are destroyed
	ConnectionTimeout   time.Duration // Bound on establishing a single connection
	AcquireTimeout      time.Duration // Bound on waiting for a free connection
	HealthCheckInterval time.Duration // Probe cadence for idle connections
	ValidationThreshold time.Duration // Probe latency above this marks a connection degraded
	ErrorThreshold      int           // Consecutive probe failures before destruction
}

// BatchConfig holds configuration for local batch execution
type BatchConfig struct {
	BatchSize      int           // Operations per chunk
	MaxConcurrent  int           // Chunks executed concurrently
	RetryCount     int           // Attempts per chunk
	RetryStrategy  string        // linear, exponential, or fixed
	RetryBaseDelay time.Duration // Base delay fed to the retry strategy
	CacheTTL       time.Duration // Lifetime of cached query results
}

// SyncConfig holds configuration for the sync orchestrator
type SyncConfig struct {
	Interval    time.Duration // Cadence of the background sync pass
	DrainLimit  int           // Max operations drained per pass
	AutoResolve bool          // Apply high-confidence conflict suggestions automatically
}

// ConflictConfig holds conflict-engine heuristics.
// The thresholds are hand-tuned defaults carried over from production data;
// they are configurable rather than fixed so they can be recalibrated.
type ConflictConfig struct {
	MergeSimilarity       float64 // Edit-distance similarity above which a merge is suggested
	RecencyConfidenceCap  float64 // Cap on confidence derived from timestamp gaps
	AutoResolveConfidence float64 // Minimum confidence for automatic resolution
	HistoryLimit          int     // Bounded conflict history retained for audit
}

// New returns a new empty Config
func New() *Config {
	return &Config{}
}

// ConfigDir returns the directory the configuration was loaded from
func (c *Config) ConfigDir() string {
	return c.configDir
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if err := c.validateDatabase(); err != nil {
		return fmt.Errorf("database config: %w", err)
	}

	if err := c.validateLogging(); err != nil {
		return fmt.Errorf("logging config: %w", err)
	}

	if err := c.validatePool(); err != nil {
		return fmt.Errorf("pool config: %w", err)
	}

	if err := c.validateBatch(); err != nil {
		return fmt.Errorf("batch config: %w", err)
	}

	if err := c.validateConflict(); err != nil {
		return fmt.Errorf("conflict config: %w", err)
	}

	return nil
}

// ParseLogLevel parses a log level string to a slog.Level
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	case "none":
		// Set to a very high level that won't be triggered
		return slog.Level(9999)
	default:
		return slog.LevelInfo
	}
}

func (c *Config) validateDatabase() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database path cannot be empty")
	}

	// Create the directory if it doesn't exist
	dir := filepath.Dir(c.Database.Path)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("failed to create directory for database: %w", err)
		}
	}

	if c.Database.BusyTimeout <= 0 {
		return fmt.Errorf("busy timeout must be positive")
	}

	if c.Database.ConnMaxLife <= 0 {
		return fmt.Errorf("connection max life must be positive")
	}

	if c.Database.QueryTimeout <= 0 {
		return fmt.Errorf("query timeout must be positive")
	}

	return nil
}

func (c *Config) validateLogging() error {
	level := strings.ToLower(c.Logging.Level)
	if level != "debug" && level != "info" && level != "warn" && level != "error" && level != "none" {
		return fmt.Errorf("invalid log level: %s", c.Logging.Level)
	}

	format := strings.ToLower(c.Logging.Format)
	if format != "text" && format != "json" {
		return fmt.Errorf("invalid log format: %s", c.Logging.Format)
	}

	return nil
}

func (c *Config) validatePool() error {
	if c.Pool.MaxConnections <= 0 {
		return fmt.Errorf("max_connections must be positive")
	}

	if c.Pool.MinConnections < 0 || c.Pool.MinConnections > c.Pool.MaxConnections {
		return fmt.Errorf("min_connections must be between 0 and max_connections")
	}

	if c.Pool.AcquireTimeout <= 0 {
		return fmt.Errorf("acquire_timeout must be positive")
	}

	if c.Pool.HealthCheckInterval <= 0 {
		return fmt.Errorf("health_check_interval must be positive")
	}

	if c.Pool.ErrorThreshold <= 0 {
		return fmt.Errorf("error_threshold must be positive")
	}

	return nil
}

func (c *Config) validateBatch() error {
	if c.Batch.BatchSize <= 0 {
		return fmt.Errorf("batch_size must be positive")
	}

	if c.Batch.MaxConcurrent <= 0 {
		return fmt.Errorf("max_concurrent must be positive")
	}

	switch c.Batch.RetryStrategy {
	case "linear", "exponential", "fixed":
	default:
		return fmt.Errorf("invalid retry strategy: %s", c.Batch.RetryStrategy)
	}

	return nil
}

func (c *Config) validateConflict() error {
	if c.Conflict.MergeSimilarity <= 0 || c.Conflict.MergeSimilarity > 1 {
		return fmt.Errorf("merge_similarity must be in (0, 1]")
	}

	if c.Conflict.AutoResolveConfidence <= 0 || c.Conflict.AutoResolveConfidence > 1 {
		return fmt.Errorf("auto_resolve_confidence must be in (0, 1]")
	}

	if c.Conflict.HistoryLimit <= 0 {
		return fmt.Errorf("history_limit must be positive")
	}

	return nil
}

// getEnvString returns a string from the environment variable
func getEnvString(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

// getEnvInt returns an int from the environment variable
func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

// getEnvBool returns a bool from the environment variable
func getEnvBool(key string, defaultValue bool) bool {
	if value, exists := os.LookupEnv(key); exists {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration returns a time.Duration from the environment variable
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}

// getEnvFloat returns a float64 from the environment variable
func getEnvFloat(key string, defaultValue float64) float64 {
	if value, exists := os.LookupEnv(key); exists {
		if floatValue, err := strconv.ParseFloat(value, 64); err == nil {
			return floatValue
		}
	}
	return defaultValue
}
