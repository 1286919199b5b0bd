package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// defaultEnvFile is the annotated configuration written on first init.
// Values are commented out so the documented defaults stay in effect.
const defaultEnvFile = `# CardVault configuration
# Uncomment and edit values to override the defaults.

# --- Database ---
# CARDVAULT_DB_PATH=~/.cardvault/cardvault.db
# CARDVAULT_DB_BUSY_TIMEOUT=5000
# CARDVAULT_DB_JOURNAL_MODE=WAL
# CARDVAULT_DB_SYNCHRONOUS_MODE=NORMAL

# --- Logging ---
# CARDVAULT_LOG_LEVEL=info
# CARDVAULT_LOG_FORMAT=text
# CARDVAULT_LOG_OUTPUT=~/.cardvault/cardvault.log

# --- Remote server ---
# CARDVAULT_REMOTE_URL=http://localhost:3000
# CARDVAULT_REMOTE_TIMEOUT=30s
# CARDVAULT_REMOTE_REQUESTS_PER_SECOND=20

# --- Connection pool ---
# CARDVAULT_POOL_MAX_CONNECTIONS=5
# CARDVAULT_POOL_MIN_CONNECTIONS=2
# CARDVAULT_POOL_ACQUIRE_TIMEOUT=15s
# CARDVAULT_POOL_HEALTH_CHECK_INTERVAL=30s

# --- Batch processing ---
# CARDVAULT_BATCH_SIZE=50
# CARDVAULT_BATCH_MAX_CONCURRENT=4
# CARDVAULT_BATCH_RETRY_STRATEGY=exponential

# --- Sync ---
# CARDVAULT_SYNC_INTERVAL=1m
# CARDVAULT_SYNC_DRAIN_LIMIT=200
# CARDVAULT_SYNC_AUTO_RESOLVE=true

# --- Conflict resolution ---
# CARDVAULT_CONFLICT_MERGE_SIMILARITY=0.8
# CARDVAULT_CONFLICT_AUTO_RESOLVE_CONFIDENCE=0.7
`

// SetupConfigDirectory creates the config directory and writes the default
// .env file. An existing .env is backed up with a dated suffix first.
func SetupConfigDirectory(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	envPath := filepath.Join(configDir, ".env")
	if _, err := os.Stat(envPath); err == nil {
		backup := envPath + "." + time.Now().Format("20060102-150405") + ".bak"
		if err := os.Rename(envPath, backup); err != nil {
			return fmt.Errorf("failed to back up existing .env: %w", err)
		}
	}

	if err := os.WriteFile(envPath, []byte(defaultEnvFile), 0644); err != nil {
		return fmt.Errorf("failed to write default .env: %w", err)
	}

	return nil
}
