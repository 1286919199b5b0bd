package commands

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/cardvault/internal/config"
	"github.com/tildaslashalef/cardvault/internal/database"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/utils"
)

// InitCommand returns the CLI command for initializing CardVault
func InitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Initialize or update the CardVault environment",
		Description: "Sets up the configuration directory and database schema. " +
			"Use this for first-time setup or to update the schema after upgrading.",
		Action: func(c *cli.Context) error {
			utils.PrintHeading("Initializing CardVault")

			homeDir, err := os.UserHomeDir()
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to get user home directory: %s", err))
				return fmt.Errorf("failed to get user home directory: %w", err)
			}

			configDir := filepath.Join(homeDir, ".cardvault")
			utils.PrintInfo("Configuration directory: " + configDir)

			utils.PrintInfo("Writing default configuration file")
			if err := config.SetupConfigDirectory(configDir); err != nil {
				utils.PrintWarning(fmt.Sprintf("Failed to set up configuration files: %s", err))
				// Not fatal, defaults still apply
			}

			configFilePath := filepath.Join(configDir, ".env")
			cfg, err := config.LoadFromEnv(configDir, configFilePath)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to load configuration: %s", err))
				return fmt.Errorf("failed to load configuration: %w", err)
			}

			logger := loggy.NewNoopLogger()
			db, err := database.Open(&cfg.Database, logger)
			if err != nil {
				utils.PrintError(fmt.Sprintf("Failed to open database: %s", err))
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer func() { _ = db.Close() }()

			utils.PrintInfo("Applying database migrations")
			if err := db.Migrate(); err != nil {
				utils.PrintError(fmt.Sprintf("Migration failed: %s", err))
				return fmt.Errorf("applying migrations: %w", err)
			}

			utils.PrintSuccess("CardVault is ready")
			utils.PrintInfo("Link your account with 'cardvault sync account link --token <token>'")
			return nil
		},
	}
}
