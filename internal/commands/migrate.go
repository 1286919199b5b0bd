package commands

import (
	"fmt"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/cardvault/internal/app"
	"github.com/tildaslashalef/cardvault/internal/utils"
)

// MigrateCommand returns the CLI command for managing database migrations
func MigrateCommand() *cli.Command {
	return &cli.Command{
		Name:        "migrate",
		Usage:       "Manage database migrations",
		Description: "Apply or roll back schema migrations on the local database",
		Subcommands: []*cli.Command{
			{
				Name:   "up",
				Usage:  "Apply all pending migrations",
				Action: migrateUpAction,
			},
			{
				Name:  "down",
				Usage: "Roll back migrations",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "steps",
						Usage: "Number of migrations to roll back",
						Value: 1,
					},
				},
				Action: migrateDownAction,
			},
		},
	}
}

func migrateUpAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	utils.PrintInfo("Applying pending migrations")
	if err := application.DB.Migrate(); err != nil {
		utils.PrintError(fmt.Sprintf("Migration failed: %s", err))
		return fmt.Errorf("applying migrations: %w", err)
	}

	utils.PrintSuccess("Database schema is up to date")
	return nil
}

func migrateDownAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	steps := c.Int("steps")
	if steps <= 0 {
		return fmt.Errorf("steps must be positive")
	}

	utils.PrintWarning(fmt.Sprintf("Rolling back %d migration(s)", steps))
	if err := application.DB.MigrateDown(steps); err != nil {
		utils.PrintError(fmt.Sprintf("Rollback failed: %s", err))
		return fmt.Errorf("rolling back migrations: %w", err)
	}

	utils.PrintSuccess("Rollback complete")
	return nil
}
