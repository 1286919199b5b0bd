package commands

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/cardvault/internal/app"
	"github.com/tildaslashalef/cardvault/internal/conflict"
	"github.com/tildaslashalef/cardvault/internal/loggy"
	"github.com/tildaslashalef/cardvault/internal/sync"
	"github.com/tildaslashalef/cardvault/internal/utils"
)

// SyncCommand returns the CLI command for syncing data to the server
func SyncCommand() *cli.Command {
	return &cli.Command{
		Name:        "sync",
		Usage:       "Sync local data with the CardVault server",
		Description: "Push queued card, folder, tag, and image changes to the CardVault server",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "force",
				Usage: "Run even when background syncing is paused",
				Value: false,
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:        "account",
				Usage:       "Manage server account connection",
				Description: "Link or unlink this device with your CardVault account",
				Subcommands: []*cli.Command{
					{
						Name:  "link",
						Usage: "Link to a CardVault account",
						Flags: []cli.Flag{
							&cli.StringFlag{
								Name:     "token",
								Usage:    "Personal access token from the web interface",
								Required: true,
							},
							&cli.StringFlag{
								Name:  "name",
								Usage: "A name for this device (e.g., 'Work Laptop')",
							},
						},
						Action: linkAccountAction,
					},
					{
						Name:   "unlink",
						Usage:  "Unlink from the CardVault account",
						Action: unlinkAccountAction,
					},
					{
						Name:   "status",
						Usage:  "Check account connection status",
						Action: accountStatusAction,
					},
				},
			},
			{
				Name:        "status",
				Usage:       "Show sync status",
				Description: "Display the orchestrator state, pending work, and the last sync result",
				Action:      syncStatusAction,
			},
			{
				Name:  "logs",
				Usage: "Show recent sync runs",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of runs to show",
						Value: 10,
					},
				},
				Action: syncLogsAction,
			},
			{
				Name:        "watch",
				Usage:       "Run the background sync loop",
				Description: "Keep syncing on the configured interval until interrupted",
				Action:      syncWatchAction,
			},
		},
		Action: syncAction,
	}
}

// syncAction runs a single manual sync pass
func syncAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	if !application.Sync.IsConfigured(ctx) {
		return fmt.Errorf("sync is not configured. Use 'cardvault sync account link --token <token>' first")
	}

	force := c.Bool("force")
	loggy.Info("Starting manual sync", "force", force)

	unsub := application.Sync.OnProgress(func(p sync.Progress) {
		fmt.Printf("\r%s", utils.Theme.Subtle.Sprintf("syncing %d/%d operations", p.Completed, p.Total))
	})
	defer unsub()

	var result *sync.Result
	if force {
		result, err = application.Sync.ForceSync(ctx)
	} else {
		result, err = application.Sync.Sync(ctx, sync.SyncTypeManual)
	}
	fmt.Println()

	if err != nil {
		utils.PrintError(fmt.Sprintf("Sync failed: %s", err))
		return err
	}

	printSyncResult(result)
	return nil
}

func printSyncResult(r *sync.Result) {
	if r.Success {
		utils.PrintSuccess(fmt.Sprintf("Sync completed in %s", utils.FormatDuration(r.Duration)))
	} else {
		utils.PrintWarning("Sync finished with errors: " + r.ErrorMessage)
	}

	utils.PrintKeyValue("Pushed", strconv.Itoa(r.Pushed))
	if r.Failed > 0 {
		utils.PrintKeyValue("Failed", strconv.Itoa(r.Failed))
	}
	if r.Conflicts > 0 {
		utils.PrintKeyValue("Conflicts", strconv.Itoa(r.Conflicts))
		if r.AutoResolved > 0 {
			utils.PrintKeyValue("Auto-resolved", strconv.Itoa(r.AutoResolved))
		}
		utils.PrintInfo("Run 'cardvault conflicts list' to review pending conflicts")
	}
}

// linkAccountAction handles linking this device to a web account
func linkAccountAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	token := c.String("token")
	if token == "" {
		return fmt.Errorf("token is required")
	}

	deviceName := c.String("name")
	if deviceName == "" {
		deviceName = utils.GenerateDeviceName()
	}

	if err := application.Sync.SetToken(ctx, token); err != nil {
		return fmt.Errorf("saving token: %w", err)
	}
	if err := application.Sync.SetDeviceName(ctx, deviceName); err != nil {
		return fmt.Errorf("saving device name: %w", err)
	}
	application.Remote.SetToken(token)

	utils.PrintSuccess("Linked to CardVault account")
	utils.PrintKeyValue("Device", deviceName)
	return nil
}

// unlinkAccountAction removes the stored account connection
func unlinkAccountAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	if err := application.Sync.Unlink(c.Context); err != nil {
		return fmt.Errorf("unlinking account: %w", err)
	}
	application.Remote.SetToken("")

	utils.PrintSuccess("Unlinked from CardVault account")
	return nil
}

// accountStatusAction shows whether this device is linked
func accountStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	if !application.Sync.IsConfigured(ctx) {
		utils.PrintInfo("Not linked. Use 'cardvault sync account link --token <token>' to connect")
		return nil
	}

	deviceName, err := application.Sync.DeviceName(ctx)
	if err != nil {
		return fmt.Errorf("reading device name: %w", err)
	}

	utils.PrintSuccess("Linked to CardVault account")
	if deviceName != "" {
		utils.PrintKeyValue("Device", deviceName)
	}
	utils.PrintKeyValue("Server", application.Config.Remote.URL)
	return nil
}

// syncStatusAction shows the orchestrator state and pending work
func syncStatusAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	status, err := application.Sync.GetStatus(c.Context)
	if err != nil {
		return fmt.Errorf("getting sync status: %w", err)
	}

	utils.PrintHeading("Sync Status")
	utils.PrintKeyValue("State", string(status.State))
	utils.PrintKeyValue("Pending operations", strconv.Itoa(status.PendingOps))
	utils.PrintKeyValue("Pending conflicts", strconv.Itoa(status.PendingConflicts))

	if status.LastSyncAt != nil {
		utils.PrintKeyValue("Last synced", status.LastSyncAt.Local().Format(time.RFC1123))
	} else {
		utils.PrintKeyValue("Last synced", "never")
	}

	if status.LastResult != nil {
		fmt.Println()
		printSyncResult(status.LastResult)
	}

	return nil
}

// syncLogsAction lists recent sync runs
func syncLogsAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	limit := c.Int("limit")
	logs, err := application.Sync.History(c.Context, limit)
	if err != nil {
		return fmt.Errorf("fetching sync history: %w", err)
	}

	if len(logs) == 0 {
		utils.PrintInfo("No sync runs recorded yet")
		return nil
	}

	rows := make([][]string, 0, len(logs))
	for _, log := range logs {
		outcome := utils.Theme.Success.Sprint("ok")
		detail := strconv.Itoa(log.ItemsSynced) + " items"
		if !log.Success {
			outcome = utils.Theme.Error.Sprint(string(log.ErrorType))
			detail = utils.Truncate(log.ErrorMessage, 48)
		}
		rows = append(rows, []string{
			log.StartedAt.Local().Format("2006-01-02 15:04:05"),
			string(log.SyncType),
			outcome,
			detail,
			utils.FormatDuration(log.CompletedAt.Sub(log.StartedAt)),
		})
	}

	utils.PrintTable("Sync Runs", []string{"Started", "Type", "Outcome", "Detail", "Duration"}, rows)
	return nil
}

// syncWatchAction runs the background sync loop until interrupted
func syncWatchAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ctx := c.Context
	if !application.Sync.IsConfigured(ctx) {
		return fmt.Errorf("sync is not configured. Use 'cardvault sync account link --token <token>' first")
	}

	unsubStatus := application.Sync.OnStatusChange(func(s sync.Status) {
		if s.LastResult != nil && s.State == sync.StateIdle {
			fmt.Printf("%s pushed=%d conflicts=%d pending=%d\n",
				utils.Theme.Subtle.Sprint(time.Now().Format("15:04:05")),
				s.LastResult.Pushed, s.LastResult.Conflicts, s.PendingOps)
		}
	})
	defer unsubStatus()

	unsubConflict := application.Sync.OnConflict(func(cf *conflict.Conflict) {
		utils.PrintWarning(fmt.Sprintf("Conflict detected on %s %s (%s)",
			cf.EntityKind, cf.EntityID, cf.Severity))
	})
	defer unsubConflict()

	application.Sync.Start()
	defer application.Sync.Stop()

	utils.PrintInfo(fmt.Sprintf("Watching for changes, syncing every %s. Press Ctrl+C to stop.",
		application.Config.Sync.Interval))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	select {
	case <-sig:
	case <-ctx.Done():
	}

	fmt.Println()
	utils.PrintInfo("Stopping background sync")
	return nil
}
