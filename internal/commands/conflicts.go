package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/cardvault/internal/app"
	"github.com/tildaslashalef/cardvault/internal/conflict"
	"github.com/tildaslashalef/cardvault/internal/utils"
)

// ConflictsCommand returns the CLI command for inspecting and resolving sync conflicts
func ConflictsCommand() *cli.Command {
	return &cli.Command{
		Name:        "conflicts",
		Usage:       "Inspect and resolve sync conflicts",
		Description: "List pending conflicts between local and server versions, and resolve them",
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List pending conflicts",
				Action: conflictListAction,
			},
			{
				Name:  "history",
				Usage: "Show settled conflicts",
				Flags: []cli.Flag{
					&cli.IntFlag{
						Name:  "limit",
						Usage: "Number of conflicts to show",
						Value: 20,
					},
				},
				Action: conflictHistoryAction,
			},
			{
				Name:      "show",
				Usage:     "Show a conflict with both versions and the suggested resolution",
				ArgsUsage: "<conflict-id>",
				Action:    conflictShowAction,
			},
			{
				Name:      "resolve",
				Usage:     "Resolve a conflict",
				ArgsUsage: "<conflict-id>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "choice",
						Usage: "Resolution choice: keep_local, keep_remote, or merge",
					},
					&cli.StringFlag{
						Name:  "payload",
						Usage: "Resolve with an explicit JSON document instead of either version",
					},
					&cli.StringFlag{
						Name:  "payload-file",
						Usage: "Like --payload, but read the document from a file",
					},
				},
				Action: conflictResolveAction,
			},
			{
				Name:      "ignore",
				Usage:     "Ignore a conflict, keeping the local version untouched",
				ArgsUsage: "<conflict-id>",
				Action:    conflictIgnoreAction,
			},
			{
				Name:        "auto",
				Usage:       "Auto-resolve high-confidence conflicts",
				Description: "Apply suggested resolutions whose confidence clears the configured threshold",
				Action:      conflictAutoAction,
			},
		},
	}
}

func conflictListAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	pending, err := application.ConflictRepo.ListPending(c.Context)
	if err != nil {
		return fmt.Errorf("listing conflicts: %w", err)
	}

	if len(pending) == 0 {
		utils.PrintSuccess("No pending conflicts")
		return nil
	}

	rows := make([][]string, 0, len(pending))
	for _, cf := range pending {
		suggestion, err := application.Conflicts.Suggest(cf)
		suggested := "-"
		if err == nil {
			suggested = fmt.Sprintf("%s (%.0f%%)", suggestion.Choice, suggestion.Confidence*100)
		}
		rows = append(rows, []string{
			cf.ID,
			string(cf.EntityKind),
			utils.Truncate(cf.EntityID, 32),
			colorSeverity(cf.Severity),
			formatFields(cf.ConflictingFields),
			suggested,
		})
	}

	utils.PrintTable("Pending Conflicts",
		[]string{"ID", "Kind", "Entity", "Severity", "Fields", "Suggested"}, rows)
	utils.PrintInfo("Use 'cardvault conflicts show <id>' to inspect, or 'resolve <id> --choice <c>'")
	return nil
}

func conflictHistoryAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	history, err := application.ConflictRepo.ListHistory(c.Context, c.Int("limit"))
	if err != nil {
		return fmt.Errorf("listing conflict history: %w", err)
	}

	if len(history) == 0 {
		utils.PrintInfo("No settled conflicts")
		return nil
	}

	rows := make([][]string, 0, len(history))
	for _, cf := range history {
		resolvedAt := "-"
		if cf.ResolvedAt != nil {
			resolvedAt = cf.ResolvedAt.Local().Format("2006-01-02 15:04:05")
		}
		rows = append(rows, []string{
			cf.ID,
			string(cf.EntityKind),
			utils.Truncate(cf.EntityID, 32),
			string(cf.Status),
			string(cf.Resolution),
			resolvedAt,
		})
	}

	utils.PrintTable("Conflict History",
		[]string{"ID", "Kind", "Entity", "Status", "Resolution", "Settled"}, rows)
	return nil
}

func conflictShowAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("conflict id is required")
	}

	cf, err := application.ConflictRepo.GetByID(c.Context, id)
	if err != nil {
		return fmt.Errorf("fetching conflict: %w", err)
	}

	utils.PrintHeading("Conflict " + cf.ID)
	utils.PrintKeyValue("Entity", fmt.Sprintf("%s %s", cf.EntityKind, cf.EntityID))
	utils.PrintKeyValue("Severity", colorSeverity(cf.Severity))
	utils.PrintKeyValue("Status", string(cf.Status))
	utils.PrintKeyValue("Fields", formatFields(cf.ConflictingFields))
	utils.PrintKeyValue("Detected", cf.DetectedAt.Local().Format("2006-01-02 15:04:05"))

	fmt.Println()
	utils.PrintHeading("Local version")
	fmt.Println(string(cf.LocalVersion))
	fmt.Println()
	utils.PrintHeading("Remote version")
	fmt.Println(string(cf.RemoteVersion))

	if cf.Status == conflict.StatusPending {
		suggestion, err := application.Conflicts.Suggest(cf)
		if err == nil {
			fmt.Println()
			utils.PrintHeading("Suggested resolution")
			utils.PrintKeyValue("Choice", string(suggestion.Choice))
			utils.PrintKeyValue("Confidence", fmt.Sprintf("%.0f%%", suggestion.Confidence*100))
			utils.PrintKeyValue("Reason", suggestion.Reason)
		}
	}

	return nil
}

func conflictResolveAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("conflict id is required")
	}

	payload := json.RawMessage(c.String("payload"))
	if path := c.String("payload-file"); path != "" {
		if len(payload) > 0 {
			return fmt.Errorf("--payload and --payload-file are mutually exclusive")
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("reading payload file: %w", err)
		}
		payload = data
	}

	if len(payload) > 0 {
		if c.String("choice") != "" {
			return fmt.Errorf("--choice and an explicit payload are mutually exclusive")
		}
		if !json.Valid(payload) {
			return fmt.Errorf("payload is not valid JSON")
		}
		if err := application.Conflicts.ResolveWith(c.Context, id, payload); err != nil {
			return fmt.Errorf("resolving conflict: %w", err)
		}
		utils.PrintSuccess(fmt.Sprintf("Conflict %s resolved with the supplied version", id))
		return nil
	}

	choice := conflict.Choice(strings.ToLower(c.String("choice")))
	switch choice {
	case conflict.ChoiceKeepLocal, conflict.ChoiceKeepRemote, conflict.ChoiceMerge:
	default:
		return fmt.Errorf("invalid choice %q: must be keep_local, keep_remote, or merge, or pass --payload", c.String("choice"))
	}

	if err := application.Conflicts.Resolve(c.Context, id, choice); err != nil {
		return fmt.Errorf("resolving conflict: %w", err)
	}

	utils.PrintSuccess(fmt.Sprintf("Conflict %s resolved with %s", id, choice))
	return nil
}

func conflictIgnoreAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	id := c.Args().First()
	if id == "" {
		return fmt.Errorf("conflict id is required")
	}

	if err := application.Conflicts.Ignore(c.Context, id); err != nil {
		return fmt.Errorf("ignoring conflict: %w", err)
	}

	utils.PrintSuccess(fmt.Sprintf("Conflict %s ignored, local version kept", id))
	return nil
}

func conflictAutoAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	resolved, err := application.Conflicts.AutoResolve(c.Context)
	if err != nil {
		return fmt.Errorf("auto-resolving conflicts: %w", err)
	}

	if resolved == 0 {
		utils.PrintInfo("No conflicts cleared the confidence threshold")
		return nil
	}

	utils.PrintSuccess(strconv.Itoa(resolved) + " conflicts auto-resolved")
	return nil
}

func colorSeverity(s conflict.Severity) string {
	switch s {
	case conflict.SeverityCritical:
		return utils.Theme.Error.Sprint(string(s))
	case conflict.SeverityHigh:
		return utils.Theme.Warning.Sprint(string(s))
	case conflict.SeverityMedium:
		return utils.Theme.Info.Sprint(string(s))
	default:
		return string(s)
	}
}

func formatFields(fields []string) string {
	if len(fields) == 0 {
		return "-"
	}
	return strings.Join(fields, ", ")
}
