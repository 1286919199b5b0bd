package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"github.com/tildaslashalef/cardvault/internal/app"
	"github.com/tildaslashalef/cardvault/internal/batch"
	"github.com/tildaslashalef/cardvault/internal/queue"
	"github.com/tildaslashalef/cardvault/internal/store"
	"github.com/tildaslashalef/cardvault/internal/utils"
)

// CardsCommand returns the CLI command for bulk card operations
func CardsCommand() *cli.Command {
	return &cli.Command{
		Name:        "cards",
		Usage:       "Bulk card operations",
		Description: "Import, update, and delete knowledge cards in validated batches",
		Subcommands: []*cli.Command{
			{
				Name:        "import",
				Usage:       "Import cards from a JSON file",
				ArgsUsage:   "<file>",
				Description: "Read a JSON array of cards and create them in batches",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:  "priority",
						Usage: "Queue priority for the resulting sync operations: high, normal, or low",
						Value: string(queue.PriorityNormal),
					},
				},
				Action: cardImportAction,
			},
			{
				Name:      "delete",
				Usage:     "Delete cards by id",
				ArgsUsage: "<id> [<id>...]",
				Action:    cardDeleteAction,
			},
			{
				Name:        "stats",
				Usage:       "Show batch and queue statistics",
				Description: "Display batch throughput metrics and the state of the operation queue",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  "reset",
						Usage: "Reset batch metrics after printing",
					},
				},
				Action: cardStatsAction,
			},
		},
	}
}

func cardImportAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	path := c.Args().First()
	if path == "" {
		return fmt.Errorf("file path is required")
	}

	priority := queue.Priority(c.String("priority"))
	if !priority.Valid() {
		return fmt.Errorf("invalid priority %q: must be high, normal, or low", c.String("priority"))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("reading %s: %w", path, err)
	}

	var cards []*store.Card
	if err := json.Unmarshal(data, &cards); err != nil {
		return fmt.Errorf("parsing %s: %w", path, err)
	}
	if len(cards) == 0 {
		utils.PrintInfo("Nothing to import")
		return nil
	}

	utils.PrintInfo(fmt.Sprintf("Importing %d cards", len(cards)))

	result, err := application.Batch.BulkCreateCards(c.Context, cards, priority)
	if err != nil {
		return fmt.Errorf("importing cards: %w", err)
	}

	printBatchResult(result)
	return nil
}

func cardDeleteAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	ids := c.Args().Slice()
	if len(ids) == 0 {
		return fmt.Errorf("at least one card id is required")
	}

	result, err := application.Batch.BulkDeleteCards(c.Context, ids)
	if err != nil {
		return fmt.Errorf("deleting cards: %w", err)
	}

	printBatchResult(result)
	return nil
}

func cardStatsAction(c *cli.Context) error {
	application, err := app.FromContext(c)
	if err != nil {
		return err
	}

	metrics := application.Batch.GetMetrics()
	utils.PrintHeading("Batch Metrics")
	utils.PrintKeyValue("Operations", strconv.FormatInt(metrics.TotalOperations, 10))
	utils.PrintKeyValue("Succeeded", strconv.FormatInt(metrics.Succeeded, 10))
	utils.PrintKeyValue("Failed", strconv.FormatInt(metrics.Failed, 10))
	utils.PrintKeyValue("Dropped", strconv.FormatInt(metrics.Dropped, 10))
	utils.PrintKeyValue("Batches", strconv.FormatInt(metrics.Batches, 10))
	utils.PrintKeyValue("Avg batch time", utils.FormatDuration(metrics.AvgBatchTime))
	utils.PrintKeyValue("Retry rate", fmt.Sprintf("%.2f", metrics.RetryRate))
	utils.PrintKeyValue("Throughput", fmt.Sprintf("%.1f ops/s", metrics.Throughput))

	stats, err := application.Queue.GetStats(c.Context)
	if err != nil {
		return fmt.Errorf("getting queue stats: %w", err)
	}

	fmt.Println()
	utils.PrintHeading("Operation Queue")
	utils.PrintKeyValue("Total", strconv.Itoa(stats.Total))
	utils.PrintKeyValue("Ready", strconv.Itoa(stats.Ready))
	for _, p := range []queue.Priority{queue.PriorityHigh, queue.PriorityNormal, queue.PriorityLow} {
		if n := stats.ByPriority[p]; n > 0 {
			utils.PrintKeyValue("  "+string(p), strconv.Itoa(n))
		}
	}

	if c.Bool("reset") {
		application.Batch.ResetMetrics()
		utils.PrintInfo("Batch metrics reset")
	}

	return nil
}

func printBatchResult(r *batch.Result) {
	if r.Failed == 0 && r.Dropped == 0 {
		utils.PrintSuccess(fmt.Sprintf("%d operations applied (batch %s)", r.Succeeded, r.BatchID))
		return
	}

	utils.PrintWarning(fmt.Sprintf("Batch %s finished with issues", r.BatchID))
	utils.PrintKeyValue("Succeeded", strconv.Itoa(r.Succeeded))
	utils.PrintKeyValue("Failed", strconv.Itoa(r.Failed))
	utils.PrintKeyValue("Dropped", strconv.Itoa(r.Dropped))
}
