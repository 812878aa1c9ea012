package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Kirby6A/scraper-cr/cmd/scrapercr/commands"
	"github.com/Kirby6A/scraper-cr/logger"
)

var rootCmd = &cobra.Command{
	Use:   "scrapercr",
	Short: "scraper-cr - extraction task orchestration",
	Long: `scraper-cr orchestrates user-defined data extraction tasks: validated
payloads run in isolated extraction environments on demand or on a cron
schedule, with automatic retries, per-task result deduplication, and a full
append-only execution history.

Examples:
  scrapercr serve                          # Run the worker pool and scheduler
  scrapercr tasks add --name products \
      --payload-file scrape_products.py    # Register a task
  scrapercr dispatch <task-id>             # Queue an execution
  scrapercr dispatch <task-id> --sync      # Run inline for diagnostics
  scrapercr tasks ls                       # List tasks
  scrapercr db migrate                     # Apply schema migrations`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		jsonOutput, _ := cmd.Flags().GetBool("json-logs")
		verbose, _ := cmd.Flags().GetCount("verbose")
		if err := logger.Initialize(jsonOutput, verbose > 0); err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().CountP("verbose", "v", "Increase output verbosity")
	rootCmd.PersistentFlags().Bool("json-logs", false, "Emit structured JSON logs")

	rootCmd.AddCommand(commands.ServeCmd)
	rootCmd.AddCommand(commands.DispatchCmd)
	rootCmd.AddCommand(commands.CancelCmd)
	rootCmd.AddCommand(commands.TasksCmd)
	rootCmd.AddCommand(commands.DbCmd)
}

func main() {
	defer logger.Sync()
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}
