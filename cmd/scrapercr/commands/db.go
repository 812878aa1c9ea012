package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Kirby6A/scraper-cr/config"
	"github.com/Kirby6A/scraper-cr/db"
	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/logger"
)

// DbCmd groups database maintenance subcommands.
var DbCmd = &cobra.Command{
	Use:   "db",
	Short: "Manage the scraper-cr database",
}

var dbMigrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending schema migrations",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return errors.Wrap(err, "loading configuration")
		}

		conn, err := db.Open(cfg.Database.Path, logger.Logger)
		if err != nil {
			return err
		}
		defer conn.Close()

		if err := db.Migrate(conn, logger.Logger); err != nil {
			return err
		}
		fmt.Println("Migrations applied")
		return nil
	},
}

var dbStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show task and execution counts",
	RunE: func(cmd *cobra.Command, args []string) error {
		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		var tasks, active int
		if err := c.db.QueryRow(`SELECT COUNT(*), COALESCE(SUM(is_active), 0) FROM tasks`).
			Scan(&tasks, &active); err != nil {
			return errors.Wrap(err, "counting tasks")
		}
		fmt.Printf("Tasks:      %d (%d active)\n", tasks, active)

		rows, err := c.db.Query(`SELECT status, COUNT(*) FROM task_executions GROUP BY status ORDER BY status`)
		if err != nil {
			return errors.Wrap(err, "counting executions")
		}
		defer rows.Close()
		fmt.Println("Executions:")
		for rows.Next() {
			var status string
			var n int
			if err := rows.Scan(&status, &n); err != nil {
				return errors.Wrap(err, "scanning execution counts")
			}
			fmt.Printf("  %-8s %d\n", status, n)
		}
		if err := rows.Err(); err != nil {
			return err
		}

		var fingerprints int
		if err := c.db.QueryRow(`SELECT COUNT(*) FROM record_fingerprints`).
			Scan(&fingerprints); err != nil {
			return errors.Wrap(err, "counting fingerprints")
		}
		fmt.Printf("Distinct records seen: %d\n", fingerprints)

		var queued int
		if err := c.db.QueryRow(`SELECT COUNT(*) FROM work_items`).Scan(&queued); err == nil {
			fmt.Printf("Queued work items:     %d\n", queued)
		}
		return nil
	},
}

func init() {
	DbCmd.AddCommand(dbMigrateCmd)
	DbCmd.AddCommand(dbStatsCmd)
}
