package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/Kirby6A/scraper-cr/logger"
	"github.com/Kirby6A/scraper-cr/schedule"
	"github.com/Kirby6A/scraper-cr/worker"
)

// ServeCmd runs the long-lived daemon: worker pool plus scheduler.
var ServeCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker pool and cron scheduler",
	Long: `Runs the scraper-cr daemon: recovers executions orphaned by a previous
crash, starts the worker pool draining the queue, and starts the scheduler
dispatching cron-due tasks. Stops cleanly on SIGINT/SIGTERM.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(context.Background(),
			syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		c, err := openCore()
		if err != nil {
			return err
		}
		defer c.Close()

		pool := worker.New(ctx, c.broker, c.runner, c.lifecycle, c.cfg.Worker, logger.Logger)
		ticker := schedule.NewTicker(ctx, c.tasks, c.dispatcher, nil, c.cfg.Scheduler, logger.Logger)

		pool.Start()
		ticker.Start()
		logger.Logger.Infow("scraper-cr serving",
			"database", c.cfg.Database.Path,
			"broker", c.cfg.Broker.Kind,
			"workers", c.cfg.Worker.Workers,
			"extractor", c.cfg.Extractor.URL)

		<-ctx.Done()
		logger.Logger.Infow("Shutting down")
		ticker.Stop()
		pool.Stop()
		return nil
	},
}
