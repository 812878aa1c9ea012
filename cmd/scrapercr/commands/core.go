// Package commands implements the scrapercr CLI.
package commands

import (
	"database/sql"

	"github.com/Kirby6A/scraper-cr/broker"
	"github.com/Kirby6A/scraper-cr/config"
	"github.com/Kirby6A/scraper-cr/db"
	"github.com/Kirby6A/scraper-cr/dedup"
	"github.com/Kirby6A/scraper-cr/dispatch"
	"github.com/Kirby6A/scraper-cr/errors"
	"github.com/Kirby6A/scraper-cr/extract"
	"github.com/Kirby6A/scraper-cr/lifecycle"
	"github.com/Kirby6A/scraper-cr/logger"
	"github.com/Kirby6A/scraper-cr/notify"
	"github.com/Kirby6A/scraper-cr/runner"
	"github.com/Kirby6A/scraper-cr/task"
	"github.com/Kirby6A/scraper-cr/validate"
)

// core wires the orchestration components a command needs. Every command
// builds the same graph; which parts it exercises differs.
type core struct {
	cfg        *config.Config
	db         *sql.DB
	tasks      *task.Store
	executions *task.ExecutionStore
	broker     broker.Broker
	validator  *validate.Validator
	runner     *runner.Runner
	lifecycle  *lifecycle.Manager
	dispatcher *dispatch.Dispatcher
}

func openCore() (*core, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, errors.Wrap(err, "loading configuration")
	}

	log := logger.Logger
	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return nil, err
	}
	if err := db.Migrate(conn, log); err != nil {
		conn.Close()
		return nil, err
	}

	tasks := task.NewStore(conn, log)
	executions := task.NewExecutionStore(conn, log)

	b, err := broker.New(cfg.Broker, conn, log)
	if err != nil {
		conn.Close()
		return nil, err
	}

	validator := validate.New(cfg.Validator.Denylist, cfg.Validator.EntryPoint, log)
	capability := extract.NewSidecarCapability(cfg.Extractor.URL, cfg.Extractor.RequestTimeout, log)
	deduplicator := dedup.New(conn, log)

	r := runner.New(tasks, executions, capability, deduplicator, cfg.Runner, log)
	l := lifecycle.New(tasks, executions, b, r, validator,
		notify.NewLogNotifier(log), cfg.Retry, log)
	d := dispatch.New(tasks, executions, b, validator, r, l, log)

	return &core{
		cfg:        cfg,
		db:         conn,
		tasks:      tasks,
		executions: executions,
		broker:     b,
		validator:  validator,
		runner:     r,
		lifecycle:  l,
		dispatcher: d,
	}, nil
}

func (c *core) Close() {
	if err := c.broker.Close(); err != nil {
		logger.Logger.Warnw("Failed to close broker", "error", err)
	}
	if err := c.db.Close(); err != nil {
		logger.Logger.Warnw("Failed to close database", "error", err)
	}
}
