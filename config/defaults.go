package config

import (
	"time"

	"github.com/spf13/viper"
)

// SetDefaults configures default values for all configuration options
func SetDefaults(v *viper.Viper) {
	// Database defaults
	v.SetDefault("database.path", "scrapercr.db")

	// Broker defaults
	v.SetDefault("broker.kind", "sqlite")
	v.SetDefault("broker.redis_addr", "localhost:6379")
	v.SetDefault("broker.queue_key", "scrapercr:executions")

	// Validator defaults: empty denylist means the built-in one
	v.SetDefault("validator.denylist", []string{})
	v.SetDefault("validator.entry_point", "async def scrape_data")

	// Runner defaults: soft budget triggers cooperative cancellation,
	// hard budget forcibly tears the environment down
	v.SetDefault("runner.soft_timeout", 25*time.Second)
	v.SetDefault("runner.hard_timeout", 30*time.Second)
	v.SetDefault("runner.max_error_len", 2000)

	// Retry defaults
	v.SetDefault("retry.max_retries", 3)
	v.SetDefault("retry.backoff_base", 5*time.Second)
	v.SetDefault("retry.backoff_max", 5*time.Minute)

	// Worker defaults
	v.SetDefault("worker.workers", 2)
	v.SetDefault("worker.poll_interval", 2*time.Second)
	v.SetDefault("worker.runs_per_minute", 10) // polite toward extraction targets

	// Scheduler defaults
	v.SetDefault("scheduler.tick_interval", 1*time.Second)
	v.SetDefault("scheduler.busy_policy", "skip")

	// Extractor sidecar defaults
	v.SetDefault("extractor.url", "http://localhost:8820")
	v.SetDefault("extractor.request_timeout", 60*time.Second)
}
