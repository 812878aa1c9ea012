// Package config holds the scraper-cr core configuration.
package config

import "time"

// Config represents the core scraper-cr configuration
type Config struct {
	Database  DatabaseConfig  `mapstructure:"database"`
	Broker    BrokerConfig    `mapstructure:"broker"`
	Validator ValidatorConfig `mapstructure:"validator"`
	Runner    RunnerConfig    `mapstructure:"runner"`
	Retry     RetryConfig     `mapstructure:"retry"`
	Worker    WorkerConfig    `mapstructure:"worker"`
	Scheduler SchedulerConfig `mapstructure:"scheduler"`
	Extractor ExtractorConfig `mapstructure:"extractor"`
}

// DatabaseConfig configures the SQLite database
type DatabaseConfig struct {
	Path string `mapstructure:"path"`
}

// BrokerConfig selects and configures the work queue backing the dispatcher.
// "sqlite" keeps everything in the core database (single-node deployments);
// "redis" shares a list across worker processes.
type BrokerConfig struct {
	Kind      string `mapstructure:"kind"` // "sqlite" or "redis"
	RedisAddr string `mapstructure:"redis_addr"`
	QueueKey  string `mapstructure:"queue_key"`
}

// ValidatorConfig configures the pre-dispatch payload safety gate
type ValidatorConfig struct {
	Denylist   []string `mapstructure:"denylist"`    // empty = built-in defaults
	EntryPoint string   `mapstructure:"entry_point"` // required marker in the payload
}

// RunnerConfig bounds a single extraction run
type RunnerConfig struct {
	SoftTimeout time.Duration `mapstructure:"soft_timeout"` // cooperative cancellation signal
	HardTimeout time.Duration `mapstructure:"hard_timeout"` // forcible environment teardown
	MaxErrorLen int           `mapstructure:"max_error_len"`
}

// RetryConfig governs automatic replacement executions after retryable failures
type RetryConfig struct {
	MaxRetries  int           `mapstructure:"max_retries"`
	BackoffBase time.Duration `mapstructure:"backoff_base"`
	BackoffMax  time.Duration `mapstructure:"backoff_max"`
}

// WorkerConfig configures the queue consumer pool
type WorkerConfig struct {
	Workers       int           `mapstructure:"workers"`
	PollInterval  time.Duration `mapstructure:"poll_interval"`
	RunsPerMinute int           `mapstructure:"runs_per_minute"` // 0 = unlimited
}

// Busy policies for scheduled dispatch hitting an in-flight execution.
const (
	BusyPolicySkip  = "skip"  // drop this due period
	BusyPolicyDefer = "defer" // retry next tick without advancing the marker
)

// SchedulerConfig configures the recurrence ticker.
// BusyPolicy decides what a scheduled trigger does when an execution for the
// task is already in flight: "skip" drops this period, "defer" leaves
// last_scheduled_run untouched so the next tick retries.
type SchedulerConfig struct {
	TickInterval time.Duration `mapstructure:"tick_interval"`
	BusyPolicy   string        `mapstructure:"busy_policy"` // "skip" or "defer"
}

// ExtractorConfig locates the out-of-process extraction executor
type ExtractorConfig struct {
	URL            string        `mapstructure:"url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

// Backoff returns the delay before retry attempt n (1-based), doubling from
// BackoffBase and capped at BackoffMax.
func (r RetryConfig) Backoff(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	d := r.BackoffBase
	for i := 1; i < attempt; i++ {
		d *= 2
		if d >= r.BackoffMax {
			return r.BackoffMax
		}
	}
	if d > r.BackoffMax {
		return r.BackoffMax
	}
	return d
}
