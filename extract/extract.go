// Package extract defines the boundary to the isolated extraction
// environments that actually run task payloads. The orchestration core never
// executes payload code in-process; it hands the payload to an acquired
// environment and consumes a typed result.
package extract

import (
	"context"

	"github.com/Kirby6A/scraper-cr/task"
)

// Environment is one isolated execution context. Run executes the payload's
// entrypoint and returns the extracted records. Close releases the
// environment's resources; it must be safe to call after a failed or
// cancelled Run, and forcing teardown mid-run is how cancellation reaches
// the payload.
type Environment interface {
	Run(ctx context.Context, payload string) ([]task.Record, error)
	Close() error
}

// Capability provisions extraction environments. Acquire blocks until an
// environment is available or ctx is done.
type Capability interface {
	Acquire(ctx context.Context) (Environment, error)
}
