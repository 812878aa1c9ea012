// Package notify reports batch completion to interested parties. The
// orchestration core calls a Notifier when every execution in a scheduler
// batch has reached a terminal state; what happens with the summary is the
// implementation's business.
package notify

import (
	"context"

	"go.uber.org/zap"

	"github.com/Kirby6A/scraper-cr/task"
)

// BatchSummary describes a completed batch.
type BatchSummary struct {
	BatchID   string `json:"batch_id"`
	Total     int    `json:"total"`
	Succeeded int    `json:"succeeded"`
	Failed    int    `json:"failed"`
}

// NewBatchSummary builds a summary from per-status counts.
func NewBatchSummary(batchID string, counts map[task.Status]int) BatchSummary {
	s := BatchSummary{
		BatchID:   batchID,
		Succeeded: counts[task.StatusSuccess],
		Failed:    counts[task.StatusFailed],
	}
	s.Total = s.Succeeded + s.Failed
	return s
}

// Notifier receives batch completion reports. Implementations must not
// block the caller for long; delivery failures are theirs to handle.
type Notifier interface {
	BatchComplete(ctx context.Context, summary BatchSummary) error
}

// LogNotifier reports batch completion to the structured log. The default
// when no external delivery channel is configured.
type LogNotifier struct {
	logger *zap.SugaredLogger
}

// NewLogNotifier creates a notifier writing to the given logger.
func NewLogNotifier(logger *zap.SugaredLogger) *LogNotifier {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &LogNotifier{logger: logger}
}

// BatchComplete logs the summary.
func (n *LogNotifier) BatchComplete(ctx context.Context, summary BatchSummary) error {
	n.logger.Infow("Batch complete",
		"batch_id", summary.BatchID,
		"total", summary.Total,
		"succeeded", summary.Succeeded,
		"failed", summary.Failed)
	return nil
}
