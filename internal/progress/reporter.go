package progress

import (
	"context"

	"docsync/internal/logging"
	"docsync/internal/model"
)

// Reporter receives task lifecycle events
type Reporter interface {
	TaskStarted(ctx context.Context, ev model.TaskEvent)
	TaskFinished(ctx context.Context, ev model.TaskEvent)
}

// LogReporter writes task events to a logger
type LogReporter struct {
	logger *logging.Logger
}

// NewLogReporter returns a reporter logging through logger
func NewLogReporter(logger *logging.Logger) *LogReporter {
	return &LogReporter{logger: logger}
}

func (r *LogReporter) TaskStarted(_ context.Context, ev model.TaskEvent) {
	r.logger.WithFields(logging.Fields{
		"kind":   ev.Kind,
		"tenant": ev.TenantID,
		"run":    ev.RunID,
		"path":   ev.Path,
	}).Debug("task started")
}

func (r *LogReporter) TaskFinished(_ context.Context, ev model.TaskEvent) {
	logger := r.logger.WithFields(logging.Fields{
		"kind":      ev.Kind,
		"tenant":    ev.TenantID,
		"run":       ev.RunID,
		"processed": ev.Processed,
		"failed":    ev.Failed,
		"skipped":   ev.Skipped,
		"deleted":   ev.Deleted,
		"chunks":    ev.ChunksCreated,
		"duration":  ev.Duration,
	})
	switch {
	case ev.Error != "":
		logger.WithContext("error", ev.Error).Warn("task finished with error")
	case ev.Conflict:
		logger.Info("task skipped: another sync is running")
	default:
		logger.Info("task finished")
	}
}

// Fanout forwards every event to each reporter in order
type Fanout []Reporter

func (f Fanout) TaskStarted(ctx context.Context, ev model.TaskEvent) {
	for _, r := range f {
		r.TaskStarted(ctx, ev)
	}
}

func (f Fanout) TaskFinished(ctx context.Context, ev model.TaskEvent) {
	for _, r := range f {
		r.TaskFinished(ctx, ev)
	}
}
