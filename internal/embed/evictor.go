package embed

import (
	"context"
	"time"

	"docsync/internal/logging"
)

// Evictor periodically unloads idle models
type Evictor struct {
	engine   *Engine
	interval time.Duration
	logger   *logging.Logger
}

// NewEvictor creates an Evictor for engine ticking every interval
func NewEvictor(engine *Engine, interval time.Duration, logger *logging.Logger) *Evictor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &Evictor{engine: engine, interval: interval, logger: logger}
}

// Run evicts on every tick until ctx is cancelled
func (v *Evictor) Run(ctx context.Context) {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()

	v.logger.WithContext("interval", v.interval.String()).Debug("evictor started")
	for {
		select {
		case <-ctx.Done():
			v.logger.Debug("evictor stopped")
			return
		case <-ticker.C:
			v.Step(v.engine.clock.Now())
		}
	}
}

// Step runs one eviction pass as of now and returns the evicted model ids
func (v *Evictor) Step(now time.Time) []string {
	evicted := v.engine.evictIdle(now)
	if len(evicted) > 0 {
		v.logger.WithContext("models", evicted).Info("evicted idle models")
	}
	return evicted
}
