package queue

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"docsync/internal/logging"
	"docsync/internal/model"
)

// dispatch order of event types within a batch
var typeOrder = []EventType{EventDelete, EventCreate, EventUpdate}

// Run dispatches batches until ctx is cancelled. Each batch waits for its
// first event, then collects up to MaxBatchSize events or until BatchTimeout
// elapses, and runs them on the worker pool before the next batch starts.
// A batch with busy events is followed by a BusyBackoff pause.
func (q *Queue) Run(ctx context.Context) error {
	q.logger.WithFields(logging.Fields{
		"workers":    q.opts.Workers,
		"max_batch":  q.opts.MaxBatchSize,
		"batch_wait": q.opts.BatchTimeout,
	}).Info("event queue started")

	for {
		batch, err := q.collect(ctx)
		busy := 0
		if len(batch) > 0 {
			busy = q.dispatch(ctx, batch)
		}
		if err == nil && busy > 0 {
			err = q.backoff(ctx)
		}
		if err != nil {
			q.logger.Info("event queue stopped")
			return err
		}
	}
}

// ProcessBatch runs one batch of whatever is pending without waiting and
// returns the number of events dispatched
func (q *Queue) ProcessBatch(ctx context.Context) int {
	batch := q.drain(q.opts.MaxBatchSize)
	if len(batch) > 0 {
		q.dispatch(ctx, batch)
	}
	return len(batch)
}

func (q *Queue) backoff(ctx context.Context) error {
	timer := time.NewTimer(q.opts.BusyBackoff)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (q *Queue) collect(ctx context.Context) ([]*PrioritizedEvent, error) {
	max := q.opts.MaxBatchSize

	batch := q.drain(max)
	for len(batch) == 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-q.notify:
			batch = q.drain(max)
		}
	}

	timer := time.NewTimer(q.opts.BatchTimeout)
	defer timer.Stop()

	for len(batch) < max {
		select {
		case <-ctx.Done():
			return batch, ctx.Err()
		case <-timer.C:
			return batch, nil
		case <-q.notify:
			batch = append(batch, q.drain(max-len(batch))...)
		}
	}
	return batch, nil
}

// dispatch runs a batch and returns how many events were deferred as busy
func (q *Queue) dispatch(ctx context.Context, batch []*PrioritizedEvent) int {
	groups := make(map[EventType][]*PrioritizedEvent)
	for _, pe := range batch {
		groups[pe.Type] = append(groups[pe.Type], pe)
	}

	q.logger.WithFields(logging.Fields{
		"events": len(batch),
		"groups": len(groups),
	}).Debug("dispatching batch")

	var (
		g    errgroup.Group
		busy atomic.Int32
	)
	g.SetLimit(q.opts.Workers)
	run := func(pe *PrioritizedEvent) func() error {
		return func() error {
			if q.handle(ctx, pe) {
				busy.Add(1)
			}
			return nil
		}
	}

	for _, t := range typeOrder {
		for _, pe := range groups[t] {
			g.Go(run(pe))
		}
		delete(groups, t)
	}
	// types outside typeOrder have no handler unless registered explicitly
	for _, rest := range groups {
		for _, pe := range rest {
			g.Go(run(pe))
		}
	}

	g.Wait()
	return int(busy.Load())
}

// handle runs one event and reports whether its handler was busy
func (q *Queue) handle(ctx context.Context, pe *PrioritizedEvent) (busy bool) {
	key := pe.Key()
	logger := q.logger.WithFields(logging.Fields{
		"tenant":  pe.TenantID,
		"path":    pe.Path,
		"type":    pe.Type,
		"attempt": pe.Attempts + 1,
	})

	q.mu.Lock()
	last, seen := q.lastSuccess[key]
	handler := q.handlers[pe.Type]
	if seen && pe.EnqueuedAt.Before(last) {
		q.stats.Stale++
		q.mu.Unlock()
		logger.Debug("skipping stale event")
		q.finish()
		return false
	}
	q.mu.Unlock()

	if handler == nil {
		q.fail(ctx, pe, fmt.Errorf("%w for %s events", ErrNoHandler, pe.Type), logger)
		q.finish()
		return false
	}

	started := q.clock.Now()
	hctx, cancel := context.WithTimeout(ctx, q.opts.HandlerTimeout)
	err := call(hctx, handler, pe.Event)
	cancel()

	if err == nil {
		q.mu.Lock()
		if started.After(q.lastSuccess[key]) {
			q.lastSuccess[key] = started
		}
		q.stats.Processed++
		q.mu.Unlock()
		logger.Debug("event processed")
		q.finish()
		return false
	}

	if ctx.Err() != nil {
		// shutting down: keep the event without charging an attempt
		q.requeue(pe)
		return false
	}

	if errors.Is(err, ErrBusy) {
		q.mu.Lock()
		q.stats.Deferred++
		q.mu.Unlock()
		logger.WithError(err).Debug("handler busy, event deferred")
		q.requeue(pe)
		return true
	}

	pe.Attempts++
	typ := model.Classify(err)
	if errors.Is(err, context.DeadlineExceeded) {
		typ = model.ErrTimeout
	}
	q.recordError(ctx, pe.Event, typ, err, pe.Attempts)

	if pe.Attempts >= q.opts.RetryCap {
		q.fail(ctx, pe, err, logger)
		q.finish()
		return false
	}

	logger.WithError(err).Warn("event failed, retrying at high priority")
	q.mu.Lock()
	q.stats.Retried++
	q.mu.Unlock()

	if pe.Priority < High {
		pe.Priority = High
	}
	q.requeue(pe)
	return false
}

// requeue puts an in-flight event back; it keeps the slot it already holds
func (q *Queue) requeue(pe *PrioritizedEvent) {
	q.mu.Lock()
	q.inFlight--
	q.mu.Unlock()
	q.push(pe)
}

// finish releases the slot of a completed event
func (q *Queue) finish() {
	q.mu.Lock()
	q.inFlight--
	if q.inFlight == 0 && q.events.Len() == 0 {
		// nothing older than a recorded success can still arrive
		clear(q.lastSuccess)
	}
	q.mu.Unlock()
	<-q.slots
}

func (q *Queue) fail(ctx context.Context, pe *PrioritizedEvent, err error, logger *logging.Logger) {
	q.mu.Lock()
	q.failures = append(q.failures, FailedEvent{
		Event:    pe.Event,
		Attempts: pe.Attempts,
		Err:      err.Error(),
		FailedAt: q.clock.Now(),
	})
	q.stats.Dropped++
	q.mu.Unlock()

	if errors.Is(err, ErrNoHandler) {
		q.recordError(ctx, pe.Event, model.ErrInternal, err, pe.Attempts)
	}
	logger.WithError(err).Error("event permanently failed")
}

// call runs h, converting a panic into an error
func call(ctx context.Context, h Handler, ev Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return h(ctx, ev)
}
