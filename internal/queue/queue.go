package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docsync/internal/clock"
	"docsync/internal/logging"
	"docsync/internal/model"
)

var (
	// ErrQueueFull is returned when no slot frees up within the enqueue timeout
	ErrQueueFull = errors.New("event queue full")
	// ErrNoHandler marks events whose type has no registered handler
	ErrNoHandler = errors.New("no handler registered")
	// ErrBusy is returned by a handler that cannot run yet. The event is
	// requeued without charging an attempt.
	ErrBusy = errors.New("handler busy")
)

// Handler applies one event
type Handler func(ctx context.Context, ev Event) error

// ErrorRecorder receives failures for the folder an event belongs to
type ErrorRecorder interface {
	RecordError(ctx context.Context, tenantID, folder string, se model.SyncError) error
}

// Options configures a Queue
type Options struct {
	Capacity       int
	EnqueueTimeout time.Duration
	MaxBatchSize   int
	BatchTimeout   time.Duration
	Workers        int
	HandlerTimeout time.Duration
	RetryCap       int
	BusyBackoff    time.Duration
	Clock          clock.Clock
	IDs            clock.IDGenerator
}

// DefaultOptions returns the production defaults
func DefaultOptions() Options {
	return Options{
		Capacity:       1000,
		EnqueueTimeout: 5 * time.Second,
		MaxBatchSize:   16,
		BatchTimeout:   500 * time.Millisecond,
		Workers:        4,
		HandlerTimeout: 2 * time.Minute,
		RetryCap:       3,
		BusyBackoff:    time.Second,
	}
}

// FailedEvent is an event dropped after exhausting its retries
type FailedEvent struct {
	Event    Event
	Attempts int
	Err      string
	FailedAt time.Time
}

// Stats is a snapshot of queue counters
type Stats struct {
	Pending   int
	InFlight  int
	Processed int
	Retried   int
	Deferred  int
	Dropped   int
	Stale     int
	Coalesced int
}

// Queue is a bounded priority queue dispatching file events in batches.
// Capacity bounds pending plus in-flight events.
type Queue struct {
	opts     Options
	clock    clock.Clock
	ids      clock.IDGenerator
	recorder ErrorRecorder
	logger   *logging.Logger

	slots  chan struct{}
	notify chan struct{}

	mu          sync.Mutex
	events      eventHeap
	pending     map[string]*PrioritizedEvent
	seq         uint64
	inFlight    int
	handlers    map[EventType]Handler
	lastSuccess map[string]time.Time
	failures    []FailedEvent
	stats       Stats
}

// New creates a queue. recorder may be nil.
func New(opts Options, recorder ErrorRecorder, logger *logging.Logger) *Queue {
	def := DefaultOptions()
	if opts.Capacity <= 0 {
		opts.Capacity = def.Capacity
	}
	if opts.EnqueueTimeout <= 0 {
		opts.EnqueueTimeout = def.EnqueueTimeout
	}
	if opts.MaxBatchSize <= 0 {
		opts.MaxBatchSize = def.MaxBatchSize
	}
	if opts.BatchTimeout <= 0 {
		opts.BatchTimeout = def.BatchTimeout
	}
	if opts.Workers <= 0 {
		opts.Workers = def.Workers
	}
	if opts.HandlerTimeout <= 0 {
		opts.HandlerTimeout = def.HandlerTimeout
	}
	if opts.RetryCap <= 0 {
		opts.RetryCap = def.RetryCap
	}
	if opts.BusyBackoff <= 0 {
		opts.BusyBackoff = def.BusyBackoff
	}

	clk := opts.Clock
	if clk == nil {
		clk = clock.Real{}
	}
	ids := opts.IDs
	if ids == nil {
		ids = clock.UUIDGenerator{}
	}
	if logger == nil {
		logger = logging.Discard()
	}

	return &Queue{
		opts:        opts,
		clock:       clk,
		ids:         ids,
		recorder:    recorder,
		logger:      logger,
		slots:       make(chan struct{}, opts.Capacity),
		notify:      make(chan struct{}, 1),
		pending:     make(map[string]*PrioritizedEvent),
		handlers:    make(map[EventType]Handler),
		lastSuccess: make(map[string]time.Time),
	}
}

// Handle registers the handler for an event type, replacing any previous one
func (q *Queue) Handle(t EventType, h Handler) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.handlers[t] = h
}

// Enqueue adds an event. A pending event with the same key is coalesced
// into the new one, keeping the higher priority. When the queue stays full
// for EnqueueTimeout the event is dropped, an internal error is recorded
// for its folder and ErrQueueFull is returned.
func (q *Queue) Enqueue(ctx context.Context, ev Event, priority Priority) error {
	if ev.ID == "" {
		ev.ID = q.ids.New()
	}
	if ev.Folder == "" {
		ev.Folder = model.FolderOf(ev.Path)
	}

	if q.coalesce(ev, priority) {
		return nil
	}

	timer := time.NewTimer(q.opts.EnqueueTimeout)
	defer timer.Stop()

	select {
	case q.slots <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		q.mu.Lock()
		q.stats.Dropped++
		q.mu.Unlock()

		err := fmt.Errorf("%w: %s %s dropped after %s", ErrQueueFull, ev.Type, ev.Path, q.opts.EnqueueTimeout)
		q.logger.WithFields(logging.Fields{
			"tenant": ev.TenantID,
			"path":   ev.Path,
			"type":   ev.Type,
		}).Warn("queue full, event dropped")
		q.recordError(ctx, ev, model.ErrInternal, err, 0)
		return err
	}

	q.push(&PrioritizedEvent{Event: ev, Priority: priority, EnqueuedAt: q.clock.Now()})
	return nil
}

// coalesce merges ev into a pending event with the same key
func (q *Queue) coalesce(ev Event, priority Priority) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	existing, ok := q.pending[ev.Key()]
	if !ok {
		return false
	}

	existing.Event = ev
	if priority > existing.Priority {
		existing.Priority = priority
		heap.Fix(&q.events, existing.index)
	}
	q.stats.Coalesced++
	return true
}

// push inserts an event that already holds a slot
func (q *Queue) push(pe *PrioritizedEvent) {
	q.mu.Lock()
	if existing, ok := q.pending[pe.Key()]; ok {
		// lost a race with another producer for the same key
		existing.Event = pe.Event
		if pe.Priority > existing.Priority {
			existing.Priority = pe.Priority
			heap.Fix(&q.events, existing.index)
		}
		if pe.Attempts > existing.Attempts {
			existing.Attempts = pe.Attempts
		}
		q.stats.Coalesced++
		q.mu.Unlock()
		<-q.slots
		return
	}

	q.seq++
	pe.seq = q.seq
	heap.Push(&q.events, pe)
	q.pending[pe.Key()] = pe
	q.mu.Unlock()

	q.signal()
}

func (q *Queue) signal() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// drain pops up to max events in priority order
func (q *Queue) drain(max int) []*PrioritizedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()

	var batch []*PrioritizedEvent
	for len(batch) < max && q.events.Len() > 0 {
		pe := heap.Pop(&q.events).(*PrioritizedEvent)
		delete(q.pending, pe.Key())
		batch = append(batch, pe)
	}
	q.inFlight += len(batch)
	return batch
}

// Len returns the number of pending events
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.events.Len()
}

// Stats returns a snapshot of the queue counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	s := q.stats
	s.Pending = q.events.Len()
	s.InFlight = q.inFlight
	return s
}

// PermanentFailures returns the events dropped after exhausting retries
func (q *Queue) PermanentFailures() []FailedEvent {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]FailedEvent(nil), q.failures...)
}

func (q *Queue) recordError(ctx context.Context, ev Event, typ model.ErrorType, cause error, retries int) {
	if q.recorder == nil {
		return
	}
	se := model.NewSyncError(typ, ev.Path, cause)
	se.Timestamp = q.clock.Now()
	se.RetryCount = retries
	if err := q.recorder.RecordError(context.WithoutCancel(ctx), ev.TenantID, ev.Folder, *se); err != nil {
		q.logger.WithError(err).Warn("failed to record queue error")
	}
}
