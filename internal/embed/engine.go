package embed

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"golang.org/x/sync/singleflight"

	"docsync/internal/clock"
	"docsync/internal/logging"
	"docsync/internal/model"
)

// Options configures an Engine
type Options struct {
	MemoryBudget uint64        // bytes; 0 means unlimited
	// TenantBudgets caps the model footprint a tenant may use, in bytes.
	// Tenants without an entry get MemoryBudget.
	TenantBudgets map[string]uint64
	BatchTimeout time.Duration // per batch; 0 means none
	IdleTimeout  time.Duration // unreferenced models older than this are evicted
	Policy       BatchPolicy
	Clock        clock.Clock
}

type entry struct {
	model  Model
	usage  ModelResourceUsage
	closed bool
}

// Engine embeds chunks with reference-counted, lazily loaded models. One
// model is resident at a time: requesting another retires the current one,
// which is closed as soon as no caller holds it.
type Engine struct {
	loader Loader
	opts   Options
	clock  clock.Clock
	logger *logging.Logger

	loads singleflight.Group

	mu       sync.Mutex
	models   map[string]*entry
	resident string
}

// NewEngine creates an Engine
func NewEngine(loader Loader, opts Options, logger *logging.Logger) *Engine {
	c := opts.Clock
	if c == nil {
		c = clock.Real{}
	}
	if opts.Policy == (BatchPolicy{}) {
		opts.Policy = DefaultBatchPolicy()
	}
	return &Engine{
		loader: loader,
		opts:   opts,
		clock:  c,
		logger: logger,
		models: make(map[string]*entry),
	}
}

// Embed vectorizes chunks with modelID, preserving order. On any failure it
// returns an *EmbeddingError and no partial result.
func (e *Engine) Embed(ctx context.Context, chunks []model.TextChunk, modelID string) ([]model.EmbeddedChunk, error) {
	return e.EmbedFor(ctx, "", chunks, modelID)
}

// EmbedFor is Embed within the memory budget of tenantID
func (e *Engine) EmbedFor(ctx context.Context, tenantID string, chunks []model.TextChunk, modelID string) ([]model.EmbeddedChunk, error) {
	if len(chunks) == 0 {
		return nil, nil
	}

	ent, err := e.acquire(ctx, modelID)
	if err != nil {
		return nil, &EmbeddingError{ModelID: modelID, Batch: -1, Err: err}
	}
	defer e.release(ent)

	if budget := e.budgetFor(tenantID); budget > 0 && ent.usage.EstimatedBytes > 0 && uint64(ent.usage.EstimatedBytes) > budget {
		err := fmt.Errorf("%w: %s needs %s, budget of tenant %s is %s", ErrOverBudget, modelID,
			humanize.IBytes(uint64(ent.usage.EstimatedBytes)), tenantID, humanize.IBytes(budget))
		return nil, &EmbeddingError{ModelID: modelID, Batch: -1, Err: err}
	}

	m := ent.model
	size := e.opts.Policy.BatchSize(chunks)
	out := make([]model.EmbeddedChunk, 0, len(chunks))

	for batch, start := 0, 0; start < len(chunks); batch, start = batch+1, start+size {
		end := start + size
		if end > len(chunks) {
			end = len(chunks)
		}

		texts := make([]string, end-start)
		for i, c := range chunks[start:end] {
			texts[i] = c.Text
		}

		vecs, err := e.runBatch(ctx, m, texts)
		if err != nil {
			e.logger.WithFields(logging.Fields{"model": modelID, "batch": batch}).WithError(err).Warn("embedding batch failed")
			return nil, &EmbeddingError{ModelID: modelID, Batch: batch, Err: err}
		}

		for i, v := range vecs {
			out = append(out, model.EmbeddedChunk{
				TextChunk: chunks[start+i],
				Vector:    v,
				ModelID:   modelID,
			})
		}

		if r, ok := m.(TransientReleaser); ok {
			r.ReleaseTransient()
		}
	}

	e.logger.WithFields(logging.Fields{"model": modelID, "chunks": len(chunks), "batch_size": size}).Debug("embedded chunks")
	return out, nil
}

func (e *Engine) budgetFor(tenantID string) uint64 {
	if b, ok := e.opts.TenantBudgets[tenantID]; ok && b > 0 {
		return b
	}
	return e.opts.MemoryBudget
}

func (e *Engine) runBatch(ctx context.Context, m Model, texts []string) ([][]float32, error) {
	if e.opts.BatchTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.opts.BatchTimeout)
		defer cancel()
	}

	vecs, err := m.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(texts) {
		return nil, fmt.Errorf("model returned %d vectors for %d texts", len(vecs), len(texts))
	}
	dims := m.Dimensions()
	for i, v := range vecs {
		if len(v) != dims {
			return nil, fmt.Errorf("vector %d has dimension %d, want %d", i, len(v), dims)
		}
	}
	return vecs, nil
}

// acquire returns a referenced entry for modelID, loading it if needed
func (e *Engine) acquire(ctx context.Context, modelID string) (*entry, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		e.mu.Lock()
		if ent, ok := e.models[modelID]; ok {
			victims := e.promoteLocked(modelID)
			ent.usage.RefCount++
			ent.usage.LastUsed = e.clock.Now()
			e.mu.Unlock()
			e.closeModels(victims)
			return ent, nil
		}
		e.mu.Unlock()

		if _, err, _ := e.loads.Do(modelID, func() (any, error) {
			return nil, e.load(ctx, modelID)
		}); err != nil {
			return nil, err
		}
		// The loaded entry may have been retired by a concurrent request
		// for another model before we referenced it; loop and check again.
	}
}

func (e *Engine) load(ctx context.Context, modelID string) error {
	e.mu.Lock()
	_, ok := e.models[modelID]
	e.mu.Unlock()
	if ok {
		return nil
	}

	m, err := e.loader.Load(ctx, modelID)
	if err != nil {
		return err
	}

	size := m.EstimatedBytes()
	if e.opts.MemoryBudget > 0 && size > 0 && uint64(size) > e.opts.MemoryBudget {
		m.Close()
		return fmt.Errorf("%w: %s needs %s, budget is %s", ErrOverBudget, modelID,
			humanize.IBytes(uint64(size)), humanize.IBytes(e.opts.MemoryBudget))
	}

	e.mu.Lock()
	e.models[modelID] = &entry{
		model: m,
		usage: ModelResourceUsage{
			ModelID:        modelID,
			EstimatedBytes: size,
			LastUsed:       e.clock.Now(),
		},
	}
	e.mu.Unlock()

	e.logger.WithFields(logging.Fields{"model": modelID, "size": humanize.IBytes(uint64(max(size, 0)))}).Info("model loaded")
	return nil
}

// promoteLocked makes modelID resident and retires every other model. Retired
// models without references are removed and returned for closing.
func (e *Engine) promoteLocked(modelID string) []Model {
	e.resident = modelID
	var victims []Model
	for id, ent := range e.models {
		if id == modelID {
			ent.usage.Retired = false
			continue
		}
		ent.usage.Retired = true
		if ent.usage.RefCount == 0 {
			ent.closed = true
			delete(e.models, id)
			victims = append(victims, ent.model)
		}
	}
	return victims
}

func (e *Engine) release(ent *entry) {
	e.mu.Lock()
	ent.usage.RefCount--
	ent.usage.LastUsed = e.clock.Now()
	var victim Model
	if ent.usage.RefCount == 0 && ent.usage.Retired && !ent.closed {
		ent.closed = true
		if e.models[ent.usage.ModelID] == ent {
			delete(e.models, ent.usage.ModelID)
		}
		victim = ent.model
	}
	e.mu.Unlock()

	if victim != nil {
		e.closeModels([]Model{victim})
	}
}

func (e *Engine) closeModels(models []Model) {
	for _, m := range models {
		if err := m.Close(); err != nil {
			e.logger.WithContext("model", m.ID()).WithError(err).Warn("failed to close model")
			continue
		}
		e.logger.WithContext("model", m.ID()).Info("model unloaded")
	}
}

// evictIdle closes unreferenced models idle for at least IdleTimeout
func (e *Engine) evictIdle(now time.Time) []string {
	var victims []Model
	var ids []string

	e.mu.Lock()
	for id, ent := range e.models {
		if ent.usage.RefCount > 0 || now.Sub(ent.usage.LastUsed) < e.opts.IdleTimeout {
			continue
		}
		ent.closed = true
		delete(e.models, id)
		if e.resident == id {
			e.resident = ""
		}
		victims = append(victims, ent.model)
		ids = append(ids, id)
	}
	e.mu.Unlock()

	e.closeModels(victims)
	sort.Strings(ids)
	return ids
}

// Resident returns the id of the model new requests are served by, if any
func (e *Engine) Resident() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.resident
}

// Usage returns a snapshot of the registry sorted by model id
func (e *Engine) Usage() []ModelResourceUsage {
	e.mu.Lock()
	out := make([]ModelResourceUsage, 0, len(e.models))
	for _, ent := range e.models {
		out = append(out, ent.usage)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ModelID < out[j].ModelID })
	return out
}

// Close unloads every model regardless of references
func (e *Engine) Close() error {
	e.mu.Lock()
	var victims []Model
	for id, ent := range e.models {
		ent.closed = true
		victims = append(victims, ent.model)
		delete(e.models, id)
	}
	e.resident = ""
	e.mu.Unlock()

	e.closeModels(victims)
	return nil
}
