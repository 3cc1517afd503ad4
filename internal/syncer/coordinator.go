package syncer

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"docsync/internal/chunking"
	"docsync/internal/clock"
	"docsync/internal/detect"
	"docsync/internal/extract"
	"docsync/internal/logging"
	"docsync/internal/model"
	"docsync/internal/queue"
	"docsync/internal/state"
	"docsync/internal/vectorindex"
)

// ErrUnknownTenant is returned for tenants that are not configured
var ErrUnknownTenant = errors.New("unknown tenant")

// Store persists file records and their embedded chunks
type Store interface {
	CreateFile(ctx context.Context, rec *model.FileRecord) error
	UpdateFile(ctx context.Context, rec *model.FileRecord) error
	GetFile(ctx context.Context, tenantID, path string) (*model.FileRecord, error)
	DeleteFile(ctx context.Context, tenantID, path string) (int, error)
	SaveEmbeddings(ctx context.Context, fileID int64, tenantID string, chunks []model.EmbeddedChunk) (int, error)
	GetFilesForTenant(ctx context.Context, tenantID string) ([]model.FileRecord, error)
	GetTenantStats(ctx context.Context, tenantID string) (model.TenantStats, error)
	ResetProcessing(ctx context.Context, tenantID string) (int64, error)
	DeleteOrphanChunks(ctx context.Context, tenantID string) (int64, error)
}

// VectorIndex receives the vectors of synced chunks
type VectorIndex interface {
	Upsert(ctx context.Context, points []vectorindex.Point) error
	Delete(ctx context.Context, ids []string) error
}

// Embedder vectorizes chunks with a model within a tenant's memory budget
type Embedder interface {
	EmbedFor(ctx context.Context, tenantID string, chunks []model.TextChunk, modelID string) ([]model.EmbeddedChunk, error)
}

// Extractors resolves the extractor for a file
type Extractors interface {
	Lookup(path string) (extract.Extractor, error)
}

// StateStore is the folder state machine
type StateStore interface {
	UpdateState(ctx context.Context, tenantID, folder string, newState state.State, opts ...state.Option) (state.SyncStateInfo, error)
	RecordError(ctx context.Context, tenantID, folder string, e model.SyncError) error
	GetState(tenantID, folder string) (state.SyncStateInfo, bool)
}

// Reporter receives task lifecycle events
type Reporter interface {
	TaskStarted(ctx context.Context, ev model.TaskEvent)
	TaskFinished(ctx context.Context, ev model.TaskEvent)
}

// Tenant is a configured tenant and its source folders
type Tenant struct {
	ID      string
	Folders []detect.FolderSource
}

// Config holds the chunking and model defaults of a run
type Config struct {
	ChunkSize         int
	ChunkOverlap      int
	MaxChunks         int
	Strategy          chunking.Strategy
	ModelID           string
	ConcurrentTenants int
}

// Options override Config for one run
type Options struct {
	ForceFull bool
	ModelID   string
	Strategy  chunking.Strategy
	Trigger   string // free-form label recorded with the run
}

// Deps are the collaborators of a Coordinator
type Deps struct {
	Store      Store
	Index      VectorIndex
	Embedder   Embedder
	Extractors Extractors
	States     StateStore
	Detector   *detect.Detector
	Lister     *detect.Lister
	Reporter   Reporter
	Clock      clock.Clock
	IDs        clock.IDGenerator
	Logger     *logging.Logger
}

// Coordinator drives the sync of every configured tenant. At most one sync
// or event handler runs per tenant at a time.
type Coordinator struct {
	store      Store
	index      VectorIndex
	embedder   Embedder
	extractors Extractors
	states     StateStore
	detector   *detect.Detector
	lister     *detect.Lister
	reporter   Reporter
	clock      clock.Clock
	ids        clock.IDGenerator
	logger     *logging.Logger

	cfg     Config
	tenants map[string]Tenant
	order   []string

	mu    sync.Mutex
	locks map[string]chan struct{}
	busy  map[string]bool // tenants held by a full sync or cleanup
}

// New creates a Coordinator for tenants
func New(deps Deps, cfg Config, tenants []Tenant) *Coordinator {
	if deps.Clock == nil {
		deps.Clock = clock.Real{}
	}
	if deps.IDs == nil {
		deps.IDs = clock.UUIDGenerator{}
	}
	if deps.Logger == nil {
		deps.Logger = logging.Discard()
	}
	if deps.Reporter == nil {
		deps.Reporter = nopReporter{}
	}
	if deps.Lister == nil {
		deps.Lister = detect.NewLister(deps.Logger)
	}
	if cfg.Strategy == "" {
		cfg.Strategy = chunking.Fixed
	}
	if cfg.ConcurrentTenants <= 0 {
		cfg.ConcurrentTenants = 1
	}

	c := &Coordinator{
		store:      deps.Store,
		index:      deps.Index,
		embedder:   deps.Embedder,
		extractors: deps.Extractors,
		states:     deps.States,
		detector:   deps.Detector,
		lister:     deps.Lister,
		reporter:   deps.Reporter,
		clock:      deps.Clock,
		ids:        deps.IDs,
		logger:     deps.Logger,
		cfg:        cfg,
		tenants:    make(map[string]Tenant, len(tenants)),
		locks:      make(map[string]chan struct{}),
		busy:       make(map[string]bool),
	}
	for _, t := range tenants {
		c.tenants[t.ID] = t
		c.order = append(c.order, t.ID)
	}
	return c
}

// Tenants returns the configured tenant ids in configuration order
func (c *Coordinator) Tenants() []string {
	return append([]string(nil), c.order...)
}

// Tenant returns a configured tenant
func (c *Coordinator) Tenant(id string) (Tenant, bool) {
	t, ok := c.tenants[id]
	return t, ok
}

func (c *Coordinator) lockFor(tenantID string) chan struct{} {
	c.mu.Lock()
	defer c.mu.Unlock()
	l, ok := c.locks[tenantID]
	if !ok {
		l = make(chan struct{}, 1)
		c.locks[tenantID] = l
	}
	return l
}

func (c *Coordinator) tryLock(tenantID string) (unlock func(), ok bool) {
	l := c.lockFor(tenantID)
	select {
	case l <- struct{}{}:
		return func() { <-l }, true
	default:
		return nil, false
	}
}

func (c *Coordinator) lock(ctx context.Context, tenantID string) (unlock func(), err error) {
	l := c.lockFor(tenantID)
	select {
	case l <- struct{}{}:
		return func() { <-l }, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// markBusy flags tenantID as held by a long operation until the returned
// func runs. The caller holds the tenant lock.
func (c *Coordinator) markBusy(tenantID string) (done func()) {
	c.mu.Lock()
	c.busy[tenantID] = true
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.busy, tenantID)
		c.mu.Unlock()
	}
}

func (c *Coordinator) isBusy(tenantID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.busy[tenantID]
}

const eventLockPoll = 50 * time.Millisecond

// lockEvent takes the tenant lock for an event handler. It waits behind
// other events but returns queue.ErrBusy while a full sync or cleanup runs,
// so the wait never eats into the handler timeout.
func (c *Coordinator) lockEvent(ctx context.Context, tenantID string) (unlock func(), err error) {
	l := c.lockFor(tenantID)
	for {
		if c.isBusy(tenantID) {
			return nil, fmt.Errorf("%w: tenant %s is syncing", queue.ErrBusy, tenantID)
		}
		timer := time.NewTimer(eventLockPoll)
		select {
		case l <- struct{}{}:
			timer.Stop()
			return func() { <-l }, nil
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-timer.C:
		}
	}
}

// SyncTenant brings every folder of a tenant in line with its source.
// A second call for a tenant that is already syncing returns a result with
// Conflict set. Per-file failures are reported in the result; the returned
// error is non-nil only when a folder could not be scanned or its state
// could not be written.
func (c *Coordinator) SyncTenant(ctx context.Context, tenantID string, opts Options) (*SyncResult, error) {
	tenant, ok := c.tenants[tenantID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}

	res := &SyncResult{TenantID: tenantID}

	unlock, ok := c.tryLock(tenantID)
	if !ok {
		res.Conflict = true
		c.logger.WithContext("tenant", tenantID).Info("sync already running, skipping")
		c.reporter.TaskFinished(ctx, model.TaskEvent{
			Kind: model.TaskSync, TenantID: tenantID, Trigger: opts.Trigger, Conflict: true,
		})
		return res, nil
	}
	defer unlock()
	defer c.markBusy(tenantID)()

	res.RunID = c.ids.New()
	started := c.clock.Now()
	logger := c.logger.WithFields(logging.Fields{"tenant": tenantID, "run": res.RunID})
	logger.WithContext("force", opts.ForceFull).Info("sync started")

	c.reporter.TaskStarted(ctx, model.TaskEvent{
		Kind: model.TaskSync, RunID: res.RunID, TenantID: tenantID, Trigger: opts.Trigger, StartedAt: started,
	})

	var errs []error
	persisted, err := c.store.GetFilesForTenant(ctx, tenantID)
	if err != nil && ctx.Err() != nil {
		res.Cancelled = true
		for _, folder := range tenant.Folders {
			c.failFolder(ctx, tenantID, folder.Name, model.ErrInternal, errCancelled)
		}
	} else if err != nil {
		err = fmt.Errorf("failed to load records of %s: %w", tenantID, err)
		for _, folder := range tenant.Folders {
			c.failFolder(ctx, tenantID, folder.Name, model.ErrInternal, err)
		}
		errs = append(errs, err)
	} else {
		byFolder := make(map[string][]model.FileRecord)
		for _, rec := range persisted {
			byFolder[rec.Folder()] = append(byFolder[rec.Folder()], rec)
		}

		for _, folder := range tenant.Folders {
			if ctx.Err() != nil {
				res.Cancelled = true
				c.failFolder(ctx, tenantID, folder.Name, model.ErrInternal, errCancelled)
				continue
			}
			if err := c.syncFolder(ctx, tenantID, folder, byFolder[folder.Name], opts, res); err != nil {
				errs = append(errs, err)
			}
		}
	}

	finished := c.clock.Now()
	res.Duration = finished.Sub(started)
	joined := errors.Join(errs...)

	ev := model.TaskEvent{
		Kind:          model.TaskSync,
		RunID:         res.RunID,
		TenantID:      tenantID,
		Trigger:       opts.Trigger,
		StartedAt:     started,
		FinishedAt:    finished,
		Duration:      res.Duration,
		Processed:     res.Processed,
		Failed:        res.Failed,
		Skipped:       res.Skipped,
		Deleted:       res.Deleted,
		ChunksCreated: res.ChunksCreated,
		Cancelled:     res.Cancelled,
	}
	if joined != nil {
		ev.Error = joined.Error()
	}
	c.reporter.TaskFinished(context.WithoutCancel(ctx), ev)

	logger.WithFields(logging.Fields{
		"processed": res.Processed,
		"failed":    res.Failed,
		"skipped":   res.Skipped,
		"deleted":   res.Deleted,
		"chunks":    res.ChunksCreated,
		"cancelled": res.Cancelled,
		"duration":  res.Duration,
	}).Info("sync finished")

	return res, joined
}

var (
	errCancelled   = errors.New("sync cancelled")
	errInterrupted = errors.New("previous run interrupted")
)

type workItem struct {
	fresh    model.Candidate
	existing *model.FileRecord
}

func (c *Coordinator) syncFolder(ctx context.Context, tenantID string, folder detect.FolderSource, persisted []model.FileRecord, opts Options, res *SyncResult) error {
	logger := c.logger.WithFields(logging.Fields{"tenant": tenantID, "folder": folder.Name})

	info, _ := c.states.GetState(tenantID, folder.Name)
	if info.State == state.Paused {
		logger.Info("folder paused, skipping")
		return nil
	}
	if err := c.recoverFolder(ctx, tenantID, folder.Name, info.State); err != nil {
		return err
	}
	if err := c.setState(ctx, tenantID, folder.Name, state.Scanning); err != nil {
		return err
	}

	listing, err := c.lister.List(ctx, tenantID, folder)
	if err != nil {
		return c.scanFailed(ctx, tenantID, folder.Name, err, res)
	}
	plan, err := c.detector.Plan(ctx, tenantID, listing, persisted, opts.ForceFull)
	if err != nil {
		return c.scanFailed(ctx, tenantID, folder.Name, err, res)
	}

	progress := state.SyncProgress{
		TotalFiles:   plan.Len(),
		SkippedFiles: len(plan.Skipped),
		StartedAt:    c.clock.Now(),
	}
	var skipOpts []state.Option
	for _, se := range plan.Skipped {
		res.add(FileResult{Path: se.Path, Outcome: Skipped, Reason: "unreadable", Err: se})
		skipOpts = append(skipOpts, state.WithError(*se))
	}

	if plan.IsEmpty() {
		logger.Debug("folder up to date")
		return c.setState(ctx, tenantID, folder.Name, state.Idle, append(skipOpts, state.WithProgress(progress))...)
	}

	if err := c.setState(ctx, tenantID, folder.Name, state.Syncing, append(skipOpts, state.WithProgress(progress))...); err != nil {
		return err
	}

	work := make([]workItem, 0, len(plan.New)+len(plan.Updated))
	for _, cand := range plan.New {
		work = append(work, workItem{fresh: cand})
	}
	for _, u := range plan.Updated {
		existing := u.Existing
		work = append(work, workItem{fresh: u.Fresh, existing: &existing})
	}

	// cancellation is honoured between files; a started file runs to the end
	fileCtx := context.WithoutCancel(ctx)
	for _, item := range work {
		if ctx.Err() != nil {
			return c.cancelFolder(ctx, tenantID, folder.Name, progress, res)
		}

		progress.CurrentFile = item.fresh.Path
		fr := c.processFile(fileCtx, tenantID, item.fresh, opts)
		res.add(fr)

		var fileOpts []state.Option
		switch fr.Outcome {
		case Succeeded:
			progress.ProcessedFiles++
			progress.ChunksCreated += fr.Chunks
		case Skipped:
			progress.SkippedFiles++
		case Failed:
			progress.FailedFiles++
			fileOpts = append(fileOpts, state.WithError(*fr.Err))
		}
		progress.FilesPerSecond = c.rate(progress)

		if err := c.setState(ctx, tenantID, folder.Name, state.Syncing, append(fileOpts, state.WithProgress(progress))...); err != nil {
			return err
		}
	}

	for _, rec := range plan.Deleted {
		if ctx.Err() != nil {
			return c.cancelFolder(ctx, tenantID, folder.Name, progress, res)
		}

		progress.CurrentFile = rec.Path
		if err := c.deleteFile(fileCtx, tenantID, rec.Path); err != nil {
			se := syncErrorFor(err, rec.Path, c.clock.Now())
			res.add(FileResult{Path: rec.Path, Outcome: Failed, Err: se})
			progress.FailedFiles++
			if err := c.setState(ctx, tenantID, folder.Name, state.Syncing, state.WithError(*se), state.WithProgress(progress)); err != nil {
				return err
			}
			continue
		}
		res.Deleted++
		progress.DeletedFiles++
	}

	progress.CurrentFile = ""
	progress.FilesPerSecond = c.rate(progress)
	if err := c.setState(ctx, tenantID, folder.Name, state.Idle, state.WithProgress(progress)); err != nil {
		return err
	}

	logger.WithFields(logging.Fields{
		"processed": progress.ProcessedFiles,
		"failed":    progress.FailedFiles,
		"deleted":   progress.DeletedFiles,
		"chunks":    progress.ChunksCreated,
	}).Info("folder synced")
	return nil
}

// recoverFolder moves a Failed folder to Recovering. A folder still in
// Scanning, Syncing or Cleanup was left there by a process that died
// mid-run; it is failed as interrupted first. The caller holds the tenant
// lock, so no live run owns that state.
func (c *Coordinator) recoverFolder(ctx context.Context, tenantID, folder string, cur state.State) error {
	switch cur {
	case state.Scanning, state.Syncing, state.Cleanup:
		c.logger.WithFields(logging.Fields{"tenant": tenantID, "folder": folder, "state": cur}).Warn("previous run was interrupted, recovering")
		c.failFolder(ctx, tenantID, folder, model.ErrInternal, errInterrupted)
	case state.Failed:
	default:
		return nil
	}
	return c.setState(ctx, tenantID, folder, state.Recovering)
}

func (c *Coordinator) rate(p state.SyncProgress) float64 {
	elapsed := c.clock.Now().Sub(p.StartedAt).Seconds()
	if elapsed <= 0 {
		return 0
	}
	return float64(p.ProcessedFiles+p.FailedFiles+p.SkippedFiles+p.DeletedFiles) / elapsed
}

// scanFailed marks the folder Failed. Cancellation is not a scan failure.
func (c *Coordinator) scanFailed(ctx context.Context, tenantID, folder string, err error, res *SyncResult) error {
	if ctx.Err() != nil {
		res.Cancelled = true
		c.failFolder(ctx, tenantID, folder, model.ErrInternal, errCancelled)
		return nil
	}

	typ := model.Classify(err)
	if typ == model.ErrUnknown {
		typ = model.ErrInternal
	}
	c.failFolder(ctx, tenantID, folder, typ, err)
	return fmt.Errorf("scan of %s/%s failed: %w", tenantID, folder, err)
}

func (c *Coordinator) cancelFolder(ctx context.Context, tenantID, folder string, progress state.SyncProgress, res *SyncResult) error {
	res.Cancelled = true
	c.logger.WithFields(logging.Fields{"tenant": tenantID, "folder": folder}).Warn("sync cancelled between files")

	se := model.NewSyncError(model.ErrInternal, "", errCancelled)
	se.Timestamp = c.clock.Now()
	_, err := c.states.UpdateState(context.WithoutCancel(ctx), tenantID, folder, state.Failed,
		state.WithError(*se), state.WithProgress(progress))
	return err
}

func (c *Coordinator) failFolder(ctx context.Context, tenantID, folder string, typ model.ErrorType, cause error) {
	se := model.NewSyncError(typ, "", cause)
	se.Timestamp = c.clock.Now()
	if _, err := c.states.UpdateState(context.WithoutCancel(ctx), tenantID, folder, state.Failed, state.WithError(*se)); err != nil {
		c.logger.WithFields(logging.Fields{"tenant": tenantID, "folder": folder}).WithError(err).Error("failed to mark folder failed")
	}
}

func (c *Coordinator) setState(ctx context.Context, tenantID, folder string, st state.State, opts ...state.Option) error {
	if _, err := c.states.UpdateState(context.WithoutCancel(ctx), tenantID, folder, st, opts...); err != nil {
		return fmt.Errorf("failed to update state of %s/%s: %w", tenantID, folder, err)
	}
	return nil
}

func syncErrorFor(err error, path string, now time.Time) *model.SyncError {
	var se *model.SyncError
	if errors.As(err, &se) {
		cp := *se
		if cp.Path == "" {
			cp.Path = path
		}
		return &cp
	}
	se = model.NewSyncError(model.Classify(err), path, err)
	se.Timestamp = now
	return se
}

type nopReporter struct{}

func (nopReporter) TaskStarted(context.Context, model.TaskEvent)  {}
func (nopReporter) TaskFinished(context.Context, model.TaskEvent) {}
