package main

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"path/filepath"
	"time"

	"docsync/internal/chunking"
	"docsync/internal/clock"
	"docsync/internal/config"
	"docsync/internal/detect"
	"docsync/internal/embed"
	"docsync/internal/embed/hashing"
	"docsync/internal/embed/ollama"
	"docsync/internal/embed/openai"
	"docsync/internal/extract"
	"docsync/internal/logging"
	"docsync/internal/model"
	"docsync/internal/progress"
	"docsync/internal/state"
	"docsync/internal/store"
	"docsync/internal/syncer"
	"docsync/internal/vectorindex"
)

// app holds the wired components. Callers must defer close.
type app struct {
	cfg      *config.Config
	logger   *logging.Logger
	logClose io.Closer
	store    *store.Store
	states   *state.Store
	index    *vectorindex.Memory
	engine   *embed.Engine
	coord    *syncer.Coordinator
	hub      *progress.Hub
}

func newApp(ctx context.Context, configPath string) (*app, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	logger, logClose, err := logging.Setup("main", logging.Options{
		Level:       cfg.Logging.Level,
		FileEnabled: cfg.Logging.DebugEnabled,
		File:        cfg.Logging.File,
		MaxSizeMB:   cfg.Logging.MaxSizeMB,
		MaxBackups:  cfg.Logging.MaxBackups,
		MaxAgeDays:  cfg.Logging.MaxAgeDays,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing logger: %w", err)
	}

	a := &app{cfg: cfg, logger: logger, logClose: logClose}
	if err := a.wire(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

func (a *app) wire(ctx context.Context) error {
	cfg := a.cfg

	st, err := store.Open(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}
	a.store = st
	a.logger.WithContext("path", cfg.Database.Path).Debug("database initialized")

	a.states = state.NewStore(st, clock.Real{}, a.logger.Named("state"))
	if err := a.states.Load(ctx); err != nil {
		return fmt.Errorf("loading sync states: %w", err)
	}

	budget, err := cfg.MemoryBudgetBytes()
	if err != nil {
		return err
	}
	tenantBudgets, err := cfg.TenantBudgets()
	if err != nil {
		return err
	}
	a.engine = embed.NewEngine(newModelLoader(cfg, a.logger), embed.Options{
		MemoryBudget:  budget,
		TenantBudgets: tenantBudgets,
		BatchTimeout:  cfg.Embedding.BatchTimeout.Duration,
		IdleTimeout:   cfg.Embedding.IdleTimeout.Duration,
		Policy:        batchPolicy(cfg),
	}, a.logger.Named("embed"))

	a.index = vectorindex.NewMemory()
	if err := hydrateIndex(ctx, st, a.index, cfg.TenantIDs()); err != nil {
		return fmt.Errorf("loading vector index: %w", err)
	}

	fp, err := detect.NewFingerprinter(detect.Algorithm(cfg.Sync.FingerprintAlgo))
	if err != nil {
		return err
	}
	strategy, err := chunking.ParseStrategy(cfg.Sync.Strategy)
	if err != nil {
		return err
	}

	a.hub = progress.NewHub(a.logger.Named("feed"))
	reporter := progress.Fanout{
		progress.NewLogReporter(a.logger.Named("tasks")),
		a.hub,
		&runRecorder{store: st, logger: a.logger.Named("runs")},
	}

	a.coord = syncer.New(syncer.Deps{
		Store:      st,
		Index:      a.index,
		Embedder:   a.engine,
		Extractors: extract.Default(),
		States:     a.states,
		Detector:   detect.NewDetector(fp, a.logger.Named("detect")),
		Lister:     detect.NewLister(a.logger.Named("detect")),
		Reporter:   reporter,
		Logger:     a.logger.Named("sync"),
	}, syncer.Config{
		ChunkSize:         cfg.Sync.ChunkSize,
		ChunkOverlap:      cfg.Sync.ChunkOverlap,
		MaxChunks:         cfg.Sync.MaxChunksPerFile,
		Strategy:          strategy,
		ModelID:           cfg.Sync.ModelID,
		ConcurrentTenants: cfg.Sync.ConcurrentTenants,
	}, tenantsFromConfig(cfg))

	return nil
}

func (a *app) close() {
	if a.engine != nil {
		a.engine.Close()
	}
	if a.store != nil {
		a.store.Close()
	}
	if a.logClose != nil {
		a.logClose.Close()
	}
}

// newModelLoader registers the embedding providers: "hash:<dims>" is
// local and always available, "ollama:<name>" and "openai:<name>" call
// out to the configured endpoints
func newModelLoader(cfg *config.Config, logger *logging.Logger) *embed.ProviderLoader {
	loader := embed.NewLoader()
	loader.Register("hash", func(ctx context.Context, name string) (embed.Model, error) {
		m, err := hashing.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		return m, nil
	})

	ollamaClient := ollama.NewClient(cfg.Embedding.OllamaEndpoint,
		int64(cfg.Embedding.OllamaModelSizeMB)*1024*1024, logger.Named("ollama"))
	loader.Register("ollama", func(ctx context.Context, name string) (embed.Model, error) {
		m, err := ollamaClient.Open(ctx, name)
		if err != nil {
			return nil, err
		}
		return m, nil
	})

	if cfg.Embedding.OpenAIKey != "" {
		openaiClient := openai.NewClient(cfg.Embedding.OpenAIEndpoint, cfg.Embedding.OpenAIKey, logger.Named("openai"))
		loader.Register("openai", func(ctx context.Context, name string) (embed.Model, error) {
			m, err := openaiClient.Open(ctx, name)
			if err != nil {
				return nil, err
			}
			return m, nil
		})
	}
	return loader
}

func batchPolicy(cfg *config.Config) embed.BatchPolicy {
	return embed.BatchPolicy{
		SmallTextRunes:    cfg.Embedding.SmallTextRunes,
		MediumTextRunes:   cfg.Embedding.MediumTextRunes,
		SmallBatch:        cfg.Embedding.SmallBatchSize,
		MediumBatch:       cfg.Embedding.MediumBatchSize,
		LargeBatch:        cfg.Embedding.LargeBatchSize,
		MemoryConstrained: cfg.Embedding.Device == "accelerator",
	}
}

func tenantsFromConfig(cfg *config.Config) []syncer.Tenant {
	maxSize := int64(cfg.Sync.MaxFileSizeMB) * 1024 * 1024
	tenants := make([]syncer.Tenant, 0, len(cfg.Tenants))
	for _, t := range cfg.Tenants {
		tenant := syncer.Tenant{ID: t.ID}
		for _, f := range t.Folders {
			root, err := filepath.Abs(f.Path)
			if err != nil {
				root = f.Path
			}
			tenant.Folders = append(tenant.Folders, detect.FolderSource{
				Name:        f.Name,
				Root:        root,
				Include:     f.Include,
				Exclude:     f.Exclude,
				MaxFileSize: maxSize,
			})
		}
		tenants = append(tenants, tenant)
	}
	return tenants
}

// hydrateIndex loads the persisted vectors of every tenant into the index
func hydrateIndex(ctx context.Context, st *store.Store, index *vectorindex.Memory, tenants []string) error {
	for _, tenantID := range tenants {
		var batch []vectorindex.Point
		err := st.ForEachChunk(ctx, tenantID, func(path string, c model.EmbeddedChunk) error {
			batch = append(batch, vectorindex.Point{
				ID:       vectorindex.PointID(tenantID, path, c.Index),
				TenantID: tenantID,
				Path:     path,
				Index:    c.Index,
				Vector:   c.Vector,
				Text:     c.Text,
			})
			if len(batch) >= 512 {
				if err := index.Upsert(ctx, batch); err != nil {
					return err
				}
				batch = batch[:0]
			}
			return nil
		})
		if err != nil {
			return err
		}
		if len(batch) > 0 {
			if err := index.Upsert(ctx, batch); err != nil {
				return err
			}
		}
	}
	return nil
}

// runRecorder persists the outcome of every full sync run
type runRecorder struct {
	store  *store.Store
	logger *logging.Logger
}

func (r *runRecorder) TaskStarted(context.Context, model.TaskEvent) {}

func (r *runRecorder) TaskFinished(ctx context.Context, ev model.TaskEvent) {
	if ev.Kind != model.TaskSync || ev.Conflict || ev.RunID == "" {
		return
	}
	run := store.RunRecord{
		ID:            ev.RunID,
		TenantID:      ev.TenantID,
		Trigger:       ev.Trigger,
		StartedAt:     ev.StartedAt,
		FinishedAt:    ev.FinishedAt,
		Processed:     ev.Processed,
		Failed:        ev.Failed,
		Skipped:       ev.Skipped,
		Deleted:       ev.Deleted,
		ChunksCreated: ev.ChunksCreated,
		Cancelled:     ev.Cancelled,
		Error:         ev.Error,
	}
	if err := r.store.RecordRun(ctx, run); err != nil {
		r.logger.WithContext("run", ev.RunID).WithError(err).Warn("failed to record sync run")
	}
}

// folderStatus is one row of the status snapshot
type folderStatus struct {
	Folder             string             `json:"folder"`
	State              state.State        `json:"state"`
	Progress           state.SyncProgress `json:"progress"`
	UnresolvedErrors   []model.SyncError  `json:"unresolved_errors,omitempty"`
	LastSuccessfulSync *time.Time         `json:"last_successful_sync,omitempty"`
}

type tenantStatus struct {
	TenantID   string            `json:"tenant_id"`
	Stats      model.TenantStats `json:"stats"`
	Vectors    int               `json:"vectors"`
	Folders    []folderStatus    `json:"folders"`
	RecentRuns []store.RunRecord `json:"recent_runs"`
}

type statusReport struct {
	Tenants []tenantStatus             `json:"tenants"`
	Models  []embed.ModelResourceUsage `json:"models"`
}

// status builds the snapshot served at /api/status and printed by the
// status command. onlyFailed keeps only folders in the Failed state.
func (a *app) status(ctx context.Context, onlyFailed bool) (*statusReport, error) {
	report := &statusReport{Models: a.engine.Usage()}
	for _, tenantID := range a.coord.Tenants() {
		stats, err := a.store.GetTenantStats(ctx, tenantID)
		if err != nil {
			return nil, err
		}
		runs, err := a.store.RecentRuns(ctx, tenantID, 5)
		if err != nil {
			return nil, err
		}

		ts := tenantStatus{TenantID: tenantID, Stats: stats, Vectors: a.index.Count(tenantID), RecentRuns: runs}
		for _, info := range a.states.TenantStates(tenantID) {
			if onlyFailed && info.State != state.Failed {
				continue
			}
			fs := folderStatus{
				Folder:           info.Folder,
				State:            info.State,
				Progress:         info.Progress,
				UnresolvedErrors: info.UnresolvedErrors(),
			}
			if !info.LastSuccessfulSync.IsZero() {
				last := info.LastSuccessfulSync
				fs.LastSuccessfulSync = &last
			}
			ts.Folders = append(ts.Folders, fs)
		}
		if onlyFailed && len(ts.Folders) == 0 {
			continue
		}
		report.Tenants = append(report.Tenants, ts)
	}
	return report, nil
}

func (a *app) statusHandler() progress.StatusFunc {
	return func(r *http.Request) (any, error) {
		return a.status(r.Context(), r.URL.Query().Get("failed") == "true")
	}
}
