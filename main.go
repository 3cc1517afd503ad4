package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"docsync/internal/chunking"
	"docsync/internal/config"
	"docsync/internal/embed"
	"docsync/internal/logging"
	"docsync/internal/progress"
	"docsync/internal/queue"
	"docsync/internal/syncer"
	"docsync/internal/watcher"
)

const version = "1.0.0"

var configPath string

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// signalContext is cancelled on SIGINT or SIGTERM
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

var rootCmd = &cobra.Command{
	Use:           "docsync",
	Short:         "Incremental document sync into an embedding index",
	Version:       version,
	SilenceUsage: true,
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Sync one tenant, or every configured tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")
		force, _ := cmd.Flags().GetBool("force")
		modelID, _ := cmd.Flags().GetString("model")
		strategyName, _ := cmd.Flags().GetString("strategy")

		opts := syncer.Options{ForceFull: force, ModelID: modelID, Trigger: "cli"}
		if strategyName != "" {
			s, err := chunking.ParseStrategy(strategyName)
			if err != nil {
				return err
			}
			opts.Strategy = s
		}
		if modelID != "" {
			if _, _, err := embed.ParseModelID(modelID); err != nil {
				return err
			}
		}

		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.close()

		var results []*syncer.SyncResult
		if tenant != "" {
			res, err := a.coord.SyncTenant(ctx, tenant, opts)
			if res != nil {
				results = append(results, res)
			}
			printResults(cmd.OutOrStdout(), results)
			return err
		}
		results, err = a.coord.SyncAll(ctx, opts)
		printResults(cmd.OutOrStdout(), results)
		return err
	},
}

func printResults(w io.Writer, results []*syncer.SyncResult) {
	for _, r := range results {
		if r == nil {
			continue
		}
		if r.Conflict {
			fmt.Fprintf(w, "%s: sync already running\n", r.TenantID)
			continue
		}
		fmt.Fprintf(w, "%s: %d processed, %d skipped, %d deleted, %d failed, %s chunks in %s",
			r.TenantID, r.Processed, r.Skipped, r.Deleted, r.Failed,
			humanize.Comma(int64(r.ChunksCreated)), r.Duration.Round(time.Millisecond))
		if r.Cancelled {
			fmt.Fprint(w, " (cancelled)")
		}
		fmt.Fprintln(w)
		for _, f := range r.Files {
			if f.Outcome == syncer.Failed && f.Err != nil {
				fmt.Fprintf(w, "  failed  %s: %s\n", f.Path, f.Err.Message)
			}
		}
	}
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Sync on startup, then follow file changes until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signalContext()
		defer stop()

		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.close()
		return a.serve(ctx)
	},
}

func (a *app) serve(ctx context.Context) error {
	cfg := a.cfg
	logger := a.logger
	logger.Info("starting docsync v%s with %d tenants", version, len(cfg.Tenants))

	q := queue.New(queue.Options{
		Capacity:       cfg.Queue.Capacity,
		EnqueueTimeout: cfg.Queue.EnqueueTimeout.Duration,
		MaxBatchSize:   cfg.Queue.MaxBatchSize,
		BatchTimeout:   cfg.Queue.BatchTimeout.Duration,
		Workers:        cfg.Queue.Workers,
		HandlerTimeout: cfg.Queue.HandlerTimeout.Duration,
		RetryCap:       cfg.Queue.RetryCap,
	}, a.states, logger.Named("queue"))
	a.coord.Register(q)

	var w *watcher.Watcher
	if cfg.Watch.Enabled {
		var err error
		w, err = watcher.New(q, cfg.Watch.Debounce.Duration, nil, logger.Named("watcher"))
		if err != nil {
			return err
		}
		defer w.Close()
		for _, id := range a.coord.Tenants() {
			tenant, _ := a.coord.Tenant(id)
			for _, folder := range tenant.Folders {
				if err := w.AddFolder(id, folder); err != nil {
					logger.WithFields(logging.Fields{"tenant": id, "folder": folder.Name}).WithError(err).Warn("folder not watched")
				}
			}
		}
	}

	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.hub.Run(ctx)
		return nil
	})
	g.Go(func() error {
		embed.NewEvictor(a.engine, cfg.Embedding.EvictionInterval.Duration, logger.Named("evictor")).Run(ctx)
		return nil
	})
	g.Go(func() error {
		return ignoreCanceled(q.Run(ctx))
	})

	if w != nil {
		g.Go(func() error {
			return ignoreCanceled(w.Run(ctx))
		})
	}

	if cfg.Server.Enabled {
		mux := http.NewServeMux()
		progress.RegisterRoutes(mux, a.hub, a.statusHandler())
		addr := fmt.Sprintf("%s:%d", cfg.Server.BindAddress, cfg.Server.Port)
		server := &http.Server{
			Addr:        addr,
			Handler:     mux,
			ReadTimeout: 15 * time.Second,
			IdleTimeout: 60 * time.Second,
		}
		g.Go(func() error {
			logger.Info("event feed listening on ws://%s/ws/sync", addr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	g.Go(func() error {
		if _, err := a.coord.SyncAll(ctx, syncer.Options{Trigger: "startup"}); err != nil {
			logger.WithError(err).Warn("startup sync finished with errors")
		}
		return nil
	})

	err := g.Wait()
	logger.Info("docsync stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show folder states, corpus size and recent runs",
	RunE: func(cmd *cobra.Command, args []string) error {
		failed, _ := cmd.Flags().GetBool("failed")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx := cmd.Context()
		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.close()

		report, err := a.status(ctx, failed)
		if err != nil {
			return err
		}
		if asJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(report)
		}
		printStatus(cmd.OutOrStdout(), report)
		return nil
	},
}

func printStatus(w io.Writer, report *statusReport) {
	if len(report.Tenants) == 0 {
		fmt.Fprintln(w, "No tenants to show.")
		return
	}
	for _, t := range report.Tenants {
		fmt.Fprintf(w, "%s  %d files (%d completed, %d failed), %s chunks, %s\n",
			t.TenantID, t.Stats.Files, t.Stats.Completed, t.Stats.Failed,
			humanize.Comma(int64(t.Stats.Chunks)), humanize.Bytes(uint64(t.Stats.TotalBytes)))
		for _, f := range t.Folders {
			last := "never"
			if f.LastSuccessfulSync != nil {
				last = humanize.Time(*f.LastSuccessfulSync)
			}
			fmt.Fprintf(w, "  %-20s %-10s last success %s\n", f.Folder, f.State, last)
			for _, e := range f.UnresolvedErrors {
				fmt.Fprintf(w, "    %s\n", e.Error())
			}
		}
		for _, r := range t.RecentRuns {
			line := fmt.Sprintf("  run %s  %s  %d processed, %d failed, %d deleted",
				r.ID, humanize.Time(r.StartedAt), r.Processed, r.Failed, r.Deleted)
			if r.Error != "" {
				line += "  error: " + r.Error
			}
			fmt.Fprintln(w, line)
		}
	}
}

var cleanupCmd = &cobra.Command{
	Use:   "cleanup",
	Short: "Reset interrupted files and drop orphaned chunks of a tenant",
	RunE: func(cmd *cobra.Command, args []string) error {
		tenant, _ := cmd.Flags().GetString("tenant")

		ctx := cmd.Context()
		a, err := newApp(ctx, configPath)
		if err != nil {
			return err
		}
		defer a.close()

		res, err := a.coord.Cleanup(ctx, tenant)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s: %d folders checked, %d files reset, %d orphaned chunks removed\n",
			res.TenantID, res.FoldersChecked, res.ResetFiles, res.OrphanChunks)
		return nil
	},
}

func folderCommand(use, done, short string, fn func(*app, context.Context, string) error) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		RunE: func(cmd *cobra.Command, args []string) error {
			tenant, _ := cmd.Flags().GetString("tenant")

			ctx := cmd.Context()
			a, err := newApp(ctx, configPath)
			if err != nil {
				return err
			}
			defer a.close()

			if err := fn(a, ctx, tenant); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", tenant, done)
			return nil
		},
	}
	cmd.Flags().String("tenant", "", "tenant id")
	cmd.MarkFlagRequired("tenant")
	return cmd
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration as TOML",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}

		shown := *cfg
		if shown.Embedding.OpenAIKey != "" {
			shown.Embedding.OpenAIKey = "********"
		}
		return toml.NewEncoder(cmd.OutOrStdout()).Encode(shown)
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "config.json", "config file (.json or .toml)")

	syncCmd.Flags().String("tenant", "", "sync only this tenant")
	syncCmd.Flags().Bool("force", false, "re-process every file regardless of fingerprint")
	syncCmd.Flags().String("model", "", "embedding model id, e.g. hash:384 or ollama:nomic-embed-text")
	syncCmd.Flags().String("strategy", "", "chunking strategy: fixed, sentence or sliding")

	statusCmd.Flags().Bool("failed", false, "only show failed folders")
	statusCmd.Flags().Bool("json", false, "print JSON")

	cleanupCmd.Flags().String("tenant", "", "tenant id")
	cleanupCmd.MarkFlagRequired("tenant")

	configCmd.AddCommand(configShowCmd)

	rootCmd.AddCommand(
		syncCmd,
		serveCmd,
		statusCmd,
		cleanupCmd,
		folderCommand("pause", "paused", "Stop syncing a tenant's folders", (*app).pause),
		folderCommand("resume", "resumed", "Resume syncing a tenant's paused folders", (*app).resume),
		configCmd,
	)
}

func (a *app) pause(ctx context.Context, tenant string) error {
	return a.coord.Pause(ctx, tenant)
}

func (a *app) resume(ctx context.Context, tenant string) error {
	return a.coord.Resume(ctx, tenant)
}
