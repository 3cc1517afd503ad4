package syncer

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"docsync/internal/detect"
	"docsync/internal/logging"
	"docsync/internal/model"
	"docsync/internal/queue"
	"docsync/internal/state"
)

// Register installs the event handlers on q
func (c *Coordinator) Register(q *queue.Queue) {
	q.Handle(queue.EventCreate, c.HandleUpsert)
	q.Handle(queue.EventUpdate, c.HandleUpsert)
	q.Handle(queue.EventDelete, c.HandleDelete)
}

// HandleUpsert syncs one created or modified file. A file that vanished
// before the event ran is handled as a delete. While a full sync of the
// tenant runs it returns queue.ErrBusy.
func (c *Coordinator) HandleUpsert(ctx context.Context, ev queue.Event) error {
	folder, err := c.folderFor(ev)
	if err != nil {
		return err
	}

	unlock, err := c.lockEvent(ctx, ev.TenantID)
	if err != nil {
		return err
	}
	defer unlock()

	info, err := os.Stat(ev.AbsPath)
	if errors.Is(err, fs.ErrNotExist) {
		return c.applyDelete(ctx, ev)
	}
	if err != nil {
		return model.NewSyncError(model.Classify(err), ev.Path, err)
	}
	if folder.MaxFileSize > 0 && info.Size() > folder.MaxFileSize {
		c.logger.WithFields(logging.Fields{"tenant": ev.TenantID, "path": ev.Path}).Debug("file over size limit, ignoring event")
		return nil
	}

	sum, err := c.detector.Fingerprinter().File(ev.AbsPath)
	if err != nil {
		return model.NewSyncError(model.ErrFileAccess, ev.Path, err)
	}

	existing, err := c.store.GetFile(ctx, ev.TenantID, ev.Path)
	if err != nil && !errors.Is(err, model.ErrNotFound) {
		return err
	}
	if existing != nil && existing.Status == model.StatusCompleted && existing.Fingerprint == sum {
		return nil
	}

	return c.runEvent(ctx, ev, func(p *state.SyncProgress) FileResult {
		fr := c.processFile(ctx, ev.TenantID, model.Candidate{
			Path:        ev.Path,
			AbsPath:     ev.AbsPath,
			Name:        filepath.Base(ev.AbsPath),
			Size:        info.Size(),
			ModTime:     info.ModTime(),
			Fingerprint: sum,
		}, Options{})
		switch fr.Outcome {
		case Succeeded:
			p.ProcessedFiles++
			p.ChunksCreated += fr.Chunks
		case Skipped:
			p.SkippedFiles++
		case Failed:
			p.FailedFiles++
		}
		return fr
	})
}

// HandleDelete removes one deleted file
func (c *Coordinator) HandleDelete(ctx context.Context, ev queue.Event) error {
	if _, err := c.folderFor(ev); err != nil {
		return err
	}

	unlock, err := c.lockEvent(ctx, ev.TenantID)
	if err != nil {
		return err
	}
	defer unlock()

	if _, err := os.Stat(ev.AbsPath); err == nil {
		// recreated before the event ran; the create event covers it
		return nil
	}
	return c.applyDelete(ctx, ev)
}

// applyDelete removes the record at ev.Path. A path without a record may
// be a directory moved or removed as a whole; every record below it goes.
func (c *Coordinator) applyDelete(ctx context.Context, ev queue.Event) error {
	targets, err := c.deleteTargets(ctx, ev)
	if err != nil || len(targets) == 0 {
		return err
	}

	return c.runEvent(ctx, ev, func(p *state.SyncProgress) FileResult {
		p.TotalFiles = len(targets)
		res := FileResult{Path: ev.Path, Outcome: Succeeded}
		for _, path := range targets {
			if err := c.deleteFile(ctx, ev.TenantID, path); err != nil {
				p.FailedFiles++
				if res.Err == nil {
					res = FileResult{Path: path, Outcome: Failed, Err: syncErrorFor(err, path, c.clock.Now())}
				}
				continue
			}
			p.DeletedFiles++
		}
		return res
	})
}

func (c *Coordinator) deleteTargets(ctx context.Context, ev queue.Event) ([]string, error) {
	_, err := c.store.GetFile(ctx, ev.TenantID, ev.Path)
	if err == nil {
		return []string{ev.Path}, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return nil, err
	}

	recs, err := c.store.GetFilesForTenant(ctx, ev.TenantID)
	if err != nil {
		return nil, err
	}
	var paths []string
	prefix := ev.Path + "/"
	for _, rec := range recs {
		if strings.HasPrefix(rec.Path, prefix) {
			paths = append(paths, rec.Path)
		}
	}
	if len(paths) > 0 {
		c.logger.WithFields(logging.Fields{"tenant": ev.TenantID, "path": ev.Path, "files": len(paths)}).Info("directory removed, deleting its files")
	}
	return paths, nil
}

// runEvent moves the folder through Syncing around fn and back to Idle.
// The caller holds the tenant lock.
func (c *Coordinator) runEvent(ctx context.Context, ev queue.Event, fn func(*state.SyncProgress) FileResult) error {
	folder := ev.Folder
	if folder == "" {
		folder = model.FolderOf(ev.Path)
	}
	info, _ := c.states.GetState(ev.TenantID, folder)
	if info.State == state.Paused {
		c.logger.WithFields(logging.Fields{"tenant": ev.TenantID, "path": ev.Path}).Debug("folder paused, dropping event")
		return nil
	}
	if err := c.recoverFolder(ctx, ev.TenantID, folder, info.State); err != nil {
		return err
	}

	started := c.clock.Now()
	progress := state.SyncProgress{TotalFiles: 1, CurrentFile: ev.Path, StartedAt: started}
	if err := c.setState(ctx, ev.TenantID, folder, state.Syncing, state.WithProgress(progress)); err != nil {
		return err
	}

	c.reporter.TaskStarted(ctx, model.TaskEvent{
		Kind: model.TaskFile, TenantID: ev.TenantID, Path: ev.Path, Trigger: string(ev.Type), StartedAt: started,
	})

	fr := fn(&progress)
	progress.CurrentFile = ""
	progress.FilesPerSecond = c.rate(progress)

	opts := []state.Option{state.WithProgress(progress)}
	if fr.Err != nil {
		opts = append(opts, state.WithError(*fr.Err))
	}
	stateErr := c.setState(ctx, ev.TenantID, folder, state.Idle, opts...)

	finished := c.clock.Now()
	done := model.TaskEvent{
		Kind:          model.TaskFile,
		TenantID:      ev.TenantID,
		Path:          ev.Path,
		Trigger:       string(ev.Type),
		StartedAt:     started,
		FinishedAt:    finished,
		Duration:      finished.Sub(started),
		Processed:     progress.ProcessedFiles,
		Failed:        progress.FailedFiles,
		Skipped:       progress.SkippedFiles,
		Deleted:       progress.DeletedFiles,
		ChunksCreated: progress.ChunksCreated,
	}
	if fr.Err != nil {
		done.Error = fr.Err.Error()
	}
	c.reporter.TaskFinished(context.WithoutCancel(ctx), done)

	if fr.Err != nil {
		return fr.Err
	}
	return stateErr
}

func (c *Coordinator) folderFor(ev queue.Event) (detect.FolderSource, error) {
	tenant, ok := c.tenants[ev.TenantID]
	if !ok {
		return detect.FolderSource{}, fmt.Errorf("%w: %s", ErrUnknownTenant, ev.TenantID)
	}
	name := ev.Folder
	if name == "" {
		name = model.FolderOf(ev.Path)
	}
	for _, f := range tenant.Folders {
		if f.Name == name {
			return f, nil
		}
	}
	return detect.FolderSource{}, fmt.Errorf("tenant %s has no folder %q", ev.TenantID, name)
}
