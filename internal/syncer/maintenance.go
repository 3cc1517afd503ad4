package syncer

import (
	"context"
	"errors"
	"fmt"

	"golang.org/x/sync/errgroup"

	"docsync/internal/logging"
	"docsync/internal/model"
	"docsync/internal/state"
)

// SyncAll syncs every configured tenant, ConcurrentTenants at a time.
// Results are returned in tenant order; errors of all tenants are joined.
func (c *Coordinator) SyncAll(ctx context.Context, opts Options) ([]*SyncResult, error) {
	results := make([]*SyncResult, len(c.order))
	errs := make([]error, len(c.order))

	var g errgroup.Group
	g.SetLimit(c.cfg.ConcurrentTenants)
	for i, id := range c.order {
		g.Go(func() error {
			results[i], errs[i] = c.SyncTenant(ctx, id, opts)
			return nil
		})
	}
	g.Wait()

	return results, errors.Join(errs...)
}

// Pause stops syncing the tenant's folders until Resume. It waits for a
// running sync of the tenant to finish.
func (c *Coordinator) Pause(ctx context.Context, tenantID string) error {
	return c.eachFolder(ctx, tenantID, func(folder string, cur state.State) error {
		if cur == state.Paused {
			return nil
		}
		if cur == state.Failed {
			return fmt.Errorf("%s/%s is failed; run cleanup or sync first", tenantID, folder)
		}
		return c.setState(ctx, tenantID, folder, state.Paused)
	})
}

// Resume returns paused folders to Idle
func (c *Coordinator) Resume(ctx context.Context, tenantID string) error {
	return c.eachFolder(ctx, tenantID, func(folder string, cur state.State) error {
		if cur != state.Paused {
			return nil
		}
		return c.setState(ctx, tenantID, folder, state.Idle)
	})
}

// Cleanup repairs a tenant after a crash: records stuck in processing go
// back to pending and chunks without a record are deleted. Every folder
// passes through the Cleanup state and ends Idle, or Failed when the
// repair did not complete.
func (c *Coordinator) Cleanup(ctx context.Context, tenantID string) (*CleanupResult, error) {
	if _, ok := c.tenants[tenantID]; !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	unlock, err := c.lock(ctx, tenantID)
	if err != nil {
		return nil, err
	}
	defer unlock()
	defer c.markBusy(tenantID)()

	res := &CleanupResult{TenantID: tenantID}
	started := c.clock.Now()
	c.reporter.TaskStarted(ctx, model.TaskEvent{Kind: model.TaskCleanup, TenantID: tenantID, StartedAt: started})

	err = c.eachFolderLocked(tenantID, func(folder string, _ state.State) error {
		res.FoldersChecked++
		return c.setState(ctx, tenantID, folder, state.Cleanup)
	})
	if err == nil {
		err = c.repair(ctx, tenantID, res)
	}

	// leave Cleanup even when the repair failed
	leaveErr := c.eachFolderLocked(tenantID, func(folder string, cur state.State) error {
		if cur != state.Cleanup {
			return nil
		}
		if err != nil {
			se := model.NewSyncError(model.ErrInternal, "", err)
			se.Timestamp = c.clock.Now()
			return c.setState(ctx, tenantID, folder, state.Failed, state.WithError(*se))
		}
		return c.setState(ctx, tenantID, folder, state.Idle)
	})
	joined := errors.Join(err, leaveErr)

	finished := c.clock.Now()
	ev := model.TaskEvent{
		Kind:       model.TaskCleanup,
		TenantID:   tenantID,
		StartedAt:  started,
		FinishedAt: finished,
		Duration:   finished.Sub(started),
	}
	if joined != nil {
		ev.Error = joined.Error()
	}
	c.reporter.TaskFinished(context.WithoutCancel(ctx), ev)

	c.logger.WithFields(logging.Fields{
		"tenant":  tenantID,
		"reset":   res.ResetFiles,
		"orphans": res.OrphanChunks,
		"folders": res.FoldersChecked,
	}).Info("cleanup finished")
	return res, joined
}

func (c *Coordinator) repair(ctx context.Context, tenantID string, res *CleanupResult) error {
	var err error
	if res.ResetFiles, err = c.store.ResetProcessing(ctx, tenantID); err != nil {
		return err
	}
	if res.OrphanChunks, err = c.store.DeleteOrphanChunks(ctx, tenantID); err != nil {
		return err
	}
	return nil
}

// eachFolder calls fn for every folder of a tenant while holding the tenant lock
func (c *Coordinator) eachFolder(ctx context.Context, tenantID string, fn func(folder string, cur state.State) error) error {
	if _, ok := c.tenants[tenantID]; !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	unlock, err := c.lock(ctx, tenantID)
	if err != nil {
		return err
	}
	defer unlock()
	return c.eachFolderLocked(tenantID, fn)
}

func (c *Coordinator) eachFolderLocked(tenantID string, fn func(folder string, cur state.State) error) error {
	tenant, ok := c.tenants[tenantID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTenant, tenantID)
	}
	var errs []error
	for _, f := range tenant.Folders {
		info, _ := c.states.GetState(tenantID, f.Name)
		cur := info.State
		if cur == "" {
			cur = state.Idle
		}
		if err := fn(f.Name, cur); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
