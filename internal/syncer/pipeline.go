package syncer

import (
	"context"
	"errors"
	"fmt"

	"docsync/internal/chunking"
	"docsync/internal/extract"
	"docsync/internal/logging"
	"docsync/internal/model"
	"docsync/internal/vectorindex"
)

// processFile runs extract, chunk, embed, persist and index for one file.
// The file is never left half-applied: the stored fingerprint only changes
// once every stage succeeded.
func (c *Coordinator) processFile(ctx context.Context, tenantID string, cand model.Candidate, opts Options) FileResult {
	logger := c.logger.WithFields(logging.Fields{"tenant": tenantID, "path": cand.Path})

	rec := &model.FileRecord{
		TenantID: tenantID,
		Path:     cand.Path,
		Name:     cand.Name,
		Size:     cand.Size,
		Status:   model.StatusProcessing,
	}
	if err := c.store.CreateFile(ctx, rec); err != nil {
		return c.failed(cand.Path, err)
	}

	ex, err := c.extractors.Lookup(cand.AbsPath)
	if errors.Is(err, extract.ErrUnsupported) {
		return c.skipFile(ctx, rec, cand, "unsupported file type", logger)
	}
	if err != nil {
		return c.failFile(ctx, rec, err, logger)
	}

	text, err := ex.ExtractText(ctx, cand.AbsPath)
	if err != nil {
		return c.failFile(ctx, rec, fmt.Errorf("extract: %w", err), logger)
	}

	strategy := opts.Strategy
	if strategy == "" {
		strategy = c.cfg.Strategy
	}
	chunks := chunking.Limit(chunking.Chunk(text, strategy, c.cfg.ChunkSize, c.cfg.ChunkOverlap), c.cfg.MaxChunks)
	if len(chunks) == 0 {
		return c.skipFile(ctx, rec, cand, "no content", logger)
	}

	modelID := opts.ModelID
	if modelID == "" {
		modelID = c.cfg.ModelID
	}
	embedded, err := c.embedder.EmbedFor(ctx, tenantID, chunks, modelID)
	if err != nil {
		return c.failFile(ctx, rec, err, logger)
	}

	if err := c.replaceChunks(ctx, rec, embedded); err != nil {
		return c.failFile(ctx, rec, err, logger)
	}

	rec.Status = model.StatusCompleted
	rec.Fingerprint = cand.Fingerprint
	rec.LastError = ""
	if err := c.store.UpdateFile(ctx, rec); err != nil {
		return c.failFile(ctx, rec, err, logger)
	}

	logger.WithFields(logging.Fields{"chunks": len(embedded), "model": modelID}).Debug("file synced")
	return FileResult{Path: cand.Path, Outcome: Succeeded, Chunks: len(embedded)}
}

// replaceChunks swaps the stored and indexed chunks of a file for embedded
func (c *Coordinator) replaceChunks(ctx context.Context, rec *model.FileRecord, embedded []model.EmbeddedChunk) error {
	previous, err := c.store.SaveEmbeddings(ctx, rec.ID, rec.TenantID, embedded)
	if err != nil {
		return err
	}

	if previous > len(embedded) {
		var stale []string
		for i := len(embedded); i < previous; i++ {
			stale = append(stale, vectorindex.PointID(rec.TenantID, rec.Path, i))
		}
		if err := c.index.Delete(ctx, stale); err != nil {
			return fmt.Errorf("failed to delete stale vectors: %w", err)
		}
	}

	if len(embedded) == 0 {
		return nil
	}
	points := make([]vectorindex.Point, len(embedded))
	for i, ch := range embedded {
		points[i] = vectorindex.Point{
			ID:       vectorindex.PointID(rec.TenantID, rec.Path, ch.Index),
			TenantID: rec.TenantID,
			Path:     rec.Path,
			Index:    ch.Index,
			Vector:   ch.Vector,
			Text:     ch.Text,
		}
	}
	if err := c.index.Upsert(ctx, points); err != nil {
		return fmt.Errorf("failed to index vectors: %w", err)
	}
	return nil
}

// skipFile records a file that produces no chunks. Its fingerprint is stored
// so it is not re-planned until it changes, and any chunks left from an
// earlier version are removed.
func (c *Coordinator) skipFile(ctx context.Context, rec *model.FileRecord, cand model.Candidate, reason string, logger *logging.Logger) FileResult {
	if err := c.replaceChunks(ctx, rec, nil); err != nil {
		return c.failFile(ctx, rec, err, logger)
	}

	rec.Status = model.StatusCompleted
	rec.Fingerprint = cand.Fingerprint
	rec.LastError = "skipped: " + reason
	if err := c.store.UpdateFile(ctx, rec); err != nil {
		return c.failFile(ctx, rec, err, logger)
	}

	logger.WithContext("reason", reason).Debug("file skipped")
	return FileResult{Path: cand.Path, Outcome: Skipped, Reason: reason}
}

// failFile marks the record failed, keeping its previous fingerprint so the
// next run plans it again
func (c *Coordinator) failFile(ctx context.Context, rec *model.FileRecord, cause error, logger *logging.Logger) FileResult {
	se := syncErrorFor(cause, rec.Path, c.clock.Now())
	logger.WithContext("type", se.Type).WithError(cause).Warn("file failed")

	rec.Status = model.StatusFailed
	rec.LastError = cause.Error()
	if err := c.store.UpdateFile(context.WithoutCancel(ctx), rec); err != nil {
		logger.WithError(err).Error("failed to mark file failed")
	}
	return FileResult{Path: rec.Path, Outcome: Failed, Err: se}
}

func (c *Coordinator) failed(path string, cause error) FileResult {
	return FileResult{Path: path, Outcome: Failed, Err: syncErrorFor(cause, path, c.clock.Now())}
}

// deleteFile hard-deletes a record, its chunks and its vectors
func (c *Coordinator) deleteFile(ctx context.Context, tenantID, path string) error {
	removed, err := c.store.DeleteFile(ctx, tenantID, path)
	if err != nil {
		return err
	}
	if removed > 0 {
		if err := c.index.Delete(ctx, vectorindex.PointIDs(tenantID, path, removed)); err != nil {
			return fmt.Errorf("failed to delete vectors: %w", err)
		}
	}
	c.logger.WithFields(logging.Fields{"tenant": tenantID, "path": path, "chunks": removed}).Debug("file deleted")
	return nil
}
