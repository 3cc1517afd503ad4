package syncer

import (
	"time"

	"docsync/internal/model"
)

// Outcome is what happened to one file in a run
type Outcome string

const (
	Succeeded Outcome = "succeeded"
	Failed    Outcome = "failed"
	Skipped   Outcome = "skipped"
)

// FileResult is the explicit per-file outcome of the pipeline
type FileResult struct {
	Path    string
	Outcome Outcome
	Chunks  int
	Reason  string // why a file was skipped
	Err     *model.SyncError
}

// SyncResult aggregates one SyncTenant run
type SyncResult struct {
	TenantID      string
	RunID         string
	Processed     int
	Failed        int
	Skipped       int
	Deleted       int
	ChunksCreated int
	Files         []FileResult
	Conflict      bool
	Cancelled     bool
	Duration      time.Duration
}

func (r *SyncResult) add(fr FileResult) {
	r.Files = append(r.Files, fr)
	switch fr.Outcome {
	case Succeeded:
		r.Processed++
		r.ChunksCreated += fr.Chunks
	case Failed:
		r.Failed++
	case Skipped:
		r.Skipped++
	}
}

// CleanupResult reports what Cleanup repaired
type CleanupResult struct {
	TenantID       string
	ResetFiles     int64
	OrphanChunks   int64
	FoldersChecked int
}
