package model

import (
	"path"
	"strings"
	"time"
)

// FileStatus is the processing status of a FileRecord
type FileStatus string

const (
	StatusPending    FileStatus = "pending"
	StatusProcessing FileStatus = "processing"
	StatusCompleted  FileStatus = "completed"
	StatusFailed     FileStatus = "failed"
)

// FileRecord is the persisted metadata of one source file
type FileRecord struct {
	ID          int64
	TenantID    string
	Path        string // logical, tenant-relative: "<folder>/<rel>"
	Name        string
	Size        int64
	Fingerprint string // empty until the file has been processed once
	Status      FileStatus
	LastError   string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// Folder returns the logical folder the record belongs to
func (r FileRecord) Folder() string {
	return FolderOf(r.Path)
}

// Candidate is a file present in the source listing
type Candidate struct {
	Path        string // logical path, same form as FileRecord.Path
	AbsPath     string
	Name        string
	Size        int64
	ModTime     time.Time
	Fingerprint string // filled by the detector
}

// Listing is the result of walking one source folder
type Listing struct {
	Files []Candidate
	// Unreadable holds the entries that could not be read. A directory
	// entry covers every path below it.
	Unreadable []*SyncError
}

// Covers reports whether path is an unreadable entry or lies below one
func (l *Listing) Covers(path string) bool {
	if l == nil {
		return false
	}
	for _, se := range l.Unreadable {
		if path == se.Path || strings.HasPrefix(path, se.Path+"/") {
			return true
		}
	}
	return false
}

// PlannedUpdate pairs an existing record with the fresh candidate that replaces it
type PlannedUpdate struct {
	Existing FileRecord
	Fresh    Candidate
}

// SyncPlan is the diff between a source listing and persisted records.
// A path appears in at most one of New, Updated and Deleted.
type SyncPlan struct {
	TenantID string
	New      []Candidate
	Updated  []PlannedUpdate
	Deleted  []FileRecord
	// Skipped lists source entries that could not be read or fingerprinted
	Skipped []*SyncError
}

// IsEmpty reports whether the plan has nothing to apply
func (p *SyncPlan) IsEmpty() bool {
	return p == nil || len(p.New)+len(p.Updated)+len(p.Deleted) == 0
}

// Len returns the number of planned file operations
func (p *SyncPlan) Len() int {
	if p == nil {
		return 0
	}
	return len(p.New) + len(p.Updated) + len(p.Deleted)
}

// TextChunk is an ordered fragment of a file's extracted text.
// Start and End are rune offsets into the extracted text.
type TextChunk struct {
	Index      int
	Text       string
	Start      int
	End        int
	TokenCount int
}

// EmbeddedChunk is a TextChunk with the vector produced for it
type EmbeddedChunk struct {
	TextChunk
	Vector  []float32
	ModelID string
}

// LogicalPath joins a folder name and a slash-separated relative path
func LogicalPath(folder, rel string) string {
	return path.Join(folder, strings.TrimPrefix(rel, "/"))
}

// FolderOf returns the first element of a logical path
func FolderOf(logical string) string {
	if i := strings.IndexByte(logical, '/'); i >= 0 {
		return logical[:i]
	}
	return logical
}

// TenantStats summarizes the persisted corpus of one tenant
type TenantStats struct {
	TenantID   string    `json:"tenant_id"`
	Files      int       `json:"files"`
	Completed  int       `json:"completed"`
	Pending    int       `json:"pending"`
	Processing int       `json:"processing"`
	Failed     int       `json:"failed"`
	Chunks     int       `json:"chunks"`
	TotalBytes int64     `json:"total_bytes"`
	LastUpdate time.Time `json:"last_update"`
}

// TaskKind names the unit of work a TaskEvent describes
type TaskKind string

const (
	TaskSync    TaskKind = "sync"
	TaskFile    TaskKind = "file"
	TaskCleanup TaskKind = "cleanup"
)

// TaskEvent reports the start or end of a sync task to the metrics sink
type TaskEvent struct {
	Kind          TaskKind      `json:"kind"`
	RunID         string        `json:"run_id,omitempty"`
	TenantID      string        `json:"tenant_id"`
	Path          string        `json:"path,omitempty"`
	Trigger       string        `json:"trigger,omitempty"`
	StartedAt     time.Time     `json:"started_at"`
	FinishedAt    time.Time     `json:"finished_at,omitempty"`
	Duration      time.Duration `json:"duration_ns,omitempty"`
	Processed     int           `json:"processed"`
	Failed        int           `json:"failed"`
	Skipped       int           `json:"skipped"`
	Deleted       int           `json:"deleted"`
	ChunksCreated int           `json:"chunks_created"`
	Cancelled     bool          `json:"cancelled,omitempty"`
	Conflict      bool          `json:"conflict,omitempty"`
	Error         string        `json:"error,omitempty"`
}
