// Package state tracks the sync state machine of every (tenant, folder).
package state

import (
	"errors"
	"fmt"
	"time"

	"docsync/internal/model"
)

// State is a folder's position in the sync state machine
type State string

const (
	Idle       State = "idle"
	Scanning   State = "scanning"
	Syncing    State = "syncing"
	Failed     State = "failed"
	Recovering State = "recovering"
	Paused     State = "paused"
	Cleanup    State = "cleanup"
)

// MaxErrors is how many errors a folder keeps; older ones are dropped
const MaxErrors = 100

var transitions = map[State][]State{
	Idle:       {Scanning, Syncing, Paused, Cleanup, Failed},
	Scanning:   {Syncing, Idle, Failed, Cleanup},
	Syncing:    {Idle, Failed, Paused, Cleanup},
	Failed:     {Recovering, Cleanup},
	Recovering: {Scanning, Syncing, Failed, Cleanup},
	Paused:     {Idle, Failed, Cleanup},
	Cleanup:    {Idle, Failed},
}

// CanTransition reports whether from → to is allowed. Staying in the same
// state is always allowed.
func CanTransition(from, to State) bool {
	if from == to {
		return true
	}
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// ErrInvalidTransition matches every *TransitionError
var ErrInvalidTransition = errors.New("invalid state transition")

// TransitionError reports a rejected state change
type TransitionError struct {
	TenantID string
	Folder   string
	From     State
	To       State
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s/%s: invalid state transition %s -> %s", e.TenantID, e.Folder, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidTransition
}

// Key identifies one synchronized folder
type Key struct {
	TenantID string
	Folder   string
}

// SyncProgress counts the work of the current or last run
type SyncProgress struct {
	TotalFiles     int       `json:"total_files"`
	ProcessedFiles int       `json:"processed_files"`
	FailedFiles    int       `json:"failed_files"`
	DeletedFiles   int       `json:"deleted_files"`
	SkippedFiles   int       `json:"skipped_files"`
	ChunksCreated  int       `json:"chunks_created"`
	CurrentFile    string    `json:"current_file,omitempty"`
	StartedAt      time.Time `json:"started_at"`
	FilesPerSecond float64   `json:"files_per_second"`
}

// SyncStateInfo is the state record of one folder
type SyncStateInfo struct {
	TenantID           string            `json:"tenant_id"`
	Folder             string            `json:"folder"`
	State              State             `json:"state"`
	Progress           SyncProgress      `json:"progress"`
	Errors             []model.SyncError `json:"errors"`
	LastSuccessfulSync time.Time         `json:"last_successful_sync"`
	Metadata           map[string]string `json:"metadata,omitempty"`
	Version            int64             `json:"version"`
	UpdatedAt          time.Time         `json:"updated_at"`
}

// Key returns the record's key
func (i SyncStateInfo) Key() Key {
	return Key{TenantID: i.TenantID, Folder: i.Folder}
}

// UnresolvedErrors returns the errors not yet marked resolved
func (i SyncStateInfo) UnresolvedErrors() []model.SyncError {
	var out []model.SyncError
	for _, e := range i.Errors {
		if !e.Resolved {
			out = append(out, e)
		}
	}
	return out
}

func (i SyncStateInfo) clone() SyncStateInfo {
	c := i
	c.Errors = append([]model.SyncError(nil), i.Errors...)
	if i.Metadata != nil {
		c.Metadata = make(map[string]string, len(i.Metadata))
		for k, v := range i.Metadata {
			c.Metadata[k] = v
		}
	}
	return c
}

// Option modifies an update
type Option func(*update)

type update struct {
	progress *SyncProgress
	errors   []model.SyncError
	metadata map[string]string
}

// WithProgress replaces the progress counters
func WithProgress(p SyncProgress) Option {
	return func(u *update) {
		u.progress = &p
	}
}

// WithError appends an error to the folder's error list
func WithError(e model.SyncError) Option {
	return func(u *update) {
		u.errors = append(u.errors, e)
	}
}

// WithMetadata sets one metadata entry
func WithMetadata(key, value string) Option {
	return func(u *update) {
		if u.metadata == nil {
			u.metadata = make(map[string]string)
		}
		u.metadata[key] = value
	}
}
