package state

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"docsync/internal/clock"
	"docsync/internal/logging"
	"docsync/internal/model"
)

// Persister durably stores state records. SaveState must ignore a record
// whose Version is not newer than the stored one.
type Persister interface {
	SaveState(ctx context.Context, info SyncStateInfo) error
	LoadStates(ctx context.Context) ([]SyncStateInfo, error)
}

type snapshot struct {
	states map[Key]*SyncStateInfo
}

// Store holds the state of every folder. Reads load an immutable snapshot
// and never block on writers.
type Store struct {
	persister Persister
	clock     clock.Clock
	logger    *logging.Logger

	mu      sync.Mutex // serializes writers
	version int64
	snap    atomic.Pointer[snapshot]
}

// NewStore creates an empty Store. persister may be nil.
func NewStore(persister Persister, clk clock.Clock, logger *logging.Logger) *Store {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	s := &Store{persister: persister, clock: clk, logger: logger}
	s.snap.Store(&snapshot{states: map[Key]*SyncStateInfo{}})
	return s
}

// Load replaces the in-memory states with the persisted ones
func (s *Store) Load(ctx context.Context) error {
	if s.persister == nil {
		return nil
	}
	infos, err := s.persister.LoadStates(ctx)
	if err != nil {
		return fmt.Errorf("failed to load sync states: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	states := make(map[Key]*SyncStateInfo, len(infos))
	for i := range infos {
		info := infos[i].clone()
		states[info.Key()] = &info
		if info.Version > s.version {
			s.version = info.Version
		}
	}
	s.snap.Store(&snapshot{states: states})

	s.logger.WithContext("count", len(states)).Info("sync states loaded")
	return nil
}

// UpdateState moves (tenant, folder) to newState and applies opts. A folder
// seen for the first time starts from Idle.
func (s *Store) UpdateState(ctx context.Context, tenantID, folder string, newState State, opts ...Option) (SyncStateInfo, error) {
	return s.apply(ctx, Key{tenantID, folder}, newState, opts)
}

// RecordError appends an error without changing the folder's state
func (s *Store) RecordError(ctx context.Context, tenantID, folder string, e model.SyncError) error {
	_, err := s.apply(ctx, Key{tenantID, folder}, "", []Option{WithError(e)})
	return err
}

// apply performs an update; an empty newState keeps the current state
func (s *Store) apply(ctx context.Context, key Key, newState State, opts []Option) (SyncStateInfo, error) {
	var u update
	for _, opt := range opts {
		opt(&u)
	}

	s.mu.Lock()
	cur := s.snap.Load()
	var next SyncStateInfo
	if old, ok := cur.states[key]; ok {
		next = old.clone()
	} else {
		next = SyncStateInfo{TenantID: key.TenantID, Folder: key.Folder, State: Idle}
	}

	from := next.State
	if newState == "" {
		newState = from
	}
	if !CanTransition(from, newState) {
		s.mu.Unlock()
		return SyncStateInfo{}, &TransitionError{TenantID: key.TenantID, Folder: key.Folder, From: from, To: newState}
	}

	now := s.clock.Now()
	next.State = newState
	if newState == Idle && from != Idle {
		next.LastSuccessfulSync = now
		for i := range next.Errors {
			next.Errors[i].Resolved = true
		}
	}
	if u.progress != nil {
		next.Progress = *u.progress
	}
	if len(u.errors) > 0 {
		next.Errors = append(next.Errors, u.errors...)
		if over := len(next.Errors) - MaxErrors; over > 0 {
			next.Errors = append([]model.SyncError(nil), next.Errors[over:]...)
		}
	}
	if len(u.metadata) > 0 {
		if next.Metadata == nil {
			next.Metadata = make(map[string]string, len(u.metadata))
		}
		for k, v := range u.metadata {
			next.Metadata[k] = v
		}
	}
	s.version++
	next.Version = s.version
	next.UpdatedAt = now

	states := make(map[Key]*SyncStateInfo, len(cur.states)+1)
	for k, v := range cur.states {
		states[k] = v
	}
	published := next.clone()
	states[key] = &published
	s.snap.Store(&snapshot{states: states})
	s.mu.Unlock()

	if from != newState {
		s.logger.WithFields(logging.Fields{
			"tenant": key.TenantID,
			"folder": key.Folder,
			"from":   string(from),
			"to":     string(newState),
		}).Debug("state transition")
	}

	if s.persister != nil {
		if err := s.persister.SaveState(ctx, next); err != nil {
			return next, fmt.Errorf("failed to persist state of %s/%s: %w", key.TenantID, key.Folder, err)
		}
	}
	return next, nil
}

// GetState returns a copy of one folder's state
func (s *Store) GetState(tenantID, folder string) (SyncStateInfo, bool) {
	info, ok := s.snap.Load().states[Key{tenantID, folder}]
	if !ok {
		return SyncStateInfo{}, false
	}
	return info.clone(), true
}

// GetAllStates returns every folder's state sorted by tenant and folder
func (s *Store) GetAllStates() []SyncStateInfo {
	return s.filter(func(*SyncStateInfo) bool { return true })
}

// GetFailedStates returns the folders currently in Failed
func (s *Store) GetFailedStates() []SyncStateInfo {
	return s.filter(func(i *SyncStateInfo) bool { return i.State == Failed })
}

// TenantStates returns the folders of one tenant
func (s *Store) TenantStates(tenantID string) []SyncStateInfo {
	return s.filter(func(i *SyncStateInfo) bool { return i.TenantID == tenantID })
}

func (s *Store) filter(keep func(*SyncStateInfo) bool) []SyncStateInfo {
	snap := s.snap.Load()
	var out []SyncStateInfo
	for _, info := range snap.states {
		if keep(info) {
			out = append(out, info.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].TenantID != out[j].TenantID {
			return out[i].TenantID < out[j].TenantID
		}
		return out[i].Folder < out[j].Folder
	})
	return out
}
