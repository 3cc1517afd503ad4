package state

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"docsync/internal/logging"
	"docsync/internal/model"
	"docsync/internal/testutil"
)

// memPersister keeps the newest version of each key
type memPersister struct {
	mu     sync.Mutex
	states map[Key]SyncStateInfo
	err    error
	saves  int
}

func newMemPersister() *memPersister {
	return &memPersister{states: map[Key]SyncStateInfo{}}
}

func (p *memPersister) SaveState(ctx context.Context, info SyncStateInfo) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.saves++
	if p.err != nil {
		return p.err
	}
	if old, ok := p.states[info.Key()]; ok && old.Version >= info.Version {
		return nil
	}
	p.states[info.Key()] = info.clone()
	return nil
}

func (p *memPersister) LoadStates(ctx context.Context) ([]SyncStateInfo, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []SyncStateInfo
	for _, s := range p.states {
		out = append(out, s.clone())
	}
	return out, nil
}

var ignoreCause = cmpopts.IgnoreUnexported(model.SyncError{})

func newTestStore(p Persister) (*Store, *testutil.StubClock) {
	clk := testutil.FixedClock()
	return NewStore(p, clk, logging.Discard()), clk
}

func TestCanTransition(t *testing.T) {
	tests := []struct {
		from, to State
		want     bool
	}{
		{Idle, Scanning, true},
		{Idle, Syncing, true},
		{Idle, Recovering, false},
		{Scanning, Syncing, true},
		{Scanning, Paused, false},
		{Syncing, Idle, true},
		{Syncing, Scanning, false},
		{Failed, Recovering, true},
		{Failed, Idle, false},
		{Failed, Scanning, false},
		{Recovering, Scanning, true},
		{Paused, Idle, true},
		{Paused, Syncing, false},
		{Cleanup, Idle, true},
		{Cleanup, Scanning, false},
		{Failed, Failed, true},
	}
	for _, tt := range tests {
		if got := CanTransition(tt.from, tt.to); got != tt.want {
			t.Errorf("CanTransition(%s, %s) = %v, want %v", tt.from, tt.to, got, tt.want)
		}
	}
}

func TestUpdateState_Lifecycle(t *testing.T) {
	ctx := context.Background()
	s, clk := newTestStore(nil)

	if _, ok := s.GetState("t1", "docs"); ok {
		t.Fatal("unknown folder should have no state")
	}

	if _, err := s.UpdateState(ctx, "t1", "docs", Scanning); err != nil {
		t.Fatalf("Idle -> Scanning: %v", err)
	}
	progress := SyncProgress{TotalFiles: 3, ProcessedFiles: 1, CurrentFile: "docs/a.txt"}
	if _, err := s.UpdateState(ctx, "t1", "docs", Syncing, WithProgress(progress), WithMetadata("run_id", "run-1")); err != nil {
		t.Fatalf("Scanning -> Syncing: %v", err)
	}

	clk.Advance(time.Minute)
	info, err := s.UpdateState(ctx, "t1", "docs", Idle)
	if err != nil {
		t.Fatalf("Syncing -> Idle: %v", err)
	}

	if info.State != Idle {
		t.Errorf("State = %s", info.State)
	}
	if !info.LastSuccessfulSync.Equal(clk.Now()) {
		t.Errorf("LastSuccessfulSync = %v, want %v", info.LastSuccessfulSync, clk.Now())
	}
	if diff := cmp.Diff(progress, info.Progress); diff != "" {
		t.Errorf("progress mismatch (-want +got):\n%s", diff)
	}
	if info.Metadata["run_id"] != "run-1" {
		t.Errorf("Metadata = %v", info.Metadata)
	}
	if info.Version != 3 {
		t.Errorf("Version = %d, want 3", info.Version)
	}

	got, _ := s.GetState("t1", "docs")
	if diff := cmp.Diff(info, got, ignoreCause); diff != "" {
		t.Errorf("GetState mismatch (-want +got):\n%s", diff)
	}
}

func TestUpdateState_InvalidTransition(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(nil)

	s.UpdateState(ctx, "t1", "docs", Failed)
	_, err := s.UpdateState(ctx, "t1", "docs", Idle)

	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("UpdateState() error = %v, want ErrInvalidTransition", err)
	}
	var te *TransitionError
	if !errors.As(err, &te) || te.From != Failed || te.To != Idle {
		t.Errorf("unexpected error: %+v", te)
	}

	info, _ := s.GetState("t1", "docs")
	if info.State != Failed {
		t.Errorf("rejected transition changed state to %s", info.State)
	}

	// recovery path
	for _, next := range []State{Recovering, Scanning, Syncing, Idle} {
		if _, err := s.UpdateState(ctx, "t1", "docs", next); err != nil {
			t.Fatalf("-> %s: %v", next, err)
		}
	}
}

func TestRecordError_KeepsStateAndCaps(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(nil)
	s.UpdateState(ctx, "t1", "docs", Scanning)

	for i := 0; i < MaxErrors+5; i++ {
		se := model.SyncError{Type: model.ErrFileAccess, Message: fmt.Sprintf("e%d", i)}
		if err := s.RecordError(ctx, "t1", "docs", se); err != nil {
			t.Fatalf("RecordError() error = %v", err)
		}
	}

	info, _ := s.GetState("t1", "docs")
	if info.State != Scanning {
		t.Errorf("RecordError changed state to %s", info.State)
	}
	if len(info.Errors) != MaxErrors {
		t.Fatalf("kept %d errors, want %d", len(info.Errors), MaxErrors)
	}
	if info.Errors[0].Message != "e5" || info.Errors[MaxErrors-1].Message != fmt.Sprintf("e%d", MaxErrors+4) {
		t.Errorf("oldest errors should be dropped first: first=%s last=%s", info.Errors[0].Message, info.Errors[MaxErrors-1].Message)
	}
}

func TestEnteringIdleResolvesErrors(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(nil)

	s.UpdateState(ctx, "t1", "docs", Syncing, WithError(model.SyncError{Type: model.ErrNetwork, Message: "down"}))
	info, _ := s.GetState("t1", "docs")
	if len(info.UnresolvedErrors()) != 1 {
		t.Fatalf("expected one unresolved error")
	}

	s.UpdateState(ctx, "t1", "docs", Idle)
	info, _ = s.GetState("t1", "docs")
	if len(info.Errors) != 1 || len(info.UnresolvedErrors()) != 0 {
		t.Errorf("errors after Idle: %+v", info.Errors)
	}
}

func TestGetFailedStatesAndSnapshots(t *testing.T) {
	ctx := context.Background()
	s, _ := newTestStore(nil)

	s.UpdateState(ctx, "t1", "a", Failed)
	s.UpdateState(ctx, "t1", "b", Scanning)
	s.UpdateState(ctx, "t2", "a", Failed)

	failed := s.GetFailedStates()
	if len(failed) != 2 || failed[0].TenantID != "t1" || failed[1].TenantID != "t2" {
		t.Errorf("GetFailedStates() = %+v", failed)
	}
	if got := len(s.GetAllStates()); got != 3 {
		t.Errorf("GetAllStates() = %d entries", got)
	}
	if got := len(s.TenantStates("t1")); got != 2 {
		t.Errorf("TenantStates(t1) = %d entries", got)
	}

	// mutating a returned copy must not affect the store
	info, _ := s.GetState("t1", "b")
	info.State = Paused
	info.Errors = append(info.Errors, model.SyncError{Message: "x"})
	again, _ := s.GetState("t1", "b")
	if again.State != Scanning || len(again.Errors) != 0 {
		t.Error("GetState must return an independent copy")
	}
}

func TestPersistenceRoundTrip(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	s, _ := newTestStore(p)

	s.UpdateState(ctx, "t1", "docs", Scanning)
	s.UpdateState(ctx, "t1", "docs", Failed, WithError(model.SyncError{Type: model.ErrInternal, Message: "scan"}))
	s.UpdateState(ctx, "t2", "notes", Paused)

	reloaded, _ := newTestStore(p)
	if err := reloaded.Load(ctx); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	want := s.GetAllStates()
	got := reloaded.GetAllStates()
	if diff := cmp.Diff(want, got, ignoreCause); diff != "" {
		t.Errorf("reloaded states mismatch (-want +got):\n%s", diff)
	}

	// versions continue after the highest persisted one
	info, err := reloaded.UpdateState(ctx, "t2", "notes", Idle)
	if err != nil {
		t.Fatal(err)
	}
	if info.Version != 4 {
		t.Errorf("Version after reload = %d, want 4", info.Version)
	}
}

func TestPersistenceFailureReturned(t *testing.T) {
	p := newMemPersister()
	p.err = errors.New("disk full")
	s, _ := newTestStore(p)

	_, err := s.UpdateState(context.Background(), "t1", "docs", Scanning)
	if err == nil {
		t.Fatal("expected persistence error")
	}

	// the in-memory state is still published
	info, ok := s.GetState("t1", "docs")
	if !ok || info.State != Scanning {
		t.Errorf("state = %+v", info)
	}
}

func TestConcurrentUpdatesAreSerialized(t *testing.T) {
	ctx := context.Background()
	p := newMemPersister()
	s, _ := newTestStore(p)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			s.RecordError(ctx, "t1", "docs", model.SyncError{Message: fmt.Sprintf("e%d", i)})
			s.GetAllStates()
		}(i)
	}
	wg.Wait()

	info, _ := s.GetState("t1", "docs")
	if len(info.Errors) != 50 || info.Version != 50 {
		t.Errorf("errors=%d version=%d, want 50/50", len(info.Errors), info.Version)
	}
	persisted, _ := p.LoadStates(ctx)
	if len(persisted) != 1 || persisted[0].Version != 50 {
		t.Errorf("persister should hold the newest version, got %+v", persisted)
	}
}
