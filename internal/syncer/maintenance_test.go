package syncer

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"

	"docsync/internal/model"
	"docsync/internal/state"
	"docsync/internal/testutil"
)

func TestPauseResume(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.write(t, "acme", "a.txt", testutil.Words(12))

	if err := h.coord.Pause(ctx, "acme"); err != nil {
		t.Fatalf("Pause() error = %v", err)
	}
	// pausing twice is fine
	if err := h.coord.Pause(ctx, "acme"); err != nil {
		t.Fatalf("second Pause() error = %v", err)
	}

	res := h.sync(t, "acme", Options{})
	if res.Processed != 0 {
		t.Errorf("paused sync processed %d files", res.Processed)
	}
	if got := h.folderState(t, "acme").State; got != state.Paused {
		t.Errorf("state = %s, want paused", got)
	}

	if err := h.coord.Resume(ctx, "acme"); err != nil {
		t.Fatalf("Resume() error = %v", err)
	}
	if got := h.folderState(t, "acme").State; got != state.Idle {
		t.Errorf("state = %s, want idle", got)
	}
	if res := h.sync(t, "acme", Options{}); res.Processed != 1 {
		t.Errorf("processed after resume = %d, want 1", res.Processed)
	}
}

func TestPause_FailedFolderRefused(t *testing.T) {
	h := newHarness(t, "acme")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.coord.SyncTenant(ctx, "acme", Options{})

	if err := h.coord.Pause(context.Background(), "acme"); err == nil {
		t.Error("Pause() of a failed folder should fail")
	}
	if got := h.folderState(t, "acme").State; got != state.Failed {
		t.Errorf("state = %s, want failed", got)
	}
}

func TestCleanup_ResetsStuckFiles(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.write(t, "acme", "a.txt", testutil.Words(12))
	h.sync(t, "acme", Options{})

	stuck := &model.FileRecord{TenantID: "acme", Path: "docs/stuck.txt", Name: "stuck.txt", Status: model.StatusProcessing}
	if err := h.store.CreateFile(ctx, stuck); err != nil {
		t.Fatal(err)
	}

	res, err := h.coord.Cleanup(ctx, "acme")
	if err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	want := &CleanupResult{TenantID: "acme", ResetFiles: 1, FoldersChecked: 1}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Cleanup() mismatch (-want +got):\n%s", diff)
	}

	rec, err := h.store.GetFile(ctx, "acme", "docs/stuck.txt")
	if err != nil {
		t.Fatal(err)
	}
	if rec.Status != model.StatusPending {
		t.Errorf("status = %s, want pending", rec.Status)
	}
	if got := h.folderState(t, "acme").State; got != state.Idle {
		t.Errorf("state = %s, want idle", got)
	}

	var kinds []model.TaskKind
	for _, ev := range h.reporter.finishedEvents() {
		kinds = append(kinds, ev.Kind)
	}
	if diff := cmp.Diff([]model.TaskKind{model.TaskSync, model.TaskCleanup}, kinds); diff != "" {
		t.Errorf("reported tasks mismatch (-want +got):\n%s", diff)
	}
}

func TestCleanup_RecoversFailedFolder(t *testing.T) {
	h := newHarness(t, "acme")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.coord.SyncTenant(ctx, "acme", Options{})

	if _, err := h.coord.Cleanup(context.Background(), "acme"); err != nil {
		t.Fatalf("Cleanup() error = %v", err)
	}
	if got := h.folderState(t, "acme").State; got != state.Idle {
		t.Errorf("state = %s, want idle", got)
	}
}

func TestCleanup_UnknownTenant(t *testing.T) {
	h := newHarness(t, "acme")
	if _, err := h.coord.Cleanup(context.Background(), "nobody"); err == nil {
		t.Error("Cleanup() of an unknown tenant should fail")
	}
}
