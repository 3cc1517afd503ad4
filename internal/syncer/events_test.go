package syncer

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"docsync/internal/logging"
	"docsync/internal/model"
	"docsync/internal/queue"
	"docsync/internal/state"
	"docsync/internal/testutil"
)

func fileEvent(h *harness, typ queue.EventType, tenant, rel string) queue.Event {
	return queue.Event{
		Type:     typ,
		TenantID: tenant,
		Folder:   "docs",
		Path:     "docs/" + rel,
		AbsPath:  filepath.Join(h.roots[tenant], filepath.FromSlash(rel)),
	}
}

func TestHandleUpsert_CreateAndUpdate(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()

	h.write(t, "acme", "a.txt", testutil.Words(25))
	if err := h.coord.HandleUpsert(ctx, fileEvent(h, queue.EventCreate, "acme", "a.txt")); err != nil {
		t.Fatalf("HandleUpsert() error = %v", err)
	}
	if got := h.chunkCount(t, "acme"); got != 3 {
		t.Errorf("chunks = %d, want 3", got)
	}

	h.write(t, "acme", "a.txt", testutil.Words(12))
	if err := h.coord.HandleUpsert(ctx, fileEvent(h, queue.EventUpdate, "acme", "a.txt")); err != nil {
		t.Fatalf("HandleUpsert() error = %v", err)
	}
	if got := h.chunkCount(t, "acme"); got != 2 {
		t.Errorf("chunks after update = %d, want 2", got)
	}
	if got := h.index.Count("acme"); got != 2 {
		t.Errorf("index count = %d, want 2", got)
	}

	info := h.folderState(t, "acme")
	if info.State != state.Idle {
		t.Errorf("state = %s, want idle", info.State)
	}

	// a full sync afterwards sees nothing to do
	res := h.sync(t, "acme", Options{})
	if got := countsOf(res); got != (counts{}) {
		t.Errorf("sync after events = %+v, want no-op", got)
	}
}

func TestHandleUpsert_UnchangedIsNoop(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.write(t, "acme", "a.txt", testutil.Words(12))

	ev := fileEvent(h, queue.EventUpdate, "acme", "a.txt")
	if err := h.coord.HandleUpsert(ctx, ev); err != nil {
		t.Fatal(err)
	}
	calls := h.embedder.callCount()
	if err := h.coord.HandleUpsert(ctx, ev); err != nil {
		t.Fatal(err)
	}
	if h.embedder.callCount() != calls {
		t.Error("unchanged file embedded again")
	}
}

func TestHandleUpsert_MissingFileActsAsDelete(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	path := h.write(t, "acme", "a.txt", testutil.Words(12))
	h.sync(t, "acme", Options{})

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.HandleUpsert(ctx, fileEvent(h, queue.EventUpdate, "acme", "a.txt")); err != nil {
		t.Fatalf("HandleUpsert() error = %v", err)
	}
	if _, err := h.store.GetFile(ctx, "acme", "docs/a.txt"); !errors.Is(err, model.ErrNotFound) {
		t.Errorf("GetFile() error = %v, want ErrNotFound", err)
	}
	if got := h.index.Count("acme"); got != 0 {
		t.Errorf("index count = %d, want 0", got)
	}
}

func TestHandleDelete(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	path := h.write(t, "acme", "a.txt", testutil.Words(12))
	h.sync(t, "acme", Options{})

	// still on disk: the delete is stale
	if err := h.coord.HandleDelete(ctx, fileEvent(h, queue.EventDelete, "acme", "a.txt")); err != nil {
		t.Fatal(err)
	}
	if got := h.chunkCount(t, "acme"); got != 2 {
		t.Errorf("chunks = %d, want 2 while the file exists", got)
	}

	if err := os.Remove(path); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.HandleDelete(ctx, fileEvent(h, queue.EventDelete, "acme", "a.txt")); err != nil {
		t.Fatalf("HandleDelete() error = %v", err)
	}
	if got := h.chunkCount(t, "acme"); got != 0 {
		t.Errorf("chunks = %d, want 0", got)
	}

	// deleting an unknown file is a no-op
	if err := h.coord.HandleDelete(ctx, fileEvent(h, queue.EventDelete, "acme", "never.txt")); err != nil {
		t.Errorf("HandleDelete(unknown) error = %v", err)
	}
}

func TestHandleDelete_Directory(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.write(t, "acme", "keep.txt", testutil.Words(12))
	h.write(t, "acme", "sub/a.txt", testutil.Words(12))
	h.write(t, "acme", "sub/deep/b.txt", testutil.Words(25))
	h.write(t, "acme", "subway.txt", testutil.Words(12))
	h.sync(t, "acme", Options{})

	if err := os.RemoveAll(filepath.Join(h.roots["acme"], "sub")); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.HandleDelete(ctx, fileEvent(h, queue.EventDelete, "acme", "sub")); err != nil {
		t.Fatalf("HandleDelete() error = %v", err)
	}

	for _, gone := range []string{"docs/sub/a.txt", "docs/sub/deep/b.txt"} {
		if _, err := h.store.GetFile(ctx, "acme", gone); !errors.Is(err, model.ErrNotFound) {
			t.Errorf("GetFile(%s) error = %v, want ErrNotFound", gone, err)
		}
	}
	if got := h.chunkCount(t, "acme"); got != 4 {
		t.Errorf("chunks = %d, want 4 (keep=2, subway=2)", got)
	}
	if got := h.index.Count("acme"); got != 4 {
		t.Errorf("index count = %d, want 4", got)
	}
	info := h.folderState(t, "acme")
	if info.State != state.Idle || info.Progress.DeletedFiles != 2 {
		t.Errorf("state = %s progress = %+v, want idle with 2 deletions", info.State, info.Progress)
	}
}

func TestHandleUpsert_FailureReturnsSyncError(t *testing.T) {
	h := newHarness(t, "acme")
	h.embedder.poison = "w1"
	h.write(t, "acme", "a.txt", testutil.Words(12))

	err := h.coord.HandleUpsert(context.Background(), fileEvent(h, queue.EventCreate, "acme", "a.txt"))
	var se *model.SyncError
	if !errors.As(err, &se) {
		t.Fatalf("error = %v, want *model.SyncError", err)
	}
	if se.Path != "docs/a.txt" {
		t.Errorf("error path = %q", se.Path)
	}

	info := h.folderState(t, "acme")
	if info.State != state.Idle {
		t.Errorf("state = %s, want idle", info.State)
	}
	if got := len(info.UnresolvedErrors()); got != 1 {
		t.Errorf("unresolved errors = %d, want 1", got)
	}
}

func TestHandleUpsert_PausedFolderDropsEvent(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.write(t, "acme", "a.txt", testutil.Words(12))

	if err := h.coord.Pause(ctx, "acme"); err != nil {
		t.Fatal(err)
	}
	if err := h.coord.HandleUpsert(ctx, fileEvent(h, queue.EventCreate, "acme", "a.txt")); err != nil {
		t.Fatalf("HandleUpsert() error = %v", err)
	}
	if h.embedder.callCount() != 0 {
		t.Error("paused folder processed an event")
	}
	if got := h.folderState(t, "acme").State; got != state.Paused {
		t.Errorf("state = %s, want paused", got)
	}
}

func TestHandleUpsert_UnknownFolder(t *testing.T) {
	h := newHarness(t, "acme")
	ev := queue.Event{Type: queue.EventCreate, TenantID: "acme", Path: "other/a.txt", AbsPath: "/nowhere/a.txt"}
	if err := h.coord.HandleUpsert(context.Background(), ev); err == nil {
		t.Error("HandleUpsert() should reject an unconfigured folder")
	}

	ev.TenantID = "nobody"
	if err := h.coord.HandleDelete(context.Background(), ev); !errors.Is(err, ErrUnknownTenant) {
		t.Errorf("error = %v, want ErrUnknownTenant", err)
	}
}

func TestRegister_QueueDrivesCoordinator(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.write(t, "acme", "a.txt", testutil.Words(12))
	gone := h.write(t, "acme", "b.txt", testutil.Words(12))
	h.sync(t, "acme", Options{})
	if err := os.Remove(gone); err != nil {
		t.Fatal(err)
	}
	h.write(t, "acme", "c.txt", testutil.Words(25))

	q := queue.New(queue.Options{
		Capacity:       10,
		EnqueueTimeout: 50 * time.Millisecond,
		HandlerTimeout: 5 * time.Second,
		Clock:          testutil.FixedClock(),
		IDs:            testutil.NewStubIDGenerator("ev"),
	}, h.states, logging.Discard())
	h.coord.Register(q)

	for _, ev := range []struct {
		ev   queue.Event
		prio queue.Priority
	}{
		{fileEvent(h, queue.EventDelete, "acme", "b.txt"), queue.Normal},
		{fileEvent(h, queue.EventCreate, "acme", "c.txt"), queue.High},
	} {
		if err := q.Enqueue(ctx, ev.ev, ev.prio); err != nil {
			t.Fatalf("Enqueue() error = %v", err)
		}
	}

	if n := q.ProcessBatch(ctx); n != 2 {
		t.Fatalf("ProcessBatch() = %d, want 2", n)
	}
	if got := h.chunkCount(t, "acme"); got != 5 {
		t.Errorf("chunks = %d, want 5 (a=2, c=3)", got)
	}
	if failures := q.PermanentFailures(); len(failures) != 0 {
		t.Errorf("permanent failures = %+v", failures)
	}
}

func TestRegister_EventsDuringSyncAreDeferred(t *testing.T) {
	h := newHarness(t, "acme")
	ctx := context.Background()
	h.write(t, "acme", "a.txt", testutil.Words(12))
	h.embedder.entered = make(chan struct{}, 1)
	h.embedder.block = make(chan struct{})

	done := make(chan *SyncResult)
	go func() {
		res, _ := h.coord.SyncTenant(ctx, "acme", Options{})
		done <- res
	}()
	<-h.embedder.entered

	// written after the scan, so only the event can pick it up
	h.write(t, "acme", "c.txt", testutil.Words(25))
	ev := fileEvent(h, queue.EventCreate, "acme", "c.txt")

	if err := h.coord.HandleUpsert(ctx, ev); !errors.Is(err, queue.ErrBusy) {
		t.Fatalf("HandleUpsert() during sync error = %v, want ErrBusy", err)
	}

	q := queue.New(queue.Options{
		Capacity:       10,
		EnqueueTimeout: 50 * time.Millisecond,
		HandlerTimeout: 5 * time.Second,
		RetryCap:       1,
		Clock:          testutil.FixedClock(),
		IDs:            testutil.NewStubIDGenerator("ev"),
	}, h.states, logging.Discard())
	h.coord.Register(q)
	if err := q.Enqueue(ctx, ev, queue.Normal); err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		q.ProcessBatch(ctx)
	}
	if s := q.Stats(); s.Deferred != 3 || s.Pending != 1 || s.Dropped != 0 {
		t.Errorf("Stats() during sync = %+v", s)
	}
	if failures := q.PermanentFailures(); len(failures) != 0 {
		t.Errorf("permanent failures during sync = %+v", failures)
	}

	close(h.embedder.block)
	if res := <-done; res.Processed != 1 {
		t.Fatalf("sync processed %d files, want 1", res.Processed)
	}
	if errs := h.folderState(t, "acme").Errors; len(errs) != 0 {
		t.Errorf("deferred event recorded errors %+v", errs)
	}

	if n := q.ProcessBatch(ctx); n != 1 {
		t.Fatalf("ProcessBatch() after sync = %d, want 1", n)
	}
	if s := q.Stats(); s.Processed != 1 || s.Pending != 0 {
		t.Errorf("Stats() after sync = %+v", s)
	}
	if got := h.chunkCount(t, "acme"); got != 5 {
		t.Errorf("chunks = %d, want 5 (a=2, c=3)", got)
	}
}
