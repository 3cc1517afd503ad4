package watcher

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"docsync/internal/clock"
	"docsync/internal/detect"
	"docsync/internal/logging"
	"docsync/internal/model"
	"docsync/internal/queue"
)

// Enqueuer receives debounced file events
type Enqueuer interface {
	Enqueue(ctx context.Context, ev queue.Event, priority queue.Priority) error
}

type root struct {
	tenantID string
	folder   detect.FolderSource
	abs      string
}

type pendingEvent struct {
	ev  queue.Event
	due time.Time
}

// Watcher turns filesystem notifications under the configured tenant
// folders into queue events. Bursts of notifications for one path within
// the debounce window collapse into a single event.
type Watcher struct {
	fsw      *fsnotify.Watcher
	queue    Enqueuer
	debounce time.Duration
	clock    clock.Clock
	logger   *logging.Logger

	mu      sync.Mutex
	roots   []root
	dirs    map[string]bool          // watched directories by absolute path
	pending map[string]*pendingEvent // by absolute path
}

// New creates a Watcher that feeds q
func New(q Enqueuer, debounce time.Duration, clk clock.Clock, logger *logging.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		logger.WithError(err).Error("failed to create fsnotify watcher")
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	return newWatcher(fsw, q, debounce, clk, logger), nil
}

func newWatcher(fsw *fsnotify.Watcher, q Enqueuer, debounce time.Duration, clk clock.Clock, logger *logging.Logger) *Watcher {
	if clk == nil {
		clk = clock.Real{}
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Watcher{
		fsw:      fsw,
		queue:    q,
		debounce: debounce,
		clock:    clk,
		logger:   logger,
		dirs:     make(map[string]bool),
		pending:  make(map[string]*pendingEvent),
	}
}

// AddFolder watches a tenant folder and every non-hidden directory below it
func (w *Watcher) AddFolder(tenantID string, folder detect.FolderSource) error {
	logger := w.logger.WithFields(logging.Fields{"tenant": tenantID, "folder": folder.Name})

	abs, err := filepath.Abs(folder.Root)
	if err != nil {
		return fmt.Errorf("failed to resolve %s: %w", folder.Root, err)
	}
	if err := validatePath(abs); err != nil {
		logger.WithError(err).Error("invalid folder path")
		return err
	}

	w.mu.Lock()
	w.roots = append(w.roots, root{tenantID: tenantID, folder: folder, abs: abs})
	w.mu.Unlock()

	if err := w.addTree(abs); err != nil {
		logger.WithError(err).Error("failed to watch folder")
		return err
	}
	logger.WithContext("root", abs).Debug("watching folder")
	return nil
}

// Close stops the underlying fsnotify watcher
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run processes notifications until ctx is cancelled. Pending events that
// are not yet due when ctx ends are dropped; the next full sync picks the
// changes up.
func (w *Watcher) Run(ctx context.Context) error {
	tick := w.debounce / 2
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	w.logger.WithContext("debounce", w.debounce).Info("file watcher started")
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("file watcher stopped")
			return ctx.Err()

		case ev, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(ev)

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.WithError(err).Error("watcher error")

		case <-ticker.C:
			w.flush(ctx, w.clock.Now())
		}
	}
}

func (w *Watcher) handle(ev fsnotify.Event) {
	if ev.Has(fsnotify.Remove) || ev.Has(fsnotify.Rename) {
		// a directory leaving the tree takes every file below it along;
		// its name need not match the folder's globs
		if r, rel, ok := w.removeDir(ev.Name); ok {
			w.logger.WithFields(logging.Fields{"tenant": r.tenantID, "path": rel}).Debug("directory removed")
			w.schedule(r, rel, ev.Name, queue.EventDelete)
			return
		}
	}

	r, rel, ok := w.resolve(ev.Name)
	if !ok {
		return
	}
	logger := w.logger.WithFields(logging.Fields{"tenant": r.tenantID, "path": rel, "op": ev.Op.String()})

	switch {
	case ev.Has(fsnotify.Create):
		info, err := os.Stat(ev.Name)
		if err == nil && info.IsDir() {
			logger.Debug("directory created")
			w.addCreatedDir(r, ev.Name)
			return
		}
		w.schedule(r, rel, ev.Name, queue.EventCreate)

	case ev.Has(fsnotify.Write):
		w.schedule(r, rel, ev.Name, queue.EventUpdate)

	case ev.Has(fsnotify.Remove), ev.Has(fsnotify.Rename):
		// a rename reports the old name; the new name arrives as a create
		w.schedule(r, rel, ev.Name, queue.EventDelete)
	}
}

// addCreatedDir watches a new directory and schedules the files that were
// written into it before the watch was in place
func (w *Watcher) addCreatedDir(r root, dir string) {
	if err := w.addTree(dir); err != nil {
		w.logger.WithContext("dir", dir).WithError(err).Warn("failed to watch new directory")
	}
	filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return nil
		}
		rel, ok := relativeTo(r, path)
		if ok && r.folder.Matches(rel) {
			w.schedule(r, rel, path, queue.EventCreate)
		}
		return nil
	})
}

func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.WithContext("dir", path).WithError(err).Warn("skipping unreadable directory")
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != dir && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		w.mu.Lock()
		w.dirs[path] = true
		w.mu.Unlock()
		return nil
	})
}

// removeDir forgets a watched directory and everything below it. It
// reports false for paths that were not watched directories, and for
// configured roots themselves.
func (w *Watcher) removeDir(abs string) (root, string, bool) {
	w.mu.Lock()
	if !w.dirs[abs] {
		w.mu.Unlock()
		return root{}, "", false
	}
	prefix := abs + string(filepath.Separator)
	for dir := range w.dirs {
		if dir == abs || strings.HasPrefix(dir, prefix) {
			delete(w.dirs, dir)
		}
	}
	w.mu.Unlock()

	return w.locate(abs)
}

// resolve maps an absolute path to the most specific configured folder
// containing it. Paths filtered out by the folder's globs do not resolve.
func (w *Watcher) resolve(abs string) (root, string, bool) {
	r, rel, ok := w.locate(abs)
	if !ok || !r.folder.Matches(rel) {
		return root{}, "", false
	}
	return r, rel, true
}

// locate is resolve without the glob filter
func (w *Watcher) locate(abs string) (root, string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()

	var (
		best    root
		bestRel string
		found   bool
	)
	for _, r := range w.roots {
		rel, ok := relativeTo(r, abs)
		if !ok {
			continue
		}
		if !found || len(r.abs) > len(best.abs) {
			best, bestRel, found = r, rel, true
		}
	}
	if !found {
		return root{}, "", false
	}
	return best, bestRel, true
}

func relativeTo(r root, abs string) (string, bool) {
	rel, err := filepath.Rel(r.abs, abs)
	if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return filepath.ToSlash(rel), true
}

// schedule records an event for abs, due one debounce interval after the
// latest notification. A create followed by writes stays a create.
func (w *Watcher) schedule(r root, rel, abs string, typ queue.EventType) {
	w.mu.Lock()
	defer w.mu.Unlock()

	due := w.clock.Now().Add(w.debounce)
	if p, ok := w.pending[abs]; ok {
		if !(p.ev.Type == queue.EventCreate && typ == queue.EventUpdate) {
			p.ev.Type = typ
		}
		p.due = due
		return
	}
	w.pending[abs] = &pendingEvent{
		ev: queue.Event{
			Type:     typ,
			TenantID: r.tenantID,
			Folder:   r.folder.Name,
			Path:     model.LogicalPath(r.folder.Name, rel),
			AbsPath:  abs,
		},
		due: due,
	}
}

// flush enqueues every pending event that is due at now
func (w *Watcher) flush(ctx context.Context, now time.Time) int {
	w.mu.Lock()
	var due []queue.Event
	for abs, p := range w.pending {
		if !p.due.After(now) {
			due = append(due, p.ev)
			delete(w.pending, abs)
		}
	}
	w.mu.Unlock()

	for _, ev := range due {
		err := w.queue.Enqueue(ctx, ev, priorityFor(ev.Type))
		if err != nil && !errors.Is(err, context.Canceled) {
			w.logger.WithFields(logging.Fields{"tenant": ev.TenantID, "path": ev.Path}).WithError(err).Warn("failed to enqueue file event")
		}
	}
	return len(due)
}

// Pending returns the number of events waiting for their debounce window
func (w *Watcher) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.pending)
}

// deletes free index space first; edits and new files share Normal
func priorityFor(typ queue.EventType) queue.Priority {
	if typ == queue.EventDelete {
		return queue.High
	}
	return queue.Normal
}

// validatePath blocks system directories
func validatePath(path string) error {
	systemDirs := []string{"/etc", "/System", "/Windows", "/sys", "/proc", "C:\\Windows", "C:\\System"}
	for _, sysDir := range systemDirs {
		if strings.HasPrefix(path, sysDir) {
			return fmt.Errorf("cannot watch system directory: %s", path)
		}
	}

	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("path does not exist: %s", path)
	}
	if !info.IsDir() {
		return fmt.Errorf("path is not a directory: %s", path)
	}
	return nil
}
