package extract

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// ErrUnsupported is returned for files no extractor is registered for
var ErrUnsupported = errors.New("unsupported file type")

// Extractor turns a file into plain text
type Extractor interface {
	ExtractText(ctx context.Context, path string) (string, error)
	ExtractMetadata(ctx context.Context, path string) (map[string]string, error)
}

// Registry maps lower-case file extensions to extractors
type Registry struct {
	mu         sync.RWMutex
	extractors map[string]Extractor
}

// NewRegistry returns an empty registry
func NewRegistry() *Registry {
	return &Registry{extractors: make(map[string]Extractor)}
}

// Default returns a registry with the built-in text, markdown and HTML extractors
func Default() *Registry {
	r := NewRegistry()
	text := Text{}
	r.Register(text, ".txt", ".md", ".markdown", ".text")
	r.Register(HTML{}, ".html", ".htm")
	return r
}

// Register binds e to each extension. Extensions are case-insensitive and
// may be given with or without the leading dot.
func (r *Registry) Register(e Extractor, exts ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, ext := range exts {
		r.extractors[normalizeExt(ext)] = e
	}
}

// Lookup returns the extractor for path's extension
func (r *Registry) Lookup(path string) (Extractor, error) {
	ext := normalizeExt(filepath.Ext(path))

	r.mu.RLock()
	e, ok := r.extractors[ext]
	r.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupported, ext)
	}
	return e, nil
}

// Supports reports whether an extractor is registered for path
func (r *Registry) Supports(path string) bool {
	_, err := r.Lookup(path)
	return err == nil
}

// Extensions lists the registered extensions in sorted order
func (r *Registry) Extensions() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	exts := make([]string, 0, len(r.extractors))
	for ext := range r.extractors {
		exts = append(exts, ext)
	}
	sort.Strings(exts)
	return exts
}

func normalizeExt(ext string) string {
	ext = strings.ToLower(strings.TrimSpace(ext))
	if ext != "" && !strings.HasPrefix(ext, ".") {
		ext = "." + ext
	}
	return ext
}

func openChecked(ctx context.Context, path string) (*os.File, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return os.Open(path)
}
