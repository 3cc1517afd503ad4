package detect

import (
	"context"
	"fmt"
	"io/fs"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"docsync/internal/logging"
	"docsync/internal/model"
)

// FolderSource is one configured source folder of a tenant
type FolderSource struct {
	Name        string // logical folder name, first path segment
	Root        string // absolute directory on disk
	Include     []string
	Exclude     []string
	MaxFileSize int64 // bytes, 0 means unlimited
}

// Matches reports whether a slash-separated path relative to Root passes
// the include and exclude globs. Hidden path segments never match.
func (s FolderSource) Matches(rel string) bool {
	for _, seg := range strings.Split(rel, "/") {
		if strings.HasPrefix(seg, ".") {
			return false
		}
	}
	for _, pattern := range s.Exclude {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return false
		}
	}
	if len(s.Include) == 0 {
		return true
	}
	for _, pattern := range s.Include {
		if ok, _ := doublestar.Match(pattern, rel); ok {
			return true
		}
	}
	return false
}

// Lister walks source folders and produces candidates
type Lister struct {
	logger *logging.Logger
}

// NewLister creates a Lister
func NewLister(logger *logging.Logger) *Lister {
	return &Lister{logger: logger}
}

// List walks src.Root and returns the matching regular files with logical
// paths "<src.Name>/<rel>". Fingerprints are left empty. An unreadable root
// is reported as an internal SyncError. Unreadable subdirectories and files
// are not walked; they come back in Unreadable as file access errors so the
// records below them are not mistaken for deletions.
func (l *Lister) List(ctx context.Context, tenantID string, src FolderSource) (*model.Listing, error) {
	out := &model.Listing{}
	unreadable := func(path string, err error) {
		rel, relErr := filepath.Rel(src.Root, path)
		if relErr != nil {
			rel = path
		}
		logical := model.LogicalPath(src.Name, filepath.ToSlash(rel))
		l.logger.WithFields(logging.Fields{"tenant": tenantID, "path": logical}).WithError(err).Warn("skipping unreadable entry")
		out.Unreadable = append(out.Unreadable, model.NewSyncError(model.ErrFileAccess, logical, err))
	}

	err := filepath.WalkDir(src.Root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == src.Root {
				return err
			}
			unreadable(path, err)
			if d != nil && d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		if d.IsDir() {
			if path != src.Root && strings.HasPrefix(d.Name(), ".") {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}

		rel, err := filepath.Rel(src.Root, path)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)
		if !src.Matches(rel) {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			unreadable(path, err)
			return nil
		}
		if src.MaxFileSize > 0 && info.Size() > src.MaxFileSize {
			l.logger.WithFields(logging.Fields{"path": rel, "size": info.Size()}).Debug("file exceeds size limit, skipping")
			return nil
		}

		out.Files = append(out.Files, model.Candidate{
			Path:    model.LogicalPath(src.Name, rel),
			AbsPath: path,
			Name:    d.Name(),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, model.NewSyncError(model.ErrInternal, src.Name, fmt.Errorf("failed to list %s: %w", src.Root, err))
	}

	return out, nil
}
