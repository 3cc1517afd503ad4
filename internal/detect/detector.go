// Package detect computes the delta between a folder's files and the
// records persisted for it.
package detect

import (
	"context"
	"sort"

	"docsync/internal/logging"
	"docsync/internal/model"
)

// Detector builds sync plans
type Detector struct {
	fp     *Fingerprinter
	logger *logging.Logger
}

// NewDetector creates a Detector
func NewDetector(fp *Fingerprinter, logger *logging.Logger) *Detector {
	return &Detector{fp: fp, logger: logger}
}

// Fingerprinter returns the digest used for candidates
func (d *Detector) Fingerprinter() *Fingerprinter {
	return d.fp
}

// Plan fingerprints every candidate and diffs the listing against the
// persisted records of tenantID. Records of other tenants are ignored.
// Files that cannot be read, and records under an unreadable entry of the
// listing, are reported in Skipped and neither planned nor treated as
// deleted. A nil listing is an empty folder.
func (d *Detector) Plan(ctx context.Context, tenantID string, listing *model.Listing, persisted []model.FileRecord, forceFull bool) (*model.SyncPlan, error) {
	if listing == nil {
		listing = &model.Listing{}
	}
	known := make(map[string]model.FileRecord, len(persisted))
	for _, rec := range persisted {
		if rec.TenantID != tenantID {
			d.logger.WithFields(logging.Fields{"tenant": tenantID, "owner": rec.TenantID, "path": rec.Path}).Warn("ignoring record of another tenant")
			continue
		}
		known[rec.Path] = rec
	}

	plan := &model.SyncPlan{TenantID: tenantID}
	plan.Skipped = append(plan.Skipped, listing.Unreadable...)
	seen := make(map[string]bool, len(listing.Files))

	for _, c := range listing.Files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if seen[c.Path] {
			continue
		}
		seen[c.Path] = true

		sum, err := d.fp.File(c.AbsPath)
		if err != nil {
			se := model.NewSyncError(model.ErrFileAccess, c.Path, err)
			d.logger.WithFields(logging.Fields{"tenant": tenantID, "path": c.Path}).WithError(err).Warn("cannot fingerprint file, skipping")
			plan.Skipped = append(plan.Skipped, se)
			continue
		}
		c.Fingerprint = sum

		rec, ok := known[c.Path]
		switch {
		case !ok:
			plan.New = append(plan.New, c)
		case forceFull || rec.Fingerprint != sum:
			plan.Updated = append(plan.Updated, model.PlannedUpdate{Existing: rec, Fresh: c})
		}
	}

	for path, rec := range known {
		if seen[path] {
			continue
		}
		if listing.Covers(path) {
			d.logger.WithFields(logging.Fields{"tenant": tenantID, "path": path}).Debug("record under unreadable entry, keeping")
			continue
		}
		plan.Deleted = append(plan.Deleted, rec)
	}
	sort.Slice(plan.Deleted, func(i, j int) bool { return plan.Deleted[i].Path < plan.Deleted[j].Path })

	d.logger.WithFields(logging.Fields{
		"tenant":  tenantID,
		"new":     len(plan.New),
		"updated": len(plan.Updated),
		"deleted": len(plan.Deleted),
		"skipped": len(plan.Skipped),
	}).Debug("plan computed")

	return plan, nil
}
