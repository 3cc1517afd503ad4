package store

import (
	"context"
	"fmt"
	"time"
)

// RunRecord is the persisted summary of one finished sync run
type RunRecord struct {
	ID            string    `json:"id"`
	TenantID      string    `json:"tenant_id"`
	Trigger       string    `json:"trigger,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	FinishedAt    time.Time `json:"finished_at"`
	Processed     int       `json:"processed"`
	Failed        int       `json:"failed"`
	Skipped       int       `json:"skipped"`
	Deleted       int       `json:"deleted"`
	ChunksCreated int       `json:"chunks_created"`
	Cancelled     bool      `json:"cancelled,omitempty"`
	Error         string    `json:"error,omitempty"`
}

// Duration returns how long the run took
func (r RunRecord) Duration() time.Duration {
	return r.FinishedAt.Sub(r.StartedAt)
}

// RecordRun stores a run summary. Recording the same run id twice keeps the first.
func (s *Store) RecordRun(ctx context.Context, run RunRecord) error {
	_, err := s.db.ExecContext(ctx, `INSERT INTO sync_runs
		(id, tenant_id, trigger_kind, started_at, finished_at, processed, failed, skipped, deleted, chunks_created, cancelled, error)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO NOTHING`,
		run.ID, run.TenantID, run.Trigger, formatTime(run.StartedAt), formatTime(run.FinishedAt),
		run.Processed, run.Failed, run.Skipped, run.Deleted, run.ChunksCreated, run.Cancelled, run.Error,
	)
	if err != nil {
		return fmt.Errorf("failed to record run %s: %w", run.ID, err)
	}
	return nil
}

// RecentRuns returns up to limit runs of a tenant, newest first
func (s *Store) RecentRuns(ctx context.Context, tenantID string, limit int) ([]RunRecord, error) {
	if limit <= 0 {
		limit = 10
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, tenant_id, trigger_kind, started_at, finished_at,
		processed, failed, skipped, deleted, chunks_created, cancelled, error
		FROM sync_runs WHERE tenant_id = ? ORDER BY started_at DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}
	defer rows.Close()

	var runs []RunRecord
	for rows.Next() {
		var r RunRecord
		var started, finished string
		if err := rows.Scan(&r.ID, &r.TenantID, &r.Trigger, &started, &finished,
			&r.Processed, &r.Failed, &r.Skipped, &r.Deleted, &r.ChunksCreated, &r.Cancelled, &r.Error); err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		r.StartedAt = parseTime(started)
		r.FinishedAt = parseTime(finished)
		runs = append(runs, r)
	}
	return runs, rows.Err()
}
