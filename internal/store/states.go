package store

import (
	"context"
	"encoding/json"
	"fmt"

	"docsync/internal/state"
)

// SaveState upserts a folder's sync state. A row is only replaced by a
// record with a higher version.
func (s *Store) SaveState(ctx context.Context, info state.SyncStateInfo) error {
	progress, err := json.Marshal(info.Progress)
	if err != nil {
		return fmt.Errorf("failed to encode progress: %w", err)
	}
	errorsJSON, err := json.Marshal(info.Errors)
	if err != nil {
		return fmt.Errorf("failed to encode errors: %w", err)
	}
	metadata, err := json.Marshal(info.Metadata)
	if err != nil {
		return fmt.Errorf("failed to encode metadata: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `INSERT INTO sync_states
		(tenant_id, folder, state, progress, errors, metadata, last_successful_sync, version, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, folder) DO UPDATE SET
			state = excluded.state,
			progress = excluded.progress,
			errors = excluded.errors,
			metadata = excluded.metadata,
			last_successful_sync = excluded.last_successful_sync,
			version = excluded.version,
			updated_at = excluded.updated_at
		WHERE excluded.version > sync_states.version`,
		info.TenantID, info.Folder, string(info.State), string(progress), string(errorsJSON), string(metadata),
		formatTime(info.LastSuccessfulSync), info.Version, formatTime(info.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to save state %s/%s: %w", info.TenantID, info.Folder, err)
	}
	return nil
}

// LoadStates returns every persisted sync state
func (s *Store) LoadStates(ctx context.Context) ([]state.SyncStateInfo, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT tenant_id, folder, state, progress, errors, metadata,
		last_successful_sync, version, updated_at FROM sync_states ORDER BY tenant_id, folder`)
	if err != nil {
		return nil, fmt.Errorf("failed to query states: %w", err)
	}
	defer rows.Close()

	var states []state.SyncStateInfo
	for rows.Next() {
		var info state.SyncStateInfo
		var st, progress, errorsJSON, metadata, lastSync, updatedAt string
		if err := rows.Scan(&info.TenantID, &info.Folder, &st, &progress, &errorsJSON, &metadata,
			&lastSync, &info.Version, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan state: %w", err)
		}

		info.State = state.State(st)
		if err := json.Unmarshal([]byte(progress), &info.Progress); err != nil {
			return nil, fmt.Errorf("failed to decode progress of %s/%s: %w", info.TenantID, info.Folder, err)
		}
		if err := json.Unmarshal([]byte(errorsJSON), &info.Errors); err != nil {
			return nil, fmt.Errorf("failed to decode errors of %s/%s: %w", info.TenantID, info.Folder, err)
		}
		if err := json.Unmarshal([]byte(metadata), &info.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode metadata of %s/%s: %w", info.TenantID, info.Folder, err)
		}
		info.LastSuccessfulSync = parseTime(lastSync)
		info.UpdatedAt = parseTime(updatedAt)
		states = append(states, info)
	}
	return states, rows.Err()
}
