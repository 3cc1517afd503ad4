package store

import (
	"context"
	"database/sql"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite"

	"docsync/internal/model"
)

// ErrNotFound is returned when a file record does not exist
var ErrNotFound = model.ErrNotFound

// fixed width so that stored timestamps sort lexically
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// Store persists file records, embedded chunks and sync state in SQLite
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open opens (creating if needed) the database at path and applies migrations
func Open(path string) (*Store, error) {
	// WAL for concurrent readers, busy timeout for write contention,
	// foreign keys for the chunk cascade
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	db.SetMaxOpenConns(8)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	if err := migrateUp(db); err != nil {
		db.Close()
		return nil, err
	}

	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database connection
func (s *Store) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// CreateFile inserts the record, or refreshes an existing record with the
// same (tenant, path). rec.ID and rec.CreatedAt are filled in.
func (s *Store) CreateFile(ctx context.Context, rec *model.FileRecord) error {
	now := s.now().UTC()
	status := rec.Status
	if status == "" {
		status = model.StatusPending
	}

	query := `INSERT INTO files (tenant_id, path, name, size, fingerprint, status, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(tenant_id, path) DO UPDATE SET
			name = excluded.name,
			size = excluded.size,
			status = excluded.status,
			last_error = excluded.last_error,
			updated_at = excluded.updated_at
		RETURNING id, fingerprint, created_at`

	var createdAt string
	err := s.db.QueryRowContext(ctx, query,
		rec.TenantID, rec.Path, rec.Name, rec.Size, rec.Fingerprint, string(status), rec.LastError,
		formatTime(now), formatTime(now),
	).Scan(&rec.ID, &rec.Fingerprint, &createdAt)
	if err != nil {
		return fmt.Errorf("failed to upsert file %s: %w", rec.Path, err)
	}

	rec.Status = status
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = now
	return nil
}

// UpdateFile writes size, fingerprint, status and last error of an existing record
func (s *Store) UpdateFile(ctx context.Context, rec *model.FileRecord) error {
	now := s.now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET size = ?, fingerprint = ?, status = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		rec.Size, rec.Fingerprint, string(rec.Status), rec.LastError, formatTime(now), rec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update file %s: %w", rec.Path, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("file %d: %w", rec.ID, ErrNotFound)
	}
	rec.UpdatedAt = now
	return nil
}

// GetFile returns the record for (tenant, path)
func (s *Store) GetFile(ctx context.Context, tenantID, path string) (*model.FileRecord, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+fileColumns+` FROM files WHERE tenant_id = ? AND path = ?`, tenantID, path)
	rec, err := scanFile(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("file %s: %w", path, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get file %s: %w", path, err)
	}
	return rec, nil
}

// GetFilesForTenant returns every record of a tenant ordered by path
func (s *Store) GetFilesForTenant(ctx context.Context, tenantID string) ([]model.FileRecord, error) {
	return s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM files WHERE tenant_id = ? ORDER BY path`, tenantID)
}

// ListFailed returns the tenant's records whose last processing failed
func (s *Store) ListFailed(ctx context.Context, tenantID string) ([]model.FileRecord, error) {
	return s.queryFiles(ctx,
		`SELECT `+fileColumns+` FROM files WHERE tenant_id = ? AND status = ? ORDER BY path`,
		tenantID, string(model.StatusFailed))
}

// DeleteFile hard-deletes the record and its chunks, returning the number
// of chunks removed. Deleting a missing record is not an error.
func (s *Store) DeleteFile(ctx context.Context, tenantID, path string) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var removed int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(c.id) FROM files f LEFT JOIN chunks c ON c.file_id = f.id
		WHERE f.tenant_id = ? AND f.path = ?`, tenantID, path,
	).Scan(&removed)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks of %s: %w", path, err)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM files WHERE tenant_id = ? AND path = ?`, tenantID, path); err != nil {
		return 0, fmt.Errorf("failed to delete file %s: %w", path, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit delete of %s: %w", path, err)
	}
	return removed, nil
}

// SaveEmbeddings replaces all chunks of a file in one transaction and
// returns how many chunks it had before
func (s *Store) SaveEmbeddings(ctx context.Context, fileID int64, tenantID string, chunks []model.EmbeddedChunk) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM chunks WHERE file_id = ?`, fileID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old chunks: %w", err)
	}
	previous, _ := res.RowsAffected()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO chunks
		(file_id, tenant_id, chunk_index, text, start_offset, end_offset, token_count, embedding, model_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return 0, fmt.Errorf("failed to prepare chunk insert: %w", err)
	}
	defer stmt.Close()

	created := formatTime(s.now().UTC())
	for _, c := range chunks {
		if _, err := stmt.ExecContext(ctx,
			fileID, tenantID, c.Index, c.Text, c.Start, c.End, c.TokenCount,
			serializeEmbedding(c.Vector), c.ModelID, created,
		); err != nil {
			return 0, fmt.Errorf("failed to save chunk %d: %w", c.Index, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit chunks: %w", err)
	}
	return int(previous), nil
}

// GetChunks returns the chunks of a file ordered by index
func (s *Store) GetChunks(ctx context.Context, fileID int64) ([]model.EmbeddedChunk, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT chunk_index, text, start_offset, end_offset, token_count, embedding, model_id
		FROM chunks WHERE file_id = ? ORDER BY chunk_index`, fileID)
	if err != nil {
		return nil, fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	var chunks []model.EmbeddedChunk
	for rows.Next() {
		var c model.EmbeddedChunk
		var blob []byte
		if err := rows.Scan(&c.Index, &c.Text, &c.Start, &c.End, &c.TokenCount, &blob, &c.ModelID); err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Vector = deserializeEmbedding(blob)
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// CountChunks returns the number of chunks stored for a tenant
func (s *Store) CountChunks(ctx context.Context, tenantID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks WHERE tenant_id = ?`, tenantID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return n, nil
}

// GetTenantStats aggregates file and chunk counts for a tenant
func (s *Store) GetTenantStats(ctx context.Context, tenantID string) (model.TenantStats, error) {
	stats := model.TenantStats{TenantID: tenantID}

	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*), COALESCE(SUM(size), 0), COALESCE(MAX(updated_at), '')
		FROM files WHERE tenant_id = ? GROUP BY status`, tenantID)
	if err != nil {
		return stats, fmt.Errorf("failed to query file stats: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status, last string
		var count int
		var size int64
		if err := rows.Scan(&status, &count, &size, &last); err != nil {
			return stats, fmt.Errorf("failed to scan file stats: %w", err)
		}

		stats.Files += count
		stats.TotalBytes += size
		switch model.FileStatus(status) {
		case model.StatusCompleted:
			stats.Completed = count
		case model.StatusPending:
			stats.Pending = count
		case model.StatusProcessing:
			stats.Processing = count
		case model.StatusFailed:
			stats.Failed = count
		}
		if t := parseTime(last); t.After(stats.LastUpdate) {
			stats.LastUpdate = t
		}
	}
	if err := rows.Err(); err != nil {
		return stats, fmt.Errorf("failed to read file stats: %w", err)
	}

	if stats.Chunks, err = s.CountChunks(ctx, tenantID); err != nil {
		return stats, err
	}
	return stats, nil
}

// ResetProcessing moves records left in processing back to pending
func (s *Store) ResetProcessing(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE files SET status = ?, updated_at = ? WHERE tenant_id = ? AND status = ?`,
		string(model.StatusPending), formatTime(s.now().UTC()), tenantID, string(model.StatusProcessing))
	if err != nil {
		return 0, fmt.Errorf("failed to reset processing files: %w", err)
	}
	return res.RowsAffected()
}

// DeleteOrphanChunks removes chunks whose file record no longer exists
func (s *Store) DeleteOrphanChunks(ctx context.Context, tenantID string) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM chunks WHERE tenant_id = ? AND file_id NOT IN (SELECT id FROM files)`, tenantID)
	if err != nil {
		return 0, fmt.Errorf("failed to delete orphan chunks: %w", err)
	}
	return res.RowsAffected()
}

const fileColumns = `id, tenant_id, path, name, size, fingerprint, status, last_error, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanFile(row rowScanner) (*model.FileRecord, error) {
	var rec model.FileRecord
	var status, createdAt, updatedAt string
	err := row.Scan(&rec.ID, &rec.TenantID, &rec.Path, &rec.Name, &rec.Size,
		&rec.Fingerprint, &status, &rec.LastError, &createdAt, &updatedAt)
	if err != nil {
		return nil, err
	}
	rec.Status = model.FileStatus(status)
	rec.CreatedAt = parseTime(createdAt)
	rec.UpdatedAt = parseTime(updatedAt)
	return &rec, nil
}

func (s *Store) queryFiles(ctx context.Context, query string, args ...any) ([]model.FileRecord, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query files: %w", err)
	}
	defer rows.Close()

	var records []model.FileRecord
	for rows.Next() {
		rec, err := scanFile(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan file: %w", err)
		}
		records = append(records, *rec)
	}
	return records, rows.Err()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

// serializeEmbedding encodes a vector as little-endian float32 bytes
func serializeEmbedding(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, v := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(v))
	}
	return buf
}

func deserializeEmbedding(data []byte) []float32 {
	vec := make([]float32, len(data)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[4*i:]))
	}
	return vec
}

// ForEachChunk calls fn for every chunk of a tenant, ordered by path and index
func (s *Store) ForEachChunk(ctx context.Context, tenantID string, fn func(path string, c model.EmbeddedChunk) error) error {
	rows, err := s.db.QueryContext(ctx,
		`SELECT f.path, c.chunk_index, c.text, c.start_offset, c.end_offset, c.token_count, c.embedding, c.model_id
		FROM chunks c JOIN files f ON f.id = c.file_id
		WHERE c.tenant_id = ? ORDER BY f.path, c.chunk_index`, tenantID)
	if err != nil {
		return fmt.Errorf("failed to query chunks: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var path string
		var c model.EmbeddedChunk
		var blob []byte
		if err := rows.Scan(&path, &c.Index, &c.Text, &c.Start, &c.End, &c.TokenCount, &blob, &c.ModelID); err != nil {
			return fmt.Errorf("failed to scan chunk: %w", err)
		}
		c.Vector = deserializeEmbedding(blob)
		if err := fn(path, c); err != nil {
			return err
		}
	}
	return rows.Err()
}
