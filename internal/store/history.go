package store

import (
	"context"
	"database/sql"
	"fmt"
)

// PendingForBackup returns every NEW/MODIFIED history row for scanID,
// ordered by path_rel — the work list the backup driver (C8) walks to hash
// and vault each changed file.
func PendingForBackup(ctx context.Context, db *sql.DB, scanID int64) ([]HistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, scan_id, root_path, path_rel, size_bytes, status_event,
		       created_at, created_millis, modified_millis, content_hash
		FROM file_history
		WHERE scan_id = ? AND status_event IN ('NEW', 'MODIFIED')
		ORDER BY path_rel
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("pending for backup %d: %w", scanID, err)
	}

	defer func() { _ = rows.Close() }()

	return scanHistoryRows(rows)
}

// SetContentHash fills in content_hash for the (scanID, pathRel) history
// row, once the corresponding blob exists on disk. Readers that observe a
// non-null content_hash are guaranteed the blob is present, since this is
// only called after the vault's atomic rename completes.
func SetContentHash(ctx context.Context, db *sql.DB, scanID int64, pathRel, hash string) error {
	_, err := db.ExecContext(ctx, `
		UPDATE file_history SET content_hash = ? WHERE scan_id = ? AND path_rel = ?
	`, hash, scanID, pathRel)
	if err != nil {
		return fmt.Errorf("set content hash %s: %w", pathRel, err)
	}

	return nil
}

// ListHistory returns every history row for rootPath across all scans,
// ordered by scan_id descending, then path_rel.
func ListHistory(ctx context.Context, db *sql.DB, rootPath string, limit int) ([]HistoryEntry, error) {
	query := `
		SELECT id, scan_id, root_path, path_rel, size_bytes, status_event,
		       created_at, created_millis, modified_millis, content_hash
		FROM file_history
		WHERE root_path = ?
		ORDER BY scan_id DESC, path_rel
	`

	args := []any{rootPath}

	if limit > 0 {
		query += " LIMIT ?"

		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list history: %w", err)
	}

	defer func() { _ = rows.Close() }()

	return scanHistoryRows(rows)
}

func scanHistoryRows(rows *sql.Rows) ([]HistoryEntry, error) {
	var entries []HistoryEntry

	for rows.Next() {
		var (
			e           HistoryEntry
			contentHash sql.NullString
		)

		if err := rows.Scan(&e.ID, &e.ScanID, &e.RootPath, &e.PathRel, &e.SizeBytes, &e.StatusEvent,
			&e.CreatedAt, &e.CreatedMillis, &e.ModifiedMillis, &contentHash); err != nil {
			return nil, fmt.Errorf("scan history row: %w", err)
		}

		if contentHash.Valid {
			e.ContentHash = &contentHash.String
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return entries, nil
}
