package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RecordScanIssue logs a per-file error encountered during a backup run
// (the driver records per-file vault failures here). Per-file
// errors are local-recoverable: they are counted and logged, and the scan
// continues.
func RecordScanIssue(ctx context.Context, db *sql.DB, scanID int64, path, message string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO scan_issues (scan_id, path, message, created_at) VALUES (?, ?, ?, ?)
	`, scanID, path, message, nowRFC3339())
	if err != nil {
		return fmt.Errorf("record scan issue %s: %w", path, err)
	}

	return nil
}

// ListScanIssues returns every issue recorded against scanID.
func ListScanIssues(ctx context.Context, db *sql.DB, scanID int64) ([]ScanIssue, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT id, scan_id, path, message, created_at FROM scan_issues WHERE scan_id = ? ORDER BY id
	`, scanID)
	if err != nil {
		return nil, fmt.Errorf("list scan issues %d: %w", scanID, err)
	}

	defer func() { _ = rows.Close() }()

	var issues []ScanIssue

	for rows.Next() {
		var i ScanIssue

		if err := rows.Scan(&i.ID, &i.ScanID, &i.Path, &i.Message, &i.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan issue row: %w", err)
		}

		issues = append(issues, i)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return issues, nil
}
