package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// BeginScan inserts a new RUNNING scan row for rootPath and returns its
// scan_id. Scan ids are strictly increasing within a store and never reset.
func BeginScan(ctx context.Context, db *sql.DB, rootPath string) (int64, error) {
	res, err := db.ExecContext(ctx, `
		INSERT INTO scans (root_path, started_at, status) VALUES (?, ?, ?)
	`, rootPath, nowRFC3339(), ScanRunning)
	if err != nil {
		return 0, fmt.Errorf("begin scan: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("begin scan: last insert id: %w", err)
	}

	return id, nil
}

// IsFirstScan reports whether scanID is the earliest scan_id recorded for
// rootPath, i.e. whether the corresponding backup should be classified FULL.
func IsFirstScan(ctx context.Context, db *sql.DB, rootPath string, scanID int64) (bool, error) {
	row := db.QueryRowContext(ctx, `
		SELECT MIN(scan_id) FROM scans WHERE root_path = ?
	`, rootPath)

	var min sql.NullInt64

	if err := row.Scan(&min); err != nil {
		return false, fmt.Errorf("is first scan: %w", err)
	}

	return min.Valid && min.Int64 == scanID, nil
}

// GetScan returns the scan row for scanID, or nil if it does not exist.
func GetScan(ctx context.Context, db *sql.DB, scanID int64) (*Scan, error) {
	row := db.QueryRowContext(ctx, `
		SELECT scan_id, root_path, started_at, finished_at, total_usage, status
		FROM scans WHERE scan_id = ?
	`, scanID)

	var (
		s          Scan
		finishedAt sql.NullString
		totalUsage sql.NullInt64
	)

	err := row.Scan(&s.ScanID, &s.RootPath, &s.StartedAt, &finishedAt, &totalUsage, &s.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get scan %d: %w", scanID, err)
	}

	if finishedAt.Valid {
		s.FinishedAt = &finishedAt.String
	}

	if totalUsage.Valid {
		s.TotalUsage = &totalUsage.Int64
	}

	return &s, nil
}

// MarkScanCanceled finalizes a scan with status CANCELED. Unlike
// FinalizeScan (diff.go), this does not attempt to compute total_usage: a
// canceled scan's inventory is, by definition, incomplete.
func MarkScanCanceled(ctx context.Context, db *sql.DB, scanID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE scans SET finished_at = ?, status = ? WHERE scan_id = ?
	`, nowRFC3339(), ScanCanceled, scanID)
	if err != nil {
		return fmt.Errorf("mark scan %d canceled: %w", scanID, err)
	}

	return nil
}

func nowRFC3339() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}
