package store

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/google/uuid"
)

// BeginBackupRun inserts a RUNNING backup_history row and tags it with a
// fresh correlation ID for log correlation across the driver, walker, and
// vault (the integer id column remains the row's primary key).
func BeginBackupRun(ctx context.Context, db *sql.DB, rootPath, destPath string) (*BackupRunLog, error) {
	correlationID := uuid.New().String()

	res, err := db.ExecContext(ctx, `
		INSERT INTO backup_history (
			correlation_id, started_at, status, root_path, dest_path,
			files_processed, errors
		) VALUES (?, ?, ?, ?, ?, 0, 0)
	`, correlationID, nowRFC3339(), BackupRunning, rootPath, destPath)
	if err != nil {
		return nil, fmt.Errorf("begin backup run: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("begin backup run: last insert id: %w", err)
	}

	return &BackupRunLog{
		ID:            id,
		CorrelationID: correlationID,
		StartedAt:     nowRFC3339(),
		Status:        BackupRunning,
		RootPath:      rootPath,
		DestPath:      destPath,
	}, nil
}

// FinalizeBackupRun records the terminal state of a backup_history row.
func FinalizeBackupRun(ctx context.Context, db *sql.DB, id int64, status BackupStatus, backupType *BackupType,
	scanID *int64, filesProcessed, errCount int64, message *string,
) error {
	_, err := db.ExecContext(ctx, `
		UPDATE backup_history SET
			finished_at = ?, status = ?, backup_type = ?, scan_id = ?,
			files_processed = ?, errors = ?, message = ?
		WHERE id = ?
	`, nowRFC3339(), status, backupType, scanID, filesProcessed, errCount, message, id)
	if err != nil {
		return fmt.Errorf("finalize backup run %d: %w", id, err)
	}

	return nil
}

// ListBackupRuns returns the most recent backup_history rows, newest first,
// capped at limit (0 means unbounded) — backs the `history` CLI command.
func ListBackupRuns(ctx context.Context, db *sql.DB, limit int) ([]BackupRunLog, error) {
	query := `
		SELECT id, correlation_id, started_at, finished_at, status, backup_type,
		       root_path, dest_path, files_processed, errors, scan_id, message
		FROM backup_history ORDER BY id DESC
	`

	var args []any

	if limit > 0 {
		query += " LIMIT ?"

		args = append(args, limit)
	}

	rows, err := db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list backup runs: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var runs []BackupRunLog

	for rows.Next() {
		var (
			r          BackupRunLog
			finishedAt sql.NullString
			backupType sql.NullString
			scanID     sql.NullInt64
			message    sql.NullString
		)

		if err := rows.Scan(&r.ID, &r.CorrelationID, &r.StartedAt, &finishedAt, &r.Status, &backupType,
			&r.RootPath, &r.DestPath, &r.FilesProcessed, &r.Errors, &scanID, &message); err != nil {
			return nil, fmt.Errorf("scan backup run row: %w", err)
		}

		if finishedAt.Valid {
			r.FinishedAt = &finishedAt.String
		}

		if backupType.Valid {
			bt := BackupType(backupType.String)
			r.BackupType = &bt
		}

		if scanID.Valid {
			r.ScanID = &scanID.Int64
		}

		if message.Valid {
			r.Message = &message.String
		}

		runs = append(runs, r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return runs, nil
}
