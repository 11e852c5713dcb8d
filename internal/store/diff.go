package store

import (
	"context"
	"database/sql"
	"fmt"
)

// RunDiff executes the full incremental-diff algorithm for a completed scan
// S of rootPath: delete detection, promotion of NEW/MODIFIED inventory rows
// into history, marking the surviving inventory STABLE, and finalizing the
// scan row. Each step is its own transaction, matching the spec's
// description of four discrete operations; callers that need all four to be
// atomic as a whole should wrap RunDiff's caller in their own coordination
// (the store does not hold a cross-step lock beyond its single-writer
// discipline).
func RunDiff(ctx context.Context, db *sql.DB, rootPath string, scanID int64) error {
	if err := detectDeletes(ctx, db, rootPath, scanID); err != nil {
		return err
	}

	if err := promoteChanges(ctx, db, rootPath, scanID); err != nil {
		return err
	}

	if err := markStable(ctx, db, rootPath, scanID); err != nil {
		return err
	}

	return FinalizeScan(ctx, db, rootPath, scanID)
}

// detectDeletes finds every inventory row not touched by scan S (its
// last_scan_id is older) and records a DELETED history row for it before
// removing the inventory row, all within one transaction.
func detectDeletes(ctx context.Context, db *sql.DB, rootPath string, scanID int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("detect deletes: begin tx: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT path_rel, size_bytes, modified_millis, created_millis FROM file_inventory
		WHERE root_path = ? AND last_scan_id < ?
	`, rootPath, scanID)
	if err != nil {
		return fmt.Errorf("detect deletes: query stale inventory: %w", err)
	}

	type stale struct {
		pathRel        string
		sizeBytes      int64
		modifiedMillis int64
		createdMillis  int64
	}

	var toDelete []stale

	for rows.Next() {
		var s stale
		if err := rows.Scan(&s.pathRel, &s.sizeBytes, &s.modifiedMillis, &s.createdMillis); err != nil {
			_ = rows.Close()

			return fmt.Errorf("detect deletes: scan: %w", err)
		}

		toDelete = append(toDelete, s)
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return fmt.Errorf("detect deletes: rows: %w", err)
	}

	_ = rows.Close()

	for _, s := range toDelete {
		if err := insertHistoryTx(ctx, tx, historyInsert{
			scanID:         scanID,
			rootPath:       rootPath,
			pathRel:        s.pathRel,
			sizeBytes:      s.sizeBytes,
			statusEvent:    EventDeleted,
			modifiedMillis: s.modifiedMillis,
			createdMillis:  s.createdMillis,
		}); err != nil {
			return fmt.Errorf("detect deletes: insert history: %w", err)
		}

		_, err := tx.ExecContext(ctx, `
			DELETE FROM file_inventory WHERE root_path = ? AND path_rel = ?
		`, rootPath, s.pathRel)
		if err != nil {
			return fmt.Errorf("detect deletes: delete inventory %s: %w", s.pathRel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("detect deletes: commit: %w", err)
	}

	return nil
}

// promoteChanges copies every inventory row last touched by scan S with
// status NEW or MODIFIED into file_history, preserving the status_event.
func promoteChanges(ctx context.Context, db *sql.DB, rootPath string, scanID int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("promote changes: begin tx: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx, `
		SELECT path_rel, size_bytes, modified_millis, created_millis, status FROM file_inventory
		WHERE root_path = ? AND last_scan_id = ? AND status IN ('NEW', 'MODIFIED')
	`, rootPath, scanID)
	if err != nil {
		return fmt.Errorf("promote changes: query: %w", err)
	}

	type changed struct {
		pathRel        string
		sizeBytes      int64
		modifiedMillis int64
		createdMillis  int64
		status         InventoryStatus
	}

	var toPromote []changed

	for rows.Next() {
		var c changed
		if err := rows.Scan(&c.pathRel, &c.sizeBytes, &c.modifiedMillis, &c.createdMillis, &c.status); err != nil {
			_ = rows.Close()

			return fmt.Errorf("promote changes: scan: %w", err)
		}

		toPromote = append(toPromote, c)
	}

	if err := rows.Err(); err != nil {
		_ = rows.Close()

		return fmt.Errorf("promote changes: rows: %w", err)
	}

	_ = rows.Close()

	for _, c := range toPromote {
		if err := insertHistoryTx(ctx, tx, historyInsert{
			scanID:         scanID,
			rootPath:       rootPath,
			pathRel:        c.pathRel,
			sizeBytes:      c.sizeBytes,
			statusEvent:    StatusEvent(c.status),
			modifiedMillis: c.modifiedMillis,
			createdMillis:  c.createdMillis,
		}); err != nil {
			return fmt.Errorf("promote changes: insert history %s: %w", c.pathRel, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("promote changes: commit: %w", err)
	}

	return nil
}

// markStable sets status = STABLE for every inventory row touched by scan
// S, so the next scan's upsert compares against a clean baseline.
func markStable(ctx context.Context, db *sql.DB, rootPath string, scanID int64) error {
	_, err := db.ExecContext(ctx, `
		UPDATE file_inventory SET status = ? WHERE root_path = ? AND last_scan_id = ?
	`, InventoryStable, rootPath, scanID)
	if err != nil {
		return fmt.Errorf("mark stable: %w", err)
	}

	return nil
}

// FinalizeScan sets finished_at, total_usage (sum of current inventory
// size_bytes for rootPath), and status DONE in one transaction. The STABLE
// marking that RunDiff performs just before it is a separate statement
// outside that transaction, so the two do not commit as one unit.
func FinalizeScan(ctx context.Context, db *sql.DB, rootPath string, scanID int64) error {
	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("finalize scan: begin tx: %w", err)
	}

	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		SELECT COALESCE(SUM(size_bytes), 0) FROM file_inventory WHERE root_path = ?
	`, rootPath)

	var totalUsage int64

	if err := row.Scan(&totalUsage); err != nil {
		return fmt.Errorf("finalize scan: sum usage: %w", err)
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE scans SET finished_at = ?, total_usage = ?, status = ? WHERE scan_id = ?
	`, nowRFC3339(), totalUsage, ScanDone, scanID)
	if err != nil {
		return fmt.Errorf("finalize scan: update: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("finalize scan: commit: %w", err)
	}

	return nil
}

type historyInsert struct {
	scanID         int64
	rootPath       string
	pathRel        string
	sizeBytes      int64
	statusEvent    StatusEvent
	modifiedMillis int64
	createdMillis  int64
}

func insertHistoryTx(ctx context.Context, tx *sql.Tx, h historyInsert) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO file_history (
			scan_id, root_path, path_rel, size_bytes, status_event,
			created_at, created_millis, modified_millis, content_hash
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, NULL)
	`, h.scanID, h.rootPath, h.pathRel, h.sizeBytes, h.statusEvent,
		nowRFC3339(), h.createdMillis, h.modifiedMillis)

	return err
}

// SnapshotAtScan returns, for each (root, path) under rootPath, the latest
// file_history row with scan_id <= scanID whose status_event is not
// DELETED — the "files present at end of scan S" set used by restore.
func SnapshotAtScan(ctx context.Context, db *sql.DB, rootPath string, scanID int64) ([]HistoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT h.id, h.scan_id, h.root_path, h.path_rel, h.size_bytes, h.status_event,
		       h.created_at, h.created_millis, h.modified_millis, h.content_hash
		FROM file_history h
		JOIN (
			SELECT root_path, path_rel, MAX(scan_id) AS max_scan_id
			FROM file_history
			WHERE root_path = ? AND scan_id <= ?
			GROUP BY root_path, path_rel
		) latest ON h.root_path = latest.root_path
		        AND h.path_rel = latest.path_rel
		        AND h.scan_id = latest.max_scan_id
		WHERE h.status_event != 'DELETED'
		ORDER BY h.path_rel
	`, rootPath, scanID)
	if err != nil {
		return nil, fmt.Errorf("snapshot at scan %d: %w", scanID, err)
	}

	defer func() { _ = rows.Close() }()

	return scanHistoryRows(rows)
}
