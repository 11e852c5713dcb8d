package store

import (
	"context"
	"database/sql"
	"fmt"
)

// InventoryUpserter holds the prepared statement the scan writer uses to
// commit a batch of observed files. One upserter is created per batch
// transaction and closed before that transaction commits.
type InventoryUpserter struct {
	stmt *sql.Stmt
}

// PrepareInventoryUpsert prepares the upsert statement within tx. Mirrors
// the spec's UPSERT semantics exactly: status flips to MODIFIED only when
// size or mtime actually changed, created_millis is only overwritten with a
// positive value, and last_scan_id always advances to the new scan.
func PrepareInventoryUpsert(ctx context.Context, tx *sql.Tx) (*InventoryUpserter, error) {
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO file_inventory (
			root_path, path_rel, name, size_bytes, modified_millis,
			created_millis, last_scan_id, status
		) VALUES (?, ?, ?, ?, ?, ?, ?, 'NEW')
		ON CONFLICT(root_path, path_rel) DO UPDATE SET
			last_scan_id    = excluded.last_scan_id,
			name            = excluded.name,
			status          = CASE WHEN file_inventory.size_bytes != excluded.size_bytes
			                       OR file_inventory.modified_millis != excluded.modified_millis
			                  THEN 'MODIFIED' ELSE file_inventory.status END,
			size_bytes      = excluded.size_bytes,
			modified_millis = excluded.modified_millis,
			created_millis  = CASE WHEN excluded.created_millis > 0
			                  THEN excluded.created_millis ELSE file_inventory.created_millis END
	`)
	if err != nil {
		return nil, fmt.Errorf("prepare inventory upsert: %w", err)
	}

	return &InventoryUpserter{stmt: stmt}, nil
}

// Close releases the prepared statement.
func (u *InventoryUpserter) Close() error {
	if u == nil || u.stmt == nil {
		return nil
	}

	return u.stmt.Close()
}

// Upsert applies a single observed file to file_inventory.
func (u *InventoryUpserter) Upsert(ctx context.Context, tx *sql.Tx, f ObservedFile) error {
	_, err := tx.Stmt(u.stmt).ExecContext(ctx,
		f.RootPath, f.PathRel, f.Name, f.SizeBytes, f.ModifiedMillis,
		f.CreatedMillis, f.ScanID,
	)
	if err != nil {
		return fmt.Errorf("upsert inventory %s: %w", f.PathRel, err)
	}

	return nil
}

// GetInventory returns the current inventory row for (rootPath, pathRel),
// or nil if no row exists.
func GetInventory(ctx context.Context, db *sql.DB, rootPath, pathRel string) (*InventoryEntry, error) {
	row := db.QueryRowContext(ctx, `
		SELECT root_path, path_rel, name, size_bytes, modified_millis,
		       created_millis, last_scan_id, status
		FROM file_inventory WHERE root_path = ? AND path_rel = ?
	`, rootPath, pathRel)

	var e InventoryEntry

	err := row.Scan(&e.RootPath, &e.PathRel, &e.Name, &e.SizeBytes, &e.ModifiedMillis,
		&e.CreatedMillis, &e.LastScanID, &e.Status)
	if err == sql.ErrNoRows {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("get inventory %s/%s: %w", rootPath, pathRel, err)
	}

	return &e, nil
}

// ListInventory returns every inventory row for rootPath, ordered by
// path_rel, for tests and total_usage verification.
func ListInventory(ctx context.Context, db *sql.DB, rootPath string) ([]InventoryEntry, error) {
	rows, err := db.QueryContext(ctx, `
		SELECT root_path, path_rel, name, size_bytes, modified_millis,
		       created_millis, last_scan_id, status
		FROM file_inventory WHERE root_path = ? ORDER BY path_rel
	`, rootPath)
	if err != nil {
		return nil, fmt.Errorf("list inventory: %w", err)
	}

	defer func() { _ = rows.Close() }()

	var entries []InventoryEntry

	for rows.Next() {
		var e InventoryEntry

		if err := rows.Scan(&e.RootPath, &e.PathRel, &e.Name, &e.SizeBytes, &e.ModifiedMillis,
			&e.CreatedMillis, &e.LastScanID, &e.Status); err != nil {
			return nil, fmt.Errorf("scan inventory row: %w", err)
		}

		entries = append(entries, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}

	return entries, nil
}
