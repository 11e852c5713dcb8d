package store

import (
	"context"
	"database/sql"
	"fmt"
)

// Well-known backup_settings keys. The table is otherwise a free-form
// key/value store (spec.md's Setting entity). Of these keys the core itself
// reads and writes only SettingPasswordVerifier (internal/vault);
// SettingEncrypt and SettingRetentionCount are not read or written by it.
const (
	SettingEncrypt          = "encrypt"
	SettingRetentionCount   = "retention_count"
	SettingPasswordVerifier = "password_verifier_hash"
)

// GetSetting returns the value for key, or ("", false, nil) if unset.
func GetSetting(ctx context.Context, db *sql.DB, key string) (string, bool, error) {
	row := db.QueryRowContext(ctx, `SELECT value FROM backup_settings WHERE key = ?`, key)

	var value string

	err := row.Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}

	if err != nil {
		return "", false, fmt.Errorf("get setting %s: %w", key, err)
	}

	return value, true, nil
}

// SetSetting upserts a key/value pair.
func SetSetting(ctx context.Context, db *sql.DB, key, value string) error {
	_, err := db.ExecContext(ctx, `
		INSERT INTO backup_settings (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at
	`, key, value, nowRFC3339())
	if err != nil {
		return fmt.Errorf("set setting %s: %w", key, err)
	}

	return nil
}
