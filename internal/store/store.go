// Package store implements the encrypted metadata database: scans,
// file_inventory, file_history, scan_issues, backup_settings, and
// backup_history, plus the incremental diff engine in diff.go.
package store

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/keeply/keeply/internal/envelope"
	"github.com/keeply/keeply/internal/keeplyerr"
	"github.com/keeply/keeply/pkg/fs"
)

// lockTimeout bounds how long Open waits for exclusive ownership of the
// metadata directory before giving up.
const lockTimeout = 10 * time.Second

// Store wires the runtime SQLite file to its encrypted on-disk snapshot and
// the single-process lock that guards exclusive ownership of it.
type Store struct {
	metaDir     string
	encPath     string
	runtimePath string
	lockPath    string

	sql        *sql.DB
	fsys       fs.FS
	atomic     *fs.AtomicWriter
	lock       *fs.Lock
	encrypt    bool
	passphrase []byte
}

// Open opens (creating if necessary) the metadata store under
// <destDir>/.keeply. If encrypt is true, the persisted file is expected to
// be a Keeply envelope; a file that begins with the plain SQLite magic
// instead is refused with KindPlainStorePresent. Open takes an exclusive
// lock on the metadata directory for the lifetime of the Store: this
// process is the sole writer.
func Open(ctx context.Context, destDir string, passphrase []byte, encrypt bool) (*Store, error) {
	if ctx == nil {
		return nil, errors.New("open store: context is nil")
	}

	if destDir == "" {
		return nil, keeplyerr.New(keeplyerr.KindConfig, "", errors.New("destination directory is empty"))
	}

	metaDir := filepath.Join(filepath.Clean(destDir), ".keeply")
	fsReal := fs.NewReal()
	atomicWriter := fs.NewAtomicWriter(fsReal)
	locker := fs.NewLocker(fsReal)

	if err := fsReal.MkdirAll(metaDir, 0o750); err != nil {
		return nil, keeplyerr.New(keeplyerr.KindIO, metaDir, fmt.Errorf("create metadata directory: %w", err))
	}

	lockPath := filepath.Join(metaDir, "db.lock")

	lockCtx, cancel := context.WithTimeout(ctx, lockTimeout)
	defer cancel()

	lock, err := lockWithContext(lockCtx, locker, lockPath)
	if err != nil {
		return nil, keeplyerr.New(keeplyerr.KindIO, lockPath, fmt.Errorf("lock metadata directory: %w", err))
	}

	s := &Store{
		metaDir:     metaDir,
		encPath:     filepath.Join(metaDir, "db.enc"),
		runtimePath: filepath.Join(metaDir, "db.runtime.sqlite"),
		lockPath:    lockPath,
		fsys:        fsReal,
		atomic:      atomicWriter,
		lock:        lock,
		encrypt:     encrypt,
		passphrase:  passphrase,
	}

	if err := s.prepareRuntimeFile(); err != nil {
		_ = s.lock.Close()

		return nil, err
	}

	db, err := openSqlite(ctx, s.runtimePath)
	if err != nil {
		_ = s.lock.Close()

		return nil, err
	}

	s.sql = db

	return s, nil
}

func lockWithContext(ctx context.Context, locker *fs.Locker, path string) (*fs.Lock, error) {
	deadline := lockTimeout
	if d, ok := ctx.Deadline(); ok {
		deadline = time.Until(d)
		if deadline <= 0 {
			deadline = time.Millisecond
		}
	}

	return locker.LockWithTimeout(path, deadline)
}

// prepareRuntimeFile makes the plaintext runtime SQLite file available at
// s.runtimePath, decrypting the persisted envelope if one exists. It refuses
// to proceed if encryption is enabled but the persisted file looks like raw
// SQLite bytes.
func (s *Store) prepareRuntimeFile() error {
	exists, err := s.fsys.Exists(s.encPath)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindIO, s.encPath, err)
	}

	if !exists {
		return nil
	}

	header, err := readHeader(s.fsys, s.encPath)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindIO, s.encPath, err)
	}

	if s.encrypt && envelope.LooksPlainSQLite(header) {
		return keeplyerr.New(keeplyerr.KindPlainStorePresent, s.encPath,
			errors.New("encryption is enabled but the persisted file is unencrypted"))
	}

	if !s.encrypt {
		// Encryption disabled: the persisted file is (or becomes) the
		// runtime file directly, no envelope involved.
		return s.fsys.Rename(s.encPath, s.runtimePath)
	}

	if !envelope.LooksEncrypted(header) {
		return keeplyerr.New(keeplyerr.KindBadFormat, s.encPath, errors.New("missing envelope magic"))
	}

	plaintext, err := envelope.Open(s.fsys, s.encPath, s.passphrase)
	if err != nil {
		return err
	}

	if err := s.fsys.WriteFile(s.runtimePath, plaintext, 0o600); err != nil {
		return keeplyerr.New(keeplyerr.KindIO, s.runtimePath, err)
	}

	return nil
}

func readHeader(fsys fs.FS, path string) ([]byte, error) {
	f, err := fsys.Open(path)
	if err != nil {
		return nil, err
	}

	defer func() { _ = f.Close() }()

	buf := make([]byte, 64)

	n, err := f.Read(buf)
	if err != nil && n == 0 {
		return nil, err
	}

	return buf[:n], nil
}

// PersistEncryptedSnapshot checkpoints the WAL and, if encryption is
// enabled, encrypts the runtime file over the persisted db.enc via an
// atomic rename. Safe to call mid-run for periodic durability and again at
// Close.
func (s *Store) PersistEncryptedSnapshot(ctx context.Context) error {
	if s == nil || s.sql == nil {
		return errors.New("persist snapshot: store is not open")
	}

	if _, err := s.sql.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		return keeplyerr.New(keeplyerr.KindIO, s.runtimePath, fmt.Errorf("checkpoint wal: %w", err))
	}

	if !s.encrypt {
		return nil
	}

	raw, err := s.fsys.ReadFile(s.runtimePath)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindIO, s.runtimePath, err)
	}

	if err := envelope.Seal(s.atomic, s.encPath, s.passphrase, bytes.NewReader(raw)); err != nil {
		return err
	}

	return nil
}

// Close persists a final encrypted snapshot (best-effort; failures are
// returned but the runtime plaintext is left on disk rather than silently
// deleted), removes the runtime file and its WAL/SHM siblings on success
// when encryption is enabled (an unencrypted store keeps them in place),
// closes the SQL connection, and releases the directory lock. Close is
// idempotent and safe on a nil Store.
func (s *Store) Close(ctx context.Context) error {
	if s == nil {
		return nil
	}

	var errs []error

	if s.sql != nil {
		if err := s.PersistEncryptedSnapshot(ctx); err != nil {
			errs = append(errs, err)
		}

		if err := s.sql.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close sqlite: %w", err))
		}

		s.sql = nil

		if len(errs) == 0 && s.encrypt {
			_ = s.fsys.Remove(s.runtimePath)
			_ = s.fsys.Remove(s.runtimePath + "-wal")
			_ = s.fsys.Remove(s.runtimePath + "-shm")
		}
	}

	if s.lock != nil {
		if err := s.lock.Close(); err != nil {
			errs = append(errs, fmt.Errorf("release lock: %w", err))
		}

		s.lock = nil
	}

	return errors.Join(errs...)
}

// DB exposes the underlying *sql.DB for the scan writer, diff engine, and
// query helpers in this package's other files.
func (s *Store) DB() *sql.DB {
	return s.sql
}
