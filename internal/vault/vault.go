// Package vault implements the content-addressed blob store backup runs
// write changed file contents into: one AES-GCM envelope per unique SHA-256
// digest, deduplicated by existence, sharded two hex characters deep so no
// single directory accumulates every blob in a large backup.
package vault

import (
	"bytes"
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/keeply/keeply/internal/envelope"
	"github.com/keeply/keeply/internal/keeplyerr"
	"github.com/keeply/keeply/internal/store"
	"github.com/keeply/keeply/pkg/fs"
)

const (
	storageDirName  = "storage"
	incomingDirName = "incoming"
	blobExt         = ".blob"
	verifierName    = "verifier" + blobExt

	// verifierPlaintext is sealed into the verifier blob at vault
	// initialization. Any passphrase that decrypts it and reproduces this
	// exact content is the passphrase the vault was initialized with.
	verifierPlaintext = "keeply-vault-verifier-v1"
)

var tempSeq atomic.Uint64

// Vault is a content-addressed, encrypted blob store rooted at
// <destDir>/.keeply/storage. One Vault is created per backup destination.
type Vault struct {
	fsys       fs.FS
	atomic     *fs.AtomicWriter
	storageDir string
	db         *sql.DB
}

// New returns a Vault rooted under destDir. db is used only by
// EnsureVerifier/VerifyPassword to cache the verifier's plaintext hash.
func New(fsys fs.FS, atomicWriter *fs.AtomicWriter, destDir string, db *sql.DB) *Vault {
	return &Vault{
		fsys:       fsys,
		atomic:     atomicWriter,
		storageDir: filepath.Join(destDir, ".keeply", storageDirName),
		db:         db,
	}
}

// Dir returns the vault's storage root. Put and EnsureVerifier create the
// directories they need themselves.
func (v *Vault) Dir() string {
	return v.storageDir
}

func (v *Vault) blobPath(hexHash string) string {
	return filepath.Join(v.storageDir, hexHash[:2], hexHash[2:]+blobExt)
}

// Has reports whether a blob for hexHash already exists.
func (v *Vault) Has(hexHash string) (bool, error) {
	ok, err := v.fsys.Exists(v.blobPath(hexHash))
	if err != nil {
		return false, keeplyerr.New(keeplyerr.KindIO, v.blobPath(hexHash), err)
	}

	return ok, nil
}

// Put hashes content while sealing it into a temp file under
// storage/incoming, then moves it to its content address unless a blob for
// that digest already exists, in which case the temp file is removed and the
// existing blob is left untouched. Returns the lowercase hex SHA-256 digest
// either way. A duplicate Put still pays for the full seal.
func (v *Vault) Put(content io.Reader, passphrase []byte) (string, error) {
	if err := v.fsys.MkdirAll(filepath.Join(v.storageDir, incomingDirName), 0o755); err != nil {
		return "", keeplyerr.New(keeplyerr.KindIO, v.storageDir, fmt.Errorf("create incoming dir: %w", err))
	}

	tempPath := filepath.Join(v.storageDir, incomingDirName, fmt.Sprintf("%d-%d.tmp", time.Now().UnixNano(), tempSeq.Add(1)))

	hasher := sha256.New()
	tee := io.TeeReader(content, hasher)

	if err := envelope.Seal(v.atomic, tempPath, passphrase, tee); err != nil {
		_ = v.fsys.Remove(tempPath)

		return "", err
	}

	hexHash := hex.EncodeToString(hasher.Sum(nil))
	finalPath := v.blobPath(hexHash)

	exists, err := v.fsys.Exists(finalPath)
	if err != nil {
		_ = v.fsys.Remove(tempPath)

		return "", keeplyerr.New(keeplyerr.KindIO, finalPath, err)
	}

	if exists {
		if err := v.fsys.Remove(tempPath); err != nil {
			return "", keeplyerr.New(keeplyerr.KindIO, tempPath, fmt.Errorf("remove duplicate temp blob: %w", err))
		}

		return hexHash, nil
	}

	if err := v.fsys.MkdirAll(filepath.Dir(finalPath), 0o755); err != nil {
		_ = v.fsys.Remove(tempPath)

		return "", keeplyerr.New(keeplyerr.KindIO, finalPath, fmt.Errorf("create shard dir: %w", err))
	}

	if err := v.fsys.Rename(tempPath, finalPath); err != nil {
		_ = v.fsys.Remove(tempPath)

		return "", keeplyerr.New(keeplyerr.KindIO, finalPath, fmt.Errorf("rename into place: %w", err))
	}

	return hexHash, nil
}

// Get decrypts and returns the full plaintext content of the blob addressed
// by hexHash.
func (v *Vault) Get(hexHash string, passphrase []byte) ([]byte, error) {
	return envelope.Open(v.fsys, v.blobPath(hexHash), passphrase)
}

// EnsureVerifier writes the vault's verifier blob if it does not already
// exist, sealing a fixed plaintext under passphrase and caching its SHA-256
// digest in backup_settings. A no-op when the verifier blob already exists,
// so it is safe to call on every run.
func (v *Vault) EnsureVerifier(ctx context.Context, passphrase []byte) error {
	path := filepath.Join(v.storageDir, verifierName)

	exists, err := v.fsys.Exists(path)
	if err != nil {
		return keeplyerr.New(keeplyerr.KindIO, path, err)
	}

	if exists {
		return nil
	}

	if err := v.fsys.MkdirAll(v.storageDir, 0o755); err != nil {
		return keeplyerr.New(keeplyerr.KindIO, v.storageDir, err)
	}

	if err := envelope.Seal(v.atomic, path, passphrase, bytes.NewReader([]byte(verifierPlaintext))); err != nil {
		return err
	}

	sum := sha256.Sum256([]byte(verifierPlaintext))

	if v.db != nil {
		if err := store.SetSetting(ctx, v.db, store.SettingPasswordVerifier, hex.EncodeToString(sum[:])); err != nil {
			return fmt.Errorf("cache verifier hash: %w", err)
		}
	}

	return nil
}

// VerifyPassword reports whether passphrase decrypts the vault's verifier
// blob and reproduces its expected content. Returns (false, nil) for a
// passphrase mismatch (KindBadPassphrase from envelope.Open), and a non-nil
// error only for unexpected I/O or format failures.
func (v *Vault) VerifyPassword(ctx context.Context, passphrase []byte) (bool, error) {
	path := filepath.Join(v.storageDir, verifierName)

	plaintext, err := envelope.Open(v.fsys, path, passphrase)
	if err != nil {
		if keeplyerr.Is(err, keeplyerr.KindBadPassphrase) {
			return false, nil
		}

		return false, err
	}

	if string(plaintext) != verifierPlaintext {
		return false, nil
	}

	if v.db != nil {
		want, ok, err := store.GetSetting(ctx, v.db, store.SettingPasswordVerifier)
		if err == nil && ok {
			sum := sha256.Sum256(plaintext)
			if hex.EncodeToString(sum[:]) != want {
				return false, nil
			}
		}
	}

	return true, nil
}
