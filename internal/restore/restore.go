// Package restore materializes files out of the vault (internal/vault)
// back onto disk, keyed by what the metadata store (internal/store) recorded
// for a given scan.
package restore

import (
	"bytes"
	"context"
	"database/sql"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/keeply/keeply/internal/keeplyerr"
	"github.com/keeply/keeply/internal/runlog"
	"github.com/keeply/keeply/internal/store"
	"github.com/keeply/keeply/internal/vault"
	"github.com/keeply/keeply/pkg/fs"
)

// Placement selects where a restored file is written.
type Placement int

const (
	// OriginalPath writes to <original_root>/<path_rel>.
	OriginalPath Placement = iota
	// DestWithStructure writes to <chosen_dir>/<path_rel>.
	DestWithStructure
	// DestFlat writes to <chosen_dir>/<basename(path_rel)>, resolving name
	// collisions by suffixing " (N)".
	DestFlat
)

// MaxSelectionItems caps how many files a single selective restore may
// touch, per spec.md's "caps total items" requirement.
const MaxSelectionItems = 100_000

// Options configures one restore operation.
type Options struct {
	Placement  Placement
	ChosenDir  string // required for DestWithStructure and DestFlat
	Passphrase []byte
	Cancel     *atomic.Bool
	Logger     runlog.Logger
}

// Result summarizes a completed (or canceled) restore.
type Result struct {
	FilesRestored int
	Errors        int
	Canceled      bool
}

// RestoreChangedFromScan restores every NEW/MODIFIED file recorded for scan
// S: the set the backup driver itself wrote blobs for.
func RestoreChangedFromScan(ctx context.Context, fsys fs.FS, db *sql.DB, v *vault.Vault, rootPath string, scanID int64, opts Options) (Result, error) {
	pending, err := store.PendingForBackup(ctx, db, scanID)
	if err != nil {
		return Result{}, fmt.Errorf("restore changed from scan %d: %w", scanID, err)
	}

	return restoreEntries(ctx, fsys, v, rootPath, pending, opts), nil
}

// RestoreSelectionFromSnapshot restores filePaths and every path found under
// dirPrefixes in the snapshot-at-S, unioned and deduplicated, capped at
// MaxSelectionItems.
func RestoreSelectionFromSnapshot(ctx context.Context, fsys fs.FS, db *sql.DB, v *vault.Vault, rootPath string, scanID int64,
	filePaths, dirPrefixes []string, opts Options,
) (Result, error) {
	snapshot, err := store.SnapshotAtScan(ctx, db, rootPath, scanID)
	if err != nil {
		return Result{}, fmt.Errorf("restore selection from snapshot %d: %w", scanID, err)
	}

	wanted := make(map[string]bool, len(filePaths))
	for _, p := range filePaths {
		wanted[normalize(p)] = true
	}

	prefixes := make([]string, len(dirPrefixes))
	for i, p := range dirPrefixes {
		prefixes[i] = strings.TrimSuffix(normalize(p), "/") + "/"
	}

	var selected []store.HistoryEntry

	for _, h := range snapshot {
		np := normalize(h.PathRel)

		if wanted[np] {
			selected = append(selected, h)

			continue
		}

		for _, prefix := range prefixes {
			if strings.HasPrefix(np+"/", prefix) {
				selected = append(selected, h)

				break
			}
		}
	}

	selected = dedupeByPath(selected)

	truncated := false
	if len(selected) > MaxSelectionItems {
		selected = selected[:MaxSelectionItems]
		truncated = true
	}

	result := restoreEntries(ctx, fsys, v, rootPath, selected, opts)

	if truncated {
		logger := opts.Logger
		if logger == nil {
			logger = runlog.Discard
		}

		logger.Warn("restore: selection truncated", "root", rootPath, "scan_id", scanID, "cap", MaxSelectionItems)
	}

	return result, nil
}

func normalize(p string) string {
	return strings.Trim(path.Clean(filepath.ToSlash(p)), "/")
}

// dedupeByPath keeps the first occurrence of each path_rel, preserving
// order (snapshot rows already arrive ordered by path_rel).
func dedupeByPath(entries []store.HistoryEntry) []store.HistoryEntry {
	seen := make(map[string]bool, len(entries))

	out := make([]store.HistoryEntry, 0, len(entries))

	for _, e := range entries {
		if seen[e.PathRel] {
			continue
		}

		seen[e.PathRel] = true

		out = append(out, e)
	}

	return out
}

// restoreEntries writes each entry's current vault blob to its placement
// path. Per-file errors are counted and logged, not fatal to the run; a
// set cancel flag stops the loop before the next file starts.
func restoreEntries(ctx context.Context, fsys fs.FS, v *vault.Vault, rootPath string, entries []store.HistoryEntry, opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = runlog.Discard
	}

	writer := fs.NewAtomicWriter(fsys)

	var result Result

	usedFlatNames := make(map[string]int)

	for _, e := range entries {
		if opts.Cancel != nil && opts.Cancel.Load() {
			result.Canceled = true

			break
		}

		select {
		case <-ctx.Done():
			result.Canceled = true
		default:
		}

		if result.Canceled {
			break
		}

		if e.ContentHash == nil {
			continue // deleted path or not yet backed up; nothing to restore
		}

		target, err := placementPath(rootPath, opts, e.PathRel, usedFlatNames, fsys)
		if err != nil {
			result.Errors++
			logger.Error("restore: resolve target path failed", "path", e.PathRel, "err", err)

			continue
		}

		if err := restoreOne(fsys, writer, v, target, *e.ContentHash, opts.Passphrase); err != nil {
			result.Errors++
			logger.Error("restore: write failed", "path", e.PathRel, "target", target, "err", err)

			continue
		}

		result.FilesRestored++
	}

	return result
}

func placementPath(rootPath string, opts Options, pathRel string, usedFlatNames map[string]int, fsys fs.FS) (string, error) {
	relOS := filepath.FromSlash(pathRel)

	switch opts.Placement {
	case OriginalPath:
		return filepath.Join(rootPath, relOS), nil

	case DestWithStructure:
		if opts.ChosenDir == "" {
			return "", fmt.Errorf("restore: DestWithStructure requires ChosenDir")
		}

		return filepath.Join(opts.ChosenDir, relOS), nil

	case DestFlat:
		if opts.ChosenDir == "" {
			return "", fmt.Errorf("restore: DestFlat requires ChosenDir")
		}

		return flatPath(opts.ChosenDir, filepath.Base(relOS), usedFlatNames, fsys), nil

	default:
		return "", fmt.Errorf("restore: unknown placement mode %d", opts.Placement)
	}
}

// flatPath resolves DestFlat name collisions by suffixing " (N)" before the
// extension, starting from this run's last-used index for base and
// advancing past any name that already exists on disk from a prior restore.
func flatPath(dir, base string, usedFlatNames map[string]int, fsys fs.FS) string {
	ext := filepath.Ext(base)
	stem := strings.TrimSuffix(base, ext)

	for n := usedFlatNames[base]; ; n++ {
		candidate := filepath.Join(dir, base)
		if n > 0 {
			candidate = filepath.Join(dir, fmt.Sprintf("%s (%d)%s", stem, n, ext))
		}

		exists, err := fsys.Exists(candidate)
		if err != nil || !exists {
			usedFlatNames[base] = n + 1

			return candidate
		}
	}
}

func restoreOne(fsys fs.FS, writer *fs.AtomicWriter, v *vault.Vault, target, hexHash string, passphrase []byte) error {
	plaintext, err := v.Get(hexHash, passphrase)
	if err != nil {
		return err
	}

	if err := fsys.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return keeplyerr.New(keeplyerr.KindIO, target, fmt.Errorf("create parent dir: %w", err))
	}

	if err := writer.WriteWithDefaults(target, bytes.NewReader(plaintext)); err != nil {
		return keeplyerr.New(keeplyerr.KindIO, target, err)
	}

	return nil
}
