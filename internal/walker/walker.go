// Package walker implements the recursive, cancellable directory traversal
// that feeds the scan writer (internal/scanwriter). It has no teacher
// analogue in the retrieval pack — the teacher reads a flat ticket
// directory, never a full tree — so this module is written fresh in the
// teacher's idiom: an explicit fs.FS parameter, per-entry error counters
// instead of aborting, and a cancel flag checked at loop heads.
package walker

import (
	"context"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/keeply/keeply/internal/matcher"
	"github.com/keeply/keeply/internal/runlog"
	"github.com/keeply/keeply/internal/scanwriter"
	"github.com/keeply/keeply/internal/store"
	"github.com/keeply/keeply/pkg/fs"
)

// Options configures one traversal.
type Options struct {
	// Root is the absolute, OS-normalized source directory to walk.
	Root string
	// Dest is the absolute, OS-normalized backup destination. If Root
	// contains Dest, the destination subtree is skipped entirely.
	Dest string
	// ScanID is stamped onto every observed file enqueued to the writer.
	ScanID int64
	// Matcher is the compiled exclusion glob set (internal/matcher).
	Matcher *matcher.Matcher
	// Cancel is the shared cooperative cancellation flag for the run.
	Cancel *atomic.Bool
	// Logger receives per-entry I/O error reports. Defaults to a no-op.
	Logger runlog.Logger
}

// Result summarizes one traversal.
type Result struct {
	FilesEnqueued int
	Errors        int
}

// Walk traverses opts.Root, enqueueing every non-excluded regular file to
// writer. It checks opts.Cancel at the head of every directory and before
// every entry; I/O errors on individual entries are counted and logged, not
// fatal to the walk.
func Walk(ctx context.Context, fsys fs.FS, writer *scanwriter.Writer, opts Options) Result {
	logger := opts.Logger
	if logger == nil {
		logger = runlog.Discard
	}

	w := &walk{
		ctx:    ctx,
		fsys:   fsys,
		writer: writer,
		opts:   opts,
		logger: logger,
	}

	w.walkDir(opts.Root, "")

	return w.result
}

type walk struct {
	ctx    context.Context
	fsys   fs.FS
	writer *scanwriter.Writer
	opts   Options
	logger runlog.Logger
	result Result
}

func (w *walk) canceled() bool {
	return w.opts.Cancel != nil && w.opts.Cancel.Load()
}

func (w *walk) walkDir(dirAbs, dirRel string) {
	if w.canceled() {
		return
	}

	entries, err := w.fsys.ReadDir(dirAbs)
	if err != nil {
		w.result.Errors++
		w.logger.Error("walker: read dir failed", "path", dirAbs, "err", err)

		return
	}

	for _, entry := range entries {
		if w.canceled() {
			return
		}

		entryAbs := filepath.Join(dirAbs, entry.Name())
		entryRel := path.Join(dirRel, entry.Name())
		normRel := filepath.ToSlash(entryRel)

		if w.opts.Dest != "" && withinDest(entryAbs, w.opts.Dest) {
			continue
		}

		if matcher.FastExclude(normRel) {
			continue
		}

		if w.opts.Matcher.Matches(normRel) {
			continue
		}

		if entry.IsDir() {
			w.walkDir(entryAbs, entryRel)

			continue
		}

		if !entry.Type().IsRegular() {
			continue
		}

		w.observeFile(entryAbs, normRel, entry)
	}
}

func (w *walk) observeFile(absPath, relPath string, entry os.DirEntry) {
	info, err := entry.Info()
	if err != nil {
		w.result.Errors++
		w.logger.Error("walker: stat failed", "path", absPath, "err", err)

		return
	}

	modifiedMillis := info.ModTime().UnixMilli()

	obs := store.ObservedFile{
		ScanID:         w.opts.ScanID,
		RootPath:       w.opts.Root,
		PathRel:        relPath,
		Name:           entry.Name(),
		SizeBytes:      info.Size(),
		ModifiedMillis: modifiedMillis,
		// created_millis has no portable birth-time equivalent via
		// os.FileInfo, so the current mtime is reported in its place on
		// every observation. The upsert's CASE WHEN guard
		// (internal/store.PrepareInventoryUpsert) keeps the stored value
		// only when the new one is non-positive, so this positive value
		// replaces it each scan.
		CreatedMillis: modifiedMillis,
	}

	if err := w.writer.Enqueue(w.ctx, obs); err != nil {
		w.result.Errors++
		w.logger.Error("walker: enqueue failed", "path", absPath, "err", err)

		return
	}

	w.result.FilesEnqueued++
}

func withinDest(entryAbs, destAbs string) bool {
	if entryAbs == destAbs {
		return true
	}

	return strings.HasPrefix(entryAbs, destAbs+string(filepath.Separator))
}
