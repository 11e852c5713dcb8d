// Package scanwriter implements the single-writer, batched ingestion of
// filesystem observations produced by the walker (internal/walker) into the
// metadata store's file_inventory table.
//
// One Writer serves exactly one scan. The walker (producer) calls Enqueue
// per observed file and Close when the tree has been fully traversed; a
// single goroutine (the consumer, started by Run) drains the queue in
// batches and commits them to the store.
package scanwriter

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/keeply/keeply/internal/runlog"
	"github.com/keeply/keeply/internal/store"
)

// Default tuning knobs, overridable via config (internal/config). Spec
// requires these be configurable, not constants baked into the algorithm.
const (
	DefaultQueueCapacity = 50_000
	DefaultBatchSize     = 4000
	MinBatchSize         = 2000
	MaxBatchSize         = 10000
	DefaultMaxLatency    = 400 * time.Millisecond
	enqueueTimeout       = 200 * time.Millisecond
)

// Writer batches observed-file records from a bounded channel into
// file_inventory upserts, committing whenever the batch fills, 400ms
// elapses with pending rows, or the producer signals end-of-stream.
type Writer struct {
	db         *sql.DB
	root       string
	scanID     int64
	batchSize  int
	maxLatency time.Duration
	queue      chan store.ObservedFile
	closed     chan struct{} // closed by Close to signal end-of-stream
	done       chan struct{} // closed when Run has returned
	cancel     *atomic.Bool
	logger     runlog.Logger
	runErr     error
}

// New creates a Writer for one scan. cancel is the shared cooperative
// cancellation flag for the whole backup run: Run sets it if a commit
// fails, so the producer (walker) observes it and stops.
func New(db *sql.DB, root string, scanID int64, queueCapacity, batchSize int, maxLatency time.Duration, cancel *atomic.Bool, logger runlog.Logger) *Writer {
	if queueCapacity <= 0 {
		queueCapacity = DefaultQueueCapacity
	}

	if batchSize < MinBatchSize {
		batchSize = MinBatchSize
	}

	if batchSize > MaxBatchSize {
		batchSize = MaxBatchSize
	}

	if maxLatency <= 0 {
		maxLatency = DefaultMaxLatency
	}

	if logger == nil {
		logger = runlog.Discard
	}

	return &Writer{
		db:         db,
		root:       root,
		scanID:     scanID,
		batchSize:  batchSize,
		maxLatency: maxLatency,
		queue:      make(chan store.ObservedFile, queueCapacity),
		closed:     make(chan struct{}),
		done:       make(chan struct{}),
		cancel:     cancel,
		logger:     logger,
	}
}

// Enqueue offers f to the queue with a bounded timeout, checking worker
// health (whether Run has already exited) between retries rather than
// blocking forever against a dead consumer.
func (w *Writer) Enqueue(ctx context.Context, f store.ObservedFile) error {
	timer := time.NewTimer(enqueueTimeout)
	defer timer.Stop()

	for {
		select {
		case w.queue <- f:
			return nil
		case <-w.done:
			return fmt.Errorf("scan writer exited: %w", w.RunError())
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
			// Consumer is still alive (done not closed): retry.
			timer.Reset(enqueueTimeout)
		}
	}
}

// Close signals end-of-stream to the consumer. Safe to call once; the
// walker calls this after the traversal completes.
func (w *Writer) Close() {
	select {
	case <-w.closed:
		// already closed
	default:
		close(w.closed)
	}
}

// Wait blocks until Run has returned and reports its final error.
func (w *Writer) Wait() error {
	<-w.done
	return w.RunError()
}

// RunError returns the error Run terminated with, or nil.
func (w *Writer) RunError() error {
	return w.runErr
}

// Run drains the queue, committing batches under the policy described in
// the package doc, until Close has been called and the queue is empty. On
// any commit error, it sets the shared cancel flag and returns the error;
// callers must still call Close/observe Wait to unblock any pending
// producer goroutine.
func (w *Writer) Run(ctx context.Context) error {
	defer close(w.done)

	batch := make([]store.ObservedFile, 0, w.batchSize)
	ticker := time.NewTicker(w.maxLatency)

	defer ticker.Stop()

	flush := func() error {
		if len(batch) == 0 {
			return nil
		}

		if err := w.commit(ctx, batch); err != nil {
			w.cancel.Store(true)
			w.runErr = err

			return err
		}

		batch = batch[:0]

		return nil
	}

	for {
		if w.cancel.Load() {
			_ = flush()
			w.runErr = ErrCanceled

			return ErrCanceled
		}

		select {
		case f := <-w.queue:
			batch = append(batch, f)

			if len(batch) >= w.batchSize {
				if err := flush(); err != nil {
					return err
				}
			}

		case <-ticker.C:
			if err := flush(); err != nil {
				return err
			}

		case <-w.closed:
			// Drain whatever remains without blocking, then do a final flush.
			for {
				select {
				case f := <-w.queue:
					batch = append(batch, f)

					if len(batch) >= w.batchSize {
						if err := flush(); err != nil {
							return err
						}
					}
				default:
					return flush()
				}
			}

		case <-ctx.Done():
			_ = flush()

			return ctx.Err()
		}
	}
}

// commit upserts one batch within a single transaction.
func (w *Writer) commit(ctx context.Context, batch []store.ObservedFile) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("scan writer: begin tx: %w", err)
	}

	upserter, err := store.PrepareInventoryUpsert(ctx, tx)
	if err != nil {
		_ = tx.Rollback()

		return fmt.Errorf("scan writer: prepare upsert: %w", err)
	}

	for _, f := range batch {
		if err := upserter.Upsert(ctx, tx, f); err != nil {
			_ = upserter.Close()
			_ = tx.Rollback()

			return fmt.Errorf("scan writer: commit batch: %w", err)
		}
	}

	_ = upserter.Close()

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("scan writer: commit tx: %w", err)
	}

	w.logger.Info("scan writer: committed batch", "scan_id", w.scanID, "root", w.root, "rows", len(batch))

	return nil
}

// ErrCanceled is returned by Run when it observes the shared cancel flag
// at the head of its loop. A commit failure returns the commit error
// itself, not ErrCanceled.
var ErrCanceled = errors.New("scan canceled")
