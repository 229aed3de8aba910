// Package worker holds the background processes: the ledger export worker
// draining the sync queue and the statement worker settling closed periods.
package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fatura/internal/core"
	"fatura/internal/ledger"
	"fatura/internal/storage"
)

// LedgerQueueStore is the slice of the repository the export worker needs.
type LedgerQueueStore interface {
	DequeueLedgerBatch(ctx context.Context, limit int) ([]storage.LedgerSyncItem, error)
	GetTransaction(ctx context.Context, id string) (*core.Transaction, error)
	MarkLedgerSynced(ctx context.Context, id int64) error
	RecordLedgerFailure(ctx context.Context, id int64, cause string, maxAttempts int) error
}

// LedgerWorker drains the database-backed sync queue into the external
// ledger. It runs on a poll interval and can additionally be nudged after
// each settlement so exports land promptly.
type LedgerWorker struct {
	store       LedgerQueueStore
	writer      ledger.Writer
	batchSize   int
	interval    time.Duration
	maxAttempts int
	logger      *slog.Logger
}

func NewLedgerWorker(store LedgerQueueStore, writer ledger.Writer, batchSize int, interval time.Duration, logger *slog.Logger) *LedgerWorker {
	return &LedgerWorker{
		store:       store,
		writer:      writer,
		batchSize:   batchSize,
		interval:    interval,
		maxAttempts: 5,
		logger:      logger,
	}
}

// Run polls the queue until ctx is cancelled. Drain errors are logged and
// retried on the next tick rather than stopping the worker.
func (w *LedgerWorker) Run(ctx context.Context) error {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	w.logger.InfoContext(ctx, "Ledger worker started",
		"interval", w.interval,
		"batch_size", w.batchSize)

	for {
		if err := w.DrainOnce(ctx); err != nil {
			w.logger.ErrorContext(ctx, "Ledger drain failed", "error", err)
		}
		select {
		case <-ctx.Done():
			w.logger.InfoContext(ctx, "Ledger worker stopping", "reason", ctx.Err())
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// DrainOnce exports one batch of queued transactions. Failed appends bump
// the item's attempt count; the item stays queued until the attempt cap
// moves it to failed.
func (w *LedgerWorker) DrainOnce(ctx context.Context) error {
	items, err := w.store.DequeueLedgerBatch(ctx, w.batchSize)
	if err != nil {
		return fmt.Errorf("dequeue ledger batch: %w", err)
	}
	if len(items) == 0 {
		return nil
	}

	w.logger.InfoContext(ctx, "Draining ledger queue", "count", len(items))

	for _, item := range items {
		txn, err := w.store.GetTransaction(ctx, item.TransactionID)
		if err != nil {
			// The transaction may have been removed with its plan; the
			// queue entry is unrecoverable either way.
			w.logger.ErrorContext(ctx, "Queued transaction unavailable",
				"transaction_id", item.TransactionID, "error", err)
			if err := w.store.RecordLedgerFailure(ctx, item.ID, err.Error(), 1); err != nil {
				w.logger.ErrorContext(ctx, "Failed to record ledger failure", "item_id", item.ID, "error", err)
			}
			continue
		}

		ref, err := w.writer.Append(ctx, *txn)
		if err != nil {
			w.logger.ErrorContext(ctx, "Ledger append failed",
				"transaction_id", txn.ID,
				"attempts", item.Attempts+1,
				"error", err)
			if err := w.store.RecordLedgerFailure(ctx, item.ID, err.Error(), w.maxAttempts); err != nil {
				w.logger.ErrorContext(ctx, "Failed to record ledger failure", "item_id", item.ID, "error", err)
			}
			continue
		}

		if err := w.store.MarkLedgerSynced(ctx, item.ID); err != nil {
			// The append succeeded; a marking failure only risks a duplicate
			// row on the next drain.
			w.logger.ErrorContext(ctx, "Failed to mark item synced", "item_id", item.ID, "error", err)
			continue
		}
		w.logger.InfoContext(ctx, "Transaction exported to ledger",
			"transaction_id", txn.ID,
			"ledger_ref", ref)
	}
	return nil
}
