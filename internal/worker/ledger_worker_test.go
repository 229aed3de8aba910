package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"fatura/internal/amqp"
	"fatura/internal/core"
	"fatura/internal/ledger/memory"
	"fatura/internal/services"
	"fatura/internal/storage"
)

type fakeQueueStore struct {
	items        []storage.LedgerSyncItem
	transactions map[string]core.Transaction
	synced       []int64
	failures     map[int64]int
}

func newFakeQueueStore() *fakeQueueStore {
	return &fakeQueueStore{
		transactions: make(map[string]core.Transaction),
		failures:     make(map[int64]int),
	}
}

func (f *fakeQueueStore) DequeueLedgerBatch(_ context.Context, limit int) ([]storage.LedgerSyncItem, error) {
	if len(f.items) > limit {
		return f.items[:limit], nil
	}
	return f.items, nil
}

func (f *fakeQueueStore) GetTransaction(_ context.Context, id string) (*core.Transaction, error) {
	t, ok := f.transactions[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &t, nil
}

func (f *fakeQueueStore) MarkLedgerSynced(_ context.Context, id int64) error {
	f.synced = append(f.synced, id)
	f.removeItem(id)
	return nil
}

func (f *fakeQueueStore) RecordLedgerFailure(_ context.Context, id int64, _ string, maxAttempts int) error {
	f.failures[id]++
	if f.failures[id] >= maxAttempts {
		f.removeItem(id)
	}
	return nil
}

func (f *fakeQueueStore) removeItem(id int64) {
	var kept []storage.LedgerSyncItem
	for _, it := range f.items {
		if it.ID != id {
			kept = append(kept, it)
		}
	}
	f.items = kept
}

type failingWriter struct{ err error }

func (w failingWriter) Append(context.Context, core.Transaction) (string, error) {
	return "", w.err
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDrainOnceExportsBatch(t *testing.T) {
	store := newFakeQueueStore()
	store.transactions["tx-1"] = core.Transaction{ID: "tx-1", Amount: core.Money{Cents: 100}}
	store.transactions["tx-2"] = core.Transaction{ID: "tx-2", Amount: core.Money{Cents: 200}}
	store.items = []storage.LedgerSyncItem{
		{ID: 1, TransactionID: "tx-1"},
		{ID: 2, TransactionID: "tx-2"},
	}
	writer := memory.New()
	w := NewLedgerWorker(store, writer, 10, time.Minute, testLogger())

	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if got := writer.Rows(); len(got) != 2 {
		t.Errorf("exported %d rows, want 2", len(got))
	}
	if len(store.synced) != 2 {
		t.Errorf("marked %d synced, want 2", len(store.synced))
	}
}

func TestDrainOnceRecordsFailures(t *testing.T) {
	store := newFakeQueueStore()
	store.transactions["tx-1"] = core.Transaction{ID: "tx-1"}
	store.items = []storage.LedgerSyncItem{{ID: 1, TransactionID: "tx-1"}}
	w := NewLedgerWorker(store, failingWriter{err: errors.New("sheets unavailable")}, 10, time.Minute, testLogger())

	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	if len(store.synced) != 0 {
		t.Error("failed append marked synced")
	}
	if store.failures[1] != 1 {
		t.Errorf("failure count = %d, want 1", store.failures[1])
	}
	// The item stays queued for the next drain.
	if len(store.items) != 1 {
		t.Errorf("item removed before attempt cap: %v", store.items)
	}
}

func TestDrainOnceMissingTransaction(t *testing.T) {
	store := newFakeQueueStore()
	store.items = []storage.LedgerSyncItem{{ID: 1, TransactionID: "gone"}}
	writer := memory.New()
	w := NewLedgerWorker(store, writer, 10, time.Minute, testLogger())

	if err := w.DrainOnce(context.Background()); err != nil {
		t.Fatalf("DrainOnce() error = %v", err)
	}
	// Unrecoverable item is retired immediately.
	if len(store.items) != 0 {
		t.Errorf("dangling item still queued: %v", store.items)
	}
	if len(writer.Rows()) != 0 {
		t.Error("missing transaction exported")
	}
}

type fakeCloser struct {
	result *services.SettlementResult
	err    error
	calls  []time.Time
}

func (f *fakeCloser) CloseStatement(_ context.Context, _, _ string, ref time.Time) (*services.SettlementResult, error) {
	f.calls = append(f.calls, ref)
	return f.result, f.err
}

func TestHandleCloseStatement(t *testing.T) {
	closer := &fakeCloser{result: &services.SettlementResult{Outcome: services.OutcomeCreated}}
	w := NewStatementWorker(closer, testLogger())
	w.now = func() time.Time { return time.Date(2024, 12, 6, 9, 0, 0, 0, time.UTC) }

	msg := &amqp.CloseStatementMessage{UserID: "user-1", InstrumentID: "inst-1"}
	if err := w.HandleCloseStatement(context.Background(), msg); err != nil {
		t.Fatalf("HandleCloseStatement() error = %v", err)
	}
	// Zero ref falls back to the worker clock.
	if len(closer.calls) != 1 || !closer.calls[0].Equal(w.now().UTC()) {
		t.Errorf("calls = %v, want one at worker time", closer.calls)
	}
}

func TestHandleCloseStatementDropsPermanentFailures(t *testing.T) {
	closer := &fakeCloser{err: &services.Error{Code: services.CodeNotFound, Message: "instrument not found"}}
	w := NewStatementWorker(closer, testLogger())

	msg := &amqp.CloseStatementMessage{UserID: "user-1", InstrumentID: "ghost"}
	if err := w.HandleCloseStatement(context.Background(), msg); err != nil {
		t.Errorf("permanent failure should be dropped, got %v", err)
	}
}

func TestHandleCloseStatementRequeuesPersistenceFailures(t *testing.T) {
	closer := &fakeCloser{err: &services.Error{Code: services.CodePersistence, Message: "database locked"}}
	w := NewStatementWorker(closer, testLogger())

	msg := &amqp.CloseStatementMessage{UserID: "user-1", InstrumentID: "inst-1"}
	if err := w.HandleCloseStatement(context.Background(), msg); err == nil {
		t.Error("persistence failure should propagate for requeue")
	}
}
