// Package memory is an in-process ledger backend for local development and
// tests. Rows live only as long as the process.
package memory

import (
	"context"
	"fmt"
	"sync"

	"fatura/internal/core"
	"fatura/internal/ledger"
)

type Writer struct {
	mu   sync.Mutex
	rows []core.Transaction
}

var _ ledger.Writer = (*Writer)(nil)

func New() *Writer {
	return &Writer{}
}

func (w *Writer) Append(_ context.Context, t core.Transaction) (string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.rows = append(w.rows, t)
	return fmt.Sprintf("memory!A%d", len(w.rows)), nil
}

// Rows returns a copy of everything appended so far.
func (w *Writer) Rows() []core.Transaction {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]core.Transaction, len(w.rows))
	copy(out, w.rows)
	return out
}
