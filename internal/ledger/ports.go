// Package ledger defines the outbound port for exporting settled
// transactions to an external ledger, such as a shared spreadsheet.
package ledger

import (
	"context"

	"fatura/internal/core"
)

// Writer appends one transaction to the external ledger and returns a
// backend-specific row reference.
type Writer interface {
	Append(ctx context.Context, t core.Transaction) (rowRef string, err error)
}
