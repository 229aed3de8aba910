package worker

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"fatura/internal/amqp"
	"fatura/internal/services"
)

// StatementCloser is the settlement use case the statement worker drives.
type StatementCloser interface {
	CloseStatement(ctx context.Context, userID, instrumentID string, ref time.Time) (*services.SettlementResult, error)
}

// StatementWorker consumes close-statement commands and settles the
// corresponding periods.
type StatementWorker struct {
	settlements StatementCloser
	logger      *slog.Logger
	now         func() time.Time
}

func NewStatementWorker(settlements StatementCloser, logger *slog.Logger) *StatementWorker {
	return &StatementWorker{settlements: settlements, logger: logger, now: time.Now}
}

// HandleCloseStatement processes one command. Permanent failures such as a
// missing instrument are logged and dropped; only persistence failures
// propagate so the delivery is requeued.
func (w *StatementWorker) HandleCloseStatement(ctx context.Context, msg *amqp.CloseStatementMessage) error {
	ref := msg.Ref
	if ref.IsZero() {
		ref = w.now().UTC()
	}

	result, err := w.settlements.CloseStatement(ctx, msg.UserID, msg.InstrumentID, ref)
	if err != nil {
		if services.CodeOf(err) != services.CodePersistence {
			w.logger.WarnContext(ctx, "Dropping unprocessable close statement command",
				"instrument_id", msg.InstrumentID,
				"error", err)
			return nil
		}
		return fmt.Errorf("close statement: %w", err)
	}

	w.logger.InfoContext(ctx, "Close statement command processed",
		"instrument_id", msg.InstrumentID,
		"outcome", result.Outcome)
	return nil
}
