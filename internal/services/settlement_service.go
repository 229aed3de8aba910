package services

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"fatura/internal/cache"
	"fatura/internal/core"
	"fatura/internal/locale"
	"fatura/internal/storage"
)

// SettlementRepository is the persistence surface statement settlement
// needs. The conditional insert is the authoritative idempotency guard;
// FindSettlementTransaction is only a fast path.
type SettlementRepository interface {
	GetInstrument(ctx context.Context, id string) (*core.FundingInstrument, error)
	GetDefaultAccount(ctx context.Context, userID string) (*core.Account, error)
	EnsureSystemCategory(ctx context.Context, name string) (string, error)
	ListTransactions(ctx context.Context, userID, instrumentID string, start, end time.Time) ([]core.Transaction, error)
	ListDuePayments(ctx context.Context, userID, instrumentID string, start, end time.Time) ([]storage.DuePayment, error)
	FindSettlementTransaction(ctx context.Context, instrumentID string, periodEnd time.Time) (*core.Transaction, error)
	InsertSettlementTransaction(ctx context.Context, t core.Transaction) (bool, *core.Transaction, error)
	EnqueueLedgerSync(ctx context.Context, transactionID string) error
}

// StatementClosedPublisher announces a settled statement to interested
// consumers. Publishing is best effort; a broker outage never fails the
// settlement itself.
type StatementClosedPublisher interface {
	PublishStatementClosed(ctx context.Context, event StatementClosedEvent) error
}

// StatementClosedEvent is the message emitted after a statement settles.
type StatementClosedEvent struct {
	UserID        string    `json:"user_id"`
	InstrumentID  string    `json:"instrument_id"`
	TransactionID string    `json:"transaction_id"`
	AmountCents   int64     `json:"amount_cents"`
	PeriodStart   time.Time `json:"period_start"`
	PeriodEnd     time.Time `json:"period_end"`
	DueDate       time.Time `json:"due_date"`
}

// SettlementOutcome reports what a close-statement call did.
type SettlementOutcome string

const (
	// OutcomeCreated means a new settlement transaction was written.
	OutcomeCreated SettlementOutcome = "created"
	// OutcomeAlreadyExists means an earlier call settled this period; the
	// existing transaction is returned unchanged.
	OutcomeAlreadyExists SettlementOutcome = "already_exists"
	// OutcomeNothingDue means the closed period carried no charges, so no
	// transaction was created.
	OutcomeNothingDue SettlementOutcome = "nothing_due"
)

// SettlementResult is the outcome of closing a statement. AccountMissing is
// set when no account could be resolved; the settlement is still recorded.
type SettlementResult struct {
	Outcome        SettlementOutcome
	Transaction    *core.Transaction
	AccountMissing bool
}

// SettlementService creates the auto-generated payment transaction when a
// statement period closes. Safe to call repeatedly for the same instrument
// and period.
type SettlementService struct {
	repo      SettlementRepository
	publisher StatementClosedPublisher
	category  *cache.Value[string]
	catName   string
	logger    *slog.Logger
	now       func() time.Time
}

// NewSettlementService wires the settlement use case. publisher may be nil
// when no broker is configured. categoryName is the system category the
// settlement transactions are filed under.
func NewSettlementService(repo SettlementRepository, publisher StatementClosedPublisher, category *cache.Value[string], categoryName string, logger *slog.Logger) *SettlementService {
	return &SettlementService{
		repo:      repo,
		publisher: publisher,
		category:  category,
		catName:   categoryName,
		logger:    logger,
		now:       time.Now,
	}
}

// CloseStatement settles the most recently closed statement period of an
// instrument relative to ref. The amount is the sum of ordinary transactions
// inside the period plus pending installments falling due in it.
func (s *SettlementService) CloseStatement(ctx context.Context, userID, instrumentID string, ref time.Time) (*SettlementResult, error) {
	instrument, err := s.repo.GetInstrument(ctx, instrumentID)
	if err != nil {
		return nil, wrapRepoErr(err, "funding instrument not found", "load instrument")
	}
	if instrument.UserID != userID {
		return nil, authorizationErr("instrument belongs to another user")
	}

	period := closedPeriod(instrument.ClosingDay, ref)

	// Fast path: the common repeat delivery finds the existing settlement
	// without touching the write path.
	if existing, err := s.repo.FindSettlementTransaction(ctx, instrumentID, period.End); err == nil {
		s.logger.InfoContext(ctx, "Statement already settled",
			"instrument_id", instrumentID,
			"period_end", period.End.Format("2006-01-02"),
			"transaction_id", existing.ID)
		return &SettlementResult{Outcome: OutcomeAlreadyExists, Transaction: existing}, nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return nil, persistenceErr("check existing settlement", err)
	}

	total, err := s.statementTotal(ctx, userID, instrumentID, period)
	if err != nil {
		return nil, err
	}
	if total.Cents <= 0 {
		s.logger.InfoContext(ctx, "Statement closed with nothing due",
			"instrument_id", instrumentID,
			"period_end", period.End.Format("2006-01-02"))
		return &SettlementResult{Outcome: OutcomeNothingDue}, nil
	}

	// Transactions carry the category by name; the cached lookup just
	// guarantees the system category row exists before first use.
	if _, err := s.category.GetOrLoad(ctx, func(ctx context.Context) (string, error) {
		return s.repo.EnsureSystemCategory(ctx, s.catName)
	}); err != nil {
		return nil, persistenceErr("resolve settlement category", err)
	}

	accountID, accountMissing := s.resolveAccount(ctx, instrument)

	loc := locale.For(instrument.Locale)
	txn := core.Transaction{
		ID:            storage.NewID(),
		UserID:        userID,
		InstrumentID:  instrumentID,
		AccountID:     accountID,
		Description:   loc.SettlementDescription(instrument.Name, period.End),
		Amount:        total,
		Date:          core.DueDateForPeriod(period, instrument.DueDayOffset),
		Category:      s.catName,
		AutoGenerated: true,
		PeriodStart:   period.Start,
		PeriodEnd:     period.End,
	}

	inserted, stored, err := s.repo.InsertSettlementTransaction(ctx, txn)
	if err != nil {
		return nil, persistenceErr("create settlement transaction", err)
	}
	if !inserted {
		// Lost a race with a concurrent delivery; the winner's row stands.
		s.logger.InfoContext(ctx, "Statement settled concurrently",
			"instrument_id", instrumentID,
			"period_end", period.End.Format("2006-01-02"),
			"transaction_id", stored.ID)
		return &SettlementResult{Outcome: OutcomeAlreadyExists, Transaction: stored}, nil
	}

	if err := s.repo.EnqueueLedgerSync(ctx, stored.ID); err != nil {
		s.logger.WarnContext(ctx, "Ledger sync enqueue failed", "error", err, "transaction_id", stored.ID)
	}
	if s.publisher != nil {
		event := StatementClosedEvent{
			UserID:        userID,
			InstrumentID:  instrumentID,
			TransactionID: stored.ID,
			AmountCents:   stored.Amount.Cents,
			PeriodStart:   period.Start,
			PeriodEnd:     period.End,
			DueDate:       stored.Date,
		}
		if err := s.publisher.PublishStatementClosed(ctx, event); err != nil {
			s.logger.WarnContext(ctx, "Statement closed publish failed", "error", err, "transaction_id", stored.ID)
		}
	}

	s.logger.InfoContext(ctx, "Statement settled",
		"instrument_id", instrumentID,
		"period_end", period.End.Format("2006-01-02"),
		"amount_cents", stored.Amount.Cents,
		"account_missing", accountMissing)
	return &SettlementResult{Outcome: OutcomeCreated, Transaction: stored, AccountMissing: accountMissing}, nil
}

// statementTotal sums ordinary transactions in the period with pending
// installments due inside it.
func (s *SettlementService) statementTotal(ctx context.Context, userID, instrumentID string, period core.StatementPeriod) (core.Money, error) {
	var total core.Money

	txns, err := s.repo.ListTransactions(ctx, userID, instrumentID, period.Start, period.End)
	if err != nil {
		return core.Money{}, persistenceErr("list transactions", err)
	}
	for _, t := range txns {
		if t.AutoGenerated {
			continue
		}
		total = total.Add(t.Amount)
	}

	due, err := s.repo.ListDuePayments(ctx, userID, instrumentID, period.Start, period.End)
	if err != nil {
		return core.Money{}, persistenceErr("list due payments", err)
	}
	for _, d := range due {
		if d.Payment.Status != core.PaymentPending {
			continue
		}
		total = total.Add(d.Payment.Amount)
	}
	return total, nil
}

// resolveAccount picks the settlement's account: the instrument's configured
// one, falling back to the user's default. No account at all degrades the
// result instead of failing it.
func (s *SettlementService) resolveAccount(ctx context.Context, instrument *core.FundingInstrument) (string, bool) {
	if instrument.DefaultAccountID != "" {
		return instrument.DefaultAccountID, false
	}
	account, err := s.repo.GetDefaultAccount(ctx, instrument.UserID)
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			s.logger.WarnContext(ctx, "Default account lookup failed", "error", err, "user_id", instrument.UserID)
		}
		return "", true
	}
	return account.ID, false
}

// closedPeriod returns the most recent statement period that has already
// closed relative to ref. On the closing day itself the period ending that
// day is the one being settled.
func closedPeriod(closingDay int, ref time.Time) core.StatementPeriod {
	ref = core.DateOnly(ref)
	p := core.PeriodFor(closingDay, ref)
	if p.End.After(ref) {
		return core.PeriodFor(closingDay, p.Start.AddDate(0, 0, -1))
	}
	return p
}
