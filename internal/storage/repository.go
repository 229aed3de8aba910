package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"fatura/internal/core"

	_ "modernc.org/sqlite"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

const dateLayout = "2006-01-02"

// SQLiteRepository is the persistence layer for plans, payments,
// transactions and the ledger sync queue. Multi-step mutations run inside a
// single database transaction; callers never observe partial application.
type SQLiteRepository struct {
	db *sql.DB
}

func NewSQLiteRepository(dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create db directory: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	if _, err := db.Exec("PRAGMA foreign_keys = ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}

	if err := RunMigrations(dbPath); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	if r.db != nil {
		return r.db.Close()
	}
	return nil
}

// inTx runs fn inside a transaction, rolling back on error.
func (r *SQLiteRepository) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			slog.ErrorContext(ctx, "Rollback failed", "error", rbErr)
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	return nil
}

// --- funding instruments and accounts ---

func (r *SQLiteRepository) CreateInstrument(ctx context.Context, in core.FundingInstrument) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO funding_instruments (id, user_id, name, closing_day, due_day_offset, default_account_id, locale)
		VALUES (?, ?, ?, ?, ?, NULLIF(?, ''), ?)`,
		in.ID, in.UserID, in.Name, in.ClosingDay, in.DueDayOffset, in.DefaultAccountID, in.Locale)
	if err != nil {
		return fmt.Errorf("create instrument: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) GetInstrument(ctx context.Context, id string) (*core.FundingInstrument, error) {
	var in core.FundingInstrument
	var defaultAccount sql.NullString
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, closing_day, due_day_offset, default_account_id, locale
		FROM funding_instruments WHERE id = ?`, id).
		Scan(&in.ID, &in.UserID, &in.Name, &in.ClosingDay, &in.DueDayOffset, &defaultAccount, &in.Locale)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get instrument: %w", err)
	}
	in.DefaultAccountID = defaultAccount.String
	return &in, nil
}

func (r *SQLiteRepository) CreateAccount(ctx context.Context, a core.Account) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, user_id, name, is_default) VALUES (?, ?, ?, ?)`,
		a.ID, a.UserID, a.Name, boolToInt(a.Default))
	if err != nil {
		return fmt.Errorf("create account: %w", err)
	}
	return nil
}

// GetDefaultAccount returns the user's default account, or ErrNotFound when
// none is configured. Callers treat the latter as a degraded-but-valid
// outcome, not a failure.
func (r *SQLiteRepository) GetDefaultAccount(ctx context.Context, userID string) (*core.Account, error) {
	var a core.Account
	var def int
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, name, is_default FROM accounts
		WHERE user_id = ? AND is_default = 1 LIMIT 1`, userID).
		Scan(&a.ID, &a.UserID, &a.Name, &def)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get default account: %w", err)
	}
	a.Default = def == 1
	return &a, nil
}

// EnsureSystemCategory resolves a system category id by name, creating the
// row on first use.
func (r *SQLiteRepository) EnsureSystemCategory(ctx context.Context, name string) (string, error) {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO categories (id, name, is_system) VALUES (?, ?, 1)
		ON CONFLICT(name) DO NOTHING`, NewID(), name)
	if err != nil {
		return "", fmt.Errorf("ensure system category: %w", err)
	}
	var id string
	if err := r.db.QueryRowContext(ctx, `SELECT id FROM categories WHERE name = ?`, name).Scan(&id); err != nil {
		return "", fmt.Errorf("resolve system category: %w", err)
	}
	return id, nil
}

// --- installment plans ---

// CreatePlanWithPayments persists a plan and its full schedule as one atomic
// unit.
func (r *SQLiteRepository) CreatePlanWithPayments(ctx context.Context, plan core.InstallmentPlan, payments []core.InstallmentPayment) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO installment_plans
				(id, short_code, user_id, instrument_id, description, merchant, category,
				 total_cents, total_installments, status, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			plan.ID, NewShortCode(), plan.UserID, plan.InstrumentID, plan.Description,
			plan.Merchant, plan.Category, plan.TotalAmount.Cents, plan.TotalInstallments,
			string(plan.Status), plan.CreatedAt, plan.UpdatedAt)
		if err != nil {
			return fmt.Errorf("insert plan: %w", err)
		}
		for _, p := range payments {
			if err := insertPayment(ctx, tx, plan.ID, p); err != nil {
				return err
			}
		}
		slog.InfoContext(ctx, "Plan created",
			"plan_id", plan.ID,
			"total_cents", plan.TotalAmount.Cents,
			"installments", plan.TotalInstallments)
		return nil
	})
}

func insertPayment(ctx context.Context, tx *sql.Tx, planID string, p core.InstallmentPayment) error {
	id := p.ID
	if id == "" {
		id = NewID()
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO installment_payments (id, plan_id, number, amount_cents, due_date, status, transaction_id)
		VALUES (?, ?, ?, ?, ?, ?, NULLIF(?, ''))`,
		id, planID, p.Number, p.Amount.Cents, p.DueDate.Format(dateLayout), string(p.Status), p.TransactionID)
	if err != nil {
		return fmt.Errorf("insert payment %d: %w", p.Number, err)
	}
	return nil
}

func (r *SQLiteRepository) GetPlan(ctx context.Context, id string) (*core.InstallmentPlan, error) {
	var p core.InstallmentPlan
	var status string
	err := r.db.QueryRowContext(ctx, `
		SELECT id, user_id, instrument_id, description, merchant, category,
		       total_cents, total_installments, status, created_at, updated_at
		FROM installment_plans WHERE id = ?`, id).
		Scan(&p.ID, &p.UserID, &p.InstrumentID, &p.Description, &p.Merchant, &p.Category,
			&p.TotalAmount.Cents, &p.TotalInstallments, &status, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get plan: %w", err)
	}
	p.Status = core.PlanStatus(status)
	return &p, nil
}

// GetPlanPayments returns the full schedule ordered by installment number.
func (r *SQLiteRepository) GetPlanPayments(ctx context.Context, planID string) ([]core.InstallmentPayment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, plan_id, number, amount_cents, due_date, status, COALESCE(transaction_id, '')
		FROM installment_payments WHERE plan_id = ? ORDER BY number`, planID)
	if err != nil {
		return nil, fmt.Errorf("list plan payments: %w", err)
	}
	defer rows.Close()
	return scanPayments(rows)
}

func scanPayments(rows *sql.Rows) ([]core.InstallmentPayment, error) {
	var payments []core.InstallmentPayment
	for rows.Next() {
		var p core.InstallmentPayment
		var due, status string
		if err := rows.Scan(&p.ID, &p.PlanID, &p.Number, &p.Amount.Cents, &due, &status, &p.TransactionID); err != nil {
			return nil, fmt.Errorf("scan payment: %w", err)
		}
		d, err := time.Parse(dateLayout, due)
		if err != nil {
			return nil, fmt.Errorf("parse due date %q: %w", due, err)
		}
		p.DueDate = d
		p.Status = core.PaymentStatus(status)
		payments = append(payments, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate payments: %w", err)
	}
	return payments, nil
}

// UpdatePlanWithSchedule applies edited plan fields and replaces the pending
// tail of the schedule in one atomic unit. Paid rows are left untouched;
// pending rows are rewritten from the supplied schedule.
func (r *SQLiteRepository) UpdatePlanWithSchedule(ctx context.Context, plan core.InstallmentPlan, schedule []core.InstallmentPayment) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, `
			UPDATE installment_plans
			SET description = ?, merchant = ?, category = ?,
			    total_cents = ?, total_installments = ?, updated_at = ?
			WHERE id = ? AND status = 'active'`,
			plan.Description, plan.Merchant, plan.Category,
			plan.TotalAmount.Cents, plan.TotalInstallments, plan.UpdatedAt, plan.ID)
		if err != nil {
			return fmt.Errorf("update plan: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM installment_payments WHERE plan_id = ? AND status = 'pending'`, plan.ID); err != nil {
			return fmt.Errorf("clear pending payments: %w", err)
		}
		for _, p := range schedule {
			if p.Status != core.PaymentPending {
				continue
			}
			if err := insertPayment(ctx, tx, plan.ID, p); err != nil {
				return err
			}
		}
		return nil
	})
}

// PayoffPlan marks every pending payment paid, optionally linking them to a
// lump settlement transaction, and moves the plan to paid_off. One atomic
// unit.
func (r *SQLiteRepository) PayoffPlan(ctx context.Context, planID string, settlement *core.Transaction, paidAt time.Time) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		settlementID := ""
		if settlement != nil {
			if err := insertTransactionTx(ctx, tx, *settlement); err != nil {
				return err
			}
			settlementID = settlement.ID
		}

		if _, err := tx.ExecContext(ctx, `
			UPDATE installment_payments
			SET status = 'paid', transaction_id = COALESCE(NULLIF(?, ''), transaction_id)
			WHERE plan_id = ? AND status = 'pending'`, settlementID, planID); err != nil {
			return fmt.Errorf("mark payments paid: %w", err)
		}

		res, err := tx.ExecContext(ctx, `
			UPDATE installment_plans SET status = 'paid_off', updated_at = ?
			WHERE id = ? AND status = 'active'`, paidAt, planID)
		if err != nil {
			return fmt.Errorf("mark plan paid off: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// DeletePlan removes the plan and its payments. Transactions already linked
// to paid payments survive with their plan and payment references cleared,
// preserving the user's ledger history.
func (r *SQLiteRepository) DeletePlan(ctx context.Context, planID string) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE transactions SET plan_id = NULL, payment_id = NULL
			WHERE plan_id = ?`, planID); err != nil {
			return fmt.Errorf("orphan linked transactions: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `
			DELETE FROM installment_payments WHERE plan_id = ?`, planID); err != nil {
			return fmt.Errorf("delete payments: %w", err)
		}

		res, err := tx.ExecContext(ctx, `DELETE FROM installment_plans WHERE id = ?`, planID)
		if err != nil {
			return fmt.Errorf("delete plan: %w", err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// --- transactions ---

func insertTransactionTx(ctx context.Context, tx *sql.Tx, t core.Transaction) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO transactions
			(id, user_id, instrument_id, account_id, description, amount_cents, tx_date,
			 category, auto_generated, period_start, period_end, plan_id, payment_id)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, ?, NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''), NULLIF(?, ''))`,
		t.ID, t.UserID, t.InstrumentID, t.AccountID, t.Description, t.Amount.Cents,
		t.Date.Format(dateLayout), t.Category, boolToInt(t.AutoGenerated),
		formatOptionalDate(t.PeriodStart), formatOptionalDate(t.PeriodEnd), t.PlanID, t.PaymentID)
	if err != nil {
		return fmt.Errorf("insert transaction: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) InsertTransaction(ctx context.Context, t core.Transaction) error {
	return r.inTx(ctx, func(tx *sql.Tx) error {
		return insertTransactionTx(ctx, tx, t)
	})
}

// InsertSettlementTransaction conditionally inserts an auto-generated
// settlement. The partial UNIQUE index on (instrument_id, period_end) is the
// authoritative idempotency guard: a conflicting insert changes no rows and
// the existing transaction is returned with inserted=false.
func (r *SQLiteRepository) InsertSettlementTransaction(ctx context.Context, t core.Transaction) (bool, *core.Transaction, error) {
	res, err := r.db.ExecContext(ctx, `
		INSERT INTO transactions
			(id, user_id, instrument_id, account_id, description, amount_cents, tx_date,
			 category, auto_generated, period_start, period_end)
		VALUES (?, ?, NULLIF(?, ''), NULLIF(?, ''), ?, ?, ?, ?, 1, ?, ?)
		ON CONFLICT (instrument_id, period_end) WHERE auto_generated = 1 DO NOTHING`,
		t.ID, t.UserID, t.InstrumentID, t.AccountID, t.Description, t.Amount.Cents,
		t.Date.Format(dateLayout), t.Category,
		formatOptionalDate(t.PeriodStart), formatOptionalDate(t.PeriodEnd))
	if err != nil {
		return false, nil, fmt.Errorf("insert settlement transaction: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return true, &t, nil
	}
	existing, err := r.FindSettlementTransaction(ctx, t.InstrumentID, t.PeriodEnd)
	if err != nil {
		return false, nil, err
	}
	return false, existing, nil
}

// FindSettlementTransaction looks up the auto-generated settlement for an
// instrument's statement close, used as the idempotency fast path.
func (r *SQLiteRepository) FindSettlementTransaction(ctx context.Context, instrumentID string, periodEnd time.Time) (*core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, transactionSelect+`
		WHERE instrument_id = ? AND period_end = ? AND auto_generated = 1`,
		instrumentID, periodEnd.Format(dateLayout))
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("find settlement transaction: %w", err)
	}
	return t, nil
}

func (r *SQLiteRepository) GetTransaction(ctx context.Context, id string) (*core.Transaction, error) {
	row := r.db.QueryRowContext(ctx, transactionSelect+` WHERE id = ?`, id)
	t, err := scanTransaction(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get transaction: %w", err)
	}
	return t, nil
}

const transactionSelect = `
	SELECT id, user_id, COALESCE(instrument_id, ''), COALESCE(account_id, ''),
	       description, amount_cents, tx_date, category, auto_generated,
	       COALESCE(period_start, ''), COALESCE(period_end, ''),
	       COALESCE(plan_id, ''), COALESCE(payment_id, '')
	FROM transactions`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTransaction(row rowScanner) (*core.Transaction, error) {
	var t core.Transaction
	var txDate, periodStart, periodEnd string
	var auto int
	err := row.Scan(&t.ID, &t.UserID, &t.InstrumentID, &t.AccountID,
		&t.Description, &t.Amount.Cents, &txDate, &t.Category, &auto,
		&periodStart, &periodEnd, &t.PlanID, &t.PaymentID)
	if err != nil {
		return nil, err
	}
	t.AutoGenerated = auto == 1
	if t.Date, err = time.Parse(dateLayout, txDate); err != nil {
		return nil, fmt.Errorf("parse tx date %q: %w", txDate, err)
	}
	if t.PeriodStart, err = parseOptionalDate(periodStart); err != nil {
		return nil, err
	}
	if t.PeriodEnd, err = parseOptionalDate(periodEnd); err != nil {
		return nil, err
	}
	return &t, nil
}

// ListTransactions returns an instrument's transactions inside an inclusive
// date range, auto-generated ones included.
func (r *SQLiteRepository) ListTransactions(ctx context.Context, userID, instrumentID string, start, end time.Time) ([]core.Transaction, error) {
	rows, err := r.db.QueryContext(ctx, transactionSelect+`
		WHERE user_id = ? AND instrument_id = ? AND tx_date >= ? AND tx_date <= ?
		ORDER BY tx_date, id`,
		userID, instrumentID, start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("list transactions: %w", err)
	}
	defer rows.Close()

	var out []core.Transaction
	for rows.Next() {
		t, err := scanTransaction(rows)
		if err != nil {
			return nil, fmt.Errorf("scan transaction: %w", err)
		}
		out = append(out, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate transactions: %w", err)
	}
	return out, nil
}

// DuePayment is an installment payment joined with its plan's descriptive
// fields, for budget aggregation.
type DuePayment struct {
	Payment         core.InstallmentPayment
	PlanDescription string
	PlanMerchant    string
	Category        string
	Installments    int
}

// ListDuePayments returns payments of active plans on an instrument whose
// due date falls inside the inclusive range, in one batched query.
func (r *SQLiteRepository) ListDuePayments(ctx context.Context, userID, instrumentID string, start, end time.Time) ([]DuePayment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT p.id, p.plan_id, p.number, p.amount_cents, p.due_date, p.status,
		       COALESCE(p.transaction_id, ''),
		       pl.description, pl.merchant, pl.category, pl.total_installments
		FROM installment_payments p
		JOIN installment_plans pl ON pl.id = p.plan_id
		WHERE pl.user_id = ? AND pl.instrument_id = ? AND pl.status = 'active'
		  AND p.due_date >= ? AND p.due_date <= ?
		ORDER BY p.due_date, p.plan_id, p.number`,
		userID, instrumentID, start.Format(dateLayout), end.Format(dateLayout))
	if err != nil {
		return nil, fmt.Errorf("list due payments: %w", err)
	}
	defer rows.Close()

	var out []DuePayment
	for rows.Next() {
		var d DuePayment
		var due, status string
		if err := rows.Scan(&d.Payment.ID, &d.Payment.PlanID, &d.Payment.Number,
			&d.Payment.Amount.Cents, &due, &status, &d.Payment.TransactionID,
			&d.PlanDescription, &d.PlanMerchant, &d.Category, &d.Installments); err != nil {
			return nil, fmt.Errorf("scan due payment: %w", err)
		}
		if d.Payment.DueDate, err = time.Parse(dateLayout, due); err != nil {
			return nil, fmt.Errorf("parse due date %q: %w", due, err)
		}
		d.Payment.Status = core.PaymentStatus(status)
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate due payments: %w", err)
	}
	return out, nil
}

// --- ledger sync queue ---

// LedgerSyncItem is one queued export of a transaction to the external
// ledger.
type LedgerSyncItem struct {
	ID            int64
	TransactionID string
	Attempts      int
}

func (r *SQLiteRepository) EnqueueLedgerSync(ctx context.Context, transactionID string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO ledger_sync_queue (transaction_id) VALUES (?)`, transactionID)
	if err != nil {
		return fmt.Errorf("enqueue ledger sync: %w", err)
	}
	return nil
}

func (r *SQLiteRepository) DequeueLedgerBatch(ctx context.Context, limit int) ([]LedgerSyncItem, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, transaction_id, attempts FROM ledger_sync_queue
		WHERE status = 'pending' ORDER BY id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("dequeue ledger batch: %w", err)
	}
	defer rows.Close()

	var items []LedgerSyncItem
	for rows.Next() {
		var it LedgerSyncItem
		if err := rows.Scan(&it.ID, &it.TransactionID, &it.Attempts); err != nil {
			return nil, fmt.Errorf("scan ledger item: %w", err)
		}
		items = append(items, it)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate ledger items: %w", err)
	}
	return items, nil
}

func (r *SQLiteRepository) MarkLedgerSynced(ctx context.Context, id int64) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ledger_sync_queue SET status = 'synced', updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("mark ledger synced: %w", err)
	}
	return nil
}

// RecordLedgerFailure bumps the attempt counter, moving the item to failed
// once maxAttempts is reached.
func (r *SQLiteRepository) RecordLedgerFailure(ctx context.Context, id int64, cause string, maxAttempts int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE ledger_sync_queue
		SET attempts = attempts + 1,
		    last_error = ?,
		    status = CASE WHEN attempts + 1 >= ? THEN 'failed' ELSE 'pending' END,
		    updated_at = CURRENT_TIMESTAMP
		WHERE id = ?`, cause, maxAttempts, id)
	if err != nil {
		return fmt.Errorf("record ledger failure: %w", err)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func formatOptionalDate(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Format(dateLayout)
}

func parseOptionalDate(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", s, err)
	}
	return t, nil
}
