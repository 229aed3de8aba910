package services

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"time"

	"fatura/internal/core"
	"fatura/internal/storage"
)

// fakeRepo is an in-memory stand-in for the repository, implementing the
// narrow interfaces each service declares.
type fakeRepo struct {
	instruments  map[string]core.FundingInstrument
	accounts     map[string]core.Account
	plans        map[string]core.InstallmentPlan
	payments     map[string][]core.InstallmentPayment
	transactions map[string]core.Transaction
	categories   map[string]string
	ledgerQueue  []string

	failWith error
}

func newFakeRepo() *fakeRepo {
	return &fakeRepo{
		instruments:  make(map[string]core.FundingInstrument),
		accounts:     make(map[string]core.Account),
		plans:        make(map[string]core.InstallmentPlan),
		payments:     make(map[string][]core.InstallmentPayment),
		transactions: make(map[string]core.Transaction),
		categories:   make(map[string]string),
	}
}

func (f *fakeRepo) GetInstrument(_ context.Context, id string) (*core.FundingInstrument, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	in, ok := f.instruments[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &in, nil
}

func (f *fakeRepo) GetDefaultAccount(_ context.Context, userID string) (*core.Account, error) {
	for _, a := range f.accounts {
		if a.UserID == userID && a.Default {
			return &a, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeRepo) EnsureSystemCategory(_ context.Context, name string) (string, error) {
	if f.failWith != nil {
		return "", f.failWith
	}
	if id, ok := f.categories[name]; ok {
		return id, nil
	}
	id := fmt.Sprintf("cat-%d", len(f.categories)+1)
	f.categories[name] = id
	return id, nil
}

func (f *fakeRepo) CreatePlanWithPayments(_ context.Context, plan core.InstallmentPlan, payments []core.InstallmentPayment) error {
	if f.failWith != nil {
		return f.failWith
	}
	f.plans[plan.ID] = plan
	stored := make([]core.InstallmentPayment, len(payments))
	copy(stored, payments)
	for i := range stored {
		if stored[i].ID == "" {
			stored[i].ID = fmt.Sprintf("%s-p%d", plan.ID, stored[i].Number)
		}
		stored[i].PlanID = plan.ID
	}
	f.payments[plan.ID] = stored
	return nil
}

func (f *fakeRepo) GetPlan(_ context.Context, id string) (*core.InstallmentPlan, error) {
	p, ok := f.plans[id]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return &p, nil
}

func (f *fakeRepo) GetPlanPayments(_ context.Context, planID string) ([]core.InstallmentPayment, error) {
	out := make([]core.InstallmentPayment, len(f.payments[planID]))
	copy(out, f.payments[planID])
	return out, nil
}

func (f *fakeRepo) UpdatePlanWithSchedule(_ context.Context, plan core.InstallmentPlan, schedule []core.InstallmentPayment) error {
	stored, ok := f.plans[plan.ID]
	if !ok || stored.Status != core.PlanActive {
		return storage.ErrNotFound
	}
	f.plans[plan.ID] = plan
	var next []core.InstallmentPayment
	for _, p := range f.payments[plan.ID] {
		if p.Status == core.PaymentPaid {
			next = append(next, p)
		}
	}
	for _, p := range schedule {
		if p.Status == core.PaymentPending {
			p.PlanID = plan.ID
			next = append(next, p)
		}
	}
	f.payments[plan.ID] = next
	return nil
}

func (f *fakeRepo) PayoffPlan(_ context.Context, planID string, settlement *core.Transaction, paidAt time.Time) error {
	plan, ok := f.plans[planID]
	if !ok || plan.Status != core.PlanActive {
		return storage.ErrNotFound
	}
	if settlement != nil {
		f.transactions[settlement.ID] = *settlement
	}
	for i, p := range f.payments[planID] {
		if p.Status == core.PaymentPending {
			f.payments[planID][i].Status = core.PaymentPaid
			if settlement != nil {
				f.payments[planID][i].TransactionID = settlement.ID
			}
		}
	}
	plan.Status = core.PlanPaidOff
	plan.UpdatedAt = paidAt
	f.plans[planID] = plan
	return nil
}

func (f *fakeRepo) DeletePlan(_ context.Context, planID string) error {
	if _, ok := f.plans[planID]; !ok {
		return storage.ErrNotFound
	}
	for id, t := range f.transactions {
		if t.PlanID == planID {
			t.PlanID = ""
			t.PaymentID = ""
			f.transactions[id] = t
		}
	}
	delete(f.plans, planID)
	delete(f.payments, planID)
	return nil
}

func (f *fakeRepo) InsertTransaction(_ context.Context, t core.Transaction) error {
	f.transactions[t.ID] = t
	return nil
}

func (f *fakeRepo) ListTransactions(_ context.Context, userID, instrumentID string, start, end time.Time) ([]core.Transaction, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []core.Transaction
	for _, t := range f.transactions {
		if t.UserID != userID || t.InstrumentID != instrumentID {
			continue
		}
		if t.Date.Before(start) || t.Date.After(end) {
			continue
		}
		out = append(out, t)
	}
	return out, nil
}

func (f *fakeRepo) ListDuePayments(_ context.Context, userID, instrumentID string, start, end time.Time) ([]storage.DuePayment, error) {
	if f.failWith != nil {
		return nil, f.failWith
	}
	var out []storage.DuePayment
	for planID, payments := range f.payments {
		plan := f.plans[planID]
		if plan.UserID != userID || plan.InstrumentID != instrumentID || plan.Status != core.PlanActive {
			continue
		}
		for _, p := range payments {
			if p.DueDate.Before(start) || p.DueDate.After(end) {
				continue
			}
			out = append(out, storage.DuePayment{
				Payment:         p,
				PlanDescription: plan.Description,
				PlanMerchant:    plan.Merchant,
				Category:        plan.Category,
				Installments:    plan.TotalInstallments,
			})
		}
	}
	return out, nil
}

func (f *fakeRepo) FindSettlementTransaction(_ context.Context, instrumentID string, periodEnd time.Time) (*core.Transaction, error) {
	for _, t := range f.transactions {
		if t.AutoGenerated && t.InstrumentID == instrumentID && t.PeriodEnd.Equal(periodEnd) {
			return &t, nil
		}
	}
	return nil, storage.ErrNotFound
}

func (f *fakeRepo) InsertSettlementTransaction(_ context.Context, t core.Transaction) (bool, *core.Transaction, error) {
	if existing, err := f.FindSettlementTransaction(context.Background(), t.InstrumentID, t.PeriodEnd); err == nil {
		return false, existing, nil
	}
	f.transactions[t.ID] = t
	return true, &t, nil
}

func (f *fakeRepo) EnqueueLedgerSync(_ context.Context, transactionID string) error {
	f.ledgerQueue = append(f.ledgerQueue, transactionID)
	return nil
}

// fakePublisher records published statement close events.
type fakePublisher struct {
	events []StatementClosedEvent
	err    error
}

func (f *fakePublisher) PublishStatementClosed(_ context.Context, event StatementClosedEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func seedFakeInstrument(f *fakeRepo) core.FundingInstrument {
	in := core.FundingInstrument{
		ID:           "inst-1",
		UserID:       "user-1",
		Name:         "Nubank",
		ClosingDay:   5,
		DueDayOffset: 10,
		Locale:       "pt-BR",
	}
	f.instruments[in.ID] = in
	return in
}
