package services

import (
	"context"
	"log/slog"
	"time"

	"fatura/internal/core"
	"fatura/internal/locale"
	"fatura/internal/storage"
)

// PlanRepository is the persistence surface the plan lifecycle needs.
type PlanRepository interface {
	GetInstrument(ctx context.Context, id string) (*core.FundingInstrument, error)
	CreatePlanWithPayments(ctx context.Context, plan core.InstallmentPlan, payments []core.InstallmentPayment) error
	GetPlan(ctx context.Context, id string) (*core.InstallmentPlan, error)
	GetPlanPayments(ctx context.Context, planID string) ([]core.InstallmentPayment, error)
	UpdatePlanWithSchedule(ctx context.Context, plan core.InstallmentPlan, schedule []core.InstallmentPayment) error
	PayoffPlan(ctx context.Context, planID string, settlement *core.Transaction, paidAt time.Time) error
	DeletePlan(ctx context.Context, planID string) error
}

// PlanService drives the installment plan lifecycle: create with a generated
// schedule, structured edits that respect paid history, lump payoff, and
// cancellation.
type PlanService struct {
	repo   PlanRepository
	logger *slog.Logger
	now    func() time.Time
}

func NewPlanService(repo PlanRepository, logger *slog.Logger) *PlanService {
	return &PlanService{repo: repo, logger: logger, now: time.Now}
}

// CreatePlanInput carries everything needed to open a plan. PurchaseDate
// anchors the first due date to the instrument's statement cycle.
type CreatePlanInput struct {
	UserID       string
	InstrumentID string
	Description  string
	Merchant     string
	Category     string
	TotalAmount  core.Money
	Installments int
	PurchaseDate time.Time
}

// PlanResult bundles a plan with its full schedule.
type PlanResult struct {
	Plan     core.InstallmentPlan
	Payments []core.InstallmentPayment
}

// CreatePlan validates the input, derives the first due date from the
// instrument's closing cycle, generates the amortization schedule and
// persists everything atomically.
func (s *PlanService) CreatePlan(ctx context.Context, in CreatePlanInput) (*PlanResult, error) {
	now := s.now().UTC()
	plan := core.InstallmentPlan{
		ID:                storage.NewID(),
		UserID:            in.UserID,
		InstrumentID:      in.InstrumentID,
		Description:       in.Description,
		Merchant:          in.Merchant,
		Category:          in.Category,
		TotalAmount:       in.TotalAmount,
		TotalInstallments: in.Installments,
		Status:            core.PlanActive,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := plan.Validate(); err != nil {
		return nil, validationErr(err.Error(), err)
	}

	instrument, err := s.repo.GetInstrument(ctx, in.InstrumentID)
	if err != nil {
		return nil, wrapRepoErr(err, "funding instrument not found", "load instrument")
	}
	if instrument.UserID != in.UserID {
		return nil, authorizationErr("instrument belongs to another user")
	}

	purchase := in.PurchaseDate
	if purchase.IsZero() {
		purchase = now
	}
	firstDue := core.NextDueDate(instrument.ClosingDay, instrument.DueDayOffset, purchase)

	payments, err := core.GenerateSchedule(plan.TotalAmount, plan.TotalInstallments, firstDue)
	if err != nil {
		return nil, validationErr(err.Error(), err)
	}

	if err := s.repo.CreatePlanWithPayments(ctx, plan, payments); err != nil {
		return nil, persistenceErr("create plan", err)
	}
	s.logger.InfoContext(ctx, "Installment plan created",
		"plan_id", plan.ID,
		"instrument_id", plan.InstrumentID,
		"installments", plan.TotalInstallments,
		"first_due", firstDue.Format("2006-01-02"))
	return &PlanResult{Plan: plan, Payments: payments}, nil
}

// GetPlan loads a plan with its schedule, enforcing ownership.
func (s *PlanService) GetPlan(ctx context.Context, userID, planID string) (*PlanResult, error) {
	plan, payments, err := s.loadOwned(ctx, userID, planID)
	if err != nil {
		return nil, err
	}
	return &PlanResult{Plan: *plan, Payments: payments}, nil
}

// UpdatePlanInput describes a structured edit. Nil fields are left
// untouched; set fields are applied exactly.
type UpdatePlanInput struct {
	UserID       string
	PlanID       string
	Description  *string
	Merchant     *string
	Category     *string
	TotalAmount  *core.Money
	Installments *int
}

// UpdatePlan applies a structured edit to an active plan. Paid installments
// are never modified; the pending tail is regrown or shrunk when the count
// changes and then recalculated so the schedule sums to the new total
// exactly.
func (s *PlanService) UpdatePlan(ctx context.Context, in UpdatePlanInput) (*PlanResult, error) {
	plan, payments, err := s.loadOwned(ctx, in.UserID, in.PlanID)
	if err != nil {
		return nil, err
	}
	if plan.Status != core.PlanActive {
		return nil, stateErr("plan is " + string(plan.Status) + " and can no longer be edited")
	}

	changed := false
	if in.Description != nil && *in.Description != plan.Description {
		plan.Description = *in.Description
		changed = true
	}
	if in.Merchant != nil && *in.Merchant != plan.Merchant {
		plan.Merchant = *in.Merchant
		changed = true
	}
	if in.Category != nil && *in.Category != plan.Category {
		plan.Category = *in.Category
		changed = true
	}
	if in.TotalAmount != nil && in.TotalAmount.Cents != plan.TotalAmount.Cents {
		plan.TotalAmount = *in.TotalAmount
		changed = true
	}
	if in.Installments != nil && *in.Installments != plan.TotalInstallments {
		plan.TotalInstallments = *in.Installments
		changed = true
	}
	if !changed {
		return nil, conflictErr("update changes nothing")
	}
	if err := plan.Validate(); err != nil {
		return nil, validationErr(err.Error(), err)
	}

	paidCount, paidAmount := paidSummary(payments)
	if plan.TotalAmount.Cents < paidAmount.Cents {
		return nil, validationErr("new total is below the amount already paid", nil)
	}

	payments, err = core.AdjustPaymentCount(payments, plan.TotalInstallments, paidCount)
	if err != nil {
		return nil, validationErr(err.Error(), err)
	}
	core.RecalculatePending(payments, plan.TotalAmount, plan.TotalInstallments, paidCount, paidAmount)

	if err := core.ValidateScheduleInvariants(*plan, payments); err != nil {
		return nil, persistenceErr("schedule invariants violated", err)
	}

	plan.UpdatedAt = s.now().UTC()
	if err := s.repo.UpdatePlanWithSchedule(ctx, *plan, payments); err != nil {
		return nil, wrapRepoErr(err, "plan not found or no longer active", "update plan")
	}
	s.logger.InfoContext(ctx, "Installment plan updated",
		"plan_id", plan.ID,
		"total_cents", plan.TotalAmount.Cents,
		"installments", plan.TotalInstallments)
	return &PlanResult{Plan: *plan, Payments: payments}, nil
}

// PayoffPlan settles every pending installment at once. When
// recordTransaction is set, a lump transaction for the outstanding amount is
// written and linked to the settled lines.
func (s *PlanService) PayoffPlan(ctx context.Context, userID, planID string, recordTransaction bool) (*PlanResult, error) {
	plan, payments, err := s.loadOwned(ctx, userID, planID)
	if err != nil {
		return nil, err
	}
	if plan.Status != core.PlanActive {
		return nil, stateErr("plan is already " + string(plan.Status))
	}

	var pending core.Money
	for _, p := range payments {
		if p.Status == core.PaymentPending {
			pending = pending.Add(p.Amount)
		}
	}

	now := s.now().UTC()
	var settlement *core.Transaction
	if recordTransaction && pending.Cents > 0 {
		instrument, err := s.repo.GetInstrument(ctx, plan.InstrumentID)
		if err != nil {
			return nil, wrapRepoErr(err, "funding instrument not found", "load instrument")
		}
		loc := locale.For(instrument.Locale)
		settlement = &core.Transaction{
			ID:           storage.NewID(),
			UserID:       plan.UserID,
			InstrumentID: plan.InstrumentID,
			Description:  loc.PayoffDescription(plan.Description),
			Amount:       pending,
			Date:         core.DateOnly(now),
			Category:     plan.Category,
			PlanID:       plan.ID,
		}
	}

	if err := s.repo.PayoffPlan(ctx, planID, settlement, now); err != nil {
		return nil, wrapRepoErr(err, "plan not found or no longer active", "pay off plan")
	}
	s.logger.InfoContext(ctx, "Installment plan paid off",
		"plan_id", planID,
		"settled_cents", pending.Cents,
		"lump_transaction", settlement != nil)

	plan.Status = core.PlanPaidOff
	plan.UpdatedAt = now
	for i := range payments {
		payments[i].Status = core.PaymentPaid
		if settlement != nil && payments[i].TransactionID == "" {
			payments[i].TransactionID = settlement.ID
		}
	}
	return &PlanResult{Plan: *plan, Payments: payments}, nil
}

// CancelPlan removes a plan and its schedule. Transactions already recorded
// for paid installments stay in the ledger with their plan linkage cleared.
func (s *PlanService) CancelPlan(ctx context.Context, userID, planID string) error {
	plan, _, err := s.loadOwned(ctx, userID, planID)
	if err != nil {
		return err
	}
	if plan.Status.Terminal() {
		return stateErr("plan is already " + string(plan.Status))
	}
	if err := s.repo.DeletePlan(ctx, planID); err != nil {
		return wrapRepoErr(err, "plan not found", "cancel plan")
	}
	s.logger.InfoContext(ctx, "Installment plan cancelled", "plan_id", planID)
	return nil
}

func (s *PlanService) loadOwned(ctx context.Context, userID, planID string) (*core.InstallmentPlan, []core.InstallmentPayment, error) {
	plan, err := s.repo.GetPlan(ctx, planID)
	if err != nil {
		return nil, nil, wrapRepoErr(err, "plan not found", "load plan")
	}
	if plan.UserID != userID {
		return nil, nil, authorizationErr("plan belongs to another user")
	}
	payments, err := s.repo.GetPlanPayments(ctx, planID)
	if err != nil {
		return nil, nil, persistenceErr("load plan payments", err)
	}
	return plan, payments, nil
}

func paidSummary(payments []core.InstallmentPayment) (int, core.Money) {
	var count int
	var sum core.Money
	for _, p := range payments {
		if p.Status == core.PaymentPaid {
			count++
			sum = sum.Add(p.Amount)
		}
	}
	return count, sum
}
