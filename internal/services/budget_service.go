package services

import (
	"context"
	"log/slog"
	"sort"
	"time"

	"golang.org/x/sync/errgroup"

	"fatura/internal/core"
	"fatura/internal/storage"
)

// BudgetRepository is the read surface budget aggregation needs.
type BudgetRepository interface {
	GetInstrument(ctx context.Context, id string) (*core.FundingInstrument, error)
	ListTransactions(ctx context.Context, userID, instrumentID string, start, end time.Time) ([]core.Transaction, error)
	ListDuePayments(ctx context.Context, userID, instrumentID string, start, end time.Time) ([]storage.DuePayment, error)
}

// BudgetService aggregates what each funding instrument will charge on its
// current statement: ordinary transactions inside the open period plus
// installment lines falling due in it.
type BudgetService struct {
	repo   BudgetRepository
	logger *slog.Logger
}

func NewBudgetService(repo BudgetRepository, logger *slog.Logger) *BudgetService {
	return &BudgetService{repo: repo, logger: logger}
}

// BudgetLine is one charge on a statement projection.
type BudgetLine struct {
	Description string
	Category    string
	Amount      core.Money
	Date        time.Time
	Installment int
	Of          int
}

// CategorySummary totals the lines sharing one category.
type CategorySummary struct {
	Category string
	Total    core.Money
	Count    int
}

// InstrumentBudget is the statement projection for one instrument.
type InstrumentBudget struct {
	InstrumentID   string
	InstrumentName string
	Period         core.StatementPeriod
	DueDate        time.Time
	Lines          []BudgetLine
	Categories     []CategorySummary
	Total          core.Money
}

// BudgetReport aggregates projections across instruments, ordered by
// instrument name for stable output.
type BudgetReport struct {
	Reference   time.Time
	Instruments []InstrumentBudget
	Total       core.Money
}

// Aggregate builds the statement projection for each requested instrument,
// fetching instruments concurrently. Instruments with nothing charged still
// appear with an empty line list; an empty report is a valid result, not an
// error.
func (s *BudgetService) Aggregate(ctx context.Context, userID string, instrumentIDs []string, ref time.Time) (*BudgetReport, error) {
	ref = core.DateOnly(ref)
	results := make([]*InstrumentBudget, len(instrumentIDs))

	g, gctx := errgroup.WithContext(ctx)
	for i, id := range instrumentIDs {
		g.Go(func() error {
			b, err := s.aggregateOne(gctx, userID, id, ref)
			if err != nil {
				return err
			}
			results[i] = b
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	report := &BudgetReport{Reference: ref}
	for _, b := range results {
		if b == nil {
			continue
		}
		report.Instruments = append(report.Instruments, *b)
		report.Total = report.Total.Add(b.Total)
	}
	sort.Slice(report.Instruments, func(i, j int) bool {
		return report.Instruments[i].InstrumentName < report.Instruments[j].InstrumentName
	})
	s.logger.DebugContext(ctx, "Budget aggregated",
		"instruments", len(report.Instruments),
		"total_cents", report.Total.Cents)
	return report, nil
}

func (s *BudgetService) aggregateOne(ctx context.Context, userID, instrumentID string, ref time.Time) (*InstrumentBudget, error) {
	instrument, err := s.repo.GetInstrument(ctx, instrumentID)
	if err != nil {
		return nil, wrapRepoErr(err, "funding instrument not found", "load instrument")
	}
	if instrument.UserID != userID {
		return nil, authorizationErr("instrument belongs to another user")
	}

	period := core.PeriodFor(instrument.ClosingDay, ref)
	budget := &InstrumentBudget{
		InstrumentID:   instrument.ID,
		InstrumentName: instrument.Name,
		Period:         period,
		DueDate:        core.DueDateForPeriod(period, instrument.DueDayOffset),
	}

	txns, err := s.repo.ListTransactions(ctx, userID, instrumentID, period.Start, period.End)
	if err != nil {
		return nil, persistenceErr("list transactions", err)
	}
	for _, t := range txns {
		if t.AutoGenerated {
			continue
		}
		budget.Lines = append(budget.Lines, BudgetLine{
			Description: t.Description,
			Category:    t.Category,
			Amount:      t.Amount,
			Date:        t.Date,
		})
		budget.Total = budget.Total.Add(t.Amount)
	}

	due, err := s.repo.ListDuePayments(ctx, userID, instrumentID, period.Start, period.End)
	if err != nil {
		return nil, persistenceErr("list due payments", err)
	}
	for _, d := range due {
		if d.Payment.Status != core.PaymentPending {
			continue
		}
		budget.Lines = append(budget.Lines, BudgetLine{
			Description: d.PlanDescription,
			Category:    d.Category,
			Amount:      d.Payment.Amount,
			Date:        d.Payment.DueDate,
			Installment: d.Payment.Number,
			Of:          d.Installments,
		})
		budget.Total = budget.Total.Add(d.Payment.Amount)
	}

	sort.Slice(budget.Lines, func(i, j int) bool {
		if !budget.Lines[i].Date.Equal(budget.Lines[j].Date) {
			return budget.Lines[i].Date.Before(budget.Lines[j].Date)
		}
		return budget.Lines[i].Description < budget.Lines[j].Description
	})
	budget.Categories = summarizeByCategory(budget.Lines)
	return budget, nil
}

func summarizeByCategory(lines []BudgetLine) []CategorySummary {
	byName := make(map[string]*CategorySummary)
	for _, l := range lines {
		s, ok := byName[l.Category]
		if !ok {
			s = &CategorySummary{Category: l.Category}
			byName[l.Category] = s
		}
		s.Total = s.Total.Add(l.Amount)
		s.Count++
	}
	out := make([]CategorySummary, 0, len(byName))
	for _, s := range byName {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out
}
