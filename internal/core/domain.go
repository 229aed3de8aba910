package core

import (
	"errors"
	"strings"
	"time"
)

const (
	PlanActive    PlanStatus = "active"
	PlanPaidOff   PlanStatus = "paid_off"
	PlanCancelled PlanStatus = "cancelled"

	PaymentPending PaymentStatus = "pending"
	PaymentPaid    PaymentStatus = "paid"
)

const (
	// MaxInstallments is the upper bound for a plan's installment count.
	MaxInstallments = 60

	// MinClosingDay and MaxClosingDay bound the statement closing day.
	MinClosingDay = 1
	MaxClosingDay = 31

	// MinDueDayOffset and MaxDueDayOffset bound the days between a
	// statement close and its payment due date.
	MinDueDayOffset = 1
	MaxDueDayOffset = 60
)

type (
	PlanStatus    string
	PaymentStatus string

	Money struct {
		Cents int64
	}

	// InstallmentPlan is a financed purchase split into a fixed number of
	// scheduled payments against a funding instrument (typically a card).
	InstallmentPlan struct {
		ID                string
		UserID            string
		InstrumentID      string
		Description       string
		Merchant          string
		Category          string
		TotalAmount       Money
		TotalInstallments int
		Status            PlanStatus
		CreatedAt         time.Time
		UpdatedAt         time.Time
	}

	// InstallmentPayment is one line of a plan's amortization schedule.
	// Numbers are contiguous 1..TotalInstallments and unique per plan.
	// Once paid, amount and due date are immutable; only the transaction
	// reference may be set afterwards.
	InstallmentPayment struct {
		ID            string
		PlanID        string
		Number        int
		Amount        Money
		DueDate       time.Time
		Status        PaymentStatus
		TransactionID string
	}

	// FundingInstrument is a payment card with a statement cycle. ClosingDay
	// and DueDayOffset drive all period and due date math for the
	// instrument's plans and settlements.
	FundingInstrument struct {
		ID               string
		UserID           string
		Name             string
		ClosingDay       int
		DueDayOffset     int
		DefaultAccountID string
		Locale           string
	}

	// Account is a money source settlement transactions can be linked to.
	Account struct {
		ID      string
		UserID  string
		Name    string
		Default bool
	}

	// Transaction is a ledger entry. Settlement transactions created by the
	// system carry AutoGenerated plus the statement boundaries they settle.
	Transaction struct {
		ID            string
		UserID        string
		InstrumentID  string
		AccountID     string
		Description   string
		Amount        Money
		Date          time.Time
		Category      string
		AutoGenerated bool
		PeriodStart   time.Time
		PeriodEnd     time.Time
		PlanID        string
		PaymentID     string
	}
)

var (
	ErrInvalidAmount       = errors.New("invalid amount")
	ErrInvalidInstallments = errors.New("installment count out of range")
	ErrInvalidClosingDay   = errors.New("closing day out of range")
	ErrInvalidDueDayOffset = errors.New("due day offset out of range")
	ErrEmptyDescription    = errors.New("empty description")
	ErrEmptyCategory       = errors.New("empty category")
)

func (s PlanStatus) Terminal() bool {
	return s == PlanPaidOff || s == PlanCancelled
}

func (m Money) Validate() error {
	if m.Cents <= 0 {
		return ErrInvalidAmount
	}
	return nil
}

// Add returns the sum of two amounts.
func (m Money) Add(o Money) Money {
	return Money{Cents: m.Cents + o.Cents}
}

// Sub returns the difference of two amounts.
func (m Money) Sub(o Money) Money {
	return Money{Cents: m.Cents - o.Cents}
}

func (p InstallmentPlan) Validate() error {
	if err := p.TotalAmount.Validate(); err != nil {
		return err
	}
	if p.TotalInstallments < 1 || p.TotalInstallments > MaxInstallments {
		return ErrInvalidInstallments
	}
	if len(strings.TrimSpace(p.Description)) == 0 {
		return ErrEmptyDescription
	}
	if len(p.Description) > 200 {
		return errors.New("description too long (max 200 characters)")
	}
	if strings.TrimSpace(p.Category) == "" {
		return ErrEmptyCategory
	}
	return nil
}

// ValidateClosingDay checks a statement closing day configuration value.
func ValidateClosingDay(day int) error {
	if day < MinClosingDay || day > MaxClosingDay {
		return ErrInvalidClosingDay
	}
	return nil
}

// ValidateDueDayOffset checks a due day offset configuration value.
func ValidateDueDayOffset(offset int) error {
	if offset < MinDueDayOffset || offset > MaxDueDayOffset {
		return ErrInvalidDueDayOffset
	}
	return nil
}

// DateOnly truncates a time to midnight UTC so calendar comparisons are not
// affected by clock components or zones.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}

// NewDate builds a midnight-UTC date. Out-of-range day values normalize
// forward per time.Date (day 31 in a 30-day month rolls into the next month).
func NewDate(year, month, day int) time.Time {
	return time.Date(year, time.Month(month), day, 0, 0, 0, 0, time.UTC)
}
