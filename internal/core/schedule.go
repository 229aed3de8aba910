package core

import (
	"fmt"
	"time"
)

// GenerateSchedule splits a plan total into n payment lines starting at
// firstDue and stepping one calendar month per installment.
//
// Every line except the last gets the floor of the even split; the last line
// absorbs the rounding residual so the lines always sum to exactly the
// total. 1000.00 over 3 yields 333.33, 333.33, 333.34.
func GenerateSchedule(total Money, n int, firstDue time.Time) ([]InstallmentPayment, error) {
	if err := total.Validate(); err != nil {
		return nil, err
	}
	if n < 1 || n > MaxInstallments {
		return nil, ErrInvalidInstallments
	}

	base := total.Cents / int64(n)
	firstDue = DateOnly(firstDue)

	payments := make([]InstallmentPayment, n)
	for i := 0; i < n; i++ {
		amount := base
		if i == n-1 {
			amount = total.Cents - base*int64(n-1)
		}
		payments[i] = InstallmentPayment{
			Number:  i + 1,
			Amount:  Money{Cents: amount},
			DueDate: firstDue.AddDate(0, i, 0),
			Status:  PaymentPending,
		}
	}
	return payments, nil
}

// AdjustPaymentCount grows or shrinks the pending tail of a schedule when a
// plan's installment count changes. Paid lines are never touched.
//
// Growing appends newN-oldN pending lines continuing the monthly cadence
// from the last existing due date, with amount zero; RecalculatePending
// fills the amounts afterwards. Shrinking drops pending lines numbered
// above newN. Shrinking below the paid count is rejected.
//
// The input slice must hold the full schedule ordered by number; the result
// preserves that ordering.
func AdjustPaymentCount(payments []InstallmentPayment, newN, paidCount int) ([]InstallmentPayment, error) {
	oldN := len(payments)
	if newN < 1 || newN > MaxInstallments {
		return nil, ErrInvalidInstallments
	}
	if newN < paidCount {
		return nil, fmt.Errorf("cannot reduce to %d installments: %d already paid", newN, paidCount)
	}

	if newN > oldN {
		lastDue := time.Time{}
		if oldN > 0 {
			lastDue = payments[oldN-1].DueDate
		}
		out := make([]InstallmentPayment, 0, newN)
		out = append(out, payments...)
		for num := oldN + 1; num <= newN; num++ {
			lastDue = lastDue.AddDate(0, 1, 0)
			out = append(out, InstallmentPayment{
				Number:  num,
				Amount:  Money{},
				DueDate: lastDue,
				Status:  PaymentPending,
			})
		}
		return out, nil
	}

	if newN < oldN {
		out := make([]InstallmentPayment, 0, newN)
		for _, p := range payments {
			if p.Number > newN {
				if p.Status == PaymentPaid {
					// Guarded by the paidCount check above; a paid line
					// past newN means the input is inconsistent.
					return nil, fmt.Errorf("paid installment %d exceeds new count %d", p.Number, newN)
				}
				continue
			}
			out = append(out, p)
		}
		return out, nil
	}

	return payments, nil
}

// RecalculatePending redistributes the unpaid remainder of a plan across its
// pending lines: every pending line except the last gets the floor of the
// even split, the last pending line absorbs the residual so that
// sum(pending) + sum(paid) equals the plan total to the cent.
//
// Returns the number of lines recalculated; zero (a no-op) when nothing is
// pending. The slice is mutated in place.
func RecalculatePending(payments []InstallmentPayment, totalAmount Money, totalInstallments, paidCount int, paidAmount Money) int {
	pendingCount := totalInstallments - paidCount
	if pendingCount <= 0 {
		return 0
	}
	remaining := totalAmount.Cents - paidAmount.Cents
	monthly := remaining / int64(pendingCount)
	lastAmount := monthly + (remaining - monthly*int64(pendingCount))

	last := -1
	count := 0
	for i := range payments {
		if payments[i].Status != PaymentPending {
			continue
		}
		payments[i].Amount = Money{Cents: monthly}
		last = i
		count++
	}
	if last >= 0 {
		payments[last].Amount = Money{Cents: lastAmount}
	}
	return count
}

// ScheduleTotal sums all payment amounts, paid and pending.
func ScheduleTotal(payments []InstallmentPayment) Money {
	var sum int64
	for _, p := range payments {
		sum += p.Amount.Cents
	}
	return Money{Cents: sum}
}

// ValidateScheduleInvariants checks the monetary and numbering invariants
// the engine guarantees after every mutation: the lines sum to the plan
// total exactly and numbers form a contiguous 1..N sequence.
func ValidateScheduleInvariants(plan InstallmentPlan, payments []InstallmentPayment) error {
	if got := ScheduleTotal(payments); got.Cents != plan.TotalAmount.Cents {
		return fmt.Errorf("schedule sums to %d cents, plan total is %d cents", got.Cents, plan.TotalAmount.Cents)
	}
	if len(payments) != plan.TotalInstallments {
		return fmt.Errorf("schedule has %d lines, plan declares %d", len(payments), plan.TotalInstallments)
	}
	for i, p := range payments {
		if p.Number != i+1 {
			return fmt.Errorf("installment numbering gap: line %d has number %d", i, p.Number)
		}
	}
	return nil
}
