package core

import "time"

// NextDueDate computes when payment for the upcoming statement is due: the
// next period's closing date plus the due day offset. Month and year
// rollover happen naturally through AddDate.
//
// Example: closing day 25, offset 10, reference 2024-12-01 -> the current
// period ends 2024-12-25, so the due date is 2025-01-04.
func NextDueDate(closingDay, dueDayOffset int, ref time.Time) time.Time {
	period := PeriodFor(closingDay, ref)
	return period.End.AddDate(0, 0, dueDayOffset)
}

// DueDateForPeriod computes the due date for an already-known statement
// period, used when settling a specific closed statement.
func DueDateForPeriod(p StatementPeriod, dueDayOffset int) time.Time {
	return p.End.AddDate(0, 0, dueDayOffset)
}

// TypicalDueDay returns the day of month a payment usually falls on, for UI
// previews: closing day plus offset, wrapped past month end. The wrap is
// resolved by projecting a concrete date and reading the day back, so a sum
// of 35 yields day 4 rather than an out-of-range 35.
func TypicalDueDay(closingDay, dueDayOffset int) int {
	// January has 31 days, so any closing day 1..31 lands unnormalized and
	// only the offset spills into February.
	projected := NewDate(2001, 1, closingDay).AddDate(0, 0, dueDayOffset)
	return projected.Day()
}
