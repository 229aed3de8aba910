package core

import "time"

// PeriodClass locates a date relative to a reference statement period.
type PeriodClass string

const (
	PeriodCurrent PeriodClass = "current"
	PeriodNext    PeriodClass = "next"
	PeriodPast    PeriodClass = "past"
)

// StatementPeriod is the inclusive date range a billing cycle covers,
// bounded by the instrument's configured closing day. A value type, never
// persisted.
type StatementPeriod struct {
	Start time.Time
	End   time.Time
}

// Contains reports whether d falls inside the period, boundaries included.
func (p StatementPeriod) Contains(d time.Time) bool {
	d = DateOnly(d)
	return !d.Before(p.Start) && !d.After(p.End)
}

// PeriodFor computes the statement period a reference date belongs to.
//
// If the reference day is on or before the closing day, the period ends on
// the closing day of the reference month and starts the day after the
// previous month's closing day. Otherwise the period ends on the closing
// day of the next month and starts the day after the reference month's
// closing day.
//
// Closing days unsupported by a short month normalize forward: closing day
// 31 in February yields a boundary in early March. This follows the native
// time.Date rollover rather than clamping to the month's last day.
func PeriodFor(closingDay int, ref time.Time) StatementPeriod {
	ref = DateOnly(ref)
	year, month := ref.Year(), int(ref.Month())

	if ref.Day() <= closingDay {
		return StatementPeriod{
			Start: NewDate(year, month-1, closingDay+1),
			End:   NewDate(year, month, closingDay),
		}
	}
	return StatementPeriod{
		Start: NewDate(year, month, closingDay+1),
		End:   NewDate(year, month+1, closingDay),
	}
}

// NextPeriod returns the statement period immediately after p, derived from
// the same closing day.
func NextPeriod(closingDay int, p StatementPeriod) StatementPeriod {
	return PeriodFor(closingDay, p.End.AddDate(0, 0, 1))
}

// PeriodWindow precomputes the current and next period boundaries for one
// closing day so that many dates can be classified without recomputing
// calendar math per date.
type PeriodWindow struct {
	Current StatementPeriod
	Next    StatementPeriod
}

// NewPeriodWindow builds the classification window around a reference date.
func NewPeriodWindow(closingDay int, ref time.Time) PeriodWindow {
	cur := PeriodFor(closingDay, ref)
	return PeriodWindow{Current: cur, Next: NextPeriod(closingDay, cur)}
}

// Classify places a date relative to the window: inside the current period,
// before it (past), or after it (next). Dates beyond the next period's end
// still classify as next since they bill no earlier than that.
func (w PeriodWindow) Classify(d time.Time) PeriodClass {
	d = DateOnly(d)
	switch {
	case d.Before(w.Current.Start):
		return PeriodPast
	case d.After(w.Current.End):
		return PeriodNext
	default:
		return PeriodCurrent
	}
}

// ClassifyDate is the single-date convenience over NewPeriodWindow.
func ClassifyDate(d time.Time, closingDay int, ref time.Time) PeriodClass {
	return NewPeriodWindow(closingDay, ref).Classify(d)
}

// ClassifyDates classifies a batch of dates against one window, computing
// the boundaries once. Output order matches input order.
func ClassifyDates(dates []time.Time, closingDay int, ref time.Time) []PeriodClass {
	w := NewPeriodWindow(closingDay, ref)
	out := make([]PeriodClass, len(dates))
	for i, d := range dates {
		out[i] = w.Classify(d)
	}
	return out
}

// InstrumentDate pairs a date with the funding instrument it was charged to.
type InstrumentDate struct {
	InstrumentID string
	Date         time.Time
}

// ClassifyByInstrument classifies many dated items spanning several funding
// instruments, building each instrument's window exactly once. Items whose
// instrument has no configured closing day are skipped.
func ClassifyByInstrument(items []InstrumentDate, closingDays map[string]int, ref time.Time) map[string][]PeriodClass {
	windows := make(map[string]PeriodWindow, len(closingDays))
	out := make(map[string][]PeriodClass, len(closingDays))
	for _, it := range items {
		w, ok := windows[it.InstrumentID]
		if !ok {
			day, configured := closingDays[it.InstrumentID]
			if !configured {
				continue
			}
			w = NewPeriodWindow(day, ref)
			windows[it.InstrumentID] = w
		}
		out[it.InstrumentID] = append(out[it.InstrumentID], w.Classify(it.Date))
	}
	return out
}
