// Package locale renders user-facing strings for amounts, dates and
// generated descriptions. The billing core passes plain values in and never
// embeds display text itself.
package locale

import (
	"fmt"
	"strconv"
	"time"
)

type Locale string

const (
	PtBR Locale = "pt-BR"
	En   Locale = "en"
)

var ptBRMonths = [...]string{
	"janeiro", "fevereiro", "março", "abril", "maio", "junho",
	"julho", "agosto", "setembro", "outubro", "novembro", "dezembro",
}

// For normalizes a locale tag, falling back to pt-BR for anything unknown.
func For(tag string) Locale {
	if Locale(tag) == En {
		return En
	}
	return PtBR
}

// FormatAmount renders cents in the locale's currency convention.
func (l Locale) FormatAmount(cents int64) string {
	neg := cents < 0
	if neg {
		cents = -cents
	}
	units := cents / 100
	rem := cents % 100

	var s string
	switch l {
	case En:
		s = "$" + groupThousands(units, ",") + "." + fmt.Sprintf("%02d", rem)
	default:
		s = "R$ " + groupThousands(units, ".") + "," + fmt.Sprintf("%02d", rem)
	}
	if neg {
		return "-" + s
	}
	return s
}

// FormatMonthYear renders a statement month for display, e.g.
// "dezembro/2024" or "December 2024".
func (l Locale) FormatMonthYear(t time.Time) string {
	switch l {
	case En:
		return t.Month().String() + " " + strconv.Itoa(t.Year())
	default:
		return ptBRMonths[int(t.Month())-1] + "/" + strconv.Itoa(t.Year())
	}
}

// SettlementDescription builds the description for an auto-generated
// statement settlement transaction, embedding the funding instrument name
// and the statement month.
func (l Locale) SettlementDescription(instrumentName string, periodEnd time.Time) string {
	switch l {
	case En:
		return "Statement payment " + instrumentName + " - " + l.FormatMonthYear(periodEnd)
	default:
		return "Pagamento fatura " + instrumentName + " - " + l.FormatMonthYear(periodEnd)
	}
}

// PayoffDescription builds the description for a lump installment payoff
// transaction.
func (l Locale) PayoffDescription(planDescription string) string {
	switch l {
	case En:
		return "Installment payoff - " + planDescription
	default:
		return "Quitação de parcelamento - " + planDescription
	}
}

func groupThousands(n int64, sep string) string {
	s := strconv.FormatInt(n, 10)
	if len(s) <= 3 {
		return s
	}
	var out []byte
	lead := len(s) % 3
	if lead > 0 {
		out = append(out, s[:lead]...)
	}
	for i := lead; i < len(s); i += 3 {
		if len(out) > 0 {
			out = append(out, sep...)
		}
		out = append(out, s[i:i+3]...)
	}
	return string(out)
}
