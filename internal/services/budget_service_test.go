package services

import (
	"context"
	"testing"
	"time"

	"fatura/internal/core"
)

func TestAggregateBudget(t *testing.T) {
	f := newFakeRepo()
	seedFakeInstrument(f)
	seedStatement(f)
	svc := NewBudgetService(f, testLogger())

	// Nov 10 falls in the period Nov 6 to Dec 5.
	ref := time.Date(2024, 11, 10, 0, 0, 0, 0, time.UTC)
	got, err := svc.Aggregate(context.Background(), "user-1", []string{"inst-1"}, ref)
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if len(got.Instruments) != 1 {
		t.Fatalf("got %d instruments, want 1", len(got.Instruments))
	}
	b := got.Instruments[0]

	if !b.Period.End.Equal(time.Date(2024, 12, 5, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("period end = %v, want 2024-12-05", b.Period.End)
	}
	if !b.DueDate.Equal(time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC)) {
		t.Errorf("due date = %v, want 2024-12-15", b.DueDate)
	}
	// The coffee transaction plus installment 1 of 2; installment 2 is due
	// in the next period.
	if len(b.Lines) != 2 {
		t.Fatalf("got %d lines, want 2: %+v", len(b.Lines), b.Lines)
	}
	if b.Total.Cents != 34500 || got.Total.Cents != 34500 {
		t.Errorf("totals = %d / %d, want 34500", b.Total.Cents, got.Total.Cents)
	}

	var installmentLine *BudgetLine
	for i := range b.Lines {
		if b.Lines[i].Installment > 0 {
			installmentLine = &b.Lines[i]
		}
	}
	if installmentLine == nil {
		t.Fatal("no installment line in budget")
	}
	if installmentLine.Installment != 1 || installmentLine.Of != 2 {
		t.Errorf("installment = %d/%d, want 1/2", installmentLine.Installment, installmentLine.Of)
	}
	if installmentLine.Description != "notebook" {
		t.Errorf("installment description = %q, want plan description", installmentLine.Description)
	}

	// One line per category here, sorted by category name.
	want := []CategorySummary{
		{Category: "electronics", Total: core.Money{Cents: 30000}, Count: 1},
		{Category: "groceries", Total: core.Money{Cents: 4500}, Count: 1},
	}
	if len(b.Categories) != len(want) {
		t.Fatalf("got %d category summaries, want %d: %+v", len(b.Categories), len(want), b.Categories)
	}
	for i, w := range want {
		if b.Categories[i] != w {
			t.Errorf("category[%d] = %+v, want %+v", i, b.Categories[i], w)
		}
	}
}

func TestAggregateBudgetSkipsAutoGenerated(t *testing.T) {
	f := newFakeRepo()
	seedFakeInstrument(f)
	f.transactions["tx-settle"] = core.Transaction{
		ID:            "tx-settle",
		UserID:        "user-1",
		InstrumentID:  "inst-1",
		Amount:        core.Money{Cents: 99999},
		Date:          time.Date(2024, 11, 15, 0, 0, 0, 0, time.UTC),
		AutoGenerated: true,
	}
	svc := NewBudgetService(f, testLogger())

	got, err := svc.Aggregate(context.Background(), "user-1", []string{"inst-1"},
		time.Date(2024, 11, 20, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if got.Total.Cents != 0 {
		t.Errorf("total = %d, settlement transactions must not count toward the next budget", got.Total.Cents)
	}
}

func TestAggregateBudgetEmptyIsNotError(t *testing.T) {
	f := newFakeRepo()
	seedFakeInstrument(f)
	svc := NewBudgetService(f, testLogger())

	got, err := svc.Aggregate(context.Background(), "user-1", []string{"inst-1"}, time.Now())
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if len(got.Instruments) != 1 || len(got.Instruments[0].Lines) != 0 {
		t.Errorf("empty instrument should appear with zero lines: %+v", got.Instruments)
	}
	if got.Total.Cents != 0 {
		t.Errorf("total = %d, want 0", got.Total.Cents)
	}

	none, err := svc.Aggregate(context.Background(), "user-1", nil, time.Now())
	if err != nil {
		t.Fatalf("Aggregate() with no instruments error = %v", err)
	}
	if len(none.Instruments) != 0 || none.Total.Cents != 0 {
		t.Errorf("no-instrument report = %+v, want empty", none)
	}
}

func TestAggregateBudgetMultipleInstruments(t *testing.T) {
	f := newFakeRepo()
	seedFakeInstrument(f)
	f.instruments["inst-2"] = core.FundingInstrument{
		ID: "inst-2", UserID: "user-1", Name: "Amex", ClosingDay: 20, DueDayOffset: 7, Locale: "en",
	}
	f.transactions["tx-a"] = core.Transaction{
		ID: "tx-a", UserID: "user-1", InstrumentID: "inst-1",
		Description: "groceries", Amount: core.Money{Cents: 12000},
		Date: time.Date(2024, 11, 10, 0, 0, 0, 0, time.UTC),
	}
	f.transactions["tx-b"] = core.Transaction{
		ID: "tx-b", UserID: "user-1", InstrumentID: "inst-2",
		Description: "flights", Amount: core.Money{Cents: 250000},
		Date: time.Date(2024, 11, 10, 0, 0, 0, 0, time.UTC),
	}
	svc := NewBudgetService(f, testLogger())

	got, err := svc.Aggregate(context.Background(), "user-1", []string{"inst-1", "inst-2"},
		time.Date(2024, 11, 10, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Aggregate() error = %v", err)
	}
	if len(got.Instruments) != 2 {
		t.Fatalf("got %d instruments, want 2", len(got.Instruments))
	}
	// Ordered by instrument name.
	if got.Instruments[0].InstrumentName != "Amex" || got.Instruments[1].InstrumentName != "Nubank" {
		t.Errorf("order = %s, %s; want Amex, Nubank",
			got.Instruments[0].InstrumentName, got.Instruments[1].InstrumentName)
	}
	if got.Total.Cents != 262000 {
		t.Errorf("total = %d, want 262000", got.Total.Cents)
	}
}

func TestAggregateBudgetAuthorization(t *testing.T) {
	f := newFakeRepo()
	seedFakeInstrument(f)
	svc := NewBudgetService(f, testLogger())

	_, err := svc.Aggregate(context.Background(), "intruder", []string{"inst-1"}, time.Now())
	if CodeOf(err) != CodeAuthorization {
		t.Errorf("code = %s, want authorization (err = %v)", CodeOf(err), err)
	}
}
