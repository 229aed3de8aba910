package http

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fatura/internal/core"
	"fatura/internal/services"
)

type fakePlanAPI struct {
	result *services.PlanResult
	err    error
	gotIn  services.CreatePlanInput
	gotUpd services.UpdatePlanInput
}

func (f *fakePlanAPI) CreatePlan(_ context.Context, in services.CreatePlanInput) (*services.PlanResult, error) {
	f.gotIn = in
	return f.result, f.err
}

func (f *fakePlanAPI) GetPlan(context.Context, string, string) (*services.PlanResult, error) {
	return f.result, f.err
}

func (f *fakePlanAPI) UpdatePlan(_ context.Context, in services.UpdatePlanInput) (*services.PlanResult, error) {
	f.gotUpd = in
	return f.result, f.err
}

func (f *fakePlanAPI) PayoffPlan(context.Context, string, string, bool) (*services.PlanResult, error) {
	return f.result, f.err
}

func (f *fakePlanAPI) CancelPlan(context.Context, string, string) error {
	return f.err
}

type fakeBudgetAPI struct {
	report *services.BudgetReport
	err    error
}

func (f *fakeBudgetAPI) Aggregate(context.Context, string, []string, time.Time) (*services.BudgetReport, error) {
	return f.report, f.err
}

type fakeSettlementAPI struct {
	result *services.SettlementResult
	err    error
}

func (f *fakeSettlementAPI) CloseStatement(context.Context, string, string, time.Time) (*services.SettlementResult, error) {
	return f.result, f.err
}

func samplePlanResult() *services.PlanResult {
	return &services.PlanResult{
		Plan: core.InstallmentPlan{
			ID:                "plan-1",
			UserID:            "user-1",
			InstrumentID:      "inst-1",
			Description:       "notebook",
			Category:          "electronics",
			TotalAmount:       core.Money{Cents: 100000},
			TotalInstallments: 3,
			Status:            core.PlanActive,
		},
		Payments: []core.InstallmentPayment{
			{ID: "p1", Number: 1, Amount: core.Money{Cents: 33333},
				DueDate: time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC), Status: core.PaymentPending},
		},
	}
}

func newTestServer(plans PlanAPI, budgets BudgetAPI, settlements SettlementAPI) *Server {
	return NewServer(":0", plans, budgets, settlements)
}

func doRequest(t *testing.T, s *Server, method, path, body string, withUser bool) *httptest.ResponseRecorder {
	t.Helper()
	var reader *strings.Reader
	if body == "" {
		reader = strings.NewReader("")
	} else {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	if withUser {
		req.Header.Set("X-User-ID", "user-1")
	}
	rec := httptest.NewRecorder()
	s.Server.Handler.ServeHTTP(rec, req)
	return rec
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) response {
	t.Helper()
	var env response
	if err := json.Unmarshal(rec.Body.Bytes(), &env); err != nil {
		t.Fatalf("decode envelope: %v (body %s)", err, rec.Body.String())
	}
	return env
}

func TestHealthEndpoints(t *testing.T) {
	s := newTestServer(&fakePlanAPI{}, &fakeBudgetAPI{}, &fakeSettlementAPI{})
	t.Cleanup(func() { s.rateLimiter.stop() })

	for _, path := range []string{"/healthz", "/readyz"} {
		rec := doRequest(t, s, http.MethodGet, path, "", false)
		if rec.Code != http.StatusOK {
			t.Errorf("%s status = %d, want 200", path, rec.Code)
		}
	}
}

func TestCreatePlanEndpoint(t *testing.T) {
	plans := &fakePlanAPI{result: samplePlanResult()}
	s := newTestServer(plans, &fakeBudgetAPI{}, &fakeSettlementAPI{})
	t.Cleanup(func() { s.rateLimiter.stop() })

	body := `{"instrument_id":"inst-1","description":"notebook","category":"electronics","amount":"1000,00","installments":3}`
	rec := doRequest(t, s, http.MethodPost, "/plans", body, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	if !env.Success {
		t.Error("success = false")
	}
	if plans.gotIn.TotalAmount.Cents != 100000 {
		t.Errorf("parsed amount = %d, want 100000", plans.gotIn.TotalAmount.Cents)
	}
	if plans.gotIn.UserID != "user-1" {
		t.Errorf("user = %q, want header value", plans.gotIn.UserID)
	}
}

func TestCreatePlanRejectsBadAmount(t *testing.T) {
	s := newTestServer(&fakePlanAPI{}, &fakeBudgetAPI{}, &fakeSettlementAPI{})
	t.Cleanup(func() { s.rateLimiter.stop() })

	body := `{"instrument_id":"inst-1","description":"x","category":"c","amount":"abc","installments":3}`
	rec := doRequest(t, s, http.MethodPost, "/plans", body, true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", rec.Code)
	}
	env := decodeEnvelope(t, rec)
	if env.Error == nil || env.Error.Code != "validation" {
		t.Errorf("error = %+v, want validation code", env.Error)
	}
}

func TestMissingUserHeader(t *testing.T) {
	s := newTestServer(&fakePlanAPI{}, &fakeBudgetAPI{}, &fakeSettlementAPI{})
	t.Cleanup(func() { s.rateLimiter.stop() })

	rec := doRequest(t, s, http.MethodGet, "/plans/plan-1", "", false)
	if rec.Code != http.StatusUnauthorized {
		t.Errorf("status = %d, want 401", rec.Code)
	}
}

func TestServiceErrorMapping(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", &services.Error{Code: services.CodeNotFound, Message: "plan not found"}, http.StatusNotFound, "not_found"},
		{"authorization", &services.Error{Code: services.CodeAuthorization, Message: "nope"}, http.StatusForbidden, "authorization"},
		{"state", &services.Error{Code: services.CodeState, Message: "already paid_off"}, http.StatusConflict, "state"},
		{"validation", &services.Error{Code: services.CodeValidation, Message: "bad"}, http.StatusUnprocessableEntity, "validation"},
		{"persistence", &services.Error{Code: services.CodePersistence, Message: "db"}, http.StatusInternalServerError, "persistence"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newTestServer(&fakePlanAPI{err: tt.err}, &fakeBudgetAPI{}, &fakeSettlementAPI{})
			t.Cleanup(func() { s.rateLimiter.stop() })

			rec := doRequest(t, s, http.MethodGet, "/plans/plan-1", "", true)
			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			env := decodeEnvelope(t, rec)
			if env.Error == nil || env.Error.Code != tt.wantCode {
				t.Errorf("error = %+v, want code %s", env.Error, tt.wantCode)
			}
			// Persistence details never leak to clients.
			if tt.wantCode == "persistence" && env.Error.Message != "internal error" {
				t.Errorf("message = %q, want generic", env.Error.Message)
			}
		})
	}
}

func TestUpdatePlanPartialBody(t *testing.T) {
	plans := &fakePlanAPI{result: samplePlanResult()}
	s := newTestServer(plans, &fakeBudgetAPI{}, &fakeSettlementAPI{})
	t.Cleanup(func() { s.rateLimiter.stop() })

	rec := doRequest(t, s, http.MethodPatch, "/plans/plan-1", `{"amount":"900.00"}`, true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	if plans.gotUpd.TotalAmount == nil || plans.gotUpd.TotalAmount.Cents != 90000 {
		t.Errorf("amount = %+v, want 90000 cents", plans.gotUpd.TotalAmount)
	}
	if plans.gotUpd.Description != nil || plans.gotUpd.Installments != nil {
		t.Error("unset fields should stay nil")
	}
}

func TestBudgetEndpoint(t *testing.T) {
	report := &services.BudgetReport{
		Reference: time.Date(2024, 11, 10, 0, 0, 0, 0, time.UTC),
		Total:     core.Money{Cents: 34500},
		Instruments: []services.InstrumentBudget{{
			InstrumentID:   "inst-1",
			InstrumentName: "Nubank",
			Period: core.StatementPeriod{
				Start: time.Date(2024, 11, 6, 0, 0, 0, 0, time.UTC),
				End:   time.Date(2024, 12, 5, 0, 0, 0, 0, time.UTC),
			},
			DueDate: time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC),
			Total:   core.Money{Cents: 34500},
		}},
	}
	s := newTestServer(&fakePlanAPI{}, &fakeBudgetAPI{report: report}, &fakeSettlementAPI{})
	t.Cleanup(func() { s.rateLimiter.stop() })

	rec := doRequest(t, s, http.MethodGet, "/budget?instruments=inst-1&ref=2024-11-10", "", true)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 (body %s)", rec.Code, rec.Body.String())
	}
	env := decodeEnvelope(t, rec)
	data, _ := json.Marshal(env.Data)
	var dto budgetReportDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		t.Fatalf("decode budget dto: %v", err)
	}
	if dto.TotalCents != 34500 || len(dto.Instruments) != 1 {
		t.Errorf("dto = %+v", dto)
	}
	if dto.Instruments[0].PeriodEnd != "2024-12-05" {
		t.Errorf("period end = %s", dto.Instruments[0].PeriodEnd)
	}

	rec = doRequest(t, s, http.MethodGet, "/budget", "", true)
	if rec.Code != http.StatusUnprocessableEntity {
		t.Errorf("missing instruments: status = %d, want 422", rec.Code)
	}
}

func TestCloseStatementEndpoint(t *testing.T) {
	result := &services.SettlementResult{
		Outcome: services.OutcomeCreated,
		Transaction: &core.Transaction{
			ID:          "tx-1",
			Amount:      core.Money{Cents: 34500},
			Date:        time.Date(2024, 12, 15, 0, 0, 0, 0, time.UTC),
			PeriodStart: time.Date(2024, 11, 6, 0, 0, 0, 0, time.UTC),
			PeriodEnd:   time.Date(2024, 12, 5, 0, 0, 0, 0, time.UTC),
		},
	}
	s := newTestServer(&fakePlanAPI{}, &fakeBudgetAPI{}, &fakeSettlementAPI{result: result})
	t.Cleanup(func() { s.rateLimiter.stop() })

	rec := doRequest(t, s, http.MethodPost, "/statements/close",
		`{"instrument_id":"inst-1","ref":"2024-12-06"}`, true)
	if rec.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201 (body %s)", rec.Code, rec.Body.String())
	}

	env := decodeEnvelope(t, rec)
	data, _ := json.Marshal(env.Data)
	var dto settlementDTO
	if err := json.Unmarshal(data, &dto); err != nil {
		t.Fatalf("decode settlement dto: %v", err)
	}
	if dto.Outcome != "created" || dto.TransactionID != "tx-1" || dto.AmountCents != 34500 {
		t.Errorf("dto = %+v", dto)
	}
}

func TestCloseStatementAlreadyExistsIs200(t *testing.T) {
	result := &services.SettlementResult{
		Outcome:     services.OutcomeAlreadyExists,
		Transaction: &core.Transaction{ID: "tx-1"},
	}
	s := newTestServer(&fakePlanAPI{}, &fakeBudgetAPI{}, &fakeSettlementAPI{result: result})
	t.Cleanup(func() { s.rateLimiter.stop() })

	rec := doRequest(t, s, http.MethodPost, "/statements/close", `{"instrument_id":"inst-1"}`, true)
	if rec.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 for already_exists", rec.Code)
	}
}

func TestRateLimiter(t *testing.T) {
	rl := newRateLimiter()
	t.Cleanup(rl.stop)

	for i := 0; i < 60; i++ {
		if !rl.allow("1.2.3.4") {
			t.Fatalf("request %d denied, want first 60 allowed", i+1)
		}
	}
	if rl.allow("1.2.3.4") {
		t.Error("request 61 allowed, want denied")
	}
	if !rl.allow("5.6.7.8") {
		t.Error("other client denied")
	}
}
