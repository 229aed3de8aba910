package http

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"fatura/internal/core"
	"fatura/internal/services"
)

const dateLayout = "2006-01-02"

// response is the envelope every endpoint returns.
type response struct {
	Success bool       `json:"success"`
	Data    any        `json:"data,omitempty"`
	Error   *errorBody `json:"error,omitempty"`
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Success: true, Data: data})
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(response{Success: false, Error: &errorBody{Code: code, Message: message}})
}

// writeServiceError maps the service error taxonomy onto HTTP statuses.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	code := services.CodeOf(err)
	status := http.StatusInternalServerError
	switch code {
	case services.CodeValidation:
		status = http.StatusUnprocessableEntity
	case services.CodeNotFound:
		status = http.StatusNotFound
	case services.CodeAuthorization:
		status = http.StatusForbidden
	case services.CodeConflict, services.CodeState:
		status = http.StatusConflict
	}

	message := "internal error"
	var se *services.Error
	if errors.As(err, &se) && code != services.CodePersistence {
		message = se.Message
	}
	if status == http.StatusInternalServerError {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "url", r.URL.Path)
	}
	writeError(w, status, string(code), message)
}

// userID extracts the authenticated user from the request. The engine sits
// behind a gateway that resolves authentication into this header.
func userID(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-User-ID"))
}

func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	uid := userID(r)
	if uid == "" {
		writeError(w, http.StatusUnauthorized, "authorization", "missing X-User-ID header")
		return "", false
	}
	return uid, true
}

// --- DTOs ---

type paymentDTO struct {
	ID            string `json:"id"`
	Number        int    `json:"number"`
	AmountCents   int64  `json:"amount_cents"`
	DueDate       string `json:"due_date"`
	Status        string `json:"status"`
	TransactionID string `json:"transaction_id,omitempty"`
}

type planDTO struct {
	ID                string       `json:"id"`
	InstrumentID      string       `json:"instrument_id"`
	Description       string       `json:"description"`
	Merchant          string       `json:"merchant,omitempty"`
	Category          string       `json:"category"`
	TotalCents        int64        `json:"total_cents"`
	TotalInstallments int          `json:"total_installments"`
	Status            string       `json:"status"`
	Payments          []paymentDTO `json:"payments"`
}

func toPlanDTO(res *services.PlanResult) planDTO {
	dto := planDTO{
		ID:                res.Plan.ID,
		InstrumentID:      res.Plan.InstrumentID,
		Description:       res.Plan.Description,
		Merchant:          res.Plan.Merchant,
		Category:          res.Plan.Category,
		TotalCents:        res.Plan.TotalAmount.Cents,
		TotalInstallments: res.Plan.TotalInstallments,
		Status:            string(res.Plan.Status),
		Payments:          make([]paymentDTO, 0, len(res.Payments)),
	}
	for _, p := range res.Payments {
		dto.Payments = append(dto.Payments, paymentDTO{
			ID:            p.ID,
			Number:        p.Number,
			AmountCents:   p.Amount.Cents,
			DueDate:       p.DueDate.Format(dateLayout),
			Status:        string(p.Status),
			TransactionID: p.TransactionID,
		})
	}
	return dto
}

// --- plan handlers ---

type createPlanRequest struct {
	InstrumentID string `json:"instrument_id"`
	Description  string `json:"description"`
	Merchant     string `json:"merchant"`
	Category     string `json:"category"`
	Amount       string `json:"amount"`
	Installments int    `json:"installments"`
	PurchaseDate string `json:"purchase_date"`
}

func (s *Server) handleCreatePlan(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req createPlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	cents, err := core.ParseDecimalToCents(req.Amount)
	if err != nil {
		writeError(w, http.StatusUnprocessableEntity, "validation", "invalid amount")
		return
	}

	var purchase time.Time
	if req.PurchaseDate != "" {
		purchase, err = time.Parse(dateLayout, req.PurchaseDate)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation", "invalid purchase_date, want YYYY-MM-DD")
			return
		}
	}

	res, err := s.plans.CreatePlan(r.Context(), services.CreatePlanInput{
		UserID:       uid,
		InstrumentID: req.InstrumentID,
		Description:  req.Description,
		Merchant:     req.Merchant,
		Category:     req.Category,
		TotalAmount:  core.Money{Cents: cents},
		Installments: req.Installments,
		PurchaseDate: purchase,
	})
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, toPlanDTO(res))
}

func (s *Server) handleGetPlan(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	res, err := s.plans.GetPlan(r.Context(), uid, r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(res))
}

type updatePlanRequest struct {
	Description  *string `json:"description"`
	Merchant     *string `json:"merchant"`
	Category     *string `json:"category"`
	Amount       *string `json:"amount"`
	Installments *int    `json:"installments"`
}

func (s *Server) handleUpdatePlan(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req updatePlanRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}

	in := services.UpdatePlanInput{
		UserID:       uid,
		PlanID:       r.PathValue("id"),
		Description:  req.Description,
		Merchant:     req.Merchant,
		Category:     req.Category,
		Installments: req.Installments,
	}
	if req.Amount != nil {
		cents, err := core.ParseDecimalToCents(*req.Amount)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation", "invalid amount")
			return
		}
		in.TotalAmount = &core.Money{Cents: cents}
	}

	res, err := s.plans.UpdatePlan(r.Context(), in)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(res))
}

type payoffRequest struct {
	RecordTransaction bool `json:"record_transaction"`
}

func (s *Server) handlePayoffPlan(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	req := payoffRequest{RecordTransaction: true}
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
			return
		}
	}

	res, err := s.plans.PayoffPlan(r.Context(), uid, r.PathValue("id"), req.RecordTransaction)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, toPlanDTO(res))
}

func (s *Server) handleCancelPlan(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}
	if err := s.plans.CancelPlan(r.Context(), uid, r.PathValue("id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// --- budget handler ---

type budgetLineDTO struct {
	Description string `json:"description"`
	Category    string `json:"category"`
	AmountCents int64  `json:"amount_cents"`
	Date        string `json:"date"`
	Installment int    `json:"installment,omitempty"`
	Of          int    `json:"of,omitempty"`
}

type categorySummaryDTO struct {
	Category   string `json:"category"`
	TotalCents int64  `json:"total_cents"`
	Count      int    `json:"count"`
}

type instrumentBudgetDTO struct {
	InstrumentID   string               `json:"instrument_id"`
	InstrumentName string               `json:"instrument_name"`
	PeriodStart    string               `json:"period_start"`
	PeriodEnd      string               `json:"period_end"`
	DueDate        string               `json:"due_date"`
	TotalCents     int64                `json:"total_cents"`
	Lines          []budgetLineDTO      `json:"lines"`
	Categories     []categorySummaryDTO `json:"categories"`
}

type budgetReportDTO struct {
	Reference   string                `json:"reference"`
	TotalCents  int64                 `json:"total_cents"`
	Instruments []instrumentBudgetDTO `json:"instruments"`
}

func (s *Server) handleBudget(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	instruments := strings.Split(r.URL.Query().Get("instruments"), ",")
	var ids []string
	for _, id := range instruments {
		if id = strings.TrimSpace(id); id != "" {
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		writeError(w, http.StatusUnprocessableEntity, "validation", "missing instruments query parameter")
		return
	}

	ref := time.Now().UTC()
	if v := r.URL.Query().Get("ref"); v != "" {
		parsed, err := time.Parse(dateLayout, v)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation", "invalid ref, want YYYY-MM-DD")
			return
		}
		ref = parsed
	}

	report, err := s.budgets.Aggregate(r.Context(), uid, ids, ref)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	dto := budgetReportDTO{
		Reference:   report.Reference.Format(dateLayout),
		TotalCents:  report.Total.Cents,
		Instruments: make([]instrumentBudgetDTO, 0, len(report.Instruments)),
	}
	for _, b := range report.Instruments {
		ib := instrumentBudgetDTO{
			InstrumentID:   b.InstrumentID,
			InstrumentName: b.InstrumentName,
			PeriodStart:    b.Period.Start.Format(dateLayout),
			PeriodEnd:      b.Period.End.Format(dateLayout),
			DueDate:        b.DueDate.Format(dateLayout),
			TotalCents:     b.Total.Cents,
			Lines:          make([]budgetLineDTO, 0, len(b.Lines)),
		}
		for _, l := range b.Lines {
			ib.Lines = append(ib.Lines, budgetLineDTO{
				Description: l.Description,
				Category:    l.Category,
				AmountCents: l.Amount.Cents,
				Date:        l.Date.Format(dateLayout),
				Installment: l.Installment,
				Of:          l.Of,
			})
		}
		for _, c := range b.Categories {
			ib.Categories = append(ib.Categories, categorySummaryDTO{
				Category:   c.Category,
				TotalCents: c.Total.Cents,
				Count:      c.Count,
			})
		}
		dto.Instruments = append(dto.Instruments, ib)
	}
	writeJSON(w, http.StatusOK, dto)
}

// --- settlement handler ---

type closeStatementRequest struct {
	InstrumentID string `json:"instrument_id"`
	Ref          string `json:"ref"`
}

type settlementDTO struct {
	Outcome        string `json:"outcome"`
	TransactionID  string `json:"transaction_id,omitempty"`
	AmountCents    int64  `json:"amount_cents,omitempty"`
	DueDate        string `json:"due_date,omitempty"`
	PeriodStart    string `json:"period_start,omitempty"`
	PeriodEnd      string `json:"period_end,omitempty"`
	AccountMissing bool   `json:"account_missing,omitempty"`
}

func (s *Server) handleCloseStatement(w http.ResponseWriter, r *http.Request) {
	uid, ok := requireUser(w, r)
	if !ok {
		return
	}

	var req closeStatementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "validation", "invalid JSON body")
		return
	}
	if strings.TrimSpace(req.InstrumentID) == "" {
		writeError(w, http.StatusUnprocessableEntity, "validation", "missing instrument_id")
		return
	}

	ref := time.Now().UTC()
	if req.Ref != "" {
		parsed, err := time.Parse(dateLayout, req.Ref)
		if err != nil {
			writeError(w, http.StatusUnprocessableEntity, "validation", "invalid ref, want YYYY-MM-DD")
			return
		}
		ref = parsed
	}

	res, err := s.settlements.CloseStatement(r.Context(), uid, req.InstrumentID, ref)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	dto := settlementDTO{Outcome: string(res.Outcome), AccountMissing: res.AccountMissing}
	if res.Transaction != nil {
		dto.TransactionID = res.Transaction.ID
		dto.AmountCents = res.Transaction.Amount.Cents
		dto.DueDate = res.Transaction.Date.Format(dateLayout)
		dto.PeriodStart = res.Transaction.PeriodStart.Format(dateLayout)
		dto.PeriodEnd = res.Transaction.PeriodEnd.Format(dateLayout)
	}
	status := http.StatusCreated
	if res.Outcome != services.OutcomeCreated {
		status = http.StatusOK
	}
	writeJSON(w, status, dto)
}
