// Package api is a thin HTTP adapter over the reconciliation engine, the
// allocation ledger and the operator commands.
//
// All monetary values use shopspring/decimal and are encoded as JSON strings.
package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/fidus/capital-engine/internal/allocation"
	"github.com/fidus/capital-engine/internal/broker"
	"github.com/fidus/capital-engine/internal/capital"
	"github.com/fidus/capital-engine/internal/model"
	"github.com/fidus/capital-engine/internal/operator"
	"github.com/fidus/capital-engine/internal/reconcile"
	"github.com/fidus/capital-engine/internal/report"
	"github.com/fidus/capital-engine/internal/store"
)

// Handler serves the capital engine over HTTP.
type Handler struct {
	engine *reconcile.Engine
	ledger *allocation.Ledger
	ops    *operator.Service
	money  report.Formatter
}

// NewHandler creates a handler. currency selects the report currency.
func NewHandler(engine *reconcile.Engine, ledger *allocation.Ledger, ops *operator.Service, currency string) *Handler {
	return &Handler{
		engine: engine,
		ledger: ledger,
		ops:    ops,
		money:  report.NewFormatter(currency),
	}
}

// Routes mounts every endpoint on r.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/report", h.GetReport)
	r.Get("/report.md", h.GetReportMarkdown)

	r.Post("/accounts", h.Onboard)
	r.Get("/accounts/{account}/pnl", h.GetAccountPnL)
	r.Post("/accounts/{account}/reclassify", h.Reclassify)
	r.Put("/accounts/{account}/initial-allocation", h.OverrideInitialAllocation)
	r.Delete("/accounts/{account}/initial-allocation", h.ClearInitialAllocation)
	r.Get("/accounts/{account}/commands", h.GetCommands)
	r.Get("/commands", h.GetCommands)

	r.Get("/funds", h.ListFunds)
	r.Post("/funds", h.CreateFund)
	r.Get("/funds/{fund}/allocation", h.GetAllocation)
	r.Post("/funds/{fund}/allocation", h.CommitAllocation)
	r.Post("/funds/{fund}/allocation/preview", h.PreviewAllocation)
	r.Post("/funds/{fund}/deallocation", h.Deallocate)
	r.Post("/funds/{fund}/outcomes", h.RecordOutcome)
	r.Get("/funds/{fund}/history", h.GetHistory)
	r.Get("/funds/{fund}/allocation.md", h.GetAllocationMarkdown)
	r.Get("/funds/{fund}/verify", h.VerifyAllocation)
}

// --- Request types ---

// CreateFundRequest is the JSON body for POST /funds.
type CreateFundRequest struct {
	FundCode     string          `json:"fund_code"`
	TotalCapital decimal.Decimal `json:"total_capital"`
	Actor        string          `json:"actor"`
}

// OutcomeRequest is the JSON body for POST /funds/{fund}/outcomes.
type OutcomeRequest struct {
	Manager string          `json:"manager"`
	Amount  decimal.Decimal `json:"amount"` // positive = gain, negative = loss
	Actor   string          `json:"actor"`
	Note    string          `json:"note,omitempty"`
}

// OnboardRequest is the JSON body for POST /accounts.
type OnboardRequest struct {
	AccountNumber int64  `json:"account_number"`
	FundCode      string `json:"fund_code"`
	Manager       string `json:"manager,omitempty"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason"`
}

// OnboardResponse returns the stored account with the tagger's verdict.
type OnboardResponse struct {
	Account *model.TradingAccount `json:"account"`
	Tag     capital.Tag           `json:"tag"`
}

// ReclassifyRequest is the JSON body for POST /accounts/{account}/reclassify.
type ReclassifyRequest struct {
	CapitalSource string `json:"capital_source"`
	Actor         string `json:"actor"`
	Reason        string `json:"reason"`
}

// InitialAllocationRequest is the JSON body for the initial-allocation
// endpoints. Amount is ignored on DELETE.
type InitialAllocationRequest struct {
	Amount decimal.Decimal `json:"amount"`
	Actor  string          `json:"actor"`
	Reason string          `json:"reason"`
}

// --- Reconciliation ---

// GetReport handles GET /api/v1/report[?fund=CODE].
func (h *Handler) GetReport(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.runReport(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// GetReportMarkdown handles GET /api/v1/report.md[?fund=CODE].
func (h *Handler) GetReportMarkdown(w http.ResponseWriter, r *http.Request) {
	rep, ok := h.runReport(w, r)
	if !ok {
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(report.Markdown(rep, h.money)))
}

func (h *Handler) runReport(w http.ResponseWriter, r *http.Request) (*reconcile.Report, bool) {
	var (
		rep *reconcile.Report
		err error
	)
	if fund := r.URL.Query().Get("fund"); fund != "" {
		rep, err = h.engine.RunFund(r.Context(), fund)
	} else {
		rep, err = h.engine.Run(r.Context())
	}
	if err != nil {
		writeFailure(w, err)
		return nil, false
	}
	return rep, true
}

// GetAccountPnL handles GET /api/v1/accounts/{account}/pnl.
func (h *Handler) GetAccountPnL(w http.ResponseWriter, r *http.Request) {
	number, ok := accountParam(w, r)
	if !ok {
		return
	}
	rep, err := h.engine.Account(r.Context(), number)
	if err != nil && !rep.Failed() {
		writeFailure(w, err)
		return
	}
	if rep.Failed() {
		writeError(w, rep.Error, http.StatusBadGateway)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}

// --- Operator commands ---

// Onboard handles POST /api/v1/accounts.
func (h *Handler) Onboard(w http.ResponseWriter, r *http.Request) {
	var req OnboardRequest
	if !decode(w, r, &req) {
		return
	}
	if req.AccountNumber <= 0 {
		writeError(w, "account_number is required", http.StatusBadRequest)
		return
	}
	acc, tag, err := h.ops.Onboard(r.Context(), req.AccountNumber, req.FundCode, req.Manager,
		operator.Meta{Actor: req.Actor, Reason: req.Reason})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, OnboardResponse{Account: acc, Tag: tag})
}

// Reclassify handles POST /api/v1/accounts/{account}/reclassify.
func (h *Handler) Reclassify(w http.ResponseWriter, r *http.Request) {
	number, ok := accountParam(w, r)
	if !ok {
		return
	}
	var req ReclassifyRequest
	if !decode(w, r, &req) {
		return
	}
	source, err := model.ParseCapitalSource(req.CapitalSource)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	acc, err := h.ops.Reclassify(r.Context(), number, source, operator.Meta{Actor: req.Actor, Reason: req.Reason})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// OverrideInitialAllocation handles PUT /api/v1/accounts/{account}/initial-allocation.
func (h *Handler) OverrideInitialAllocation(w http.ResponseWriter, r *http.Request) {
	number, ok := accountParam(w, r)
	if !ok {
		return
	}
	var req InitialAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.ops.OverrideInitialAllocation(r.Context(), number, req.Amount, operator.Meta{Actor: req.Actor, Reason: req.Reason})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// ClearInitialAllocation handles DELETE /api/v1/accounts/{account}/initial-allocation.
func (h *Handler) ClearInitialAllocation(w http.ResponseWriter, r *http.Request) {
	number, ok := accountParam(w, r)
	if !ok {
		return
	}
	var req InitialAllocationRequest
	if !decode(w, r, &req) {
		return
	}
	acc, err := h.ops.ClearInitialAllocation(r.Context(), number, operator.Meta{Actor: req.Actor, Reason: req.Reason})
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, acc)
}

// GetCommands handles GET /api/v1/commands and
// GET /api/v1/accounts/{account}/commands.
func (h *Handler) GetCommands(w http.ResponseWriter, r *http.Request) {
	var number int64
	if chi.URLParam(r, "account") != "" {
		n, ok := accountParam(w, r)
		if !ok {
			return
		}
		number = n
	}
	cmds, err := h.ops.History(r.Context(), number)
	if err != nil {
		writeFailure(w, err)
		return
	}
	if cmds == nil {
		cmds = []model.OperatorCommand{}
	}
	writeJSON(w, http.StatusOK, cmds)
}

// --- Allocation ledger ---

// ListFunds handles GET /api/v1/funds.
func (h *Handler) ListFunds(w http.ResponseWriter, r *http.Request) {
	funds, err := h.ledger.Funds(r.Context())
	if err != nil {
		writeFailure(w, err)
		return
	}
	if funds == nil {
		funds = []string{}
	}
	writeJSON(w, http.StatusOK, funds)
}

// CreateFund handles POST /api/v1/funds.
func (h *Handler) CreateFund(w http.ResponseWriter, r *http.Request) {
	var req CreateFundRequest
	if !decode(w, r, &req) {
		return
	}
	st, err := h.ledger.CreateFund(r.Context(), req.FundCode, req.TotalCapital, req.Actor)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, st)
}

// GetAllocation handles GET /api/v1/funds/{fund}/allocation.
func (h *Handler) GetAllocation(w http.ResponseWriter, r *http.Request) {
	st, err := h.ledger.State(r.Context(), chi.URLParam(r, "fund"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// GetAllocationMarkdown handles GET /api/v1/funds/{fund}/allocation.md.
func (h *Handler) GetAllocationMarkdown(w http.ResponseWriter, r *http.Request) {
	fund := chi.URLParam(r, "fund")
	st, err := h.ledger.State(r.Context(), fund)
	if err != nil {
		writeFailure(w, err)
		return
	}
	history, err := h.ledger.History(r.Context(), fund)
	if err != nil {
		writeFailure(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.Write([]byte(report.Allocation(st, history, h.money)))
}

// PreviewAllocation handles POST /api/v1/funds/{fund}/allocation/preview.
// A rejected request still returns 200 with Valid=false and itemized errors.
func (h *Handler) PreviewAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocation.Request
	if !decode(w, r, &req) {
		return
	}
	p, err := h.ledger.Preview(r.Context(), chi.URLParam(r, "fund"), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// CommitAllocation handles POST /api/v1/funds/{fund}/allocation.
func (h *Handler) CommitAllocation(w http.ResponseWriter, r *http.Request) {
	var req allocation.Request
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.ledger.Commit(r.Context(), chi.URLParam(r, "fund"), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// Deallocate handles POST /api/v1/funds/{fund}/deallocation.
func (h *Handler) Deallocate(w http.ResponseWriter, r *http.Request) {
	var req allocation.Request
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.ledger.Deallocate(r.Context(), chi.URLParam(r, "fund"), req)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// RecordOutcome handles POST /api/v1/funds/{fund}/outcomes.
func (h *Handler) RecordOutcome(w http.ResponseWriter, r *http.Request) {
	var req OutcomeRequest
	if !decode(w, r, &req) {
		return
	}
	entry, err := h.ledger.RecordOutcome(r.Context(), chi.URLParam(r, "fund"), req.Manager, req.Amount, req.Actor, req.Note)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, entry)
}

// GetHistory handles GET /api/v1/funds/{fund}/history.
func (h *Handler) GetHistory(w http.ResponseWriter, r *http.Request) {
	entries, err := h.ledger.History(r.Context(), chi.URLParam(r, "fund"))
	if err != nil {
		writeFailure(w, err)
		return
	}
	if entries == nil {
		entries = []model.AllocationHistoryEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

// VerifyAllocation handles GET /api/v1/funds/{fund}/verify. It replays
// the history and compares the result with the stored state.
func (h *Handler) VerifyAllocation(w http.ResponseWriter, r *http.Request) {
	fund := chi.URLParam(r, "fund")
	if err := h.ledger.Verify(r.Context(), fund); err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"fund_code": fund, "consistent": true})
}

// --- helpers ---

func accountParam(w http.ResponseWriter, r *http.Request) (int64, bool) {
	n, err := strconv.ParseInt(chi.URLParam(r, "account"), 10, 64)
	if err != nil || n <= 0 {
		writeError(w, "invalid account number", http.StatusBadRequest)
		return 0, false
	}
	return n, true
}

func decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, "invalid request body", http.StatusBadRequest)
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// writeFailure maps domain errors to HTTP statuses.
func writeFailure(w http.ResponseWriter, err error) {
	var verrs allocation.ValidationErrors
	if errors.As(err, &verrs) {
		writeJSON(w, http.StatusUnprocessableEntity, map[string]any{
			"error":   "validation failed",
			"details": verrs,
		})
		return
	}

	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, allocation.ErrFundNotFound),
		errors.Is(err, store.ErrNotFound),
		errors.Is(err, broker.ErrAccountNotFound),
		errors.Is(err, reconcile.ErrNoAccounts):
		return http.StatusNotFound
	case errors.Is(err, store.ErrDuplicate),
		errors.Is(err, store.ErrVersionConflict),
		errors.Is(err, operator.ErrNoChange),
		errors.Is(err, allocation.ErrReplayMismatch),
		errors.Is(err, allocation.ErrCorruptHistory):
		return http.StatusConflict
	case errors.Is(err, operator.ErrActorRequired),
		errors.Is(err, operator.ErrReasonRequired),
		errors.Is(err, operator.ErrFundRequired),
		errors.Is(err, operator.ErrInvalidAmount),
		errors.Is(err, allocation.ErrValidation):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}
