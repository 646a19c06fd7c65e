package circulation

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lendingdesk/internal/auth"
	"lendingdesk/internal/calendar"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/httpx"
)

type Handler struct {
	service Service
	clock   clock.Clock
	logger  logrus.FieldLogger
}

func NewHandler(service Service, clk clock.Clock, logger logrus.FieldLogger) *Handler {
	return &Handler{service: service, clock: clk, logger: logger}
}

// Routes mounts the transaction and report endpoints. Holders work with
// their own transactions; reports and fine payment go through adminOnly.
func (h *Handler) Routes(r chi.Router, adminOnly func(http.Handler) http.Handler) {
	r.Get("/transactions", h.handleListTransactions)
	r.Post("/transactions", h.handleIssue)
	r.Get("/transactions/{id}", h.handleGetTransaction)
	r.Post("/transactions/{id}/return/preview", h.handleStageReturn)
	r.Get("/transactions/{id}/history", h.handleHistory)

	r.Group(func(r chi.Router) {
		r.Use(adminOnly)
		r.Put("/transactions/{id}/return", h.handleReturn)
		r.Put("/transactions/{id}/payfine", h.handlePayFine)

		r.Get("/reports/summary", h.handleSummary)
		r.Get("/reports/active", h.handleActiveIssues)
		r.Get("/reports/overdue", h.handleOverdue)
		r.Get("/reports/fines", h.handleUnpaidFines)
	})
}

type issueRequest struct {
	ItemID    uuid.UUID `json:"item_id"`
	HolderID  uuid.UUID `json:"holder_id"`
	IssueDate string    `json:"issue_date"`
	DueDate   string    `json:"due_date"`
	Remarks   string    `json:"remarks"`
}

type returnRequest struct {
	ActualReturnDate string  `json:"actual_return_date"`
	FinePaid         *bool   `json:"fine_paid"`
	Remarks          *string `json:"remarks"`
}

// handleIssue lends an item. The holder defaults to the caller; only
// admins may issue to someone else. Missing dates default to today and the
// longest allowed loan.
func (h *Handler) handleIssue(w http.ResponseWriter, r *http.Request) {
	var req issueRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequestBody, err.Error())
		return
	}

	caller, _ := auth.CallerFrom(r.Context())
	if req.HolderID == uuid.Nil {
		req.HolderID = caller.HolderID
	}
	if !canSee(r.Context(), req.HolderID) {
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeForbidden, "cannot issue items to another holder")
		return
	}

	issue, err := parseDateOr(req.IssueDate, calendar.Day(h.clock.Now()))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidDate, "invalid issue_date")
		return
	}
	due, err := parseDateOr(req.DueDate, calendar.AddDays(issue, MaxLoanDays))
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidDate, "invalid due_date")
		return
	}

	t, err := h.service.Issue(r.Context(), IssueRequest{
		ItemID:    req.ItemID,
		HolderID:  req.HolderID,
		IssueDate: issue,
		DueDate:   due,
		Remarks:   req.Remarks,
	})
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, t)
}

func (h *Handler) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{Status: Status(q.Get("status"))}
	if raw := q.Get("holder_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, "invalid holder_id")
			return
		}
		filter.HolderID = id
	}
	if caller, ok := auth.CallerFrom(r.Context()); ok && !caller.IsAdmin() {
		filter.HolderID = caller.HolderID
	}

	list, err := h.service.ListTransactions(r.Context(), filter)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleGetTransaction(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadVisible(w, r)
	if !ok {
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) handleStageReturn(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadVisible(w, r)
	if !ok {
		return
	}

	var req returnRequest
	if r.ContentLength != 0 {
		if err := httpx.DecodeJSON(w, r, &req); err != nil {
			httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequestBody, err.Error())
			return
		}
	}
	actual, err := parseDateOr(req.ActualReturnDate, time.Time{})
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidDate, "invalid actual_return_date")
		return
	}

	preview, err := h.service.StageReturn(r.Context(), t.ID, actual)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, preview)
}

func (h *Handler) handleReturn(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return
	}

	var req returnRequest
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequestBody, err.Error())
		return
	}
	actual, err := parseDateOr(req.ActualReturnDate, time.Time{})
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidDate, "invalid actual_return_date")
		return
	}

	t, err := h.service.ReturnItem(r.Context(), ReturnRequest{
		TransactionID:    id,
		ActualReturnDate: actual,
		FinePaid:         req.FinePaid,
		Remarks:          req.Remarks,
	})
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) handlePayFine(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return
	}

	t, err := h.service.PayFine(r.Context(), id)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, t)
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	t, ok := h.loadVisible(w, r)
	if !ok {
		return
	}

	events, err := h.service.History(r.Context(), t.ID)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, events)
}

func (h *Handler) handleSummary(w http.ResponseWriter, r *http.Request) {
	s, err := h.service.Summary(r.Context())
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, s)
}

func (h *Handler) handleActiveIssues(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListActiveIssues(r.Context())
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleOverdue(w http.ResponseWriter, r *http.Request) {
	asOf, err := parseDateOr(r.URL.Query().Get("asOf"), time.Time{})
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidDate, "invalid asOf")
		return
	}

	list, err := h.service.ListOverdue(r.Context(), asOf)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

func (h *Handler) handleUnpaidFines(w http.ResponseWriter, r *http.Request) {
	list, err := h.service.ListUnpaidFines(r.Context())
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, list)
}

// loadVisible fetches the transaction named in the path and checks the
// caller may see it. It writes the error response itself.
func (h *Handler) loadVisible(w http.ResponseWriter, r *http.Request) (*Transaction, bool) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return nil, false
	}

	t, err := h.service.GetTransaction(r.Context(), id)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return nil, false
	}
	if !canSee(r.Context(), t.HolderID) {
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeForbidden, "transaction belongs to another holder")
		return nil, false
	}
	return t, true
}

func parseDateOr(raw string, fallback time.Time) (time.Time, error) {
	if raw == "" {
		return fallback, nil
	}
	return calendar.Parse(raw)
}

func canSee(ctx context.Context, holderID uuid.UUID) bool {
	caller, ok := auth.CallerFrom(ctx)
	return ok && (caller.IsAdmin() || caller.HolderID == holderID)
}
