package membership

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lendingdesk/internal/auth"
	"lendingdesk/internal/clock"
	"lendingdesk/internal/httpx"
)

// Updater applies EXTEND or CANCEL. The lending engine implements it.
type Updater interface {
	RenewOrCancelMembership(ctx context.Context, id uuid.UUID, action Action, d Duration) (*Membership, error)
}

type Handler struct {
	service Service
	updater Updater
	clock   clock.Clock
	logger  logrus.FieldLogger
}

func NewHandler(service Service, updater Updater, clk clock.Clock, logger logrus.FieldLogger) *Handler {
	return &Handler{service: service, updater: updater, clock: clk, logger: logger}
}

type membershipView struct {
	*Membership
	EffectiveStatus Status `json:"effective_status"`
}

func (h *Handler) view(m *Membership) membershipView {
	return membershipView{Membership: m, EffectiveStatus: m.EffectiveStatus(h.clock.Now())}
}

// Routes mounts the membership endpoints. Holders may read their own
// membership; everything else goes through adminOnly.
func (h *Handler) Routes(r chi.Router, adminOnly func(http.Handler) http.Handler) {
	r.Get("/memberships/{id}", h.handleGetMembership)
	r.Get("/holders/{holderID}/membership", h.handleLookupByHolder)

	r.Group(func(r chi.Router) {
		r.Use(adminOnly)
		r.Get("/memberships", h.handleListMemberships)
		r.Post("/memberships", h.handleCreateMembership)
		r.Put("/memberships/{id}", h.handleUpdateMembership)
		r.Get("/memberships/{id}/history", h.handleHistory)
	})
}

func (h *Handler) handleCreateMembership(w http.ResponseWriter, r *http.Request) {
	var req NewMembership
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequestBody, err.Error())
		return
	}

	m, err := h.service.CreateMembership(r.Context(), req)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, h.view(m))
}

func (h *Handler) handleListMemberships(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{Status: Status(r.URL.Query().Get("status"))}
	if raw := r.URL.Query().Get("holder_id"); raw != "" {
		id, err := uuid.Parse(raw)
		if err != nil {
			httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, "invalid holder_id")
			return
		}
		filter.HolderID = id
	}

	list, err := h.service.ListMemberships(r.Context(), filter)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	out := make([]membershipView, 0, len(list))
	for _, m := range list {
		out = append(out, h.view(m))
	}
	httpx.WriteJSON(w, http.StatusOK, out)
}

func (h *Handler) handleGetMembership(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return
	}

	m, err := h.service.GetMembership(r.Context(), id)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	if !canSee(r.Context(), m.HolderID) {
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeForbidden, "membership belongs to another holder")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.view(m))
}

func (h *Handler) handleLookupByHolder(w http.ResponseWriter, r *http.Request) {
	holderID, err := httpx.PathUUID(r, "holderID")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return
	}
	if !canSee(r.Context(), holderID) {
		httpx.WriteError(w, http.StatusForbidden, httpx.CodeForbidden, "membership belongs to another holder")
		return
	}

	m, err := h.service.LookupByHolder(r.Context(), holderID)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.view(m))
}

func (h *Handler) handleUpdateMembership(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return
	}

	var req struct {
		Action   Action   `json:"action"`
		Duration Duration `json:"duration"`
	}
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequestBody, err.Error())
		return
	}

	m, err := h.updater.RenewOrCancelMembership(r.Context(), id, req.Action, req.Duration)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, h.view(m))
}

func (h *Handler) handleHistory(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return
	}

	events, err := h.service.History(r.Context(), id)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, events)
}

func canSee(ctx context.Context, holderID uuid.UUID) bool {
	caller, ok := auth.CallerFrom(ctx)
	return ok && (caller.IsAdmin() || caller.HolderID == holderID)
}
