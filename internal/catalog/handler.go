package catalog

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lendingdesk/internal/httpx"
)

// Remover deletes an item after checking nothing references it. The lending
// engine provides it, so deletes never bypass the transaction guard.
type Remover interface {
	RemoveItem(ctx context.Context, id uuid.UUID) error
}

type Handler struct {
	service Service
	remover Remover
	logger  logrus.FieldLogger
}

func NewHandler(service Service, remover Remover, logger logrus.FieldLogger) *Handler {
	return &Handler{service: service, remover: remover, logger: logger}
}

// Routes mounts the item endpoints. Writes go through adminOnly.
func (h *Handler) Routes(r chi.Router, adminOnly func(http.Handler) http.Handler) {
	r.Get("/items", h.handleListItems)
	r.Get("/items/{id}", h.handleGetItem)
	r.Get("/items/{id}/history", h.handleHistory)

	r.Group(func(r chi.Router) {
		r.Use(adminOnly)
		r.Post("/items", h.handleAddItem)
		r.Patch("/items/{id}", h.handleUpdateItem)
		r.Delete("/items/{id}", h.handleRemoveItem)
	})
}

func (h *Handler) handleAddItem(w http.ResponseWriter, r *http.Request) {
	var req NewItem
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequestBody, err.Error())
		return
	}

	item, err := h.service.AddItem(r.Context(), req)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusCreated, item)
}

func (h *Handler) handleListItems(w http.ResponseWriter, r *http.Request) {
	filter := ListFilter{
		Availability: Availability(r.URL.Query().Get("availability")),
		Kind:         Kind(r.URL.Query().Get("kind")),
	}

	items, err := h.service.ListItems(r.Context(), filter)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, items)
}

func (h *Handler) handleGetItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return
	}

	item, err := h.service.GetItem(r.Context(), id)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, item)
}

func (h *Handler) handleUpdateItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return
	}

	var patch ItemPatch
	if err := httpx.DecodeJSON(w, r, &patch); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequestBody, err.Error())
		return
	}

	item, err := h.service.UpdateItem(r.Context(), id, patch)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, item)
}

func (h *Handler) handleRemoveItem(w http.ResponseWriter, r *http.Request) {
	id, err := httpx.PathUUID(r, "id")
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidID, err.Error())
		return
	}

	if err := h.remover.RemoveItem(r.Context(), id); err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
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
