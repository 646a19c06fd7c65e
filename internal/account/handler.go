package account

import (
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"lendingdesk/internal/auth"
	"lendingdesk/internal/httpx"
)

type TokenIssuer interface {
	Issue(holderID uuid.UUID, role auth.Role) (string, time.Time, error)
}

type Handler struct {
	service Service
	tokens  TokenIssuer
	logger  logrus.FieldLogger
}

func NewHandler(service Service, tokens TokenIssuer, logger logrus.FieldLogger) *Handler {
	return &Handler{service: service, tokens: tokens, logger: logger}
}

// PublicRoutes mounts the endpoints reachable without a token.
func (h *Handler) PublicRoutes(r chi.Router) {
	r.Post("/auth/register", h.handleRegister)
	r.Post("/auth/login", h.handleLogin)
}

// Routes mounts the endpoints that need an authenticated caller.
func (h *Handler) Routes(r chi.Router, adminOnly func(http.Handler) http.Handler) {
	r.Get("/auth/me", h.handleMe)
	r.With(adminOnly).Get("/auth/users", h.handleListHolders)
}

type tokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Holder    *Holder   `json:"holder"`
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req Registration
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequestBody, err.Error())
		return
	}

	holder, err := h.service.Register(r.Context(), req)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeToken(w, http.StatusCreated, holder)
}

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Email    string `json:"email"`
		Password string `json:"password"`
	}
	if err := httpx.DecodeJSON(w, r, &req); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, httpx.CodeInvalidRequestBody, err.Error())
		return
	}

	holder, err := h.service.Authenticate(r.Context(), req.Email, req.Password)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeToken(w, http.StatusOK, holder)
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	caller, ok := auth.CallerFrom(r.Context())
	if !ok {
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeUnauthorized, "not authenticated")
		return
	}

	holder, err := h.service.GetHolder(r.Context(), caller.HolderID)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, holder)
}

func (h *Handler) handleListHolders(w http.ResponseWriter, r *http.Request) {
	holders, err := h.service.ListHolders(r.Context())
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, holders)
}

func (h *Handler) writeToken(w http.ResponseWriter, status int, holder *Holder) {
	token, expires, err := h.tokens.Issue(holder.ID, holder.Role)
	if err != nil {
		httpx.WriteServiceError(w, h.logger, err)
		return
	}
	httpx.WriteJSON(w, status, tokenResponse{Token: token, ExpiresAt: expires, Holder: holder})
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrRateLimited):
		httpx.WriteError(w, http.StatusTooManyRequests, httpx.CodeRateLimited, err.Error())
	case errors.Is(err, ErrInvalidCredentials):
		httpx.WriteError(w, http.StatusUnauthorized, httpx.CodeUnauthorized, err.Error())
	default:
		httpx.WriteServiceError(w, h.logger, err)
	}
}
