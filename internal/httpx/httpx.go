// Package httpx holds the JSON plumbing shared by the HTTP handlers.
package httpx

import (
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/sirupsen/logrus"

	"lendingdesk/internal/apperr"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	CodeNotFound           = "not_found"
	CodeDuplicateKey       = "duplicate_key"
	CodeInvalidState       = "invalid_state"
	CodeValidationFailed   = "validation_failed"
	CodeConflict           = "conflict"
	CodeInvalidRequestBody = "invalid_request_body"
	CodeInvalidID          = "invalid_id"
	CodeInvalidDate        = "invalid_date"
	CodeUnauthorized       = "unauthorized"
	CodeForbidden          = "forbidden"
	CodeRateLimited        = "rate_limited"
	CodeInternalError      = "internal_error"
)

const maxBodyBytes = 1 << 20

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	payload, err := json.Marshal(v)
	if err != nil {
		WriteError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func WriteError(w http.ResponseWriter, status int, code, msg string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	payload, err := json.Marshal(errorResponse{Error: msg, Code: code})
	if err != nil {
		_, _ = w.Write([]byte(`{"error":"internal error","code":"internal_error"}`))
		return
	}
	_, _ = w.Write(payload)
}

// WriteServiceError maps a store or engine failure onto a status code.
// Anything without a known kind is logged and reported as a 500.
func WriteServiceError(w http.ResponseWriter, logger logrus.FieldLogger, err error) {
	switch apperr.Kind(err) {
	case apperr.ErrNotFound:
		WriteError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case apperr.ErrDuplicateKey:
		WriteError(w, http.StatusConflict, CodeDuplicateKey, err.Error())
	case apperr.ErrInvalidState:
		WriteError(w, http.StatusConflict, CodeInvalidState, err.Error())
	case apperr.ErrConflict:
		WriteError(w, http.StatusConflict, CodeConflict, err.Error())
	case apperr.ErrValidation:
		WriteError(w, http.StatusUnprocessableEntity, CodeValidationFailed, err.Error())
	default:
		if logger != nil {
			logger.WithError(err).Error("request failed")
		}
		WriteError(w, http.StatusInternalServerError, CodeInternalError, "internal error")
	}
}

// DecodeJSON reads a JSON request body into v.
func DecodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return fmt.Errorf("read body: %w", err)
	}
	if len(body) == 0 {
		return errors.New("empty body")
	}
	if err := json.Unmarshal(body, v); err != nil {
		return fmt.Errorf("decode body: %w", err)
	}
	return nil
}

// PathUUID parses the named chi URL parameter.
func PathUUID(r *http.Request, name string) (uuid.UUID, error) {
	raw := chi.URLParam(r, name)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid %s %q", name, raw)
	}
	return id, nil
}
