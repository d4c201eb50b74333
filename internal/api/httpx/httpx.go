package httpx

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pesabridge/escrow-backend/internal/apperr"
)

type APIError struct {
	Error   string `json:"error"`
	Code    string `json:"code"`
	Details any    `json:"details,omitempty"`
}

func WriteJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func WriteError(w http.ResponseWriter, status int, code, msg string, details any) {
	WriteJSON(w, status, APIError{Error: msg, Code: code, Details: details})
}

// WriteAppError maps a domain error onto the HTTP surface in one place.
func WriteAppError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, apperr.ErrNotFound):
		WriteError(w, http.StatusNotFound, "not_found", "resource not found", nil)
	case errors.Is(err, apperr.ErrInvalidArgument):
		WriteError(w, http.StatusBadRequest, "invalid_argument", err.Error(), nil)
	case errors.Is(err, apperr.ErrForbidden):
		WriteError(w, http.StatusForbidden, "forbidden", err.Error(), nil)
	case errors.Is(err, apperr.ErrInsufficientBalance):
		WriteError(w, http.StatusUnprocessableEntity, "insufficient_balance", err.Error(), nil)
	case errors.Is(err, apperr.ErrDailyLimitExceeded):
		WriteError(w, http.StatusUnprocessableEntity, "daily_limit_exceeded", err.Error(), nil)
	case errors.Is(err, apperr.ErrUnderfunded):
		WriteError(w, http.StatusUnprocessableEntity, "underfunded", err.Error(), nil)
	case errors.Is(err, apperr.ErrInvalidStateTransition):
		WriteError(w, http.StatusConflict, "invalid_state", err.Error(), nil)
	case errors.Is(err, apperr.ErrDuplicateDelivery):
		// Duplicates are success from the caller's point of view.
		WriteJSON(w, http.StatusOK, map[string]string{"status": "duplicate"})
	case errors.Is(err, apperr.ErrRailUnavailable):
		WriteError(w, http.StatusServiceUnavailable, "rail_unavailable", "upstream rail unavailable, retry later", nil)
	default:
		WriteError(w, http.StatusInternalServerError, "internal_error", "internal error", nil)
	}
}
