package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/atmx/stake-engine/internal/address"
	"github.com/atmx/stake-engine/internal/staking"
	"github.com/atmx/stake-engine/internal/store"
	"github.com/atmx/stake-engine/internal/token"
)

// statusFor maps engine, token and store errors to HTTP status codes.
func statusFor(err error) int {
	switch staking.Kind(err) {
	case staking.ErrUnauthorized:
		return http.StatusForbidden
	case staking.ErrWindowViolation:
		return http.StatusConflict
	case staking.ErrNotMature:
		return http.StatusTooEarly
	case staking.ErrAlreadySettled:
		return http.StatusGone
	case staking.ErrAssetTransferFailed:
		return http.StatusPaymentRequired
	case staking.ErrInvalidArgument:
		return http.StatusBadRequest
	case staking.ErrNotFound:
		return http.StatusNotFound
	}

	switch {
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, token.ErrMissingRole),
		errors.Is(err, token.ErrNotOwner),
		errors.Is(err, token.ErrBlacklisted):
		return http.StatusForbidden
	case errors.Is(err, token.ErrPaused),
		errors.Is(err, token.ErrNotPaused):
		return http.StatusConflict
	case errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		return http.StatusPaymentRequired
	case errors.Is(err, token.ErrInvalidAmount),
		errors.Is(err, token.ErrUnknownRole),
		errors.Is(err, address.ErrInvalidAddress),
		errors.Is(err, address.ErrZeroAddress):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// writeFailure renders err with its mapped status. Internal errors are
// logged and not echoed to the client.
func writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		slog.Error("request failed", "method", r.Method, "path", r.URL.Path, "err", err)
		writeError(w, "internal error", status)
		return
	}
	writeError(w, err.Error(), status)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// writeJSON writes v with the given status.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
