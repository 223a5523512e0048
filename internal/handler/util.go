// Package handler exposes a session over HTTP for a local UI shell.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/zrchat/zrchat-client/internal/assistant"
	"github.com/zrchat/zrchat-client/internal/gateway"
	"github.com/zrchat/zrchat-client/internal/service"
	"github.com/zrchat/zrchat-client/internal/validation"
)

// maxBodyBytes bounds JSON request bodies.
const maxBodyBytes = 64 << 10

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

// decodeJSON reads a bounded JSON body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// statusFor maps engine errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case validation.IsValidation(err):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrNotPermitted),
		errors.Is(err, service.ErrNotParticipant),
		errors.Is(err, gateway.ErrPermission):
		return http.StatusForbidden
	case errors.Is(err, gateway.ErrNotFound), errors.Is(err, service.ErrUnknownConversation):
		return http.StatusNotFound
	case errors.Is(err, service.ErrNoSession), errors.Is(err, gateway.ErrUnauthenticated):
		return http.StatusServiceUnavailable
	case errors.Is(err, context.Canceled):
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

// writeServiceError writes err with the status statusFor picks. Validation
// failures carry their user-facing message; everything else its error text.
func writeServiceError(w http.ResponseWriter, err error) {
	var ve *validation.Error
	if errors.As(err, &ve) {
		writeError(w, http.StatusBadRequest, ve.Message)
		return
	}
	if errors.Is(err, assistant.ErrExhausted) {
		writeError(w, http.StatusBadGateway, assistant.ErrExhausted.Error())
		return
	}
	writeError(w, statusFor(err), err.Error())
}
