package main

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/example/consentvault/internal/consent"
)

// APIError represents a structured API error response
type APIError struct {
	Code    string `json:"error_code"`
	Message string `json:"error_message"`
	Details string `json:"details,omitempty"`
}

// writeError writes a structured error response
func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(APIError{
		Code:    code,
		Message: message,
	})
}

var kindStatus = map[consent.Kind]int{
	consent.KindNotFound:              http.StatusNotFound,
	consent.KindInvalidTimestamp:      http.StatusBadRequest,
	consent.KindMissingIdempotencyKey: http.StatusBadRequest,
	consent.KindIdempotencyConflict:   http.StatusConflict,
	consent.KindAlreadyRevoked:        http.StatusBadRequest,
	consent.KindInvalidPartner:        http.StatusBadRequest,
	consent.KindVerificationFailed:    http.StatusForbidden,
	consent.KindInvalidTransition:     http.StatusBadRequest,
	consent.KindInvalidRequest:        http.StatusBadRequest,
}

// writeConsentError maps a lifecycle failure to its status code. Anything
// that is not a *consent.Error is logged and reported as a 500.
func (a *App) writeConsentError(w http.ResponseWriter, r *http.Request, err error) {
	var ce *consent.Error
	if errors.As(err, &ce) {
		status, ok := kindStatus[ce.Kind]
		if !ok {
			status = http.StatusInternalServerError
		}
		writeError(w, status, ce.Code, ce.Message)
		return
	}
	a.logger.Error("Request failed", zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Internal server error")
}

func (a *App) writeInternal(w http.ResponseWriter, r *http.Request, msg string, err error) {
	a.logger.Error(msg, zap.String("path", r.URL.Path), zap.Error(err))
	writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", msg)
}
