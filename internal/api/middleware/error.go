// Package middleware provides HTTP middleware for the API.
package middleware

import (
	"encoding/json"
	"log"
	"net/http"
	"runtime/debug"
)

// ErrorResponse represents a standardized API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
	Details any    `json:"details,omitempty"`
}

// WriteError writes a JSON error response with the given status code.
func WriteError(w http.ResponseWriter, status int, errCode, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
	})
}

// WriteErrorWithDetails writes a JSON error response with additional details.
func WriteErrorWithDetails(w http.ResponseWriter, status int, errCode, message string, details any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(ErrorResponse{
		Error:   errCode,
		Message: message,
		Details: details,
	})
}

// ErrorRecovery is middleware that recovers from panics and returns a 500 error.
func ErrorRecovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("Panic recovered: %v\n%s", err, debug.Stack())
				WriteError(w, http.StatusInternalServerError, ErrInternal, "An unexpected error occurred")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// Error codes surfaced to API clients.
const (
	ErrValidation        = "VALIDATION"
	ErrNotFound          = "NOT_FOUND"
	ErrNotOwned          = "NOT_OWNED"
	ErrCapacityExceeded  = "CAPACITY_EXCEEDED"
	ErrAlreadyRegistered = "ALREADY_REGISTERED"
	ErrAlreadyCheckedIn  = "ALREADY_CHECKED_IN"
	ErrWrongEvent        = "WRONG_EVENT"
	ErrMalformedQR       = "MALFORMED_QR"
	ErrInvalidTicketQR   = "INVALID_TICKET_QR"
	ErrNetwork           = "NETWORK"
	ErrInternal          = "INTERNAL"
)
