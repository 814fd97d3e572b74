// Package handlers provides HTTP request handlers for the API endpoints.
package handlers

import (
	"encoding/json"
	"net/http"

	"github.com/eventgate/backend/internal/api/middleware"
)

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// userID extracts the authenticated user from the request. Authentication
// proper is owned by the collaborator fronting this service; it forwards the
// verified identity in this header.
func userID(r *http.Request) string {
	return r.Header.Get("X-User-ID")
}

// requireUser writes a validation error when no identity was forwarded.
func requireUser(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := userID(r)
	if id == "" {
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Missing X-User-ID header")
		return "", false
	}
	return id, true
}
