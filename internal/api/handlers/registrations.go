package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eventgate/backend/internal/api/middleware"
	"github.com/eventgate/backend/internal/registration"
)

// RegisterRequest is the payload for registering for an event.
type RegisterRequest struct {
	InstanceID      string `json:"instance_id,omitempty"`
	SpecialRequests string `json:"special_requests,omitempty"`
}

// RegisterResponse mirrors the registration result for clients.
type RegisterResponse struct {
	Success bool `json:"success"`
	*registration.Result
}

// Register creates a ticket for the requesting user, branching into the
// payment flow when the event charges for entry.
func Register(orchestrator *registration.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := mux.Vars(r)["id"]

		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req RegisterRequest
		if r.Body != nil {
			// An empty body is a valid free-event registration.
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		result, err := orchestrator.Register(r.Context(), eventID, uid, req.InstanceID, req.SpecialRequests)
		if err != nil {
			writeRegistrationError(w, err)
			return
		}

		writeJSON(w, http.StatusCreated, RegisterResponse{Success: true, Result: result})
	}
}

// UnregisterResponse is the payload returned after a cancellation.
type UnregisterResponse struct {
	Success           bool   `json:"success"`
	Message           string `json:"message"`
	WasPendingPayment bool   `json:"was_pending_payment,omitempty"`
}

// Unregister cancels the requesting user's active ticket for an event.
func Unregister(orchestrator *registration.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := mux.Vars(r)["id"]

		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req struct {
			InstanceID string `json:"instance_id,omitempty"`
		}
		if r.Body != nil {
			_ = json.NewDecoder(r.Body).Decode(&req)
		}

		result, err := orchestrator.Unregister(r.Context(), eventID, uid, req.InstanceID)
		if err != nil {
			writeRegistrationError(w, err)
			return
		}

		writeJSON(w, http.StatusOK, UnregisterResponse{
			Success:           true,
			Message:           "Registration cancelled",
			WasPendingPayment: result.WasPendingPayment,
		})
	}
}

// writeRegistrationError maps orchestrator errors to the API taxonomy.
func writeRegistrationError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, registration.ErrEventNotFound):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
	case errors.Is(err, registration.ErrEventNotOpen):
		middleware.WriteError(w, http.StatusConflict, middleware.ErrValidation, "Event is not open for registration")
	case errors.Is(err, registration.ErrInstanceRequired):
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "instance_id is required for recurring events")
	case errors.Is(err, registration.ErrInstanceInvalid):
		middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "instance_id does not match this event's schedule")
	case errors.Is(err, registration.ErrCapacityExceeded):
		middleware.WriteError(w, http.StatusConflict, middleware.ErrCapacityExceeded, "Event is at capacity")
	case errors.Is(err, registration.ErrAlreadyRegistered):
		middleware.WriteError(w, http.StatusConflict, middleware.ErrAlreadyRegistered, "Already registered for this event")
	case errors.Is(err, registration.ErrNotRegistered):
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "No active registration for this event")
	case errors.Is(err, registration.ErrAlreadyCheckedIn):
		// Final: the ticket was used at the door. Direct the user to the
		// organizer instead of offering a retry.
		middleware.WriteErrorWithDetails(w, http.StatusBadRequest, middleware.ErrAlreadyCheckedIn,
			"Ticket already checked in; contact the organizer", map[string]bool{"checked_in": true})
	default:
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Registration failed")
	}
}
