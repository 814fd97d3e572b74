package handlers

import (
	"errors"
	"io"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eventgate/backend/internal/api/middleware"
	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/ticket"
)

// MyTickets lists the requesting user's active tickets. For recurring events
// a user holds one ticket per registered instance.
func MyTickets(tickets *storage.TicketRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		list, err := tickets.ListByUser(r.Context(), uid)
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to query tickets")
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"tickets": list})
	}
}

// IssueQR mints a fresh verification token for a ticket and returns the QR
// payload to render. Each call replaces the previous token.
func IssueQR(issuer *ticket.Issuer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ticketID := mux.Vars(r)["ticketId"]

		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		payload, err := issuer.IssueQR(r.Context(), ticketID, uid)
		switch {
		case errors.Is(err, ticket.ErrTicketNotFound):
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Ticket not found")
			return
		case errors.Is(err, ticket.ErrTicketNotOwned):
			middleware.WriteError(w, http.StatusForbidden, middleware.ErrNotOwned, "Ticket belongs to another user")
			return
		case errors.Is(err, ticket.ErrTicketNotConfirmed):
			middleware.WriteError(w, http.StatusConflict, middleware.ErrValidation, "Ticket is not confirmed")
			return
		case err != nil:
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to issue QR code")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":            true,
			"verification_token": payload.VerificationToken,
			"payload":            payload,
		})
	}
}

// CheckIn consumes a scanned QR payload at the door. The request body is the
// raw payload exactly as decoded from the code.
func CheckIn(processor *ticket.Processor) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		eventID := mux.Vars(r)["id"]

		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		raw, err := io.ReadAll(io.LimitReader(r.Body, 64*1024))
		if err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrMalformedQR, "Unreadable request body")
			return
		}

		result, err := processor.CheckIn(r.Context(), raw, eventID, uid)
		switch {
		case errors.Is(err, ticket.ErrMalformedQR):
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrMalformedQR, "QR code could not be parsed")
			return
		case errors.Is(err, ticket.ErrInvalidTicketQR):
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrInvalidTicketQR, "QR code is not a valid ticket")
			return
		case errors.Is(err, ticket.ErrWrongEvent):
			middleware.WriteError(w, http.StatusConflict, middleware.ErrWrongEvent, "Ticket belongs to a different event")
			return
		case errors.Is(err, ticket.ErrNotOrganizer):
			middleware.WriteError(w, http.StatusForbidden, middleware.ErrNotOwned, "Only event organizers can check in attendees")
			return
		case err != nil:
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Check-in failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":            true,
			"already_checked_in": result.AlreadyCheckedIn,
			"checked_in_at":      result.CheckedInAt,
			"user_id":            result.UserID,
			"ticket_id":          result.TicketID,
			"instance_id":        result.InstanceID,
		})
	}
}
