package handlers

import (
	"errors"
	"net/http"

	"github.com/gorilla/mux"

	"github.com/eventgate/backend/internal/api/middleware"
	"github.com/eventgate/backend/internal/payment"
	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/storage/models"
)

// PaymentStatusResponse reports where reconciliation stands for one payment.
type PaymentStatusResponse struct {
	PaymentStatus        string `json:"payment_status"`
	PaymentURL           string `json:"payment_url,omitempty"`
	Attempts             int    `json:"attempts,omitempty"`
	TimedOut             bool   `json:"timed_out,omitempty"`
	ForceVerifyAvailable bool   `json:"force_verify_available,omitempty"`
	Message              string `json:"message,omitempty"`
}

// RegistrationPaymentStatus reports the payment state for a registration the
// requesting user owns. Clients poll this while the payer finishes the hosted
// checkout.
func RegistrationPaymentStatus(tickets *storage.TicketRepository, reconciler *payment.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		vars := mux.Vars(r)
		eventID := vars["eventId"]
		registrationID := vars["registrationId"]
		ctx := r.Context()

		uid, ok := requireUser(w, r)
		if !ok {
			return
		}

		ticket, err := tickets.GetByID(ctx, tickets.DB(), registrationID)
		if errors.Is(err, storage.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Registration not found")
			return
		}
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to query registration")
			return
		}
		if ticket.UserID != uid {
			middleware.WriteError(w, http.StatusForbidden, middleware.ErrNotOwned, "Registration belongs to another user")
			return
		}
		if ticket.EventID != eventID {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrWrongEvent, "Registration belongs to another event")
			return
		}
		if ticket.PaymentReference == nil {
			writeJSON(w, http.StatusOK, PaymentStatusResponse{
				PaymentStatus: models.PaymentStatusCompleted,
				Message:       "No payment was required",
			})
			return
		}

		writeSessionStatus(w, r, reconciler, *ticket.PaymentReference)
	}
}

// EventPaymentStatus reports the publishing-fee payment state for an event.
func EventPaymentStatus(events *storage.EventRepository, sessions *storage.PaymentRepository, reconciler *payment.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ctx := r.Context()

		event, err := events.GetByID(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
			return
		}
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to query event")
			return
		}

		session, err := sessions.GetPendingByTarget(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			// No unresolved publishing payment; the event status is the answer.
			writeJSON(w, http.StatusOK, map[string]any{"event_status": event.Status})
			return
		}
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to query payment session")
			return
		}

		writeSessionStatus(w, r, reconciler, session.Reference)
	}
}

// ForceVerify runs the provider's direct verification for a payment session,
// bypassing the polling cadence. Only available once normal polling has had
// its minimum number of attempts.
func ForceVerify(reconciler *payment.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reference := mux.Vars(r)["reference"]

		snap, err := reconciler.ForceVerify(r.Context(), reference)
		switch {
		case errors.Is(err, payment.ErrSessionNotFound):
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Payment session not found")
			return
		case errors.Is(err, payment.ErrForceVerifyUnavailable):
			middleware.WriteError(w, http.StatusConflict, middleware.ErrValidation,
				"Force verification unlocks after a few automatic checks; please wait")
			return
		case errors.Is(err, payment.ErrCheckInFlight):
			middleware.WriteError(w, http.StatusConflict, middleware.ErrValidation, "A status check is already running")
			return
		case err != nil:
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrNetwork, "Provider verification failed")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{"verification": snapshotResponse(snap)})
	}
}

// PaymentCheckNow performs one immediate status check outside the polling
// cadence: the "I've completed payment" button.
func PaymentCheckNow(reconciler *payment.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reference := mux.Vars(r)["reference"]

		snap, err := reconciler.CheckNow(r.Context(), reference)
		switch {
		case errors.Is(err, payment.ErrSessionNotFound):
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Payment session not found")
			return
		case errors.Is(err, payment.ErrCheckInFlight):
			middleware.WriteError(w, http.StatusConflict, middleware.ErrValidation, "A status check is already running")
			return
		case err != nil:
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrNetwork, "Provider status check failed")
			return
		}

		writeJSON(w, http.StatusOK, snapshotResponse(snap))
	}
}

// PaymentRetry restarts polling for a session whose attempt budget ran out.
func PaymentRetry(reconciler *payment.Reconciler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		reference := mux.Vars(r)["reference"]

		snap, err := reconciler.Retry(r.Context(), reference)
		if errors.Is(err, payment.ErrSessionNotFound) {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Payment session not found")
			return
		}
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to restart polling")
			return
		}

		writeJSON(w, http.StatusOK, snapshotResponse(snap))
	}
}

// writeSessionStatus renders the stored session plus the live poller view.
func writeSessionStatus(w http.ResponseWriter, r *http.Request, reconciler *payment.Reconciler, reference string) {
	session, snap, err := reconciler.Status(r.Context(), reference)
	if errors.Is(err, payment.ErrSessionNotFound) {
		middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Payment session not found")
		return
	}
	if err != nil {
		middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to query payment session")
		return
	}

	resp := PaymentStatusResponse{
		PaymentStatus: session.Status,
		PaymentURL:    session.PaymentURL,
	}
	if snap != nil {
		resp.Attempts = snap.Attempts
		resp.TimedOut = snap.TimedOut
		resp.ForceVerifyAvailable = snap.ForceVerifyAvailable
		if snap.TimedOut {
			resp.Message = "Automatic checks paused; verify manually or retry"
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func snapshotResponse(snap *payment.Snapshot) PaymentStatusResponse {
	status := snap.Status
	if snap.TimedOut {
		// Surfaced to clients as its own taxonomy entry even though the
		// session row stays pending.
		status = "pending_timeout"
	}
	return PaymentStatusResponse{
		PaymentStatus:        status,
		Attempts:             snap.Attempts,
		TimedOut:             snap.TimedOut,
		ForceVerifyAvailable: snap.ForceVerifyAvailable,
	}
}
