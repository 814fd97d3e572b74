package handlers

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"github.com/eventgate/backend/internal/api/middleware"
	"github.com/eventgate/backend/internal/payment"
	"github.com/eventgate/backend/internal/recurrence"
	"github.com/eventgate/backend/internal/registration"
	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/storage/models"
)

// CreateEventRequest is the payload for creating a new event.
type CreateEventRequest struct {
	Title            string                    `json:"title"`
	Description      string                    `json:"description"`
	Location         string                    `json:"location"`
	EventDate        time.Time                 `json:"event_date"`
	EndDate          *time.Time                `json:"end_date,omitempty"`
	IsRecurring      bool                      `json:"is_recurring"`
	Recurrence       *models.RecurrencePattern `json:"recurrence_pattern,omitempty"`
	MaxAttendees     int                       `json:"max_attendees"`
	EventType        string                    `json:"event_type"`
	TicketPriceCents int64                     `json:"ticket_price_cents"`
}

// CreateEvent creates a draft event for the requesting organizer.
func CreateEvent(events *storage.EventRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		organizerID, ok := requireUser(w, r)
		if !ok {
			return
		}

		var req CreateEventRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Invalid request body")
			return
		}
		if msg := validateCreateEvent(&req); msg != "" {
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, msg)
			return
		}

		event := &models.Event{
			OrganizerID:      organizerID,
			Title:            req.Title,
			Description:      req.Description,
			Location:         req.Location,
			EventDate:        req.EventDate,
			EndDate:          req.EndDate,
			IsRecurring:      req.IsRecurring,
			Recurrence:       req.Recurrence,
			MaxAttendees:     req.MaxAttendees,
			Status:           models.EventStatusDraft,
			EventType:        req.EventType,
			TicketPriceCents: req.TicketPriceCents,
		}

		if err := events.Create(r.Context(), event); err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to create event")
			return
		}

		writeJSON(w, http.StatusCreated, event)
	}
}

func validateCreateEvent(req *CreateEventRequest) string {
	if req.Title == "" {
		return "title is required"
	}
	if req.EventDate.IsZero() {
		return "event_date is required"
	}
	if req.EventType != models.EventTypeFree && req.EventType != models.EventTypePaid {
		return "event_type must be free or paid"
	}
	if req.EventType == models.EventTypePaid && req.TicketPriceCents <= 0 {
		return "paid events require a positive ticket price"
	}
	if req.MaxAttendees < 0 {
		return "max_attendees cannot be negative"
	}
	if req.IsRecurring {
		if req.Recurrence == nil {
			return "recurring events require a recurrence_pattern"
		}
		switch req.Recurrence.Type {
		case models.RecurrenceWeekly, models.RecurrenceMonthly:
		default:
			return "recurrence type must be weekly or monthly"
		}
	}
	return ""
}

// ListEvents returns published events, or the requesting organizer's own
// events when ?mine=true.
func ListEvents(events *storage.EventRepository) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var list []models.Event
		var err error
		if r.URL.Query().Get("mine") == "true" {
			organizerID, ok := requireUser(w, r)
			if !ok {
				return
			}
			list, err = events.ListByOrganizer(ctx, organizerID)
		} else {
			list, err = events.ListPublished(ctx)
		}
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to query events")
			return
		}

		if list == nil {
			list = []models.Event{}
		}
		writeJSON(w, http.StatusOK, list)
	}
}

// EventDetailResponse bundles an event with the viewer's relationship to it.
type EventDetailResponse struct {
	Event            *models.Event  `json:"event"`
	UserRegistration *models.Ticket `json:"user_registration,omitempty"`
	IsOrganizer      bool           `json:"is_organizer"`
}

// GetEvent returns one event plus the requesting user's registration, if any.
// The response is always a fresh read: the local counters the client may hold
// are replaced wholesale, never merged.
func GetEvent(events *storage.EventRepository, tickets *storage.TicketRepository) http.HandlerFunc {
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

		resp := EventDetailResponse{Event: event}
		if uid := userID(r); uid != "" {
			resp.IsOrganizer = event.OrganizerID == uid
			reg, err := tickets.GetAnyActiveForEvent(ctx, uid, id)
			if err == nil {
				resp.UserRegistration = reg
			} else if !errors.Is(err, storage.ErrNotFound) {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to query registration")
				return
			}
		}

		writeJSON(w, http.StatusOK, resp)
	}
}

// EventInstances expands the occurrence window for a recurring event.
// ?limit grows the window for "load more"; ?start_date moves its floor.
func EventInstances(orchestrator *registration.Orchestrator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]

		var window recurrence.Window
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 0 {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "limit must be a non-negative integer")
				return
			}
			window.Limit = n
		}
		if v := r.URL.Query().Get("start_date"); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "start_date must be RFC 3339")
				return
			}
			window.StartDate = t
		}

		page, err := orchestrator.Instances(r.Context(), id, window)
		switch {
		case errors.Is(err, registration.ErrEventNotFound):
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
			return
		case errors.Is(err, recurrence.ErrNotRecurring):
			middleware.WriteError(w, http.StatusBadRequest, middleware.ErrValidation, "Event is not recurring")
			return
		case err != nil:
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to expand instances")
			return
		}

		writeJSON(w, http.StatusOK, page)
	}
}

// PublishEvent moves a draft event toward published. Free-entry organizers
// publish immediately; paid events owe the publishing fee first, so the event
// parks in pending_payment and the organizer is sent to the hosted checkout.
func PublishEvent(events *storage.EventRepository, reconciler *payment.Reconciler, publishingFeeCents int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := mux.Vars(r)["id"]
		ctx := r.Context()

		organizerID, ok := requireUser(w, r)
		if !ok {
			return
		}

		event, err := events.GetByID(ctx, id)
		if errors.Is(err, storage.ErrNotFound) {
			middleware.WriteError(w, http.StatusNotFound, middleware.ErrNotFound, "Event not found")
			return
		}
		if err != nil {
			middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to query event")
			return
		}
		if event.OrganizerID != organizerID {
			middleware.WriteError(w, http.StatusForbidden, middleware.ErrNotOwned, "Only the organizer can publish this event")
			return
		}
		if event.Status != models.EventStatusDraft {
			middleware.WriteError(w, http.StatusConflict, middleware.ErrValidation, "Event is not a draft")
			return
		}

		if event.EventType == models.EventTypeFree || publishingFeeCents <= 0 {
			if err := events.UpdateStatus(ctx, events.DB(), id, models.EventStatusPublished); err != nil {
				middleware.WriteError(w, http.StatusInternalServerError, middleware.ErrInternal, "Failed to publish event")
				return
			}
			writeJSON(w, http.StatusOK, map[string]any{"success": true, "status": models.EventStatusPublished})
			return
		}

		// The event moves to pending_payment inside the session-create
		// transaction: the poller can resolve immediately, and resolution only
		// publishes an event it finds in pending_payment.
		session, err := reconciler.Begin(ctx, models.PaymentTypeEventPublishing, id,
			publishingFeeCents, fmt.Sprintf("Publishing fee for %s", event.Title),
			func(tx *sql.Tx, _ *models.PaymentSession) error {
				return events.UpdateStatus(ctx, tx, id, models.EventStatusPendingPayment)
			})
		if err != nil {
			middleware.WriteError(w, http.StatusBadGateway, middleware.ErrNetwork, "Failed to open payment session")
			return
		}

		writeJSON(w, http.StatusOK, map[string]any{
			"success":           true,
			"status":            models.EventStatusPendingPayment,
			"payment_required":  true,
			"payment_url":       session.PaymentURL,
			"payment_reference": session.Reference,
		})
	}
}
