// Package registration implements the registration lifecycle: capacity
// validation, ticket creation, branching into payment when the event charges
// for entry, and the unregistration rules.
package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"time"

	"github.com/eventgate/backend/internal/payment"
	"github.com/eventgate/backend/internal/recurrence"
	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/storage/models"
	"github.com/eventgate/backend/internal/websocket"
)

// Domain errors surfaced to the API layer.
var (
	ErrEventNotFound     = errors.New("event not found")
	ErrEventNotOpen      = errors.New("event is not open for registration")
	ErrInstanceRequired  = errors.New("instance is required for recurring events")
	ErrInstanceInvalid   = errors.New("instance does not belong to this event")
	ErrCapacityExceeded  = errors.New("event capacity exceeded")
	ErrAlreadyRegistered = errors.New("already registered")
	ErrNotRegistered     = errors.New("no active registration")
	ErrAlreadyCheckedIn  = errors.New("ticket already checked in")
)

// Result is the outcome of a registration attempt. When the event charges
// for entry the ticket stays pending and the payer is sent to PaymentURL;
// otherwise the ticket is confirmed immediately.
type Result struct {
	Ticket           *models.Ticket `json:"registration"`
	PaymentRequired  bool           `json:"payment_required"`
	PaymentURL       string         `json:"payment_url,omitempty"`
	PaymentReference string         `json:"payment_reference,omitempty"`
}

// UnregisterResult summarises a cancellation.
type UnregisterResult struct {
	TicketID          string `json:"ticket_id"`
	WasPendingPayment bool   `json:"was_pending_payment"`
}

// Orchestrator coordinates registrations across the event store, the derived
// instance counters, and the payment reconciler.
type Orchestrator struct {
	db          *storage.DB
	events      *storage.EventRepository
	tickets     *storage.TicketRepository
	reconciler  *payment.Reconciler
	broadcaster *websocket.EventBroadcaster
	now         func() time.Time
}

// NewOrchestrator creates a registration orchestrator.
func NewOrchestrator(
	db *storage.DB,
	events *storage.EventRepository,
	tickets *storage.TicketRepository,
	reconciler *payment.Reconciler,
	hub *websocket.Hub,
) *Orchestrator {
	var broadcaster *websocket.EventBroadcaster
	if hub != nil {
		broadcaster = websocket.NewEventBroadcaster(hub)
	}

	return &Orchestrator{
		db:          db,
		events:      events,
		tickets:     tickets,
		reconciler:  reconciler,
		broadcaster: broadcaster,
		now:         time.Now,
	}
}

// Register creates a ticket for the user. For recurring events instanceID is
// mandatory and must be an instance the resolver would produce. Free events
// confirm immediately and move the attendee counter; paid events return a
// pending ticket plus the hosted payment page to finish on.
func (o *Orchestrator) Register(ctx context.Context, eventID, userID, instanceID, specialRequests string) (*Result, error) {
	event, err := o.events.GetByID(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}
	if event.Status != models.EventStatusPublished {
		return nil, ErrEventNotOpen
	}

	var instance *string
	if event.IsRecurring {
		if instanceID == "" {
			return nil, ErrInstanceRequired
		}
		if !recurrence.Contains(event, instanceID, o.now()) {
			return nil, ErrInstanceInvalid
		}
		instance = &instanceID
	} else if instanceID != "" {
		return nil, ErrInstanceInvalid
	}

	// Optimistic precheck; the counter guard inside the transaction is the
	// authoritative one.
	if err := o.checkCapacity(ctx, event, instance); err != nil {
		return nil, err
	}

	free := event.EventType == models.EventTypeFree

	ticket := &models.Ticket{
		EventID:         event.ID,
		InstanceID:      instance,
		UserID:          userID,
		SpecialRequests: specialRequests,
		Status:          models.TicketStatusPendingPayment,
	}
	if free {
		ticket.Status = models.TicketStatusConfirmed
	}

	err = o.db.Transaction(func(tx *sql.Tx) error {
		if err := o.tickets.Create(ctx, tx, ticket); err != nil {
			if errors.Is(err, storage.ErrDuplicateTicket) {
				return ErrAlreadyRegistered
			}
			return err
		}
		if free {
			return o.incrementCounter(ctx, tx, event, instance)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if free {
		o.broadcaster.BroadcastRegistrationCreated(ticket.ID, event.ID, deref(instance), userID, ticket.Status, 0)
		return &Result{Ticket: ticket}, nil
	}

	// Paid entry: open a checkout at the provider and hand reconciliation to
	// the payment poller. The reference goes onto the ticket inside the
	// session-create transaction, before polling starts, so a resolution that
	// lands straight away can find the ticket. If the provider call fails, the
	// just-created ticket is compensated away rather than left dangling in
	// pending_payment.
	session, err := o.reconciler.Begin(ctx, models.PaymentTypeEventRegistration, ticket.ID,
		event.TicketPriceCents, fmt.Sprintf("Ticket for %s", event.Title),
		func(tx *sql.Tx, s *models.PaymentSession) error {
			return o.tickets.SetPaymentReference(ctx, tx, ticket.ID, s.Reference)
		})
	if err != nil {
		if cErr := o.tickets.UpdateStatus(ctx, o.db, ticket.ID, models.TicketStatusCancelled); cErr != nil {
			log.Printf("Failed to compensate ticket %s after checkout failure: %v", ticket.ID, cErr)
		}
		return nil, err
	}
	ticket.PaymentReference = &session.Reference

	return &Result{
		Ticket:           ticket,
		PaymentRequired:  true,
		PaymentURL:       session.PaymentURL,
		PaymentReference: session.Reference,
	}, nil
}

// Unregister cancels the user's active ticket for an event. Checked-in
// tickets cannot be unregistered; that outcome is final. The attendee counter
// only moves when the ticket had moved it: a pending-payment cancellation
// must not decrement a counter it never incremented.
func (o *Orchestrator) Unregister(ctx context.Context, eventID, userID, instanceID string) (*UnregisterResult, error) {
	event, err := o.events.GetByID(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	var instance *string
	if instanceID != "" {
		instance = &instanceID
	}

	var result UnregisterResult
	err = o.db.Transaction(func(tx *sql.Tx) error {
		var ticket *models.Ticket
		var err error
		if instance != nil {
			ticket, err = o.tickets.GetActive(ctx, tx, userID, eventID, instance)
		} else {
			ticket, err = o.tickets.GetActive(ctx, tx, userID, eventID, nil)
		}
		if errors.Is(err, storage.ErrNotFound) {
			return ErrNotRegistered
		}
		if err != nil {
			return err
		}
		if ticket.CheckedIn {
			return ErrAlreadyCheckedIn
		}

		result.TicketID = ticket.ID
		result.WasPendingPayment = ticket.Status == models.TicketStatusPendingPayment

		if err := o.tickets.UpdateStatus(ctx, tx, ticket.ID, models.TicketStatusCancelled); err != nil {
			return err
		}

		if ticket.Counted() {
			if event.IsRecurring && ticket.InstanceID != nil {
				_, err = o.events.IncrementInstanceAttendees(ctx, tx, event.ID, *ticket.InstanceID, -1, event.MaxAttendees)
			} else {
				_, err = o.events.IncrementAttendees(ctx, tx, event.ID, -1)
			}
		}
		return err
	})
	if err != nil {
		return nil, err
	}

	o.broadcaster.BroadcastRegistrationCancelled(result.TicketID, eventID, instanceID, userID, 0)
	return &result, nil
}

// Instances expands the resolver window for an event and fills in the live
// per-instance attendee counters.
func (o *Orchestrator) Instances(ctx context.Context, eventID string, w recurrence.Window) (*recurrence.Page, error) {
	event, err := o.events.GetByID(ctx, eventID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, err
	}

	page, err := recurrence.Expand(event, w)
	if err != nil {
		return nil, err
	}

	counts, err := o.events.InstanceAttendeeCounts(ctx, eventID)
	if err != nil {
		return nil, err
	}
	for i := range page.Instances {
		page.Instances[i].AttendeeCount = counts[page.Instances[i].InstanceID]
	}
	return &page, nil
}

// checkCapacity rejects a registration when the relevant counter is already
// at or above the bound. Event-level for one-off events, per-instance for
// recurring ones.
func (o *Orchestrator) checkCapacity(ctx context.Context, event *models.Event, instance *string) error {
	if !event.HasCapacityLimit() {
		return nil
	}

	if event.IsRecurring && instance != nil {
		count, err := o.events.InstanceAttendeeCount(ctx, o.db, event.ID, *instance)
		if err != nil {
			return err
		}
		if count >= event.MaxAttendees {
			return ErrCapacityExceeded
		}
		return nil
	}

	if event.IsFull() {
		return ErrCapacityExceeded
	}
	return nil
}

// incrementCounter moves the authoritative counter inside the registration
// transaction; the SQL guard refusing to exceed the bound is what makes the
// optimistic precheck safe.
func (o *Orchestrator) incrementCounter(ctx context.Context, tx *sql.Tx, event *models.Event, instance *string) error {
	var counted bool
	var err error
	if event.IsRecurring && instance != nil {
		counted, err = o.events.IncrementInstanceAttendees(ctx, tx, event.ID, *instance, 1, event.MaxAttendees)
	} else {
		counted, err = o.events.IncrementAttendees(ctx, tx, event.ID, 1)
	}
	if err != nil {
		return err
	}
	if !counted {
		return ErrCapacityExceeded
	}
	return nil
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
