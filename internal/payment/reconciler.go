package payment

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/storage/models"
	"github.com/eventgate/backend/internal/websocket"
)

// ErrSessionNotFound is returned when a payment reference is unknown.
var ErrSessionNotFound = errors.New("payment session not found")

// Reconciler owns the pollers for all pending payment sessions and applies
// their terminal outcomes: confirming tickets, publishing events, abandoning
// sessions nobody finished. A cron sweep resumes polling for sessions left
// pending across a restart and times out stale ones.
type Reconciler struct {
	db          *storage.DB
	events      *storage.EventRepository
	tickets     *storage.TicketRepository
	sessions    *storage.PaymentRepository
	client      Client
	broadcaster *websocket.EventBroadcaster
	schedule    Schedule
	pendingTTL  time.Duration
	cron        *cron.Cron

	mu      sync.Mutex
	pollers map[string]*Poller
}

// NewReconciler creates a payment reconciler. pendingTTL bounds how long a
// session may sit pending before the sweep abandons it; zero means 30m.
func NewReconciler(
	db *storage.DB,
	events *storage.EventRepository,
	tickets *storage.TicketRepository,
	sessions *storage.PaymentRepository,
	client Client,
	hub *websocket.Hub,
	schedule Schedule,
	pendingTTL time.Duration,
) *Reconciler {
	if pendingTTL <= 0 {
		pendingTTL = 30 * time.Minute
	}

	var broadcaster *websocket.EventBroadcaster
	if hub != nil {
		broadcaster = websocket.NewEventBroadcaster(hub)
	}

	return &Reconciler{
		db:          db,
		events:      events,
		tickets:     tickets,
		sessions:    sessions,
		client:      client,
		broadcaster: broadcaster,
		schedule:    schedule,
		pendingTTL:  pendingTTL,
		cron:        cron.New(cron.WithSeconds()),
		pollers:     make(map[string]*Poller),
	}
}

// Start resumes polling for sessions already pending and begins the sweep.
func (r *Reconciler) Start(ctx context.Context) error {
	log.Println("Starting payment reconciler...")

	if err := r.resumePending(ctx); err != nil {
		return err
	}

	r.cron.AddFunc("@every 1m", func() {
		ctx := context.Background()
		if err := r.resumePending(ctx); err != nil {
			log.Printf("Failed to resume pending payment sessions: %v", err)
		}
		r.sweepStale(ctx)
	})

	r.cron.Start()
	log.Println("Payment reconciler started")
	return nil
}

// Stop shuts down the sweep and all live pollers.
func (r *Reconciler) Stop() {
	log.Println("Stopping payment reconciler...")
	ctx := r.cron.Stop()
	<-ctx.Done()

	r.mu.Lock()
	for _, p := range r.pollers {
		p.Stop()
	}
	r.pollers = make(map[string]*Poller)
	r.mu.Unlock()
	log.Println("Payment reconciler stopped")
}

// Begin opens a hosted checkout at the provider, records the session, and
// starts its poller. The returned session carries the provider reference and
// the payment URL the payer is sent to.
//
// prepare, when non-nil, runs in the same transaction that records the
// session. The poller's first status query is immediate, so any state the
// resolution reads (the ticket's payment reference, the event parked in
// pending_payment) must be committed before polling starts; prepare is where
// callers commit it. Polling begins only after the transaction commits.
func (r *Reconciler) Begin(ctx context.Context, paymentType, targetID string, amountCents int64, description string, prepare func(tx *sql.Tx, session *models.PaymentSession) error) (*models.PaymentSession, error) {
	checkout, err := r.client.CreateCheckout(ctx, CheckoutRequest{
		AmountCents: amountCents,
		Currency:    "USD",
		Description: description,
		Metadata: map[string]string{
			"payment_type": paymentType,
			"target_id":    targetID,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("creating provider checkout: %w", err)
	}

	session := &models.PaymentSession{
		Reference:   checkout.Reference,
		PaymentType: paymentType,
		TargetID:    targetID,
		Status:      models.PaymentStatusPending,
		PaymentURL:  checkout.CheckoutURL,
	}

	err = r.db.Transaction(func(tx *sql.Tx) error {
		if err := r.sessions.Create(ctx, tx, session); err != nil {
			return err
		}
		if prepare != nil {
			return prepare(tx, session)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	r.track(session.Reference)
	return session, nil
}

// Session returns the stored session for a reference.
func (r *Reconciler) Session(ctx context.Context, reference string) (*models.PaymentSession, error) {
	session, err := r.sessions.GetByReference(ctx, r.db, reference)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrSessionNotFound
	}
	return session, err
}

// Status reports the reconciliation state for a session: the stored status
// plus the live poller snapshot when one is running.
func (r *Reconciler) Status(ctx context.Context, reference string) (*models.PaymentSession, *Snapshot, error) {
	session, err := r.Session(ctx, reference)
	if err != nil {
		return nil, nil, err
	}

	r.mu.Lock()
	poller, ok := r.pollers[reference]
	r.mu.Unlock()
	if !ok {
		return session, nil, nil
	}
	snap := poller.Snapshot()
	return session, &snap, nil
}

// CheckNow runs one immediate status query for a pending session, outside the
// polling cadence.
func (r *Reconciler) CheckNow(ctx context.Context, reference string) (*Snapshot, error) {
	poller, err := r.pollerFor(ctx, reference)
	if err != nil {
		return nil, err
	}
	if poller == nil {
		// Already resolved; report the stored state.
		session, err := r.Session(ctx, reference)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Reference: reference, Status: session.Status}, nil
	}
	snap, err := poller.CheckNow(ctx)
	return &snap, err
}

// ForceVerify runs the provider's direct verification for a pending session.
func (r *Reconciler) ForceVerify(ctx context.Context, reference string) (*Snapshot, error) {
	poller, err := r.pollerFor(ctx, reference)
	if err != nil {
		return nil, err
	}
	if poller == nil {
		session, err := r.Session(ctx, reference)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Reference: reference, Status: session.Status}, nil
	}
	snap, err := poller.ForceVerify(ctx)
	return &snap, err
}

// Retry restarts polling for a session whose attempt budget ran out.
func (r *Reconciler) Retry(ctx context.Context, reference string) (*Snapshot, error) {
	poller, err := r.pollerFor(ctx, reference)
	if err != nil {
		return nil, err
	}
	if poller == nil {
		session, err := r.Session(ctx, reference)
		if err != nil {
			return nil, err
		}
		return &Snapshot{Reference: reference, Status: session.Status}, nil
	}
	poller.Retry()
	snap := poller.Snapshot()
	return &snap, nil
}

// pollerFor returns the live poller for a pending session, starting one if
// needed. Returns (nil, nil) when the session is already terminal.
func (r *Reconciler) pollerFor(ctx context.Context, reference string) (*Poller, error) {
	session, err := r.Session(ctx, reference)
	if err != nil {
		return nil, err
	}
	if session.IsTerminal() {
		return nil, nil
	}
	return r.track(reference), nil
}

// track ensures a poller is running for the reference.
func (r *Reconciler) track(reference string) *Poller {
	r.mu.Lock()
	defer r.mu.Unlock()

	if p, ok := r.pollers[reference]; ok {
		return p
	}
	p := NewPoller(reference, r.client, r.schedule, r.resolveSession)
	r.pollers[reference] = p
	p.Start()
	return p
}

// untrack stops and forgets the poller for a reference.
func (r *Reconciler) untrack(reference string) {
	r.mu.Lock()
	if p, ok := r.pollers[reference]; ok {
		p.Stop()
		delete(r.pollers, reference)
	}
	r.mu.Unlock()
}

// resumePending starts pollers for pending sessions that lack one.
func (r *Reconciler) resumePending(ctx context.Context) error {
	sessions, err := r.sessions.ListPending(ctx)
	if err != nil {
		return fmt.Errorf("listing pending sessions: %w", err)
	}

	for _, s := range sessions {
		r.track(s.Reference)
	}
	return nil
}

// sweepStale abandons sessions that have sat pending past the TTL.
func (r *Reconciler) sweepStale(ctx context.Context) {
	cutoff := time.Now().UTC().Add(-r.pendingTTL)
	stale, err := r.sessions.StalePendingBefore(ctx, cutoff)
	if err != nil {
		log.Printf("Failed to list stale payment sessions: %v", err)
		return
	}

	for _, s := range stale {
		log.Printf("Abandoning stale payment session %s (pending since %s)", s.Reference, s.CreatedAt.Format(time.RFC3339))
		r.resolveSession(s.Reference, models.PaymentStatusAbandoned)
	}
}

// resolveSession applies a terminal outcome: it moves the session row to its
// terminal status and performs the side effect the payment paid for. Invoked
// by pollers exactly once, and by the stale sweep. A session that already
// reached a terminal state is left untouched.
func (r *Reconciler) resolveSession(reference, status string) {
	ctx := context.Background()
	defer r.untrack(reference)

	session, err := r.sessions.GetByReference(ctx, r.db, reference)
	if err != nil {
		log.Printf("Failed to load payment session %s: %v", reference, err)
		return
	}
	if session.IsTerminal() {
		return
	}

	err = r.db.Transaction(func(tx *sql.Tx) error {
		if err := r.sessions.Resolve(ctx, tx, reference, status); err != nil {
			return err
		}

		switch session.PaymentType {
		case models.PaymentTypeEventRegistration:
			return r.applyRegistrationOutcome(ctx, tx, reference, status)
		case models.PaymentTypeEventPublishing:
			return r.applyPublishingOutcome(ctx, tx, session.TargetID, status)
		default:
			return fmt.Errorf("unknown payment type %q", session.PaymentType)
		}
	})
	if errors.Is(err, storage.ErrTerminalSession) {
		// Lost the race against another resolver; terminal state wins.
		return
	}
	if err != nil {
		log.Printf("Failed to resolve payment session %s as %s: %v", reference, status, err)
		return
	}

	log.Printf("Payment session %s resolved: %s", reference, status)
	r.broadcaster.BroadcastPaymentStatusChanged(reference, session.PaymentType, session.TargetID, models.PaymentStatusPending, status)
}

// applyRegistrationOutcome confirms or cancels the ticket a registration
// payment was for. Confirmation is when the attendee counter moves; a
// pending-payment ticket never incremented it, so cancellation does not
// decrement.
func (r *Reconciler) applyRegistrationOutcome(ctx context.Context, tx *sql.Tx, reference, status string) error {
	ticket, err := r.tickets.GetByPaymentReference(ctx, tx, reference)
	if err != nil {
		return fmt.Errorf("loading ticket for session: %w", err)
	}
	if ticket.Status != models.TicketStatusPendingPayment {
		return nil
	}

	if status != models.PaymentStatusCompleted {
		return r.tickets.UpdateStatus(ctx, tx, ticket.ID, models.TicketStatusCancelled)
	}

	event, err := r.events.GetByIDTx(ctx, tx, ticket.EventID)
	if err != nil {
		return fmt.Errorf("loading event for ticket: %w", err)
	}

	var counted bool
	if event.IsRecurring && ticket.InstanceID != nil {
		counted, err = r.events.IncrementInstanceAttendees(ctx, tx, event.ID, *ticket.InstanceID, 1, event.MaxAttendees)
	} else {
		counted, err = r.events.IncrementAttendees(ctx, tx, event.ID, 1)
	}
	if err != nil {
		return err
	}
	if !counted {
		// Capacity filled while payment was pending. The payment succeeded
		// but no spot remains; the collaborator's refund flow picks this
		// ticket up from the cancelled state.
		log.Printf("Ticket %s paid but event %s is full; cancelling", ticket.ID, event.ID)
		return r.tickets.UpdateStatus(ctx, tx, ticket.ID, models.TicketStatusCancelled)
	}

	return r.tickets.UpdateStatus(ctx, tx, ticket.ID, models.TicketStatusConfirmed)
}

// applyPublishingOutcome publishes the event a publishing fee was for, or
// returns it to draft when payment fell through.
func (r *Reconciler) applyPublishingOutcome(ctx context.Context, tx *sql.Tx, eventID, status string) error {
	event, err := r.events.GetByIDTx(ctx, tx, eventID)
	if err != nil {
		return fmt.Errorf("loading event: %w", err)
	}
	if event.Status != models.EventStatusPendingPayment {
		return nil
	}

	if status == models.PaymentStatusCompleted {
		if err := r.events.UpdateStatus(ctx, tx, eventID, models.EventStatusPublished); err != nil {
			return err
		}
		r.broadcaster.BroadcastEventPublished(eventID, event.Title)
		return nil
	}
	return r.events.UpdateStatus(ctx, tx, eventID, models.EventStatusDraft)
}
