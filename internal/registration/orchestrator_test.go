package registration

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventgate/backend/internal/payment"
	"github.com/eventgate/backend/internal/recurrence"
	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/storage/models"
)

// stubProvider is an in-memory payment provider. Checkouts start pending
// unless autoStatus is set, in which case they are born terminal; tests flip
// pending checkouts with resolve.
type stubProvider struct {
	mu         sync.Mutex
	n          int
	status     map[string]string
	autoStatus string
	createErr  error
}

func newStubProvider() *stubProvider {
	return &stubProvider{status: make(map[string]string)}
}

func (s *stubProvider) CreateCheckout(ctx context.Context, req payment.CheckoutRequest) (*payment.Checkout, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.createErr != nil {
		return nil, s.createErr
	}
	s.n++
	ref := fmt.Sprintf("ref-%d", s.n)
	s.status[ref] = models.PaymentStatusPending
	if s.autoStatus != "" {
		s.status[ref] = s.autoStatus
	}
	return &payment.Checkout{Reference: ref, CheckoutURL: "https://pay.example/" + ref}, nil
}

func (s *stubProvider) CheckoutStatus(ctx context.Context, reference string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status[reference], nil
}

func (s *stubProvider) VerifyCheckout(ctx context.Context, reference string) (string, error) {
	return s.CheckoutStatus(ctx, reference)
}

func (s *stubProvider) resolve(reference, status string) {
	s.mu.Lock()
	s.status[reference] = status
	s.mu.Unlock()
}

type testEnv struct {
	db       *storage.DB
	events   *storage.EventRepository
	tickets  *storage.TicketRepository
	provider *stubProvider
	orch     *Orchestrator
}

func setupEnv(t *testing.T) *testEnv {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.RunMigrations(db))

	events := storage.NewEventRepository(db)
	tickets := storage.NewTicketRepository(db)
	sessions := storage.NewPaymentRepository(db)

	provider := newStubProvider()
	schedule := payment.Schedule{
		Initial:          2 * time.Millisecond,
		Mid:              2 * time.Millisecond,
		Late:             2 * time.Millisecond,
		MidAfter:         10,
		LateAfter:        20,
		MaxAttempts:      100000,
		ForceVerifyAfter: 5,
	}
	reconciler := payment.NewReconciler(db, events, tickets, sessions, provider, nil, schedule, time.Minute)
	t.Cleanup(reconciler.Stop)

	orch := NewOrchestrator(db, events, tickets, reconciler, nil)
	orch.now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }

	return &testEnv{db: db, events: events, tickets: tickets, provider: provider, orch: orch}
}

func (e *testEnv) createEvent(t *testing.T, mutate func(*models.Event)) *models.Event {
	t.Helper()
	event := &models.Event{
		OrganizerID: "org-1",
		Title:       "Community Meetup",
		EventDate:   time.Date(2026, 3, 2, 18, 0, 0, 0, time.UTC),
		Status:      models.EventStatusPublished,
		EventType:   models.EventTypeFree,
	}
	if mutate != nil {
		mutate(event)
	}
	require.NoError(t, e.events.Create(context.Background(), event))
	return event
}

func (e *testEnv) ticketStatus(t *testing.T, id string) string {
	t.Helper()
	ticket, err := e.tickets.GetByID(context.Background(), e.db, id)
	require.NoError(t, err)
	return ticket.Status
}

func (e *testEnv) attendees(t *testing.T, eventID string) int {
	t.Helper()
	event, err := e.events.GetByID(context.Background(), eventID)
	require.NoError(t, err)
	return event.CurrentAttendees
}

func TestRegisterFreeEvent(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, nil)

	res, err := env.orch.Register(context.Background(), event.ID, "user-1", "", "vegetarian")
	require.NoError(t, err)

	assert.False(t, res.PaymentRequired)
	assert.Equal(t, models.TicketStatusConfirmed, res.Ticket.Status)
	assert.Equal(t, "vegetarian", res.Ticket.SpecialRequests)
	assert.Equal(t, 1, env.attendees(t, event.ID))
}

func TestRegisterUnpublishedEvent(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, func(e *models.Event) { e.Status = models.EventStatusDraft })

	_, err := env.orch.Register(context.Background(), event.ID, "user-1", "", "")
	assert.ErrorIs(t, err, ErrEventNotOpen)
}

func TestRegisterUnknownEvent(t *testing.T) {
	env := setupEnv(t)
	_, err := env.orch.Register(context.Background(), "nope", "user-1", "", "")
	assert.ErrorIs(t, err, ErrEventNotFound)
}

func TestRegisterTwiceRejected(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, nil)
	ctx := context.Background()

	_, err := env.orch.Register(ctx, event.ID, "user-1", "", "")
	require.NoError(t, err)
	_, err = env.orch.Register(ctx, event.ID, "user-1", "", "")
	assert.ErrorIs(t, err, ErrAlreadyRegistered)
	assert.Equal(t, 1, env.attendees(t, event.ID))
}

func TestRegisterCapacityExceeded(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, func(e *models.Event) { e.MaxAttendees = 1 })
	ctx := context.Background()

	_, err := env.orch.Register(ctx, event.ID, "user-1", "", "")
	require.NoError(t, err)

	_, err = env.orch.Register(ctx, event.ID, "user-2", "", "")
	assert.ErrorIs(t, err, ErrCapacityExceeded)
	assert.Equal(t, 1, env.attendees(t, event.ID), "a rejected registration must not move the counter")
}

func TestRegisterRecurringRequiresValidInstance(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, func(e *models.Event) {
		e.IsRecurring = true
		e.Recurrence = &models.RecurrencePattern{
			Type:       models.RecurrenceWeekly,
			DaysOfWeek: []int{1}, // Mondays
			StartTime:  "18:00",
		}
	})
	ctx := context.Background()

	_, err := env.orch.Register(ctx, event.ID, "user-1", "", "")
	assert.ErrorIs(t, err, ErrInstanceRequired)

	// A Tuesday is not an occurrence the pattern produces.
	_, err = env.orch.Register(ctx, event.ID, "user-1", event.ID+":2026-03-03", "")
	assert.ErrorIs(t, err, ErrInstanceInvalid)

	res, err := env.orch.Register(ctx, event.ID, "user-1", event.ID+":2026-03-09", "")
	require.NoError(t, err)
	require.NotNil(t, res.Ticket.InstanceID)
	assert.Equal(t, event.ID+":2026-03-09", *res.Ticket.InstanceID)
}

func TestRegisterOneOffRejectsInstance(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, nil)

	_, err := env.orch.Register(context.Background(), event.ID, "user-1", event.ID+":2026-03-09", "")
	assert.ErrorIs(t, err, ErrInstanceInvalid)
}

func TestRecurringCapacityIsPerInstance(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, func(e *models.Event) {
		e.IsRecurring = true
		e.MaxAttendees = 1
		e.Recurrence = &models.RecurrencePattern{
			Type:       models.RecurrenceWeekly,
			DaysOfWeek: []int{1},
			StartTime:  "18:00",
		}
	})
	ctx := context.Background()
	monday1 := event.ID + ":2026-03-09"
	monday2 := event.ID + ":2026-03-16"

	_, err := env.orch.Register(ctx, event.ID, "user-1", monday1, "")
	require.NoError(t, err)

	_, err = env.orch.Register(ctx, event.ID, "user-2", monday1, "")
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	// The next occurrence has its own counter.
	_, err = env.orch.Register(ctx, event.ID, "user-2", monday2, "")
	require.NoError(t, err)

	page, err := env.orch.Instances(ctx, event.ID, recurrence.Window{
		Limit:     2,
		StartDate: time.Date(2026, 3, 9, 0, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)
	require.Len(t, page.Instances, 2)
	assert.Equal(t, 1, page.Instances[0].AttendeeCount)
	assert.Equal(t, 1, page.Instances[1].AttendeeCount)
}

func TestUnregisterFreeEvent(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, nil)
	ctx := context.Background()

	res, err := env.orch.Register(ctx, event.ID, "user-1", "", "")
	require.NoError(t, err)
	require.Equal(t, 1, env.attendees(t, event.ID))

	out, err := env.orch.Unregister(ctx, event.ID, "user-1", "")
	require.NoError(t, err)
	assert.Equal(t, res.Ticket.ID, out.TicketID)
	assert.False(t, out.WasPendingPayment)
	assert.Equal(t, 0, env.attendees(t, event.ID))
	assert.Equal(t, models.TicketStatusCancelled, env.ticketStatus(t, res.Ticket.ID))

	_, err = env.orch.Unregister(ctx, event.ID, "user-1", "")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestUnregisterCheckedInRejected(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, nil)
	ctx := context.Background()

	res, err := env.orch.Register(ctx, event.ID, "user-1", "", "")
	require.NoError(t, err)

	err = env.db.Transaction(func(tx *sql.Tx) error {
		_, err := env.tickets.MarkCheckedIn(ctx, tx, res.Ticket.ID)
		return err
	})
	require.NoError(t, err)

	_, err = env.orch.Unregister(ctx, event.ID, "user-1", "")
	assert.ErrorIs(t, err, ErrAlreadyCheckedIn)
	assert.Equal(t, 1, env.attendees(t, event.ID), "a checked-in attendance never uncounts")
}

func TestRegisterPaidEvent(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, func(e *models.Event) {
		e.EventType = models.EventTypePaid
		e.TicketPriceCents = 1500
	})
	ctx := context.Background()

	res, err := env.orch.Register(ctx, event.ID, "user-1", "", "")
	require.NoError(t, err)

	assert.True(t, res.PaymentRequired)
	assert.NotEmpty(t, res.PaymentURL)
	assert.NotEmpty(t, res.PaymentReference)
	assert.Equal(t, models.TicketStatusPendingPayment, res.Ticket.Status)
	assert.Equal(t, 0, env.attendees(t, event.ID), "counter moves on confirmation, not registration")

	// Provider reports completion; the poller confirms and counts.
	env.provider.resolve(res.PaymentReference, models.PaymentStatusCompleted)
	require.Eventually(t, func() bool {
		return env.ticketStatus(t, res.Ticket.ID) == models.TicketStatusConfirmed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, env.attendees(t, event.ID))
}

func TestRegisterPaidEventProviderAlreadySettled(t *testing.T) {
	env := setupEnv(t)
	env.provider.autoStatus = models.PaymentStatusCompleted
	event := env.createEvent(t, func(e *models.Event) {
		e.EventType = models.EventTypePaid
		e.TicketPriceCents = 1500
	})

	// The very first poll sees a terminal status, racing Register itself. The
	// payment reference is committed with the session, so the resolution finds
	// the ticket no matter who wins.
	res, err := env.orch.Register(context.Background(), event.ID, "user-1", "", "")
	require.NoError(t, err)
	require.NotNil(t, res.Ticket.PaymentReference)

	require.Eventually(t, func() bool {
		return env.ticketStatus(t, res.Ticket.ID) == models.TicketStatusConfirmed
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, env.attendees(t, event.ID))
}

func TestRegisterPaidEventPaymentFailed(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, func(e *models.Event) {
		e.EventType = models.EventTypePaid
		e.TicketPriceCents = 1500
	})
	ctx := context.Background()

	res, err := env.orch.Register(ctx, event.ID, "user-1", "", "")
	require.NoError(t, err)

	env.provider.resolve(res.PaymentReference, models.PaymentStatusFailed)
	require.Eventually(t, func() bool {
		return env.ticketStatus(t, res.Ticket.ID) == models.TicketStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 0, env.attendees(t, event.ID))
}

func TestRegisterPaidCheckoutFailureCompensates(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, func(e *models.Event) {
		e.EventType = models.EventTypePaid
		e.TicketPriceCents = 1500
	})
	env.provider.createErr = errors.New("provider down")

	_, err := env.orch.Register(context.Background(), event.ID, "user-1", "", "")
	require.Error(t, err)

	// The half-created ticket must not keep blocking re-registration.
	_, err = env.tickets.GetActive(context.Background(), env.db, "user-1", event.ID, nil)
	assert.ErrorIs(t, err, storage.ErrNotFound)
}

func TestPaidTicketCancelledWhenCapacityFilledDuringPayment(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, func(e *models.Event) {
		e.EventType = models.EventTypePaid
		e.TicketPriceCents = 1500
		e.MaxAttendees = 1
	})
	ctx := context.Background()

	first, err := env.orch.Register(ctx, event.ID, "user-1", "", "")
	require.NoError(t, err)
	second, err := env.orch.Register(ctx, event.ID, "user-2", "", "")
	require.NoError(t, err)

	env.provider.resolve(first.PaymentReference, models.PaymentStatusCompleted)
	require.Eventually(t, func() bool {
		return env.ticketStatus(t, first.Ticket.ID) == models.TicketStatusConfirmed
	}, 2*time.Second, 5*time.Millisecond)

	// The second payment lands after the last spot is gone: paid but full,
	// the ticket is cancelled for the refund flow to pick up.
	env.provider.resolve(second.PaymentReference, models.PaymentStatusCompleted)
	require.Eventually(t, func() bool {
		return env.ticketStatus(t, second.Ticket.ID) == models.TicketStatusCancelled
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, env.attendees(t, event.ID))
}

func TestUnregisterPendingPaymentDoesNotDecrement(t *testing.T) {
	env := setupEnv(t)
	event := env.createEvent(t, func(e *models.Event) {
		e.EventType = models.EventTypePaid
		e.TicketPriceCents = 1500
	})
	ctx := context.Background()

	res, err := env.orch.Register(ctx, event.ID, "user-1", "", "")
	require.NoError(t, err)

	out, err := env.orch.Unregister(ctx, event.ID, "user-1", "")
	require.NoError(t, err)
	assert.True(t, out.WasPendingPayment)
	assert.Equal(t, 0, env.attendees(t, event.ID))
	assert.Equal(t, models.TicketStatusCancelled, env.ticketStatus(t, res.Ticket.ID))
}
