package storage

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventgate/backend/internal/storage/models"
)

func setupDB(t *testing.T) *DB {
	t.Helper()
	db, err := NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, RunMigrations(db))
	return db
}

func mustCreateEvent(t *testing.T, repo *EventRepository, event *models.Event) *models.Event {
	t.Helper()
	if event.Status == "" {
		event.Status = models.EventStatusPublished
	}
	if event.EventType == "" {
		event.EventType = models.EventTypeFree
	}
	if event.EventDate.IsZero() {
		event.EventDate = time.Date(2026, 5, 1, 18, 0, 0, 0, time.UTC)
	}
	require.NoError(t, repo.Create(context.Background(), event))
	return event
}

func TestEventRoundTrip(t *testing.T) {
	db := setupDB(t)
	repo := NewEventRepository(db)
	end := time.Date(2026, 6, 30, 0, 0, 0, 0, time.UTC)

	created := mustCreateEvent(t, repo, &models.Event{
		OrganizerID: "org-1",
		Title:       "Weekly Yoga",
		Location:    "Studio B",
		IsRecurring: true,
		Recurrence: &models.RecurrencePattern{
			Type:       models.RecurrenceWeekly,
			DaysOfWeek: []int{2, 4},
			StartTime:  "07:30",
			Timezone:   "America/New_York",
			EndDate:    &end,
		},
		MaxAttendees:     12,
		EventType:        models.EventTypePaid,
		TicketPriceCents: 2000,
	})

	got, err := repo.GetByID(context.Background(), created.ID)
	require.NoError(t, err)
	assert.Equal(t, "Weekly Yoga", got.Title)
	assert.Equal(t, int64(2000), got.TicketPriceCents)
	require.NotNil(t, got.Recurrence)
	assert.Equal(t, models.RecurrenceWeekly, got.Recurrence.Type)
	assert.Equal(t, []int{2, 4}, got.Recurrence.DaysOfWeek)
	assert.Equal(t, "America/New_York", got.Recurrence.Timezone)
	require.NotNil(t, got.Recurrence.EndDate)
	assert.True(t, got.Recurrence.EndDate.Equal(end))
}

func TestGetEventNotFound(t *testing.T) {
	db := setupDB(t)
	repo := NewEventRepository(db)
	_, err := repo.GetByID(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIncrementAttendeesGuard(t *testing.T) {
	db := setupDB(t)
	repo := NewEventRepository(db)
	event := mustCreateEvent(t, repo, &models.Event{OrganizerID: "org-1", Title: "Bounded", MaxAttendees: 2})
	ctx := context.Background()

	inc := func(delta int) bool {
		var ok bool
		err := db.Transaction(func(tx *sql.Tx) error {
			var err error
			ok, err = repo.IncrementAttendees(ctx, tx, event.ID, delta)
			return err
		})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, inc(1))
	assert.True(t, inc(1))
	assert.False(t, inc(1), "the guard clause must refuse to exceed the bound")

	got, err := repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.CurrentAttendees)

	// Decrements always apply and floor at zero.
	assert.True(t, inc(-1))
	assert.True(t, inc(-1))
	assert.True(t, inc(-1))
	got, err = repo.GetByID(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, got.CurrentAttendees)
}

func TestIncrementAttendeesUnlimited(t *testing.T) {
	db := setupDB(t)
	repo := NewEventRepository(db)
	event := mustCreateEvent(t, repo, &models.Event{OrganizerID: "org-1", Title: "Unbounded"})
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		err := db.Transaction(func(tx *sql.Tx) error {
			ok, err := repo.IncrementAttendees(ctx, tx, event.ID, 1)
			assert.True(t, ok)
			return err
		})
		require.NoError(t, err)
	}
}

func TestInstanceAttendeeCounters(t *testing.T) {
	db := setupDB(t)
	repo := NewEventRepository(db)
	event := mustCreateEvent(t, repo, &models.Event{OrganizerID: "org-1", Title: "Recurring", IsRecurring: true})
	ctx := context.Background()
	instance := event.ID + ":2026-05-05"

	// No row yet reads as zero.
	count, err := repo.InstanceAttendeeCount(ctx, db, event.ID, instance)
	require.NoError(t, err)
	assert.Zero(t, count)

	inc := func(instanceID string, delta, max int) bool {
		var ok bool
		err := db.Transaction(func(tx *sql.Tx) error {
			var err error
			ok, err = repo.IncrementInstanceAttendees(ctx, tx, event.ID, instanceID, delta, max)
			return err
		})
		require.NoError(t, err)
		return ok
	}

	assert.True(t, inc(instance, 1, 2))
	assert.True(t, inc(instance, 1, 2))
	assert.False(t, inc(instance, 1, 2))

	other := event.ID + ":2026-05-12"
	assert.True(t, inc(other, 1, 2), "counters are per instance")

	counts, err := repo.InstanceAttendeeCounts(ctx, event.ID)
	require.NoError(t, err)
	assert.Equal(t, map[string]int{instance: 2, other: 1}, counts)
}

func TestActiveTicketUniqueness(t *testing.T) {
	db := setupDB(t)
	events := NewEventRepository(db)
	tickets := NewTicketRepository(db)
	event := mustCreateEvent(t, events, &models.Event{OrganizerID: "org-1", Title: "Popular"})
	ctx := context.Background()

	create := func(userID string, instanceID *string) error {
		return db.Transaction(func(tx *sql.Tx) error {
			return tickets.Create(ctx, tx, &models.Ticket{
				EventID:    event.ID,
				InstanceID: instanceID,
				UserID:     userID,
				Status:     models.TicketStatusConfirmed,
			})
		})
	}

	require.NoError(t, create("user-1", nil))
	assert.ErrorIs(t, create("user-1", nil), ErrDuplicateTicket)
	require.NoError(t, create("user-2", nil), "other users are unaffected")

	instance := event.ID + ":2026-05-05"
	require.NoError(t, create("user-1", &instance), "a different instance is a different registration")
	assert.ErrorIs(t, create("user-1", &instance), ErrDuplicateTicket)

	// Cancelling frees the slot for a fresh registration.
	active, err := tickets.GetActive(ctx, db, "user-1", event.ID, nil)
	require.NoError(t, err)
	require.NoError(t, tickets.UpdateStatus(ctx, db, active.ID, models.TicketStatusCancelled))
	require.NoError(t, create("user-1", nil))
}

func TestPaymentSessionResolveIsTerminal(t *testing.T) {
	db := setupDB(t)
	sessions := NewPaymentRepository(db)
	ctx := context.Background()

	session := &models.PaymentSession{
		Reference:   "ref-1",
		PaymentType: models.PaymentTypeEventRegistration,
		TargetID:    "ticket-1",
		Status:      models.PaymentStatusPending,
		PaymentURL:  "https://pay.example/ref-1",
	}
	require.NoError(t, db.Transaction(func(tx *sql.Tx) error {
		return sessions.Create(ctx, tx, session)
	}))

	require.NoError(t, db.Transaction(func(tx *sql.Tx) error {
		return sessions.Resolve(ctx, tx, "ref-1", models.PaymentStatusCompleted)
	}))

	// A second resolution loses to the terminal state already written.
	err := db.Transaction(func(tx *sql.Tx) error {
		return sessions.Resolve(ctx, tx, "ref-1", models.PaymentStatusFailed)
	})
	assert.ErrorIs(t, err, ErrTerminalSession)

	got, err := sessions.GetByReference(ctx, db, "ref-1")
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, got.Status)
	assert.NotNil(t, got.ResolvedAt)
}

func TestListPendingAndStaleSessions(t *testing.T) {
	db := setupDB(t)
	sessions := NewPaymentRepository(db)
	ctx := context.Background()

	for _, ref := range []string{"ref-a", "ref-b"} {
		require.NoError(t, db.Transaction(func(tx *sql.Tx) error {
			return sessions.Create(ctx, tx, &models.PaymentSession{
				Reference:   ref,
				PaymentType: models.PaymentTypeEventPublishing,
				TargetID:    "event-1",
				Status:      models.PaymentStatusPending,
			})
		}))
	}
	require.NoError(t, db.Transaction(func(tx *sql.Tx) error {
		return sessions.Resolve(ctx, tx, "ref-b", models.PaymentStatusAbandoned)
	}))

	pending, err := sessions.ListPending(ctx)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, "ref-a", pending[0].Reference)

	stale, err := sessions.StalePendingBefore(ctx, time.Now().UTC().Add(time.Hour))
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, "ref-a", stale[0].Reference)

	stale, err = sessions.StalePendingBefore(ctx, time.Now().UTC().Add(-time.Hour))
	require.NoError(t, err)
	assert.Empty(t, stale)
}
