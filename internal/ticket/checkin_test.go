package ticket

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/storage/models"
)

type checkinEnv struct {
	db        *storage.DB
	events    *storage.EventRepository
	tickets   *storage.TicketRepository
	issuer    *Issuer
	processor *Processor
}

func setupCheckin(t *testing.T) *checkinEnv {
	t.Helper()

	db, err := storage.NewDB(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, storage.RunMigrations(db))

	events := storage.NewEventRepository(db)
	tickets := storage.NewTicketRepository(db)
	return &checkinEnv{
		db:        db,
		events:    events,
		tickets:   tickets,
		issuer:    NewIssuer(tickets),
		processor: NewProcessor(db, events, tickets, nil),
	}
}

func (e *checkinEnv) createEvent(t *testing.T, organizerID string) *models.Event {
	t.Helper()
	event := &models.Event{
		OrganizerID: organizerID,
		Title:       "Launch Party",
		EventDate:   time.Date(2026, 4, 10, 19, 0, 0, 0, time.UTC),
		Status:      models.EventStatusPublished,
		EventType:   models.EventTypeFree,
	}
	require.NoError(t, e.events.Create(context.Background(), event))
	return event
}

func (e *checkinEnv) createTicket(t *testing.T, eventID, userID, status string) *models.Ticket {
	t.Helper()
	ticket := &models.Ticket{EventID: eventID, UserID: userID, Status: status}
	err := e.db.Transaction(func(tx *sql.Tx) error {
		return e.tickets.Create(context.Background(), tx, ticket)
	})
	require.NoError(t, err)
	return ticket
}

func (e *checkinEnv) issuedQR(t *testing.T, ticketID, userID string) []byte {
	t.Helper()
	payload, err := e.issuer.IssueQR(context.Background(), ticketID, userID)
	require.NoError(t, err)
	raw, err := payload.Encode()
	require.NoError(t, err)
	return raw
}

func TestIssueQR(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	ticket := env.createTicket(t, event.ID, "user-1", models.TicketStatusConfirmed)

	payload, err := env.issuer.IssueQR(context.Background(), ticket.ID, "user-1")
	require.NoError(t, err)

	assert.Equal(t, event.ID, payload.EventID)
	assert.Equal(t, "user-1", payload.UserID)
	assert.Equal(t, ticket.ID, payload.TicketID)
	assert.Len(t, payload.VerificationToken, 64)
	assert.NotZero(t, payload.Timestamp)
	assert.Equal(t, PayloadType, payload.Type)
	assert.Equal(t, PayloadVersion, payload.Version)

	// The token is persisted server-side, never derived from ticket fields.
	stored, err := env.tickets.GetByID(context.Background(), env.db, ticket.ID)
	require.NoError(t, err)
	require.NotNil(t, stored.VerificationToken)
	assert.Equal(t, payload.VerificationToken, *stored.VerificationToken)
	assert.True(t, stored.QRGenerated)
}

func TestIssueQRReissueRotatesToken(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	ticket := env.createTicket(t, event.ID, "user-1", models.TicketStatusConfirmed)
	ctx := context.Background()

	first, err := env.issuer.IssueQR(ctx, ticket.ID, "user-1")
	require.NoError(t, err)
	second, err := env.issuer.IssueQR(ctx, ticket.ID, "user-1")
	require.NoError(t, err)
	assert.NotEqual(t, first.VerificationToken, second.VerificationToken)

	// The superseded code no longer scans.
	raw, err := first.Encode()
	require.NoError(t, err)
	_, err = env.processor.CheckIn(ctx, raw, event.ID, "org-1")
	assert.ErrorIs(t, err, ErrInvalidTicketQR)
}

func TestIssueQRGuards(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	confirmed := env.createTicket(t, event.ID, "user-1", models.TicketStatusConfirmed)
	pending := env.createTicket(t, event.ID, "user-2", models.TicketStatusPendingPayment)
	ctx := context.Background()

	_, err := env.issuer.IssueQR(ctx, "missing", "user-1")
	assert.ErrorIs(t, err, ErrTicketNotFound)

	_, err = env.issuer.IssueQR(ctx, confirmed.ID, "someone-else")
	assert.ErrorIs(t, err, ErrTicketNotOwned)

	_, err = env.issuer.IssueQR(ctx, pending.ID, "user-2")
	assert.ErrorIs(t, err, ErrTicketNotConfirmed)
}

func TestCheckIn(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	ticket := env.createTicket(t, event.ID, "user-1", models.TicketStatusConfirmed)
	raw := env.issuedQR(t, ticket.ID, "user-1")

	result, err := env.processor.CheckIn(context.Background(), raw, event.ID, "org-1")
	require.NoError(t, err)

	assert.Equal(t, ticket.ID, result.TicketID)
	assert.Equal(t, "user-1", result.UserID)
	assert.False(t, result.AlreadyCheckedIn)
	assert.False(t, result.CheckedInAt.IsZero())
}

func TestCheckInIdempotent(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	ticket := env.createTicket(t, event.ID, "user-1", models.TicketStatusConfirmed)
	raw := env.issuedQR(t, ticket.ID, "user-1")
	ctx := context.Background()

	first, err := env.processor.CheckIn(ctx, raw, event.ID, "org-1")
	require.NoError(t, err)

	// The second scan of the same valid code reports the original check-in
	// rather than counting again or erroring.
	second, err := env.processor.CheckIn(ctx, raw, event.ID, "org-1")
	require.NoError(t, err)
	assert.True(t, second.AlreadyCheckedIn)
	assert.Equal(t, first.TicketID, second.TicketID)
	assert.WithinDuration(t, first.CheckedInAt, second.CheckedInAt, time.Second)
}

func TestCheckInWrongEvent(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	other := env.createEvent(t, "org-1")
	ticket := env.createTicket(t, event.ID, "user-1", models.TicketStatusConfirmed)
	raw := env.issuedQR(t, ticket.ID, "user-1")

	_, err := env.processor.CheckIn(context.Background(), raw, other.ID, "org-1")
	assert.ErrorIs(t, err, ErrWrongEvent)

	// The failed scan must not burn the ticket.
	result, err := env.processor.CheckIn(context.Background(), raw, event.ID, "org-1")
	require.NoError(t, err)
	assert.False(t, result.AlreadyCheckedIn)
}

func TestCheckInOnlyOrganizerScans(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	ticket := env.createTicket(t, event.ID, "user-1", models.TicketStatusConfirmed)
	raw := env.issuedQR(t, ticket.ID, "user-1")

	_, err := env.processor.CheckIn(context.Background(), raw, event.ID, "not-the-organizer")
	assert.ErrorIs(t, err, ErrNotOrganizer)
}

func TestCheckInMalformedPayloads(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	ctx := context.Background()

	_, err := env.processor.CheckIn(ctx, []byte("not json at all"), event.ID, "org-1")
	assert.ErrorIs(t, err, ErrMalformedQR)

	// Parseable JSON that is not a check-in credential.
	incomplete, _ := json.Marshal(map[string]string{"eventId": event.ID})
	_, err = env.processor.CheckIn(ctx, incomplete, event.ID, "org-1")
	assert.ErrorIs(t, err, ErrInvalidTicketQR)
}

func TestCheckInTamperedToken(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	ticket := env.createTicket(t, event.ID, "user-1", models.TicketStatusConfirmed)

	payload, err := env.issuer.IssueQR(context.Background(), ticket.ID, "user-1")
	require.NoError(t, err)
	payload.VerificationToken = "0000000000000000000000000000000000000000000000000000000000000000"
	raw, err := payload.Encode()
	require.NoError(t, err)

	_, err = env.processor.CheckIn(context.Background(), raw, event.ID, "org-1")
	assert.ErrorIs(t, err, ErrInvalidTicketQR)
}

func TestCheckInCancelledTicket(t *testing.T) {
	env := setupCheckin(t)
	event := env.createEvent(t, "org-1")
	ticket := env.createTicket(t, event.ID, "user-1", models.TicketStatusConfirmed)
	raw := env.issuedQR(t, ticket.ID, "user-1")
	ctx := context.Background()

	require.NoError(t, env.tickets.UpdateStatus(ctx, env.db, ticket.ID, models.TicketStatusCancelled))

	_, err := env.processor.CheckIn(ctx, raw, event.ID, "org-1")
	assert.ErrorIs(t, err, ErrInvalidTicketQR)
}

func TestQRPayloadValidate(t *testing.T) {
	valid := QRPayload{
		EventID:           "e",
		UserID:            "u",
		TicketID:          "t",
		VerificationToken: "v",
		Timestamp:         1,
		Type:              PayloadType,
		Version:           PayloadVersion,
	}
	assert.NoError(t, valid.Validate())

	missing := valid
	missing.VerificationToken = ""
	assert.Error(t, missing.Validate())

	wrongType := valid
	wrongType.Type = "coupon"
	assert.Error(t, wrongType.Validate())
}
