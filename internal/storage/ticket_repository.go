package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/eventgate/backend/internal/storage/models"
)

// ErrDuplicateTicket is returned when a user already holds a non-cancelled
// ticket for the same (event, instance).
var ErrDuplicateTicket = errors.New("duplicate ticket")

// TicketRepository handles persistence of tickets.
type TicketRepository struct {
	BaseRepository
}

// NewTicketRepository creates a new ticket repository.
func NewTicketRepository(db *DB) *TicketRepository {
	return &TicketRepository{BaseRepository: NewBaseRepository(db)}
}

const ticketColumns = `
	id, event_id, instance_id, user_id, status, payment_reference,
	special_requests, checked_in, checked_in_at, qr_generated,
	verification_token, created_at, updated_at
`

// Create inserts a new ticket row within the given transaction. The partial
// unique index on (user, event, instance) enforces the one-active-ticket rule;
// violations surface as ErrDuplicateTicket.
func (r *TicketRepository) Create(ctx context.Context, tx *sql.Tx, ticket *models.Ticket) error {
	if ticket.ID == "" {
		ticket.ID = GenerateID()
	}
	now := r.Now()
	ticket.CreatedAt = now
	ticket.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO tickets (
			id, event_id, instance_id, user_id, status, payment_reference,
			special_requests, checked_in, checked_in_at, qr_generated,
			verification_token, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		ticket.ID, ticket.EventID, ticket.InstanceID, ticket.UserID, ticket.Status,
		ticket.PaymentReference, ticket.SpecialRequests, ticket.CheckedIn,
		ticket.CheckedInAt, ticket.QRGenerated, ticket.VerificationToken,
		ticket.CreatedAt, ticket.UpdatedAt,
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return ErrDuplicateTicket
		}
		return fmt.Errorf("inserting ticket: %w", err)
	}
	return nil
}

// GetByID returns a single ticket by ID.
func (r *TicketRepository) GetByID(ctx context.Context, q Queryable, id string) (*models.Ticket, error) {
	row := q.QueryRowContext(ctx, `SELECT `+ticketColumns+` FROM tickets WHERE id = ?`, id)
	return scanTicket(row)
}

// GetActive returns the user's non-cancelled ticket for an event, and for
// recurring events the specific instance. Returns ErrNotFound when absent.
func (r *TicketRepository) GetActive(ctx context.Context, q Queryable, userID, eventID string, instanceID *string) (*models.Ticket, error) {
	row := q.QueryRowContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE user_id = ? AND event_id = ? AND COALESCE(instance_id, '') = COALESCE(?, '')
		  AND status != ?
	`, userID, eventID, instanceID, models.TicketStatusCancelled)
	return scanTicket(row)
}

// GetAnyActiveForEvent returns the user's non-cancelled ticket for an event
// regardless of instance. Used for the event-detail userRegistration lookup.
func (r *TicketRepository) GetAnyActiveForEvent(ctx context.Context, userID, eventID string) (*models.Ticket, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE user_id = ? AND event_id = ? AND status != ?
		ORDER BY created_at DESC LIMIT 1
	`, userID, eventID, models.TicketStatusCancelled)
	return scanTicket(row)
}

// GetByPaymentReference returns the ticket owning a payment session.
func (r *TicketRepository) GetByPaymentReference(ctx context.Context, q Queryable, reference string) (*models.Ticket, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+ticketColumns+` FROM tickets WHERE payment_reference = ?`, reference)
	return scanTicket(row)
}

// ListByUser returns all non-cancelled tickets held by a user.
func (r *TicketRepository) ListByUser(ctx context.Context, userID string) ([]models.Ticket, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+ticketColumns+` FROM tickets
		WHERE user_id = ? AND status != ?
		ORDER BY created_at DESC
	`, userID, models.TicketStatusCancelled)
	if err != nil {
		return nil, fmt.Errorf("querying tickets: %w", err)
	}
	defer rows.Close()

	var tickets []models.Ticket
	for rows.Next() {
		t, err := scanTicketRows(rows)
		if err != nil {
			return nil, err
		}
		tickets = append(tickets, *t)
	}
	return tickets, rows.Err()
}

// UpdateStatus sets a ticket's lifecycle status.
func (r *TicketRepository) UpdateStatus(ctx context.Context, q Queryable, id, status string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE tickets SET status = ?, updated_at = ? WHERE id = ?`,
		status, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating ticket status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// SetPaymentReference links a ticket to its payment session.
func (r *TicketRepository) SetPaymentReference(ctx context.Context, tx *sql.Tx, id, reference string) error {
	_, err := tx.ExecContext(ctx,
		`UPDATE tickets SET payment_reference = ?, updated_at = ? WHERE id = ?`,
		reference, r.Now(), id)
	if err != nil {
		return fmt.Errorf("setting payment reference: %w", err)
	}
	return nil
}

// SetVerificationToken stores a freshly minted QR token, implicitly
// invalidating whichever token the ticket carried before.
func (r *TicketRepository) SetVerificationToken(ctx context.Context, id, token string) error {
	res, err := r.DB().ExecContext(ctx, `
		UPDATE tickets SET verification_token = ?, qr_generated = 1, updated_at = ?
		WHERE id = ?
	`, token, r.Now(), id)
	if err != nil {
		return fmt.Errorf("setting verification token: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// MarkCheckedIn flips checked_in exactly once. Returns false when the ticket
// was already checked in, which keeps the door scan idempotent under
// concurrent scans of the same code.
func (r *TicketRepository) MarkCheckedIn(ctx context.Context, tx *sql.Tx, id string) (bool, error) {
	res, err := tx.ExecContext(ctx, `
		UPDATE tickets SET checked_in = 1, checked_in_at = ?, updated_at = ?
		WHERE id = ? AND checked_in = 0
	`, r.Now(), r.Now(), id)
	if err != nil {
		return false, fmt.Errorf("marking ticket checked in: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func scanTicket(row *sql.Row) (*models.Ticket, error) {
	var t models.Ticket
	err := row.Scan(
		&t.ID, &t.EventID, &t.InstanceID, &t.UserID, &t.Status,
		&t.PaymentReference, &t.SpecialRequests, &t.CheckedIn, &t.CheckedInAt,
		&t.QRGenerated, &t.VerificationToken, &t.CreatedAt, &t.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning ticket: %w", err)
	}
	return &t, nil
}

func scanTicketRows(rows *sql.Rows) (*models.Ticket, error) {
	var t models.Ticket
	err := rows.Scan(
		&t.ID, &t.EventID, &t.InstanceID, &t.UserID, &t.Status,
		&t.PaymentReference, &t.SpecialRequests, &t.CheckedIn, &t.CheckedInAt,
		&t.QRGenerated, &t.VerificationToken, &t.CreatedAt, &t.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning ticket: %w", err)
	}
	return &t, nil
}
