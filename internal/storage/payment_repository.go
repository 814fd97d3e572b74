package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/eventgate/backend/internal/storage/models"
)

// ErrTerminalSession is returned when an update would transition a payment
// session out of a terminal status. Terminal states are never reverted.
var ErrTerminalSession = errors.New("payment session already resolved")

// PaymentRepository handles persistence of payment sessions.
type PaymentRepository struct {
	BaseRepository
}

// NewPaymentRepository creates a new payment session repository.
func NewPaymentRepository(db *DB) *PaymentRepository {
	return &PaymentRepository{BaseRepository: NewBaseRepository(db)}
}

const sessionColumns = `
	reference, payment_type, target_id, status, payment_url,
	created_at, updated_at, resolved_at
`

// Create inserts a new payment session within the given transaction.
func (r *PaymentRepository) Create(ctx context.Context, tx *sql.Tx, session *models.PaymentSession) error {
	now := r.Now()
	session.CreatedAt = now
	session.UpdatedAt = now

	_, err := tx.ExecContext(ctx, `
		INSERT INTO payment_sessions (
			reference, payment_type, target_id, status, payment_url,
			created_at, updated_at, resolved_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		session.Reference, session.PaymentType, session.TargetID, session.Status,
		session.PaymentURL, session.CreatedAt, session.UpdatedAt, session.ResolvedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting payment session: %w", err)
	}
	return nil
}

// GetByReference returns a payment session by its provider reference.
func (r *PaymentRepository) GetByReference(ctx context.Context, q Queryable, reference string) (*models.PaymentSession, error) {
	row := q.QueryRowContext(ctx,
		`SELECT `+sessionColumns+` FROM payment_sessions WHERE reference = ?`, reference)
	return scanSession(row)
}

// GetPendingByTarget returns the unresolved session paying for a target
// entity, if one exists.
func (r *PaymentRepository) GetPendingByTarget(ctx context.Context, targetID string) (*models.PaymentSession, error) {
	row := r.DB().QueryRowContext(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE target_id = ? AND status = ?
		ORDER BY created_at DESC LIMIT 1
	`, targetID, models.PaymentStatusPending)
	return scanSession(row)
}

// ListPending returns all unresolved sessions, oldest first. The reconciler
// uses this to resume polling after a restart.
func (r *PaymentRepository) ListPending(ctx context.Context) ([]models.PaymentSession, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE status = ? ORDER BY created_at
	`, models.PaymentStatusPending)
	if err != nil {
		return nil, fmt.Errorf("querying pending sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.PaymentSession
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

// Resolve moves a session to a terminal status. The WHERE clause only matches
// still-pending rows, so a late result can never overwrite an earlier terminal
// one; such attempts return ErrTerminalSession.
func (r *PaymentRepository) Resolve(ctx context.Context, tx *sql.Tx, reference, status string) error {
	if !models.PaymentStatusIsTerminal(status) {
		return fmt.Errorf("status %q is not terminal", status)
	}

	now := r.Now()
	res, err := tx.ExecContext(ctx, `
		UPDATE payment_sessions
		SET status = ?, updated_at = ?, resolved_at = ?
		WHERE reference = ? AND status = ?
	`, status, now, now, reference, models.PaymentStatusPending)
	if err != nil {
		return fmt.Errorf("resolving payment session: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		existing, err := r.GetByReference(ctx, tx, reference)
		if err != nil {
			return err
		}
		if existing.IsTerminal() {
			return ErrTerminalSession
		}
		return ErrNotFound
	}
	return nil
}

// StalePendingBefore returns pending sessions created before the cutoff.
func (r *PaymentRepository) StalePendingBefore(ctx context.Context, cutoff time.Time) ([]models.PaymentSession, error) {
	rows, err := r.DB().QueryContext(ctx, `
		SELECT `+sessionColumns+` FROM payment_sessions
		WHERE status = ? AND created_at < ? ORDER BY created_at
	`, models.PaymentStatusPending, cutoff)
	if err != nil {
		return nil, fmt.Errorf("querying stale sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.PaymentSession
	for rows.Next() {
		s, err := scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *s)
	}
	return sessions, rows.Err()
}

func scanSession(row *sql.Row) (*models.PaymentSession, error) {
	var s models.PaymentSession
	err := row.Scan(
		&s.Reference, &s.PaymentType, &s.TargetID, &s.Status, &s.PaymentURL,
		&s.CreatedAt, &s.UpdatedAt, &s.ResolvedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning payment session: %w", err)
	}
	return &s, nil
}

func scanSessionRows(rows *sql.Rows) (*models.PaymentSession, error) {
	var s models.PaymentSession
	err := rows.Scan(
		&s.Reference, &s.PaymentType, &s.TargetID, &s.Status, &s.PaymentURL,
		&s.CreatedAt, &s.UpdatedAt, &s.ResolvedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning payment session: %w", err)
	}
	return &s, nil
}
