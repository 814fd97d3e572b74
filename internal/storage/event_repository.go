package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/eventgate/backend/internal/storage/models"
)

// EventRepository handles persistence of events and their attendee counters.
type EventRepository struct {
	BaseRepository
}

// NewEventRepository creates a new event repository.
func NewEventRepository(db *DB) *EventRepository {
	return &EventRepository{BaseRepository: NewBaseRepository(db)}
}

const eventColumns = `
	id, organizer_id, title, description, location, event_date, end_date,
	is_recurring, recurrence_json, max_attendees, current_attendees,
	status, event_type, ticket_price_cents, created_at, updated_at
`

// Create inserts a new event row.
func (r *EventRepository) Create(ctx context.Context, event *models.Event) error {
	recurrenceJSON, err := marshalRecurrence(event.Recurrence)
	if err != nil {
		return err
	}

	if event.ID == "" {
		event.ID = GenerateID()
	}
	now := r.Now()
	event.CreatedAt = now
	event.UpdatedAt = now

	_, err = r.DB().ExecContext(ctx, `
		INSERT INTO events (
			id, organizer_id, title, description, location, event_date, end_date,
			is_recurring, recurrence_json, max_attendees, current_attendees,
			status, event_type, ticket_price_cents, created_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID, event.OrganizerID, event.Title, event.Description, event.Location,
		event.EventDate, event.EndDate, event.IsRecurring, recurrenceJSON,
		event.MaxAttendees, event.CurrentAttendees, event.Status, event.EventType,
		event.TicketPriceCents, event.CreatedAt, event.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting event: %w", err)
	}
	return nil
}

// GetByID returns a single event by ID.
func (r *EventRepository) GetByID(ctx context.Context, id string) (*models.Event, error) {
	return r.getByID(ctx, r.DB(), id)
}

// GetByIDTx returns a single event by ID within a transaction.
func (r *EventRepository) GetByIDTx(ctx context.Context, tx *sql.Tx, id string) (*models.Event, error) {
	return r.getByID(ctx, tx, id)
}

func (r *EventRepository) getByID(ctx context.Context, q Queryable, id string) (*models.Event, error) {
	row := q.QueryRowContext(ctx, `SELECT `+eventColumns+` FROM events WHERE id = ?`, id)
	return scanEvent(row)
}

// ListPublished returns attendee-visible events ordered by date.
func (r *EventRepository) ListPublished(ctx context.Context) ([]models.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE status = ? ORDER BY event_date`,
		models.EventStatusPublished)
}

// ListByOrganizer returns all events created by the given organizer.
func (r *EventRepository) ListByOrganizer(ctx context.Context, organizerID string) ([]models.Event, error) {
	return r.list(ctx, `SELECT `+eventColumns+` FROM events WHERE organizer_id = ? ORDER BY event_date`,
		organizerID)
}

func (r *EventRepository) list(ctx context.Context, query string, args ...any) ([]models.Event, error) {
	rows, err := r.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("querying events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		event, err := scanEventRows(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, *event)
	}
	return events, rows.Err()
}

// UpdateStatus sets the lifecycle status of an event.
func (r *EventRepository) UpdateStatus(ctx context.Context, q Queryable, id, status string) error {
	res, err := q.ExecContext(ctx,
		`UPDATE events SET status = ?, updated_at = ? WHERE id = ?`,
		status, r.Now(), id)
	if err != nil {
		return fmt.Errorf("updating event status: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementAttendees adjusts the event-level attendee counter by delta inside
// the given transaction. When incrementing into a bounded event, the guard
// clause refuses to exceed max_attendees; callers detect that as zero rows.
func (r *EventRepository) IncrementAttendees(ctx context.Context, tx *sql.Tx, id string, delta int) (bool, error) {
	var res sql.Result
	var err error
	if delta > 0 {
		res, err = tx.ExecContext(ctx, `
			UPDATE events
			SET current_attendees = current_attendees + ?, updated_at = ?
			WHERE id = ? AND (max_attendees = 0 OR current_attendees + ? <= max_attendees)
		`, delta, r.Now(), id, delta)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE events
			SET current_attendees = MAX(0, current_attendees + ?), updated_at = ?
			WHERE id = ?
		`, delta, r.Now(), id)
	}
	if err != nil {
		return false, fmt.Errorf("adjusting attendee count: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// InstanceAttendeeCount returns the attendee counter for one derived instance.
// Instances without a row have zero attendees.
func (r *EventRepository) InstanceAttendeeCount(ctx context.Context, q Queryable, eventID, instanceID string) (int, error) {
	var count int
	err := q.QueryRowContext(ctx,
		`SELECT attendee_count FROM instance_attendance WHERE event_id = ? AND instance_id = ?`,
		eventID, instanceID).Scan(&count)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("querying instance attendance: %w", err)
	}
	return count, nil
}

// InstanceAttendeeCounts returns the counters for all instances of an event,
// keyed by instance ID.
func (r *EventRepository) InstanceAttendeeCounts(ctx context.Context, eventID string) (map[string]int, error) {
	rows, err := r.DB().QueryContext(ctx,
		`SELECT instance_id, attendee_count FROM instance_attendance WHERE event_id = ?`, eventID)
	if err != nil {
		return nil, fmt.Errorf("querying instance attendance: %w", err)
	}
	defer rows.Close()

	counts := make(map[string]int)
	for rows.Next() {
		var id string
		var count int
		if err := rows.Scan(&id, &count); err != nil {
			return nil, err
		}
		counts[id] = count
	}
	return counts, rows.Err()
}

// IncrementInstanceAttendees adjusts a per-instance counter by delta inside
// the given transaction, creating the counter row on first registration.
// Returns false when an increment would exceed the bound.
func (r *EventRepository) IncrementInstanceAttendees(ctx context.Context, tx *sql.Tx, eventID, instanceID string, delta, maxAttendees int) (bool, error) {
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO instance_attendance (event_id, instance_id, attendee_count)
		VALUES (?, ?, 0)
		ON CONFLICT (event_id, instance_id) DO NOTHING
	`, eventID, instanceID); err != nil {
		return false, fmt.Errorf("ensuring instance attendance row: %w", err)
	}

	var res sql.Result
	var err error
	if delta > 0 {
		res, err = tx.ExecContext(ctx, `
			UPDATE instance_attendance
			SET attendee_count = attendee_count + ?
			WHERE event_id = ? AND instance_id = ? AND (? = 0 OR attendee_count + ? <= ?)
		`, delta, eventID, instanceID, maxAttendees, delta, maxAttendees)
	} else {
		res, err = tx.ExecContext(ctx, `
			UPDATE instance_attendance
			SET attendee_count = MAX(0, attendee_count + ?)
			WHERE event_id = ? AND instance_id = ?
		`, delta, eventID, instanceID)
	}
	if err != nil {
		return false, fmt.Errorf("adjusting instance attendance: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// scanEvent scans an event from a single-row query.
func scanEvent(row *sql.Row) (*models.Event, error) {
	var e models.Event
	var recurrenceJSON sql.NullString
	err := row.Scan(
		&e.ID, &e.OrganizerID, &e.Title, &e.Description, &e.Location,
		&e.EventDate, &e.EndDate, &e.IsRecurring, &recurrenceJSON,
		&e.MaxAttendees, &e.CurrentAttendees, &e.Status, &e.EventType,
		&e.TicketPriceCents, &e.CreatedAt, &e.UpdatedAt,
	)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	if err := unmarshalRecurrence(recurrenceJSON, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func scanEventRows(rows *sql.Rows) (*models.Event, error) {
	var e models.Event
	var recurrenceJSON sql.NullString
	err := rows.Scan(
		&e.ID, &e.OrganizerID, &e.Title, &e.Description, &e.Location,
		&e.EventDate, &e.EndDate, &e.IsRecurring, &recurrenceJSON,
		&e.MaxAttendees, &e.CurrentAttendees, &e.Status, &e.EventType,
		&e.TicketPriceCents, &e.CreatedAt, &e.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("scanning event: %w", err)
	}
	if err := unmarshalRecurrence(recurrenceJSON, &e); err != nil {
		return nil, err
	}
	return &e, nil
}

func marshalRecurrence(p *models.RecurrencePattern) (sql.NullString, error) {
	if p == nil {
		return sql.NullString{}, nil
	}
	data, err := json.Marshal(p)
	if err != nil {
		return sql.NullString{}, fmt.Errorf("encoding recurrence pattern: %w", err)
	}
	return sql.NullString{String: string(data), Valid: true}, nil
}

func unmarshalRecurrence(s sql.NullString, e *models.Event) error {
	if !s.Valid || s.String == "" {
		return nil
	}
	var p models.RecurrencePattern
	if err := json.Unmarshal([]byte(s.String), &p); err != nil {
		return fmt.Errorf("decoding recurrence pattern: %w", err)
	}
	e.Recurrence = &p
	return nil
}
