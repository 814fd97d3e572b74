package ticket

import (
	"context"
	"crypto/subtle"
	"database/sql"
	"encoding/json"
	"errors"
	"time"

	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/storage/models"
	"github.com/eventgate/backend/internal/websocket"
)

// Check-in errors, ordered the way validation runs: the first failure wins.
var (
	ErrMalformedQR     = errors.New("QR code is not a parseable payload")
	ErrInvalidTicketQR = errors.New("QR payload is not a valid ticket credential")
	ErrWrongEvent      = errors.New("ticket belongs to a different event")
	ErrNotOrganizer    = errors.New("scanner is not an organizer of this event")
)

// CheckInResult is what the scanner shows the door staff.
type CheckInResult struct {
	TicketID         string    `json:"ticket_id"`
	EventID          string    `json:"event_id"`
	InstanceID       string    `json:"instance_id,omitempty"`
	UserID           string    `json:"user_id"`
	CheckedInAt      time.Time `json:"checked_in_at"`
	AlreadyCheckedIn bool      `json:"already_checked_in"`
}

// Processor consumes validated QR payloads at the door and performs the
// idempotent check-in transition.
type Processor struct {
	db          *storage.DB
	events      *storage.EventRepository
	tickets     *storage.TicketRepository
	broadcaster *websocket.EventBroadcaster
}

// NewProcessor creates a check-in processor.
func NewProcessor(db *storage.DB, events *storage.EventRepository, tickets *storage.TicketRepository, hub *websocket.Hub) *Processor {
	var broadcaster *websocket.EventBroadcaster
	if hub != nil {
		broadcaster = websocket.NewEventBroadcaster(hub)
	}
	return &Processor{db: db, events: events, tickets: tickets, broadcaster: broadcaster}
}

// CheckIn validates a scanned payload against the scanning event and flips
// the ticket to checked-in exactly once. Scanning the same valid ticket again
// returns the original result with AlreadyCheckedIn set, never a duplicate
// count: suppressing the rescan display is the scanner UI's concern, the
// idempotency is this method's.
//
// Validation order, first failure wins: payload parses; payload is
// structurally a check-in credential; the payload's event matches the
// scanning event; the token matches the ticket's current token and the ticket
// is checked in at most once.
func (p *Processor) CheckIn(ctx context.Context, raw []byte, scanningEventID, scannerUserID string) (*CheckInResult, error) {
	var payload QRPayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, ErrMalformedQR
	}
	if err := payload.Validate(); err != nil {
		return nil, ErrInvalidTicketQR
	}
	if payload.EventID != scanningEventID {
		return nil, ErrWrongEvent
	}

	event, err := p.events.GetByID(ctx, scanningEventID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrWrongEvent
	}
	if err != nil {
		return nil, err
	}
	if event.OrganizerID != scannerUserID {
		return nil, ErrNotOrganizer
	}

	var result CheckInResult
	err = p.db.Transaction(func(tx *sql.Tx) error {
		t, err := p.tickets.GetByID(ctx, tx, payload.TicketID)
		if errors.Is(err, storage.ErrNotFound) {
			return ErrInvalidTicketQR
		}
		if err != nil {
			return err
		}

		if t.EventID != scanningEventID {
			return ErrWrongEvent
		}
		if t.Status != models.TicketStatusConfirmed {
			return ErrInvalidTicketQR
		}
		if t.VerificationToken == nil ||
			subtle.ConstantTimeCompare([]byte(*t.VerificationToken), []byte(payload.VerificationToken)) != 1 {
			return ErrInvalidTicketQR
		}

		result = CheckInResult{
			TicketID:   t.ID,
			EventID:    t.EventID,
			InstanceID: derefString(t.InstanceID),
			UserID:     t.UserID,
		}

		transitioned, err := p.tickets.MarkCheckedIn(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if !transitioned {
			// Second scan of a valid ticket: report the original check-in,
			// attendance stays counted exactly once.
			result.AlreadyCheckedIn = true
			if t.CheckedInAt != nil {
				result.CheckedInAt = *t.CheckedInAt
			}
			return nil
		}

		updated, err := p.tickets.GetByID(ctx, tx, t.ID)
		if err != nil {
			return err
		}
		if updated.CheckedInAt != nil {
			result.CheckedInAt = *updated.CheckedInAt
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	if !result.AlreadyCheckedIn {
		p.broadcaster.BroadcastTicketCheckedIn(result.TicketID, result.EventID, result.InstanceID, result.UserID, result.CheckedInAt)
	}
	return &result, nil
}

func derefString(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
