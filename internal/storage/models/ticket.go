package models

import (
	"time"
)

// Ticket is the attendee-facing record of a registration, carrying check-in
// state and the server-issued QR verification token.
type Ticket struct {
	ID                string     `json:"id"`
	EventID           string     `json:"event_id"`
	InstanceID        *string    `json:"instance_id,omitempty"` // set iff the event is recurring
	UserID            string     `json:"user_id"`
	Status            string     `json:"status"`
	PaymentReference  *string    `json:"payment_reference,omitempty"`
	SpecialRequests   string     `json:"special_requests,omitempty"`
	CheckedIn         bool       `json:"checked_in"`
	CheckedInAt       *time.Time `json:"checked_in_at,omitempty"`
	QRGenerated       bool       `json:"qr_generated"`
	VerificationToken *string    `json:"-"` // opaque, never serialized to clients
	CreatedAt         time.Time  `json:"created_at"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// Ticket status constants
const (
	TicketStatusPendingPayment = "pending_payment"
	TicketStatusConfirmed      = "confirmed"
	TicketStatusCancelled      = "cancelled"
)

// IsActive returns true for tickets that still occupy a spot or may come to
// occupy one. At most one active ticket may exist per (user, event, instance).
func (t *Ticket) IsActive() bool {
	return t.Status != TicketStatusCancelled
}

// Counted returns true when the ticket has incremented an attendee counter.
// Pending-payment tickets have not, so cancelling one must not decrement.
func (t *Ticket) Counted() bool {
	return t.Status == TicketStatusConfirmed
}
