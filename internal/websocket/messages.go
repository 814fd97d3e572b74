package websocket

import (
	"encoding/json"
	"time"
)

// MessageType identifies the type of WebSocket message.
type MessageType string

const (
	// Server -> Client event types
	TypePaymentStatusChanged MessageType = "payment.status_changed"
	TypeTicketCheckedIn      MessageType = "ticket.checked_in"
	TypeRegistrationCreated  MessageType = "registration.created"
	TypeRegistrationCanceled MessageType = "registration.cancelled"
	TypeEventPublished       MessageType = "event.published"
	TypeNotification         MessageType = "notification"

	// Client -> Server command types
	TypePing MessageType = "ping"

	// Server -> Client response types
	TypePong  MessageType = "pong"
	TypeError MessageType = "error"
)

// Message represents a WebSocket message envelope.
type Message struct {
	Type      MessageType `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Payload   any         `json:"payload"`
}

// NewMessage creates a new message with the current timestamp.
func NewMessage(msgType MessageType, payload any) Message {
	return Message{
		Type:      msgType,
		Timestamp: time.Now().UTC(),
		Payload:   payload,
	}
}

// JSON serializes the message to JSON bytes.
func (m Message) JSON() ([]byte, error) {
	return json.Marshal(m)
}

// PaymentStatusPayload is the payload for payment.status_changed events.
type PaymentStatusPayload struct {
	Reference      string `json:"reference"`
	PaymentType    string `json:"payment_type"`
	TargetID       string `json:"target_id"`
	PreviousStatus string `json:"previous_status"`
	NewStatus      string `json:"new_status"`
}

// CheckInPayload is the payload for ticket.checked_in events.
type CheckInPayload struct {
	TicketID    string    `json:"ticket_id"`
	EventID     string    `json:"event_id"`
	InstanceID  string    `json:"instance_id,omitempty"`
	UserID      string    `json:"user_id"`
	CheckedInAt time.Time `json:"checked_in_at"`
}

// RegistrationPayload is the payload for registration.created and
// registration.cancelled events.
type RegistrationPayload struct {
	TicketID      string `json:"ticket_id"`
	EventID       string `json:"event_id"`
	InstanceID    string `json:"instance_id,omitempty"`
	UserID        string `json:"user_id"`
	Status        string `json:"status"`
	AttendeeCount int    `json:"attendee_count"`
}

// EventPublishedPayload is the payload for event.published events.
type EventPublishedPayload struct {
	EventID string `json:"event_id"`
	Title   string `json:"title"`
}

// NotificationPayload is the payload for notification events.
type NotificationPayload struct {
	Level       string `json:"level"` // info, warning, error, success
	Title       string `json:"title"`
	Message     string `json:"message"`
	Dismissible bool   `json:"dismissible"`
}

// ErrorPayload is the payload for error messages.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}
