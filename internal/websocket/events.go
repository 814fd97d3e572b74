package websocket

import (
	"log"
	"time"
)

// EventBroadcaster handles broadcasting WebSocket events.
type EventBroadcaster struct {
	hub *Hub
}

// NewEventBroadcaster creates a new event broadcaster. A nil hub yields a
// broadcaster whose methods are no-ops, which keeps services testable without
// a live hub.
func NewEventBroadcaster(hub *Hub) *EventBroadcaster {
	return &EventBroadcaster{hub: hub}
}

// BroadcastPaymentStatusChanged sends a payment.status_changed event.
func (b *EventBroadcaster) BroadcastPaymentStatusChanged(reference, paymentType, targetID, previousStatus, newStatus string) {
	payload := PaymentStatusPayload{
		Reference:      reference,
		PaymentType:    paymentType,
		TargetID:       targetID,
		PreviousStatus: previousStatus,
		NewStatus:      newStatus,
	}
	b.broadcast(NewMessage(TypePaymentStatusChanged, payload))
}

// BroadcastTicketCheckedIn sends a ticket.checked_in event.
func (b *EventBroadcaster) BroadcastTicketCheckedIn(ticketID, eventID, instanceID, userID string, checkedInAt time.Time) {
	payload := CheckInPayload{
		TicketID:    ticketID,
		EventID:     eventID,
		InstanceID:  instanceID,
		UserID:      userID,
		CheckedInAt: checkedInAt,
	}
	b.broadcast(NewMessage(TypeTicketCheckedIn, payload))
}

// BroadcastRegistrationCreated sends a registration.created event.
func (b *EventBroadcaster) BroadcastRegistrationCreated(ticketID, eventID, instanceID, userID, status string, attendeeCount int) {
	payload := RegistrationPayload{
		TicketID:      ticketID,
		EventID:       eventID,
		InstanceID:    instanceID,
		UserID:        userID,
		Status:        status,
		AttendeeCount: attendeeCount,
	}
	b.broadcast(NewMessage(TypeRegistrationCreated, payload))
}

// BroadcastRegistrationCancelled sends a registration.cancelled event.
func (b *EventBroadcaster) BroadcastRegistrationCancelled(ticketID, eventID, instanceID, userID string, attendeeCount int) {
	payload := RegistrationPayload{
		TicketID:      ticketID,
		EventID:       eventID,
		InstanceID:    instanceID,
		UserID:        userID,
		Status:        "cancelled",
		AttendeeCount: attendeeCount,
	}
	b.broadcast(NewMessage(TypeRegistrationCanceled, payload))
}

// BroadcastEventPublished sends an event.published event.
func (b *EventBroadcaster) BroadcastEventPublished(eventID, title string) {
	b.broadcast(NewMessage(TypeEventPublished, EventPublishedPayload{
		EventID: eventID,
		Title:   title,
	}))
}

// BroadcastNotification sends a notification to all connected clients.
func (b *EventBroadcaster) BroadcastNotification(level, title, message string) {
	payload := NotificationPayload{
		Level:       level,
		Title:       title,
		Message:     message,
		Dismissible: true,
	}
	b.broadcast(NewMessage(TypeNotification, payload))
}

// broadcast sends a message to all connected clients.
func (b *EventBroadcaster) broadcast(msg Message) {
	if b == nil || b.hub == nil {
		return
	}
	data, err := msg.JSON()
	if err != nil {
		log.Printf("Error encoding WebSocket message: %v", err)
		return
	}
	b.hub.Broadcast(data)
}
