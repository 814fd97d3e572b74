package models

import (
	"time"
)

// Event represents an event created by an organizer. Recurring events carry a
// RecurrencePattern; their concrete occurrences are derived on demand and are
// never persisted.
type Event struct {
	ID               string             `json:"id"`
	OrganizerID      string             `json:"organizer_id"`
	Title            string             `json:"title"`
	Description      string             `json:"description,omitempty"`
	Location         string             `json:"location,omitempty"`
	EventDate        time.Time          `json:"event_date"`
	EndDate          *time.Time         `json:"end_date,omitempty"`
	IsRecurring      bool               `json:"is_recurring"`
	Recurrence       *RecurrencePattern `json:"recurrence_pattern,omitempty"`
	MaxAttendees     int                `json:"max_attendees"`
	CurrentAttendees int                `json:"current_attendees"`
	Status           string             `json:"status"`
	EventType        string             `json:"event_type"`
	TicketPriceCents int64              `json:"ticket_price_cents"`
	CreatedAt        time.Time          `json:"created_at"`
	UpdatedAt        time.Time          `json:"updated_at"`
}

// Event status constants
const (
	EventStatusDraft          = "draft"           // Not yet visible to attendees
	EventStatusPendingPayment = "pending_payment" // Publishing fee unresolved
	EventStatusPublished      = "published"       // Attendee-visible
	EventStatusCancelled      = "cancelled"
)

// Event type constants
const (
	EventTypeFree = "free"
	EventTypePaid = "paid"
)

// HasCapacityLimit returns true when attendance is bounded.
// MaxAttendees of 0 means unlimited.
func (e *Event) HasCapacityLimit() bool {
	return e.MaxAttendees > 0
}

// IsFull returns true when the event-level counter has reached the bound.
func (e *Event) IsFull() bool {
	return e.HasCapacityLimit() && e.CurrentAttendees >= e.MaxAttendees
}

// Remaining returns the number of open spots, or -1 when unlimited.
func (e *Event) Remaining() int {
	if !e.HasCapacityLimit() {
		return -1
	}
	n := e.MaxAttendees - e.CurrentAttendees
	if n < 0 {
		return 0
	}
	return n
}

// RecurrenceType identifies how a recurring event repeats.
type RecurrenceType string

const (
	RecurrenceWeekly  RecurrenceType = "weekly"
	RecurrenceMonthly RecurrenceType = "monthly"
)

// RecurrencePattern describes how a recurring event repeats. It is owned
// exclusively by its Event and stored as a JSON column on the event row.
//
// The Type tag determines which fields are meaningful: weekly patterns use
// DaysOfWeek (0=Sunday .. 6=Saturday), monthly patterns use DayOfMonth.
type RecurrencePattern struct {
	Type       RecurrenceType `json:"type"`
	DaysOfWeek []int          `json:"days_of_week,omitempty"`
	DayOfMonth int            `json:"day_of_month,omitempty"`
	StartTime  string         `json:"start_time"` // "15:04" local to Timezone
	Timezone   string         `json:"timezone"`
	EndDate    *time.Time     `json:"end_date,omitempty"` // absent = never ends
}

// EventInstance is one concrete occurrence of a recurring event, derived from
// the pattern. Instances are regenerated on demand, never mutated in place.
type EventInstance struct {
	InstanceID    string    `json:"instance_id"`
	EventID       string    `json:"event_id"`
	Date          time.Time `json:"date"`
	LocalTime     string    `json:"local_time"`
	DayOfWeek     string    `json:"day_of_week"`
	AttendeeCount int       `json:"attendee_count"`
	MaxAttendees  int       `json:"max_attendees"`
}
