package models

import (
	"time"
)

// PaymentSession tracks one hosted-checkout payment at the external provider.
// Keyed by the provider-issued reference; owned by the ticket or event it pays
// for. Once a session reaches a terminal status it never transitions again.
type PaymentSession struct {
	Reference   string     `json:"reference"`
	PaymentType string     `json:"payment_type"`
	TargetID    string     `json:"target_id"` // event ID or ticket ID
	Status      string     `json:"status"`
	PaymentURL  string     `json:"payment_url"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	ResolvedAt  *time.Time `json:"resolved_at,omitempty"`
}

// Payment type constants
const (
	PaymentTypeEventPublishing   = "event_publishing"
	PaymentTypeEventRegistration = "event_registration"
)

// Payment session status constants
const (
	PaymentStatusPending   = "pending"
	PaymentStatusCompleted = "completed"
	PaymentStatusAbandoned = "abandoned"
	PaymentStatusFailed    = "failed"
)

// PaymentStatusIsTerminal returns true for statuses that admit no further
// transition.
func PaymentStatusIsTerminal(status string) bool {
	switch status {
	case PaymentStatusCompleted, PaymentStatusAbandoned, PaymentStatusFailed:
		return true
	}
	return false
}

// IsTerminal reports whether the session has been resolved.
func (s *PaymentSession) IsTerminal() bool {
	return PaymentStatusIsTerminal(s.Status)
}
