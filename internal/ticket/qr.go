// Package ticket handles QR credential issuance and door check-in. A QR
// payload is ephemeral: it is rebuilt on every request around a fresh
// server-minted verification token, and only its token binds it to state.
package ticket

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/storage/models"
)

// QR payload wire constants.
const (
	PayloadType    = "event_checkin"
	PayloadVersion = "1.0"
)

// Issuance errors.
var (
	ErrTicketNotFound     = errors.New("ticket not found")
	ErrTicketNotOwned     = errors.New("ticket not owned by user")
	ErrTicketNotConfirmed = errors.New("ticket is not confirmed")
)

// QRPayload is the JSON document serialized into the scannable code. All five
// identifying fields must be non-empty before the payload may be displayed.
type QRPayload struct {
	EventID           string `json:"eventId"`
	UserID            string `json:"userId"`
	TicketID          string `json:"ticketId"`
	VerificationToken string `json:"verificationToken"`
	Timestamp         int64  `json:"timestamp"` // ms since epoch
	Type              string `json:"type"`
	Version           string `json:"version"`
}

// Validate performs the structural check: the five identifying fields present
// and the payload marked as a check-in credential.
func (p *QRPayload) Validate() error {
	if p.EventID == "" || p.UserID == "" || p.TicketID == "" ||
		p.VerificationToken == "" || p.Timestamp == 0 {
		return fmt.Errorf("incomplete QR payload")
	}
	if p.Type != PayloadType {
		return fmt.Errorf("unexpected QR payload type %q", p.Type)
	}
	return nil
}

// Encode serializes the payload for the QR renderer.
func (p *QRPayload) Encode() ([]byte, error) {
	return json.Marshal(p)
}

// Issuer mints QR credentials for tickets.
type Issuer struct {
	tickets *storage.TicketRepository
	now     func() time.Time
}

// NewIssuer creates a QR issuer.
func NewIssuer(tickets *storage.TicketRepository) *Issuer {
	return &Issuer{tickets: tickets, now: time.Now}
}

// IssueQR mints a fresh verification token bound to (event, user, ticket) and
// returns the payload to display. The ticket must belong to the requesting
// user and be confirmed. Each issuance replaces the stored token, so older
// codes for the same ticket stop scanning.
func (i *Issuer) IssueQR(ctx context.Context, ticketID, userID string) (*QRPayload, error) {
	t, err := i.tickets.GetByID(ctx, i.tickets.DB(), ticketID)
	if errors.Is(err, storage.ErrNotFound) {
		return nil, ErrTicketNotFound
	}
	if err != nil {
		return nil, err
	}
	if t.UserID != userID {
		return nil, ErrTicketNotOwned
	}
	if t.Status != models.TicketStatusConfirmed {
		return nil, ErrTicketNotConfirmed
	}

	token, err := mintToken()
	if err != nil {
		return nil, err
	}
	if err := i.tickets.SetVerificationToken(ctx, t.ID, token); err != nil {
		return nil, err
	}

	payload := &QRPayload{
		EventID:           t.EventID,
		UserID:            t.UserID,
		TicketID:          t.ID,
		VerificationToken: token,
		Timestamp:         i.now().UnixMilli(),
		Type:              PayloadType,
		Version:           PayloadVersion,
	}

	// A structurally invalid payload must never reach a display.
	if err := payload.Validate(); err != nil {
		return nil, err
	}
	return payload, nil
}

// mintToken produces an opaque, non-guessable credential. Tokens are never
// derived client-side and never reused across issuances.
func mintToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("minting verification token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
