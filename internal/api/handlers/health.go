package handlers

import (
	"net/http"

	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/storage/models"
	"github.com/eventgate/backend/internal/websocket"
)

// HealthResponse represents the health check response.
type HealthResponse struct {
	Status      string `json:"status"`
	DBConnected bool   `json:"db_connected"`
}

// HealthCheck returns a handler that performs a health check.
func HealthCheck(db *storage.DB) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		dbConnected := db.Ping() == nil

		status := "healthy"
		code := http.StatusOK
		if !dbConnected {
			status = "degraded"
			code = http.StatusServiceUnavailable
		}

		writeJSON(w, code, HealthResponse{
			Status:      status,
			DBConnected: dbConnected,
		})
	}
}

// StatusResponse represents the system status response.
type StatusResponse struct {
	PublishedEvents  int `json:"published_events"`
	ActiveTickets    int `json:"active_tickets"`
	PendingPayments  int `json:"pending_payments"`
	DashboardClients int `json:"dashboard_clients"`
}

// Status returns a handler that provides system status information.
func Status(db *storage.DB, hub *websocket.Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var published int
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM events WHERE status = ?",
			models.EventStatusPublished).Scan(&published)

		var activeTickets int
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM tickets WHERE status = ?",
			models.TicketStatusConfirmed).Scan(&activeTickets)

		var pendingPayments int
		db.QueryRowContext(ctx, "SELECT COUNT(*) FROM payment_sessions WHERE status = ?",
			models.PaymentStatusPending).Scan(&pendingPayments)

		clients := 0
		if hub != nil {
			clients = hub.ClientCount()
		}

		writeJSON(w, http.StatusOK, StatusResponse{
			PublishedEvents:  published,
			ActiveTickets:    activeTickets,
			PendingPayments:  pendingPayments,
			DashboardClients: clients,
		})
	}
}
