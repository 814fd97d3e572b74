// Package api provides HTTP routing and handlers for the REST API.
package api

import (
	"github.com/gorilla/mux"

	"github.com/eventgate/backend/internal/api/handlers"
	"github.com/eventgate/backend/internal/api/middleware"
	"github.com/eventgate/backend/internal/payment"
	"github.com/eventgate/backend/internal/registration"
	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/ticket"
	"github.com/eventgate/backend/internal/websocket"
)

// Services bundles the wired application services the router depends on.
type Services struct {
	Events       *storage.EventRepository
	Tickets      *storage.TicketRepository
	Sessions     *storage.PaymentRepository
	Reconciler   *payment.Reconciler
	Orchestrator *registration.Orchestrator
	Issuer       *ticket.Issuer
	Processor    *ticket.Processor

	// PublishingFeeCents is charged when an organizer publishes a paid
	// event. Zero disables the fee and paid events publish directly.
	PublishingFeeCents int64
}

// NewRouter creates and configures the HTTP router with all API routes.
func NewRouter(db *storage.DB, hub *websocket.Hub, svc Services) *mux.Router {
	r := mux.NewRouter()

	// Apply global middleware
	r.Use(middleware.Logging)
	r.Use(middleware.ErrorRecovery)

	// API subrouter
	api := r.PathPrefix("/api").Subrouter()

	// Health and status endpoints
	api.HandleFunc("/health", handlers.HealthCheck(db)).Methods("GET")
	api.HandleFunc("/status", handlers.Status(db, hub)).Methods("GET")

	// WebSocket endpoint for organizer dashboards
	api.HandleFunc("/ws", handlers.WebSocketUpgrade(hub)).Methods("GET")

	// Event endpoints
	api.HandleFunc("/events", handlers.ListEvents(svc.Events)).Methods("GET")
	api.HandleFunc("/events", handlers.CreateEvent(svc.Events)).Methods("POST")
	api.HandleFunc("/events/{id}", handlers.GetEvent(svc.Events, svc.Tickets)).Methods("GET")
	api.HandleFunc("/events/{id}/instances", handlers.EventInstances(svc.Orchestrator)).Methods("GET")
	api.HandleFunc("/events/{id}/publish", handlers.PublishEvent(svc.Events, svc.Reconciler, svc.PublishingFeeCents)).Methods("POST")
	api.HandleFunc("/events/{id}/payment-status", handlers.EventPaymentStatus(svc.Events, svc.Sessions, svc.Reconciler)).Methods("GET")

	// Registration endpoints
	api.HandleFunc("/events/{id}/register", handlers.Register(svc.Orchestrator)).Methods("POST")
	api.HandleFunc("/events/{id}/unregister", handlers.Unregister(svc.Orchestrator)).Methods("POST")
	api.HandleFunc("/registrations/{eventId}/{registrationId}/payment-status",
		handlers.RegistrationPaymentStatus(svc.Tickets, svc.Reconciler)).Methods("GET")

	// Payment session endpoints
	api.HandleFunc("/payments/{reference}/check", handlers.PaymentCheckNow(svc.Reconciler)).Methods("POST")
	api.HandleFunc("/payments/{reference}/force-verify", handlers.ForceVerify(svc.Reconciler)).Methods("POST")
	api.HandleFunc("/payments/{reference}/retry", handlers.PaymentRetry(svc.Reconciler)).Methods("POST")

	// Ticket endpoints
	api.HandleFunc("/tickets", handlers.MyTickets(svc.Tickets)).Methods("GET")
	api.HandleFunc("/tickets/{ticketId}/qr", handlers.IssueQR(svc.Issuer)).Methods("POST")
	api.HandleFunc("/events/{id}/checkin", handlers.CheckIn(svc.Processor)).Methods("POST")

	return r
}
