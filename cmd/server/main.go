// Package main is the entry point for the EventGate server.
package main

import (
	"context"
	"flag"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/eventgate/backend/internal/api"
	"github.com/eventgate/backend/internal/config"
	"github.com/eventgate/backend/internal/payment"
	"github.com/eventgate/backend/internal/registration"
	"github.com/eventgate/backend/internal/storage"
	"github.com/eventgate/backend/internal/ticket"
	"github.com/eventgate/backend/internal/websocket"
)

// version is set at build time via -ldflags "-X main.version=x.y.z".
// Defaults to "dev" when not provided.
var version = "dev"

func main() {
	healthCheck := flag.Bool("health-check", false, "Run health check and exit")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	// Health check mode for Docker HEALTHCHECK
	if *healthCheck {
		if err := runHealthCheck(cfg.ListenAddr); err != nil {
			log.Fatalf("Health check failed: %v", err)
		}
		os.Exit(0)
	}

	if envVer := os.Getenv("VERSION"); envVer != "" {
		version = envVer
	}

	log.Printf("Starting EventGate server (version: %s)...", version)

	// Initialize database
	if err := os.MkdirAll(cfg.DataDir, 0o755); err != nil {
		log.Fatalf("Failed to create data directory %q: %v", cfg.DataDir, err)
	}
	db, err := storage.NewDB(cfg.DataDir + "/eventgate.db")
	if err != nil {
		log.Fatalf("Failed to open database: %v", err)
	}
	defer db.Close()

	// Run migrations
	if err := storage.RunMigrations(db); err != nil {
		log.Fatalf("Failed to run migrations: %v", err)
	}
	log.Println("Database migrations complete")

	// Initialize WebSocket hub
	hub := websocket.NewHub()
	go hub.Run()

	// Initialize repositories
	eventRepo := storage.NewEventRepository(db)
	ticketRepo := storage.NewTicketRepository(db)
	sessionRepo := storage.NewPaymentRepository(db)

	// Payment provider client
	provider := payment.NewProvider(payment.ProviderConfig{
		BaseURL:           cfg.ProviderBaseURL,
		APIKey:            cfg.ProviderAPIKey,
		Timeout:           cfg.ProviderTimeout,
		RequestsPerSecond: cfg.ProviderRPS,
	})

	// Payment reconciler owns the per-session pollers and the periodic
	// resume/sweep of pending sessions.
	reconciler := payment.NewReconciler(
		db,
		eventRepo,
		ticketRepo,
		sessionRepo,
		provider,
		hub,
		payment.DefaultSchedule(),
		cfg.PendingSessionTTL,
	)
	if err := reconciler.Start(context.Background()); err != nil {
		log.Fatalf("Failed to start payment reconciler: %v", err)
	}

	// Registration and ticket services
	orchestrator := registration.NewOrchestrator(db, eventRepo, ticketRepo, reconciler, hub)
	issuer := ticket.NewIssuer(ticketRepo)
	processor := ticket.NewProcessor(db, eventRepo, ticketRepo, hub)

	router := api.NewRouter(db, hub, api.Services{
		Events:             eventRepo,
		Tickets:            ticketRepo,
		Sessions:           sessionRepo,
		Reconciler:         reconciler,
		Orchestrator:       orchestrator,
		Issuer:             issuer,
		Processor:          processor,
		PublishingFeeCents: cfg.PublishingFeeCents,
	})

	server := &http.Server{
		Addr:         cfg.ListenAddr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	// Start server in background
	go func() {
		log.Printf("Server listening on %s", cfg.ListenAddr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			log.Fatalf("Server error: %v", err)
		}
	}()

	// Wait for shutdown signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down server...")

	reconciler.Stop()

	// Graceful shutdown with timeout
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		log.Fatalf("Server shutdown error: %v", err)
	}

	log.Println("Server stopped")
}

// runHealthCheck performs a health check against the running server.
func runHealthCheck(addr string) error {
	url := "http://localhost" + addr + "/api/health"
	resp, err := http.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return http.ErrAbortHandler
	}
	return nil
}
