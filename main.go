package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/durasess/durasess/config"
	"github.com/durasess/durasess/internal/adapter/delivery"
	"github.com/durasess/durasess/internal/history"
	"github.com/durasess/durasess/internal/orchestrator"
	"github.com/durasess/durasess/internal/subprocess"
	handler "github.com/durasess/durasess/internal/transport/http"
	"github.com/durasess/durasess/internal/worker"
	"github.com/durasess/durasess/policy"
)

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	log.Printf("Starting session host...")
	log.Printf("Internal HTTP Port: %d", cfg.InternalPort)
	log.Printf("Database: %s", cfg.DatabaseURL)
	log.Printf("Subprocess: %s", cfg.SubprocessPath)

	// Initialize store
	db, err := history.NewSQLiteStore(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("Failed to initialize store: %v", err)
	}
	defer db.Close()

	// Initialize policy engine
	ctx := context.Background()
	policyEngine, err := policy.LoadEngine(ctx, cfg.PolicyPath)
	if err != nil {
		log.Fatalf("Failed to initialize policy engine: %v", err)
	}

	// Initialize session hub. Each opened session gets a supervised
	// worker that owns one subprocess and talks back over the internal
	// API.
	hub := orchestrator.NewHub(db, db, policyEngine)
	base := fmt.Sprintf("http://127.0.0.1:%d", cfg.InternalPort)
	hub.OnOpen = func(sessionID string) {
		client := delivery.NewClient(base, sessionID)
		sup := &worker.Supervisor{
			Config: worker.StartConfig{
				SessionID:   sessionID,
				Upstream:    client,
				Beacons:     client,
				Checkpoints: db,
				Log:         db,
				Acked:       client,
			},
			Channels: func() subprocess.Channel {
				return subprocess.NewCLIChannel(cfg.SubprocessPath, cfg.SubprocessArgs...)
			},
			Retry:     worker.RetryPolicy{MaxAttempts: cfg.WorkerMaxAttempts, Backoff: cfg.WorkerBackoff},
			Source:    client,
			Pending:   client,
			Failures:  client,
			OnAttempt: client.Attach,
		}
		if err := sup.Run(context.Background()); err != nil {
			log.Printf("ERROR: worker for session %s stopped: %v", sessionID, err)
		}
	}

	// Create internal Echo server (workers and operators)
	internalServer := handler.NewInternalServer(hub, db, cfg.OutboundPollMax)

	// Start internal server
	go func() {
		addr := fmt.Sprintf(":%d", cfg.InternalPort)
		if err := internalServer.Start(addr); err != nil && err != http.ErrServerClosed {
			log.Fatalf("Failed to start internal server: %v", err)
		}
	}()

	log.Printf("Internal API started on port %d", cfg.InternalPort)

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down session host...")

	// Graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := internalServer.Shutdown(shutdownCtx); err != nil {
		log.Printf("Failed to shutdown internal server gracefully: %v", err)
	}

	log.Println("Session host stopped")
}
