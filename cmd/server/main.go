package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"textsync/internal/api"
	"textsync/internal/broker"
	"textsync/internal/config"
	"textsync/internal/services/collaboration"
	"textsync/internal/telemetry"

	"github.com/google/uuid"
)

/*
LEARNING: GRACEFUL SHUTDOWN PATTERN WITH OBSERVABILITY

This main function wires the relay:
1. Configuration and distributed tracing with Jaeger
2. The broker: Redis when REDIS_ADDR is set, in-process otherwise
3. The session hub and its HTTP/WebSocket surface
4. Graceful shutdown on SIGINT/SIGTERM, in reverse order of startup
*/

func main() {
	log.Println("🚀 Starting text sync relay...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}

	// Learning: Do this FIRST so all operations are traced
	jaegerShutdown, err := telemetry.InitJaeger(telemetry.Options{
		ServiceName: "textsync-relay",
		Endpoint:    cfg.JaegerEndpoint,
		SampleRatio: cfg.TraceSampleRatio,
	})
	if err != nil {
		log.Printf("⚠️  Failed to initialize Jaeger: %v (continuing without tracing)", err)
		jaegerShutdown = func(ctx context.Context) error { return nil }
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := jaegerShutdown(ctx); err != nil {
			log.Printf("⚠️  Failed to shutdown Jaeger: %v", err)
		}
	}()

	ctx, stop := context.WithCancel(context.Background())
	defer stop()

	// Each process is one relay instance; the ID keeps it from re-sending its
	// own batches to the session that wrote them.
	instanceID := uuid.NewString()

	var b broker.Broker
	if cfg.RedisAddr != "" {
		rb, err := broker.NewRedisBroker(ctx, cfg.RedisAddr, cfg.RedisChannelPrefix, log.Default())
		if err != nil {
			log.Fatalf("❌ Failed to connect to Redis: %v", err)
		}
		b = rb
		log.Printf("✓ Redis broker connected: %s", cfg.RedisAddr)
	} else {
		b = broker.NewLocalBroker()
		log.Println("✓ In-process broker (single instance)")
	}
	defer b.Close()

	sessionManager := collaboration.NewSessionManager(collaboration.Options{
		InstanceID:   instanceID,
		Broker:       b,
		MessageRate:  cfg.RelayMessageRate,
		MessageBurst: cfg.RelayMessageBurst,
	})
	if err := sessionManager.Start(ctx); err != nil {
		log.Fatalf("❌ Failed to start session manager: %v", err)
	}

	wsHandler := collaboration.NewWebSocketHandler(sessionManager)
	handler := api.NewHandler(sessionManager, wsHandler)
	router := api.SetupRoutes(handler)

	addr := cfg.Address()
	// No Read/WriteTimeout: they would cut long-lived WebSocket connections.
	// The session pumps keep their own deadlines.
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	// Learning: This allows us to handle shutdown signals concurrently
	go func() {
		log.Printf("🌐 Relay %s listening on http://%s", instanceID, addr)
		log.Printf("📚 Endpoints:")
		log.Printf("   GET    /api/health              - Health check")
		log.Printf("   GET    /api/documents/:id       - Relay replica of a document")
		log.Printf("   GET    /ws/document/:id         - Document sync (WebSocket)")
		log.Println()

		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("❌ Server error: %v", err)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("\n🛑 Shutting down relay...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Hijacked WebSocket connections are not tracked by Shutdown; the session
	// manager closes them below.
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("⚠️  Server forced to shutdown: %v", err)
	}

	// Learning: This closes all active WebSocket connections gracefully
	sessionManager.Shutdown()
	stop()

	log.Println("✓ Relay shutdown complete")
}
