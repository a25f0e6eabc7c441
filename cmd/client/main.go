package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"textsync/internal/config"
	"textsync/internal/services/syncengine"
	"textsync/internal/transport"
)

/*
LEARNING: A TERMINAL AS THE EDITING SURFACE

The client keeps no text of its own. Every line read from stdin is typed into
the engine one character at a time through Engine.Edit, so word batching and
the flush timer behave exactly as they would behind an editor. Remote changes
are printed as they are applied.

  stdin ──► commands ──► Engine.Edit ──► queue ──► WebSocket ──► relay
  stdout ◄── View.Render ◄── Engine ◄── WebSocket ◄── relay
*/

func main() {
	log.Println("🚀 Starting text sync client...")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("❌ Failed to load config: %v", err)
	}
	if err := cfg.ValidateClient(); err != nil {
		log.Fatalf("❌ Invalid client config: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	ws, err := transport.NewWebSocket(transport.Options{
		URL:      cfg.SyncEndpoint,
		DocID:    cfg.SyncDocID,
		UserID:   cfg.SyncUserID,
		UserName: cfg.SyncUserName,
		Logger:   log.Default(),
	})
	if err != nil {
		log.Fatalf("❌ Failed to create transport: %v", err)
	}
	log.Printf("✓ Connecting to %s as client %s", ws.Endpoint(), ws.ClientID())

	engineCfg := syncengine.Config{
		DocID:            cfg.SyncDocID,
		FlushInterval:    cfg.SyncFlushInterval,
		RetryInitial:     cfg.SyncRetryInitial,
		RetryMax:         cfg.SyncRetryMax,
		RetryAttempts:    cfg.SyncRetryAttempts,
		ResyncOnConnect:  cfg.SyncResyncOnConnect,
		SnapshotTimeout:  cfg.SyncSnapshotTimeout,
		TransformPending: cfg.SyncTransformPending,
		Logger:           log.Default(),
	}

	view := syncengine.ViewFunc(func(content string) {
		fmt.Printf("📄 %s\n", content)
	})

	eng, err := syncengine.Attach(ctx, engineCfg, ws, view)
	if err != nil {
		log.Fatalf("❌ Failed to attach sync engine: %v", err)
	}

	go func() {
		for {
			select {
			case err := <-eng.Errors():
				if errors.Is(err, syncengine.ErrResyncRequired) {
					log.Printf("⚠️  %v (edits are kept and sent after reconnect)", err)
					continue
				}
				log.Printf("❌ Sync error: %v", err)
			case <-ctx.Done():
				return
			}
		}
	}()

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		if err := scanner.Err(); err != nil {
			log.Printf("⚠️  Failed to read input: %v", err)
		}
	}()

	fmt.Println("Type to edit. Commands: :del N, :flush, :status, :quit")

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			quit, err := runCommand(eng, line, os.Stdout)
			if err != nil {
				log.Printf("⚠️  %v", err)
			}
			if quit {
				break loop
			}
		}
	}

	log.Println("🛑 Detaching...")
	if err := eng.Detach(); err != nil {
		log.Printf("⚠️  %v", err)
	}
}
