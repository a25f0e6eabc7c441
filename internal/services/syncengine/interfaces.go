package syncengine

import (
	"context"
	"errors"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES

The engine is the CONSUMER of a connection and of an editing surface, so the
interfaces it needs live here. The WebSocket adapter in internal/transport
satisfies Transport without importing this package.
*/

// Transport is the persistent connection to the relay
type Transport interface {
	// Open starts connecting in the background; readiness is reported via OnOpen
	Open(ctx context.Context) error
	Send(frame string) error
	Close() error
	Ready() bool

	OnOpen(fn func())
	OnMessage(fn func(frame []byte))
	OnClose(fn func(err error))
}

// View is the editing surface. Render receives the reconciled content after
// a remote change. It may report the resulting change back through
// Engine.LocalEdit; that notification is swallowed once. Render runs on the
// engine's loop and must not call Detach synchronously.
type View interface {
	Render(content string)
}

// ViewFunc adapts a plain function to View
type ViewFunc func(content string)

func (f ViewFunc) Render(content string) { f(content) }

var (
	// ErrDetached is returned by engine calls after Detach
	ErrDetached = errors.New("sync engine detached")

	// ErrResyncRequired is surfaced when a batch could not be sent after the
	// configured number of attempts. Queued operations are kept.
	ErrResyncRequired = errors.New("resync required: transport not ready")
)
