package syncengine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"textsync/internal/middleware"
	"textsync/internal/models"
	"textsync/internal/ot"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: ONE OWNER, ONE LOOP

All engine state (content, queue, accumulator, suppressor flag, state
machine) is owned by a single goroutine. Everything that can happen to it is
posted to that goroutine as a closure and runs to completion before the next
one starts:

  LocalEdit ─┐
  frame in  ─┼──► events ──► loop() ──► Document
  tick      ─┤
  retry     ─┘

So there are no locks around the document; correctness is about ORDER only.
*/

// Config controls a single engine instance
type Config struct {
	DocID string

	// FlushInterval is the period of the recurring flush
	FlushInterval time.Duration

	// Retry policy when the transport is not ready
	RetryInitial  time.Duration
	RetryMax      time.Duration
	RetryAttempts int

	// ResyncOnConnect sends a SYNC request after every (re)connect and waits
	// for the snapshot before flushing.
	ResyncOnConnect bool

	// SnapshotTimeout bounds that wait. A relay that only relays batches
	// never answers SYNC; after the timeout the engine flushes anyway.
	SnapshotTimeout time.Duration

	// TransformPending shifts queued local operations against applied remote ones
	TransformPending bool

	Logger *log.Logger
}

// DefaultConfig returns the standard timings for docID
func DefaultConfig(docID string) Config {
	return Config{
		DocID:           docID,
		FlushInterval:   7 * time.Second,
		RetryInitial:    100 * time.Millisecond,
		RetryMax:        5 * time.Second,
		RetryAttempts:   50,
		ResyncOnConnect: true,
		SnapshotTimeout: 3 * time.Second,
	}
}

// Status is a point-in-time copy of the engine state
type Status struct {
	DocID       string
	State       State
	Content     string
	LastSent    string
	Pending     []models.Operation
	Accumulated string
}

// Engine keeps a local editing surface synchronized with a shared document
type Engine struct {
	cfg       Config
	transport Transport
	view      View
	logger    *log.Logger
	ctx       context.Context

	events    chan func()
	errs      chan error
	done      chan struct{}
	wg        sync.WaitGroup
	closeOnce sync.Once

	// Owned by the loop goroutine
	doc        *Document
	state      State
	retry      backoff.BackOff
	retryTimer *time.Timer
	syncTimer  *time.Timer
	detached   bool
}

// Attach creates an engine bound to cfg.DocID with empty content, starts its
// loop and opens the transport.
func Attach(ctx context.Context, cfg Config, transport Transport, view View) (*Engine, error) {
	if cfg.DocID == "" {
		return nil, fmt.Errorf("document id is required")
	}
	if transport == nil {
		return nil, fmt.Errorf("transport is required")
	}
	def := DefaultConfig(cfg.DocID)
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.RetryInitial <= 0 {
		cfg.RetryInitial = def.RetryInitial
	}
	if cfg.RetryMax <= 0 {
		cfg.RetryMax = def.RetryMax
	}
	if cfg.SnapshotTimeout <= 0 {
		cfg.SnapshotTimeout = def.SnapshotTimeout
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = def.RetryAttempts
	}
	if cfg.Logger == nil {
		cfg.Logger = log.Default()
	}
	if view == nil {
		view = ViewFunc(func(string) {})
	}

	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = cfg.RetryInitial
	exp.MaxInterval = cfg.RetryMax
	exp.Multiplier = 2
	exp.RandomizationFactor = 0
	exp.MaxElapsedTime = 0
	exp.Reset()

	e := &Engine{
		cfg:       cfg,
		transport: transport,
		view:      view,
		logger:    cfg.Logger,
		ctx:       ctx,
		events:    make(chan func(), 256),
		errs:      make(chan error, 16),
		done:      make(chan struct{}),
		doc:       NewDocument(cfg.DocID, cfg.TransformPending),
		state:     Disconnected,
		retry:     backoff.WithMaxRetries(exp, uint64(cfg.RetryAttempts)),
	}

	transport.OnOpen(func() { e.post(e.handleOpen) })
	transport.OnMessage(func(frame []byte) { e.post(func() { e.handleFrame(frame) }) })
	transport.OnClose(func(err error) { e.post(func() { e.handleClose(err) }) })

	e.wg.Add(2)
	go e.loop()
	go e.tickLoop()

	if err := transport.Open(ctx); err != nil {
		e.Detach()
		return nil, fmt.Errorf("failed to open transport: %w", err)
	}

	e.logger.Printf("✓ Sync engine attached to document %s", cfg.DocID)
	return e, nil
}

// LocalEdit reports the input surface's new text and caret offset
func (e *Engine) LocalEdit(text string, caret int) error {
	if !e.post(func() { e.doc.LocalEdit(text, caret) }) {
		return ErrDetached
	}
	return nil
}

// Edit derives a local change from the engine's own content. Unlike
// LocalEdit it cannot race a remote batch: fn runs on the loop.
func (e *Engine) Edit(fn EditFunc) error {
	if !e.post(func() { e.doc.Edit(fn) }) {
		return ErrDetached
	}
	return nil
}

// Flush asks the engine to transmit queued operations now
func (e *Engine) Flush() error {
	if !e.post(e.flush) {
		return ErrDetached
	}
	return nil
}

// Status returns a copy of the current state once every earlier event ran
func (e *Engine) Status() (Status, error) {
	var st Status
	err := e.call(func() {
		st = Status{
			DocID:       e.doc.DocID(),
			State:       e.state,
			Content:     e.doc.Content(),
			LastSent:    e.doc.LastSent(),
			Pending:     e.doc.Pending(),
			Accumulated: e.doc.Accumulated(),
		}
	})
	return st, err
}

// Errors delivers failures that need the caller's attention, such as
// ErrResyncRequired. Undelivered errors are dropped when the buffer is full.
func (e *Engine) Errors() <-chan error {
	return e.errs
}

// Detach promotes and, if possible, sends what is pending, then stops the
// timers and closes the transport. Content is discarded.
//
// Detach waits for the event loop, and View.Render runs on it: calling
// Detach from Render deadlocks. Detach from a callback with `go e.Detach()`.
func (e *Engine) Detach() error {
	var err error
	e.closeOnce.Do(func() {
		e.call(func() {
			e.doc.Promote()
			if e.canSend() {
				e.flush()
			}
			e.stopRetry()
			e.stopSyncWait()
			e.detached = true
		})
		close(e.done)
		e.wg.Wait()

		if cerr := e.transport.Close(); cerr != nil {
			err = fmt.Errorf("failed to close transport: %w", cerr)
		}
		e.logger.Printf("✓ Sync engine detached from document %s", e.cfg.DocID)
	})
	return err
}

// post queues fn for the loop. It never runs after Detach.
func (e *Engine) post(fn func()) bool {
	select {
	case <-e.done:
		return false
	default:
	}
	select {
	case <-e.done:
		return false
	case e.events <- fn:
		return true
	}
}

// call runs fn on the loop and waits for it
func (e *Engine) call(fn func()) error {
	finished := make(chan struct{})
	if !e.post(func() { fn(); close(finished) }) {
		return ErrDetached
	}
	select {
	case <-finished:
		return nil
	case <-e.done:
		return ErrDetached
	}
}

func (e *Engine) loop() {
	defer e.wg.Done()
	for {
		select {
		case <-e.done:
			return
		case fn := <-e.events:
			fn()
		}
	}
}

// tickLoop drives the recurring flush
func (e *Engine) tickLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(e.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			return
		case <-ticker.C:
			e.post(e.tick)
		}
	}
}

// tick promotes the word being typed so it is not held back indefinitely
func (e *Engine) tick() {
	e.doc.Promote()
	e.flush()
}

func (e *Engine) canSend() bool {
	return e.state == Synced && e.transport.Ready()
}

// flush sends the whole queue as one batch, or schedules a retry
func (e *Engine) flush() {
	if e.detached || e.doc.QueueLen() == 0 {
		return
	}
	if !e.canSend() {
		e.scheduleRetry()
		return
	}

	pending := e.doc.Pending()
	_, span := middleware.StartSpan(e.ctx, "SyncEngine.Flush",
		attribute.String("document.id", e.cfg.DocID),
		attribute.Int("batch.size", len(pending)),
	)
	defer span.End()

	frame, err := models.NewBatchMessage(e.cfg.DocID, pending).Encode()
	if err != nil {
		e.logger.Printf("❌ Dropping unencodable batch for %s: %v", e.cfg.DocID, err)
		span.RecordError(err)
		return
	}
	if err := e.transport.Send(string(frame)); err != nil {
		e.logger.Printf("⚠️  Send failed for %s: %v", e.cfg.DocID, err)
		span.RecordError(err)
		e.scheduleRetry()
		return
	}

	e.doc.MarkSent()
	e.stopRetry()
	e.retry.Reset()
}

func (e *Engine) scheduleRetry() {
	if e.retryTimer != nil || e.detached {
		return
	}
	next := e.retry.NextBackOff()
	if next == backoff.Stop {
		e.fail(ErrResyncRequired)
		return
	}
	var timer *time.Timer
	timer = time.AfterFunc(next, func() {
		e.post(func() {
			if e.retryTimer != timer {
				return
			}
			e.retryTimer = nil
			e.flush()
		})
	})
	e.retryTimer = timer
}

func (e *Engine) stopRetry() {
	if e.retryTimer != nil {
		e.retryTimer.Stop()
		e.retryTimer = nil
	}
}

// fail gives up on the current connection state. Queued operations stay.
func (e *Engine) fail(err error) {
	e.logger.Printf("❌ Document %s: %v (%d operations queued)", e.cfg.DocID, err, e.doc.QueueLen())
	e.state = Disconnected
	e.retry.Reset()
	select {
	case e.errs <- err:
	default:
	}
	if e.transport.Ready() {
		e.requestResync()
	}
}

func (e *Engine) handleOpen() {
	e.logger.Printf("✓ Connected, document %s", e.cfg.DocID)
	e.retry.Reset()
	if e.cfg.ResyncOnConnect {
		e.requestResync()
		return
	}
	e.state = Synced
	e.flush()
}

func (e *Engine) handleClose(err error) {
	if err != nil {
		e.logger.Printf("⚠️  Connection closed for %s: %v", e.cfg.DocID, err)
	} else {
		e.logger.Printf("Connection closed for %s", e.cfg.DocID)
	}
	e.stopSyncWait()
	e.state = Disconnected
}

// requestResync asks the relay for the full content; flushing waits for it
func (e *Engine) requestResync() {
	if !e.cfg.ResyncOnConnect {
		return
	}
	frame, err := models.NewSyncRequest(e.cfg.DocID).Encode()
	if err != nil {
		e.logger.Printf("❌ Failed to encode sync request: %v", err)
		return
	}
	if err := e.transport.Send(string(frame)); err != nil {
		e.logger.Printf("⚠️  Failed to send sync request for %s: %v", e.cfg.DocID, err)
		e.state = Disconnected
		return
	}
	e.state = Connecting
	e.waitForSnapshot()
}

// waitForSnapshot arms the fallback for relays that never answer SYNC
func (e *Engine) waitForSnapshot() {
	e.stopSyncWait()
	var timer *time.Timer
	timer = time.AfterFunc(e.cfg.SnapshotTimeout, func() {
		e.post(func() {
			if e.syncTimer != timer {
				return
			}
			e.syncTimer = nil
			if e.detached || e.state != Connecting || !e.transport.Ready() {
				return
			}
			e.logger.Printf("⚠️  No snapshot for %s after %s, sending without one", e.cfg.DocID, e.cfg.SnapshotTimeout)
			e.state = Synced
			e.retry.Reset()
			e.stopRetry()
			e.flush()
		})
	})
	e.syncTimer = timer
}

func (e *Engine) stopSyncWait() {
	if e.syncTimer != nil {
		e.syncTimer.Stop()
		e.syncTimer = nil
	}
}

// handleFrame is the Remote Applier entry point
func (e *Engine) handleFrame(frame []byte) {
	msg, err := models.DecodeEnvelope(frame)
	if err != nil {
		e.logger.Printf("⚠️  Dropping message: %v", err)
		return
	}
	if msg.DocID != e.cfg.DocID {
		return
	}

	_, span := middleware.StartSpan(e.ctx, "SyncEngine.ApplyRemote",
		attribute.String("document.id", msg.DocID),
		attribute.Int("batch.size", len(msg.Changes)),
		attribute.Bool("batch.snapshot", msg.Snapshot),
	)
	defer span.End()

	if msg.Snapshot {
		if e.doc.ApplySnapshot(msg.Content) {
			e.view.Render(e.doc.Content())
		}
		if e.state == Connecting {
			e.stopSyncWait()
			e.state = Synced
			e.retry.Reset()
			e.stopRetry()
			e.flush()
		}
		return
	}

	changed, err := e.doc.ApplyRemote(msg.Changes)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, ot.ErrOutOfRange) {
			e.logger.Printf("⚠️  Rejected remote batch: %v", err)
			e.requestResync()
			return
		}
		e.logger.Printf("⚠️  Failed to apply remote batch: %v", err)
		return
	}
	if changed {
		e.view.Render(e.doc.Content())
	}
}
