package collaboration

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"textsync/internal/broker"
	"textsync/internal/middleware"
	"textsync/internal/models"

	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

/*
LEARNING: WEBSOCKET SESSION MANAGER

One hub goroutine owns room membership, the per-document replicas and the
broadcast. Everything that has to be ordered relative to relayed batches goes
through it:

	ReadPump ──MESSAGE──► broker ──► hub: apply to replica, fan out to room
	ReadPump ──SYNC─────────────────► hub: reply with replica content

Because the snapshot and the batches are produced by the same goroutine, a
client that asked for a snapshot receives exactly the batches applied after
it, never one twice and never one missing.

With a Redis broker every relay instance sees every batch in the same order,
so their replicas agree and a client can resync against any of them.
*/

// ErrManagerStopped is returned when the hub is no longer running
var ErrManagerStopped = errors.New("session manager stopped")

// Options configure a SessionManager
type Options struct {
	// InstanceID tells this relay's batches apart from other instances'
	InstanceID string
	Broker     broker.Broker

	// Per-session inbound MESSAGE rate (per second) and burst; 0 disables
	MessageRate  float64
	MessageBurst int

	IdleTimeout     time.Duration
	CleanupInterval time.Duration

	Logger *log.Logger
}

// SessionManager manages all active WebSocket sessions
type SessionManager struct {
	opts   Options
	logger *log.Logger

	// Hub state, written by the hub goroutine only; mu lets HTTP handlers read it
	documents map[string]map[*Session]bool // documentID -> set of sessions
	replicas  map[string]*Replica
	mu        sync.RWMutex

	register   chan *Session
	unregister chan *Session
	syncs      chan *Session
	rejects    chan *Session

	done     chan struct{} // closed by Shutdown
	stopped  chan struct{} // closed when the hub exits
	stopOnce sync.Once
	wg       sync.WaitGroup // hub and cleanup
	pumps    sync.WaitGroup // read and write pumps
}

// NewSessionManager creates a new session manager
func NewSessionManager(opts Options) *SessionManager {
	if opts.Broker == nil {
		opts.Broker = broker.NewLocalBroker()
	}
	if opts.MessageBurst <= 0 {
		opts.MessageBurst = 1
	}
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.CleanupInterval <= 0 {
		opts.CleanupInterval = 30 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = log.Default()
	}

	return &SessionManager{
		opts:       opts,
		logger:     opts.Logger,
		documents:  make(map[string]map[*Session]bool),
		replicas:   make(map[string]*Replica),
		register:   make(chan *Session),
		unregister: make(chan *Session),
		syncs:      make(chan *Session, 64),
		rejects:    make(chan *Session, 64),
		done:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
}

// InstanceID identifies this relay on the broker
func (sm *SessionManager) InstanceID() string { return sm.opts.InstanceID }

// Start subscribes to the broker and begins the hub loop
func (sm *SessionManager) Start(ctx context.Context) error {
	sm.logger.Println("🔄 Starting WebSocket session manager...")

	ctx, cancel := context.WithCancel(ctx)
	relayed, err := sm.opts.Broker.Subscribe(ctx)
	if err != nil {
		cancel()
		return fmt.Errorf("failed to subscribe to broker: %w", err)
	}

	sm.wg.Add(2)
	go func() {
		defer sm.wg.Done()
		defer cancel()
		sm.run(relayed)
	}()
	go sm.cleanupLoop()

	sm.logger.Printf("✓ WebSocket session manager started (instance %s)", sm.opts.InstanceID)
	return nil
}

func (sm *SessionManager) run(relayed <-chan *models.RelayMessage) {
	defer close(sm.stopped)
	defer sm.closeAll()

	for {
		select {
		case <-sm.done:
			sm.logger.Println("Session manager shutting down...")
			return

		case session := <-sm.register:
			sm.handleRegister(session)

		case session := <-sm.unregister:
			sm.handleUnregister(session)

		case session := <-sm.syncs:
			sm.sendSnapshot(session)

		case session := <-sm.rejects:
			sm.sendSnapshot(session)

		case msg, ok := <-relayed:
			if !ok {
				sm.logger.Println("❌ Broker subscription closed, stopping session manager")
				return
			}
			sm.handleRelayed(msg)
		}
	}
}

// handleRegister adds a session to a document room
func (sm *SessionManager) handleRegister(session *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Create document room if doesn't exist
	if sm.documents[session.DocumentID] == nil {
		sm.documents[session.DocumentID] = make(map[*Session]bool)
	}
	if sm.replicas[session.DocumentID] == nil {
		sm.replicas[session.DocumentID] = newReplica(session.DocumentID)
	}

	sm.documents[session.DocumentID][session] = true

	sm.logger.Printf("  Session %s joined document %s (total: %d users)",
		session.ID, session.DocumentID, len(sm.documents[session.DocumentID]))
}

// handleUnregister removes a session from a document room
func (sm *SessionManager) handleUnregister(session *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.removeLocked(session)
}

func (sm *SessionManager) removeLocked(session *Session) {
	sessions, ok := sm.documents[session.DocumentID]
	if !ok || !sessions[session] {
		return
	}
	delete(sessions, session)
	close(session.Send)

	// Remove empty document rooms; the replica stays
	if len(sessions) == 0 {
		delete(sm.documents, session.DocumentID)
	}

	sm.logger.Printf("  Session %s left document %s (remaining: %d users)",
		session.ID, session.DocumentID, len(sessions))
}

// handleRelayed applies a batch to the replica and fans it out to the room,
// skipping the session it came from.
func (sm *SessionManager) handleRelayed(msg *models.RelayMessage) {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	local := msg.Instance == sm.opts.InstanceID

	replica := sm.replicas[msg.DocID]
	if replica == nil {
		replica = newReplica(msg.DocID)
		sm.replicas[msg.DocID] = replica
	}

	if err := replica.Apply(msg.Changes); err != nil {
		sm.logger.Printf("⚠️  Rejected batch from session %s on document %s: %v", msg.Origin, msg.DocID, err)
		// The sender rebases on the replica; nobody else saw the batch
		if local {
			for session := range sm.documents[msg.DocID] {
				if session.ID == msg.Origin {
					sm.sendSnapshotLocked(session)
				}
			}
		}
		return
	}

	frame, err := models.NewRelayedBatch(msg.DocID, msg.Changes).Encode()
	if err != nil {
		sm.logger.Printf("❌ Failed to encode relayed batch: %v", err)
		return
	}

	for session := range sm.documents[msg.DocID] {
		// Skip sender
		if local && session.ID == msg.Origin {
			continue
		}
		sm.enqueueLocked(session, frame)
	}
}

func (sm *SessionManager) sendSnapshot(session *Session) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	sm.sendSnapshotLocked(session)
}

func (sm *SessionManager) sendSnapshotLocked(session *Session) {
	if !sm.documents[session.DocumentID][session] {
		return
	}
	content := ""
	if replica := sm.replicas[session.DocumentID]; replica != nil {
		content = replica.Content()
	}
	frame, err := models.NewSnapshot(session.DocumentID, content).Encode()
	if err != nil {
		sm.logger.Printf("❌ Failed to encode snapshot: %v", err)
		return
	}
	sm.enqueueLocked(session, frame)
}

// enqueueLocked hands a frame to the session's write pump. A session whose
// buffer is full is too slow to keep up and is dropped.
func (sm *SessionManager) enqueueLocked(session *Session, frame []byte) {
	select {
	case session.Send <- frame:
	default:
		sm.logger.Printf("⚠️  Session %s buffer full, closing connection", session.ID)
		sm.removeLocked(session)
		session.Conn.Close()
	}
}

// closeAll runs when the hub exits: every write pump is told to stop
func (sm *SessionManager) closeAll() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	for _, sessions := range sm.documents {
		for session := range sessions {
			close(session.Send)
			session.Conn.Close()
		}
	}
	sm.documents = make(map[string]map[*Session]bool)
}

// Join registers a session with the hub
func (sm *SessionManager) Join(session *Session) error {
	select {
	case sm.register <- session:
		return nil
	case <-sm.stopped:
		return ErrManagerStopped
	case <-sm.done:
		return ErrManagerStopped
	}
}

// leave is called by the read pump when the connection ends
func (sm *SessionManager) leave(session *Session) {
	select {
	case sm.unregister <- session:
	case <-sm.stopped:
	case <-sm.done:
	}
}

// requestSnapshot queues a SYNC reply for session
func (sm *SessionManager) requestSnapshot(session *Session) {
	select {
	case sm.syncs <- session:
	case <-sm.stopped:
	case <-sm.done:
	}
}

// Publish hands a client batch to the broker
func (sm *SessionManager) Publish(ctx context.Context, session *Session, changes []models.Operation) error {
	ctx, span := middleware.StartSpan(ctx, "SessionManager.Publish",
		attribute.String("document.id", session.DocumentID),
		attribute.Int("batch.size", len(changes)),
	)
	defer span.End()

	err := sm.opts.Broker.Publish(ctx, &models.RelayMessage{
		Instance: sm.opts.InstanceID,
		Origin:   session.ID,
		DocID:    session.DocumentID,
		Changes:  changes,
	})
	if err != nil {
		middleware.AddSpanError(ctx, err)
		// The batch is lost; the sender rebases on the replica
		select {
		case sm.rejects <- session:
		default:
		}
		return err
	}
	return nil
}

// GetSessions returns all active sessions for a document
func (sm *SessionManager) GetSessions(documentID string) []*models.Session {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	sessions := sm.documents[documentID]
	result := make([]*models.Session, 0, len(sessions))
	for session := range sessions {
		result = append(result, session.Info())
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result
}

// Snapshot returns the replica and the connected sessions of a document
func (sm *SessionManager) Snapshot(documentID string) (*models.DocumentSnapshot, bool) {
	sm.mu.RLock()
	replica, ok := sm.replicas[documentID]
	content := ""
	if ok {
		content = replica.Content()
	}
	sm.mu.RUnlock()
	if !ok {
		return nil, false
	}

	return &models.DocumentSnapshot{
		DocID:    documentID,
		Content:  content,
		Sessions: sm.GetSessions(documentID),
	}, true
}

// cleanupLoop periodically removes inactive sessions
func (sm *SessionManager) cleanupLoop() {
	defer sm.wg.Done()
	ticker := time.NewTicker(sm.opts.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-sm.done:
			return
		case <-ticker.C:
			sm.cleanup()
		}
	}
}

// cleanup closes stale connections; their read pumps unregister them
func (sm *SessionManager) cleanup() {
	sm.mu.RLock()
	var stale []*Session
	for _, sessions := range sm.documents {
		for session := range sessions {
			if session.IdleFor() > sm.opts.IdleTimeout {
				stale = append(stale, session)
			}
		}
	}
	sm.mu.RUnlock()

	for _, session := range stale {
		sm.logger.Printf("  Cleaning up inactive session %s", session.ID)
		session.Conn.Close()
	}
}

// Shutdown gracefully closes all connections and waits for every pump
func (sm *SessionManager) Shutdown() {
	sm.stopOnce.Do(func() {
		sm.logger.Println("🛑 Shutting down session manager...")
		close(sm.done)
		sm.wg.Wait()
		sm.pumps.Wait()
		sm.logger.Println("✓ Session manager shutdown complete")
	})
}

// newLimiter builds the inbound MESSAGE limiter of one session
func (sm *SessionManager) newLimiter() *rate.Limiter {
	if sm.opts.MessageRate <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	return rate.NewLimiter(rate.Limit(sm.opts.MessageRate), sm.opts.MessageBurst)
}
