package collaboration

import (
	"context"
	"sync"
	"time"

	"textsync/internal/middleware"
	"textsync/internal/models"

	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
	"golang.org/x/time/rate"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10 // 54s, must be less than pongWait

	// maxMessageSize bounds a single inbound frame
	maxMessageSize = 1 << 20
)

// Session represents an active WebSocket connection
type Session struct {
	*models.Session
	Conn    *websocket.Conn
	Send    chan []byte // Buffered channel for outbound frames
	Manager *SessionManager

	limiter *rate.Limiter
	ctx     context.Context
	cancel  context.CancelFunc

	mu           sync.Mutex
	lastActiveAt time.Time
}

// NewSession wraps an upgraded connection. ctx outlives the HTTP handler.
func (sm *SessionManager) NewSession(ctx context.Context, info *models.Session, conn *websocket.Conn) *Session {
	ctx, cancel := context.WithCancel(ctx)
	return &Session{
		Session:      info,
		Conn:         conn,
		Send:         make(chan []byte, 256),
		Manager:      sm,
		limiter:      sm.newLimiter(),
		ctx:          ctx,
		cancel:       cancel,
		lastActiveAt: info.LastActiveAt,
	}
}

func (s *Session) touch() {
	s.mu.Lock()
	s.lastActiveAt = time.Now()
	s.mu.Unlock()
}

// IdleFor is the time since the last frame or pong from the client
func (s *Session) IdleFor() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Since(s.lastActiveAt)
}

// Info returns a copy of the session metadata
func (s *Session) Info() *models.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := *s.Session
	info.LastActiveAt = s.lastActiveAt
	return &info
}

// Run starts both pumps
func (s *Session) Run() {
	s.Manager.pumps.Add(2)
	go func() {
		defer s.Manager.pumps.Done()
		s.WritePump()
	}()
	go func() {
		defer s.Manager.pumps.Done()
		s.ReadPump()
	}()
}

// ReadPump reads frames from the WebSocket connection
// Learning: Each session has its own goroutine reading from the WebSocket
func (s *Session) ReadPump() {
	defer func() {
		s.cancel()
		s.Manager.leave(s)
		s.Conn.Close()
	}()

	s.Conn.SetReadLimit(maxMessageSize)
	s.Conn.SetReadDeadline(time.Now().Add(pongWait))
	s.Conn.SetPongHandler(func(string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		return nil
	})
	s.Conn.SetPingHandler(func(data string) error {
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))
		s.touch()
		err := s.Conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(writeWait))
		if err == websocket.ErrCloseSent {
			return nil
		}
		return err
	})

	for {
		_, message, err := s.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				s.Manager.logger.Printf("WebSocket error: %v", err)
			}
			return
		}

		s.touch()
		s.Conn.SetReadDeadline(time.Now().Add(pongWait))

		msgCtx, span := middleware.StartSpan(s.ctx, "WebSocket.ProcessMessage",
			attribute.String("session.id", s.ID),
			attribute.String("document.id", s.DocumentID),
			attribute.Int("message.size", len(message)),
		)
		s.handleFrame(msgCtx, message)
		span.End()
	}
}

func (s *Session) handleFrame(ctx context.Context, frame []byte) {
	msg, err := models.DecodeEnvelope(frame)
	if err != nil {
		s.Manager.logger.Printf("⚠️  Session %s: dropping message: %v", s.ID, err)
		middleware.AddSpanError(ctx, err)
		return
	}
	if msg.DocID != s.DocumentID {
		s.Manager.logger.Printf("⚠️  Session %s: dropping message for document %s (bound to %s)",
			s.ID, msg.DocID, s.DocumentID)
		return
	}

	switch msg.Action {
	case models.ActionSync:
		middleware.AddSpanEvent(ctx, "sync.requested")
		s.Manager.requestSnapshot(s)

	case models.ActionMessage:
		if len(msg.Changes) == 0 {
			return
		}
		if err := s.limiter.Wait(ctx); err != nil {
			return
		}
		if err := s.Manager.Publish(ctx, s, msg.Changes); err != nil {
			s.Manager.logger.Printf("❌ Session %s: failed to relay batch: %v", s.ID, err)
		}

	default:
		s.Manager.logger.Printf("⚠️  Session %s: unknown action %q", s.ID, msg.Action)
	}
}

// WritePump writes frames to the WebSocket connection
// Learning: Separate goroutine for writing prevents blocking on slow clients
func (s *Session) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		s.Conn.Close()
	}()

	for {
		select {
		case message, ok := <-s.Send:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				// Channel closed
				s.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			// One envelope per text frame; clients decode frames as single JSON values
			if err := s.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			s.Conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := s.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
