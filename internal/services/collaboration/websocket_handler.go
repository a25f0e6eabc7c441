package collaboration

import (
	"context"
	"net/http"

	"textsync/internal/middleware"
	"textsync/internal/models"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"go.opentelemetry.io/otel/attribute"
)

/*
LEARNING: WEBSOCKET UPGRADER

The upgrader converts HTTP connections to WebSocket connections.

Key settings:
- ReadBufferSize/WriteBufferSize: Memory for I/O operations
- CheckOrigin: CORS validation for WebSocket connections

The request context is cancelled as soon as the handler returns, while the
pumps keep running, so the session gets a context detached from it.
*/

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketHandler handles WebSocket connections for document collaboration
type WebSocketHandler struct {
	sessionManager *SessionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(sessionManager *SessionManager) *WebSocketHandler {
	return &WebSocketHandler{
		sessionManager: sessionManager,
	}
}

// HandleDocumentConnection handles WebSocket connection for a specific document
func (h *WebSocketHandler) HandleDocumentConnection(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	documentID := mux.Vars(r)["id"]
	if documentID == "" {
		http.Error(w, "document id is required", http.StatusBadRequest)
		return
	}

	// Extract user info from query params
	userID := r.URL.Query().Get("user_id")
	userName := r.URL.Query().Get("user_name")
	clientID := r.URL.Query().Get("client_id")

	if userID == "" {
		userID = "anonymous"
	}
	if userName == "" {
		userName = "Anonymous"
	}

	ctx, span := middleware.StartSpan(ctx, "WebSocket.Connect",
		attribute.String("document.id", documentID),
		attribute.String("user.id", userID),
		attribute.String("client.id", clientID),
	)
	defer span.End()

	// Upgrade HTTP connection to WebSocket
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.sessionManager.logger.Printf("Failed to upgrade WebSocket: %v", err)
		middleware.AddSpanError(ctx, err)
		return
	}

	session := h.sessionManager.NewSession(
		context.WithoutCancel(ctx),
		models.NewSession(documentID, userID, userName, clientID),
		conn,
	)

	if err := h.sessionManager.Join(session); err != nil {
		middleware.AddSpanError(ctx, err)
		conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseTryAgainLater, "relay shutting down"))
		conn.Close()
		return
	}

	// Separate goroutines prevent deadlock between reading and writing
	session.Run()

	h.sessionManager.logger.Printf("✓ WebSocket connection established for document %s (user: %s, session: %s)",
		documentID, userName, session.ID)
}
