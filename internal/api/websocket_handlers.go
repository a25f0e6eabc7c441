package api

import (
	"net/http"
)

// WebSocket endpoints

// HandleDocumentWebSocket handles WebSocket connections for document sync
func (h *Handler) HandleDocumentWebSocket(w http.ResponseWriter, r *http.Request) {
	h.wsHandler.HandleDocumentConnection(w, r)
}
