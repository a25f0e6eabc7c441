package api

import (
	"encoding/json"
	"net/http"

	"textsync/internal/models"

	"github.com/gorilla/mux"
)

// Handler handles HTTP requests
// Learning: Uses INTERFACES defined in this package (consumer-driven)
type Handler struct {
	documents DocumentReader    // Replicas held by the session manager
	wsHandler ConnectionHandler // WebSocket for real-time sync
}

func NewHandler(documents DocumentReader, wsHandler ConnectionHandler) *Handler {
	return &Handler{
		documents: documents,
		wsHandler: wsHandler,
	}
}

// GetDocument returns the replica content and the connected sessions
func (h *Handler) GetDocument(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]

	snap, ok := h.documents.Snapshot(id)
	if !ok {
		http.Error(w, "document not found", http.StatusNotFound)
		return
	}
	if snap.Sessions == nil {
		snap.Sessions = []*models.Session{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(snap)
}

// Health reports that the relay is serving
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(`{"status":"ok"}`))
}
