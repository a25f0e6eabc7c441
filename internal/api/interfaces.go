package api

import (
	"net/http"

	"textsync/internal/models"
)

/*
LEARNING: CONSUMER-DRIVEN INTERFACES (Go Idiom)

This package (api/handlers) is the CONSUMER of the relay, so the interfaces it
needs live HERE. The handler only needs to read a document's replica and to
hand WebSocket upgrades over; *collaboration.SessionManager and
*collaboration.WebSocketHandler satisfy them without knowing this package.

Benefits:
- Handler tests use small fakes instead of a running hub
- No circular dependencies
*/

// DocumentReader serves the relay's view of a document
type DocumentReader interface {
	Snapshot(documentID string) (*models.DocumentSnapshot, bool)
}

// ConnectionHandler upgrades document connections
type ConnectionHandler interface {
	HandleDocumentConnection(w http.ResponseWriter, r *http.Request)
}
