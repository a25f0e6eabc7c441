package models

import (
	"time"

	"github.com/segmentio/ksuid"
)

// Session represents an active WebSocket connection to a document
type Session struct {
	ID           string    `json:"id"`
	DocumentID   string    `json:"document_id"`
	UserID       string    `json:"user_id"`
	UserName     string    `json:"user_name"`
	ClientID     string    `json:"client_id"`
	ConnectedAt  time.Time `json:"connected_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// DocumentSnapshot is the relay's view of a document, served over HTTP
type DocumentSnapshot struct {
	DocID    string     `json:"docId"`
	Content  string     `json:"content"`
	Sessions []*Session `json:"sessions"`
}

// NewSession creates a session with a time-ordered KSUID
func NewSession(documentID, userID, userName, clientID string) *Session {
	now := time.Now()
	return &Session{
		ID:           ksuid.New().String(),
		DocumentID:   documentID,
		UserID:       userID,
		UserName:     userName,
		ClientID:     clientID,
		ConnectedAt:  now,
		LastActiveAt: now,
	}
}
