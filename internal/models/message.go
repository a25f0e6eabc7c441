package models

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Actions understood by the relay
const (
	ActionMessage = "MESSAGE" // Batch of operations
	ActionSync    = "SYNC"    // Request a full snapshot of the document
)

// ErrMalformedMessage is returned for frames that do not decode into an envelope
var ErrMalformedMessage = errors.New("malformed message")

// MessageEnvelope is the frame exchanged between clients and the relay.
//
// Outbound (client → relay):  {"action":"MESSAGE","docId":"...","changes":[...]}
// Inbound  (relay → client):  {"docId":"...","changes":[...]}
// Resync   (client → relay):  {"action":"SYNC","docId":"..."}
// Snapshot (relay → client):  {"docId":"...","changes":[],"snapshot":true,"content":"..."}
type MessageEnvelope struct {
	Action   string      `json:"action,omitempty"`
	DocID    string      `json:"docId"`
	Changes  []Operation `json:"changes"`
	Snapshot bool        `json:"snapshot,omitempty"`
	Content  string      `json:"content,omitempty"`
}

// NewBatchMessage wraps pending operations for transmission
func NewBatchMessage(docID string, changes []Operation) *MessageEnvelope {
	return &MessageEnvelope{Action: ActionMessage, DocID: docID, Changes: changes}
}

// NewSyncRequest asks the relay for the current document content
func NewSyncRequest(docID string) *MessageEnvelope {
	return &MessageEnvelope{Action: ActionSync, DocID: docID, Changes: []Operation{}}
}

// NewSnapshot carries the relay's replica of a document
func NewSnapshot(docID, content string) *MessageEnvelope {
	return &MessageEnvelope{DocID: docID, Changes: []Operation{}, Snapshot: true, Content: content}
}

// NewRelayedBatch is what peers receive: the batch without the action field
func NewRelayedBatch(docID string, changes []Operation) *MessageEnvelope {
	return &MessageEnvelope{DocID: docID, Changes: changes}
}

// Encode serializes the envelope as a text frame
func (m *MessageEnvelope) Encode() ([]byte, error) {
	if m.Changes == nil {
		m.Changes = []Operation{}
	}
	data, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("failed to encode message: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a frame and validates every operation in it
func DecodeEnvelope(data []byte) (*MessageEnvelope, error) {
	var msg MessageEnvelope
	if err := json.Unmarshal(data, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}
	if msg.DocID == "" {
		return nil, fmt.Errorf("%w: missing docId", ErrMalformedMessage)
	}
	for i, op := range msg.Changes {
		if err := op.Validate(); err != nil {
			return nil, fmt.Errorf("%w: change %d: %v", ErrMalformedMessage, i, err)
		}
	}
	return &msg, nil
}

// RelayMessage is what relay instances exchange through the broker.
// Origin is the session that produced the batch so it is not echoed back to
// it; Instance is the relay that session is connected to.
type RelayMessage struct {
	Instance string      `json:"instance,omitempty"`
	Origin   string      `json:"origin"`
	DocID    string      `json:"docId"`
	Changes  []Operation `json:"changes"`
}
