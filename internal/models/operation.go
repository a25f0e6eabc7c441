package models

import (
	"fmt"
	"unicode/utf8"
)

/*
LEARNING: OPERATIONS INSTEAD OF SNAPSHOTS

Instead of re-sending the whole document on every keystroke, clients exchange
small descriptions of what changed:

  {"type":"insert","position":5,"text":" world"}
  {"type":"delete","position":5,"text":" world"}

Positions and lengths are counted in characters (runes), not bytes, so that
"héllo" has length 5 no matter how it is encoded on the wire.
*/

// OperationType is the kind of change an Operation describes
type OperationType string

const (
	OpInsert OperationType = "insert"
	OpDelete OperationType = "delete"
)

// Operation is a single insert or delete against a document's text.
// For deletes, Text holds the removed substring and its rune count is the span.
type Operation struct {
	Type     OperationType `json:"type"`
	Position int           `json:"position"`
	Text     string        `json:"text"`
}

// Insert builds an insert operation
func Insert(position int, text string) Operation {
	return Operation{Type: OpInsert, Position: position, Text: text}
}

// Delete builds a delete operation for the removed text
func Delete(position int, text string) Operation {
	return Operation{Type: OpDelete, Position: position, Text: text}
}

// Len returns the number of characters the operation inserts or removes
func (op Operation) Len() int {
	return utf8.RuneCountInString(op.Text)
}

// End is the first position after the operation's span
func (op Operation) End() int {
	return op.Position + op.Len()
}

// IsNoop reports whether applying the operation changes nothing
func (op Operation) IsNoop() bool {
	return op.Text == ""
}

// Validate checks the operation shape without looking at any document
func (op Operation) Validate() error {
	switch op.Type {
	case OpInsert, OpDelete:
	default:
		return fmt.Errorf("unknown operation type %q", op.Type)
	}
	if op.Position < 0 {
		return fmt.Errorf("negative position %d", op.Position)
	}
	if !utf8.ValidString(op.Text) {
		return fmt.Errorf("operation text is not valid UTF-8")
	}
	return nil
}

func (op Operation) String() string {
	return fmt.Sprintf("%s@%d:%q", op.Type, op.Position, op.Text)
}
