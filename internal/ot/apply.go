// Package ot holds the pure text operation logic shared by the sync engine and
// the relay: positional replay, edit diffing and index-shift transforms.
package ot

import (
	"errors"
	"fmt"

	"textsync/internal/models"
)

// ErrOutOfRange is returned when an operation's span falls outside the content
var ErrOutOfRange = errors.New("operation out of range")

// Apply replays ops, in order, on content treated as a sequence of runes.
// The batch is atomic: on error the returned string is empty and the caller
// keeps its previous content.
func Apply(content string, ops []models.Operation) (string, error) {
	runes := []rune(content)
	for i, op := range ops {
		var err error
		if runes, err = applyOne(runes, op); err != nil {
			return "", fmt.Errorf("change %d (%s): %w", i, op, err)
		}
	}
	return string(runes), nil
}

func applyOne(runes []rune, op models.Operation) ([]rune, error) {
	switch op.Type {
	case models.OpInsert:
		if op.Position < 0 || op.Position > len(runes) {
			return nil, fmt.Errorf("%w: insert at %d, length %d", ErrOutOfRange, op.Position, len(runes))
		}
		text := []rune(op.Text)
		out := make([]rune, 0, len(runes)+len(text))
		out = append(out, runes[:op.Position]...)
		out = append(out, text...)
		return append(out, runes[op.Position:]...), nil

	case models.OpDelete:
		end := op.End()
		if op.Position < 0 || end > len(runes) {
			return nil, fmt.Errorf("%w: delete %d..%d, length %d", ErrOutOfRange, op.Position, end, len(runes))
		}
		out := make([]rune, 0, len(runes)-op.Len())
		out = append(out, runes[:op.Position]...)
		return append(out, runes[end:]...), nil

	default:
		return nil, fmt.Errorf("unknown operation type %q", op.Type)
	}
}

// ApplyClamped replays ops like Apply but pulls every span back inside the
// current content instead of failing. Used to rebase local edits on top of a
// snapshot, where positions may no longer line up exactly.
func ApplyClamped(content string, ops []models.Operation) string {
	runes := []rune(content)
	for _, op := range ops {
		pos := clamp(op.Position, 0, len(runes))
		switch op.Type {
		case models.OpInsert:
			runes, _ = applyOne(runes, models.Insert(pos, op.Text))
		case models.OpDelete:
			span := []rune(op.Text)
			if pos+len(span) > len(runes) {
				span = span[:len(runes)-pos]
			}
			runes, _ = applyOne(runes, models.Delete(pos, string(span)))
		}
	}
	return string(runes)
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
