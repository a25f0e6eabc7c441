package ot

import (
	"textsync/internal/models"
)

/*
LEARNING: THE OT DIAMOND

Two operations a and b were both generated against the same content S.
Transform derives a' and b' so that

  apply(apply(S, a), b') == apply(apply(S, b), a')

Rules (b has priority, e.g. it is the remote operation):
  - insert before another position shifts that position right by its length
  - delete before another position shifts it left by its length
  - equal-position inserts: b goes first
  - an insert inside a delete's range is swallowed by the delete
  - overlapping deletes only remove what the other one has not removed yet
*/

// Transform returns (a', b') for two operations generated against the same
// content. b takes priority on insert-insert ties.
func Transform(a, b models.Operation) (models.Operation, models.Operation) {
	switch {
	case a.Type == models.OpInsert && b.Type == models.OpInsert:
		if b.Position <= a.Position {
			return models.Insert(a.Position+b.Len(), a.Text), b
		}
		return a, models.Insert(b.Position+a.Len(), b.Text)

	case a.Type == models.OpInsert && b.Type == models.OpDelete:
		return transformInsertDelete(a, b)

	case a.Type == models.OpDelete && b.Type == models.OpInsert:
		ins, del := transformInsertDelete(b, a)
		return del, ins

	case a.Type == models.OpDelete && b.Type == models.OpDelete:
		aEnd, bEnd := a.End(), b.End()
		if aEnd <= b.Position {
			return a, models.Delete(b.Position-a.Len(), b.Text)
		}
		if bEnd <= a.Position {
			return models.Delete(a.Position-b.Len(), a.Text), b
		}
		// Deletions overlap.
		lo, hi := max(a.Position, b.Position), min(aEnd, bEnd)
		pos := min(a.Position, b.Position)
		return models.Delete(pos, cut(a.Text, lo-a.Position, hi-a.Position)),
			models.Delete(pos, cut(b.Text, lo-b.Position, hi-b.Position))
	}
	return a, b
}

// transformInsertDelete derives the bottom of the diamond for an insert and a
// delete generated against the same content.
func transformInsertDelete(ins, del models.Operation) (models.Operation, models.Operation) {
	switch {
	case ins.Position <= del.Position:
		return ins, models.Delete(del.Position+ins.Len(), del.Text)
	case ins.Position >= del.End():
		return models.Insert(ins.Position-del.Len(), ins.Text), del
	default:
		// Insert lands inside the deleted range: the delete grows to cover it
		// and the insert collapses to nothing.
		return models.Insert(del.Position, ""),
			models.Delete(del.Position, splice(del.Text, ins.Position-del.Position, ins.Text))
	}
}

// TransformPatch transforms two sequences of operations against each other.
// a and b were each generated, in order, against the same content.
func TransformPatch(a, b []models.Operation) ([]models.Operation, []models.Operation) {
	aNew := make([]models.Operation, len(a))
	bNew := make([]models.Operation, len(b))
	copy(aNew, a)
	for i, bOp := range b {
		for j, aOp := range aNew {
			aNew[j], bOp = Transform(aOp, bOp)
		}
		bNew[i] = bOp
	}
	return aNew, bNew
}

// Compact drops operations that no longer change anything
func Compact(ops []models.Operation) []models.Operation {
	out := ops[:0:0]
	for _, op := range ops {
		if !op.IsNoop() {
			out = append(out, op)
		}
	}
	return out
}

// cut removes runes [from, to) from s
func cut(s string, from, to int) string {
	r := []rune(s)
	return string(append(append([]rune{}, r[:from]...), r[to:]...))
}

// splice inserts text at rune offset at in s
func splice(s string, at int, text string) string {
	r := []rune(s)
	out := make([]rune, 0, len(r)+len(text))
	out = append(out, r[:at]...)
	out = append(out, []rune(text)...)
	return string(append(out, r[at:]...))
}
