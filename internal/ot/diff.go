package ot

import (
	"textsync/internal/models"
)

// Diff returns the operations that turn oldText into newText: at most one
// delete followed by at most one insert, both at the same position.
//
// caret is the cursor offset (in runes) after the edit. When the changed
// region sits inside a run of repeated characters several positions are
// equally valid; the caret picks the one the user actually edited.
func Diff(oldText, newText string, caret int) []models.Operation {
	a, b := []rune(oldText), []rune(newText)
	if string(a) == string(b) {
		return nil
	}

	prefix := commonPrefix(a, b)
	suffixAll := commonSuffix(a, b, 0)
	suffix := commonSuffix(a, b, prefix)

	// Pure insertion or deletion: let the caret choose inside repeated runs.
	switch n := len(b) - len(a); {
	case n > 0 && prefix+suffix >= len(a):
		pos := prefix
		if x := caret - n; x >= 0 && x <= prefix && len(a)-x <= suffixAll {
			pos = x
		}
		return []models.Operation{models.Insert(pos, string(b[pos:pos+n]))}

	case n < 0 && prefix+suffix >= len(b):
		pos := prefix
		if x := caret; x >= 0 && x <= prefix && len(b)-x <= suffixAll {
			pos = x
		}
		return []models.Operation{models.Delete(pos, string(a[pos:pos-n]))}
	}

	var ops []models.Operation
	if removed := a[prefix : len(a)-suffix]; len(removed) > 0 {
		ops = append(ops, models.Delete(prefix, string(removed)))
	}
	if inserted := b[prefix : len(b)-suffix]; len(inserted) > 0 {
		ops = append(ops, models.Insert(prefix, string(inserted)))
	}
	return ops
}

// DiffCaret is the single-keystroke heuristic: a longer text means exactly one
// character was typed just before the caret, a shorter text means one
// contiguous span was removed at the first differing index, and equal
// lengths mean nothing happened. Paste and replacement are not recognised.
func DiffCaret(oldText, newText string, caret int) []models.Operation {
	a, b := []rune(oldText), []rune(newText)

	switch {
	case len(b) > len(a):
		if caret < 1 || caret > len(b) {
			return nil
		}
		return []models.Operation{models.Insert(caret-1, string(b[caret-1:caret]))}

	case len(b) < len(a):
		i := commonPrefix(a, b)
		n := len(a) - len(b)
		return []models.Operation{models.Delete(i, string(a[i:i+n]))}
	}
	return nil
}

func commonPrefix(a, b []rune) int {
	n := 0
	for n < len(a) && n < len(b) && a[n] == b[n] {
		n++
	}
	return n
}

// commonSuffix counts matching runes from the end without reaching into the
// first skip runes of either slice.
func commonSuffix(a, b []rune, skip int) int {
	n := 0
	for n < len(a)-skip && n < len(b)-skip && a[len(a)-1-n] == b[len(b)-1-n] {
		n++
	}
	return n
}
