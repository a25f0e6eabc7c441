package syncengine

import (
	"strings"

	"textsync/internal/models"
)

// boundaryChars end a word and flush the accumulated insertion
const boundaryChars = " .,!?"

/*
LEARNING: WORD-LEVEL BATCHING

Typing "cat " produces four edit events but only one operation:

  c   → accumulator "c"
  a   → accumulator "ca"
  t   → accumulator "cat"
  ' ' → boundary: emit {insert, 0, "cat "} and reset

The accumulator remembers where it started so a jump of the cursor (typing
somewhere else) promotes what was collected so far before starting again.
*/

// Batcher coalesces contiguous insertions into a single insert operation
type Batcher struct {
	buf   []rune
	start int
}

// Add records text inserted at pos and returns the operations that are ready
// to be queued, in order.
func (b *Batcher) Add(pos int, text string) []models.Operation {
	var out []models.Operation

	if len(b.buf) > 0 && pos != b.start+len(b.buf) {
		if op, ok := b.Take(); ok {
			out = append(out, op)
		}
	}
	if len(b.buf) == 0 {
		b.start = pos
	}
	b.buf = append(b.buf, []rune(text)...)

	if strings.ContainsAny(text, boundaryChars) && strings.TrimSpace(string(b.buf)) != "" {
		op, _ := b.Take()
		out = append(out, op)
	}
	return out
}

// Take promotes whatever has been accumulated to an operation
func (b *Batcher) Take() (models.Operation, bool) {
	if len(b.buf) == 0 {
		return models.Operation{}, false
	}
	op := models.Insert(b.start, string(b.buf))
	b.buf = b.buf[:0]
	return op, true
}

// Pending returns the in-progress insertion, if any
func (b *Batcher) Pending() (models.Operation, bool) {
	if len(b.buf) == 0 {
		return models.Operation{}, false
	}
	return models.Insert(b.start, string(b.buf)), true
}

// Reset replaces the accumulator, e.g. after it was transformed against a
// remote operation. An empty text clears it.
func (b *Batcher) Reset(start int, text string) {
	b.buf = append(b.buf[:0], []rune(text)...)
	b.start = start
}

// Len is the number of accumulated characters
func (b *Batcher) Len() int {
	return len(b.buf)
}
