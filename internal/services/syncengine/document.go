package syncengine

import (
	"fmt"
	"unicode/utf8"

	"textsync/internal/models"
	"textsync/internal/ot"
)

// Document is the engine's single-owner state for one document id: the
// content snapshot, the outbound queue, the insertion accumulator and the
// loop suppressor. It does no I/O and is not safe for concurrent use; the
// Engine only touches it from its event loop.
type Document struct {
	docID    string
	content  string
	caret    int
	lastSent string

	batcher    Batcher
	queue      Queue
	suppressor Suppressor

	// transformPending shifts queued local operations against every applied
	// remote operation. Off by default: remote batches are replayed as raw
	// positional splices.
	transformPending bool
}

// NewDocument creates empty state bound to docID
func NewDocument(docID string, transformPending bool) *Document {
	return &Document{docID: docID, transformPending: transformPending}
}

// LocalEdit diffs the new text from the input surface against the current
// content and queues the resulting operations. It returns the operations
// that became ready for transmission.
//
// The first notification after a remote apply is swallowed without touching
// the content. If it was a real keystroke rather than the view's echo, the
// next notification's diff still covers it.
func (d *Document) LocalEdit(text string, caret int) []models.Operation {
	if d.suppressor.Consume() {
		return nil
	}
	// Invalid UTF-8 would reach peers as U+FFFD while content kept the raw
	// bytes. Each bad byte becomes one U+FFFD, so rune offsets still match.
	if !utf8.ValidString(text) {
		text = string([]rune(text))
	}

	old := d.content
	d.content = text
	d.caret = caret

	var ready []models.Operation
	for _, op := range ot.Diff(old, text, caret) {
		switch op.Type {
		case models.OpDelete:
			if acc, ok := d.batcher.Take(); ok {
				ready = append(ready, acc)
			}
			ready = append(ready, op)
		case models.OpInsert:
			ready = append(ready, d.batcher.Add(op.Position, op.Text)...)
		}
	}
	for _, op := range ready {
		d.queue.Enqueue(op)
	}
	return ready
}

// EditFunc computes the next text and caret from the current ones
type EditFunc func(content string, caret int) (string, int)

// Edit applies fn to the current content as a local change. Surfaces that
// keep no text of their own use it; they never echo a render, so a pending
// suppression is dropped rather than spent on a real keystroke.
func (d *Document) Edit(fn EditFunc) []models.Operation {
	d.suppressor.Consume()
	text, caret := fn(d.content, d.caret)
	return d.LocalEdit(text, caret)
}

// Promote moves the in-progress insertion into the queue
func (d *Document) Promote() bool {
	op, ok := d.batcher.Take()
	if ok {
		d.queue.Enqueue(op)
	}
	return ok
}

// Pending returns the queued operations in order
func (d *Document) Pending() []models.Operation {
	return d.queue.Snapshot()
}

// QueueLen returns the number of queued operations
func (d *Document) QueueLen() int {
	return d.queue.Len()
}

// MarkSent clears the queue after a successful send
func (d *Document) MarkSent() {
	d.queue.Clear()
	d.lastSent = d.content
}

// ApplyRemote replays a received batch on the current content. It reports
// whether the content changed; on error nothing is modified.
func (d *Document) ApplyRemote(changes []models.Operation) (bool, error) {
	remote := changes
	var local []models.Operation
	acc, hasAcc := d.batcher.Pending()

	if d.transformPending {
		local = d.queue.Snapshot()
		if hasAcc {
			local = append(local, acc)
		}
		local, remote = ot.TransformPatch(local, changes)
	}

	next, err := ot.Apply(d.content, remote)
	if err != nil {
		return false, fmt.Errorf("apply remote batch for %s: %w", d.docID, err)
	}

	if d.transformPending {
		if hasAcc {
			acc, local = local[len(local)-1], local[:len(local)-1]
			d.batcher.Reset(acc.Position, acc.Text)
		}
		// Operations swallowed by a remote delete are left empty
		d.queue.Replace(ot.Compact(local))
	}

	return d.replace(next), nil
}

// ApplySnapshot adopts the relay's content and replays local operations that
// have not been transmitted on top of it, so they are not lost.
func (d *Document) ApplySnapshot(content string) bool {
	d.Promote()
	d.lastSent = content
	return d.replace(ot.ApplyClamped(content, d.queue.Snapshot()))
}

func (d *Document) replace(next string) bool {
	if next == d.content {
		return false
	}
	d.suppressor.Arm()
	d.content = next
	return true
}

// DocID is the document this state is bound to
func (d *Document) DocID() string { return d.docID }

// Content is the current reconciled text
func (d *Document) Content() string { return d.content }

// Caret is the cursor offset recorded with the last local edit
func (d *Document) Caret() int { return d.caret }

// LastSent is the content as of the last successful transmission
func (d *Document) LastSent() string { return d.lastSent }

// Accumulated returns the insertion that is still being batched
func (d *Document) Accumulated() string {
	op, _ := d.batcher.Pending()
	return op.Text
}

// Suppressing reports whether the next local notification will be swallowed
func (d *Document) Suppressing() bool { return d.suppressor.Armed() }
