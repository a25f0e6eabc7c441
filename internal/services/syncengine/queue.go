package syncengine

import (
	"textsync/internal/models"
)

// Queue holds operations that have not been transmitted yet.
// It is append-only until a send succeeds, then cleared in one step.
type Queue struct {
	ops []models.Operation
}

// Enqueue appends an operation, skipping ones that change nothing
func (q *Queue) Enqueue(op models.Operation) {
	if op.IsNoop() {
		return
	}
	q.ops = append(q.ops, op)
}

// Len returns the number of queued operations
func (q *Queue) Len() int {
	return len(q.ops)
}

// Snapshot returns a copy of the queued operations in order
func (q *Queue) Snapshot() []models.Operation {
	out := make([]models.Operation, len(q.ops))
	copy(out, q.ops)
	return out
}

// Replace swaps the queue contents, e.g. after transforming them
func (q *Queue) Replace(ops []models.Operation) {
	q.ops = q.ops[:0]
	for _, op := range ops {
		q.Enqueue(op)
	}
}

// Clear drops everything that was queued
func (q *Queue) Clear() {
	q.ops = nil
}
