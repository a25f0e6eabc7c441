package syncengine

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"textsync/internal/models"
)

func typeInto(b *Batcher, start int, s string) []models.Operation {
	var out []models.Operation
	for i, r := range []rune(s) {
		out = append(out, b.Add(start+i, string(r))...)
	}
	return out
}

func TestBatcher_WordIsOneOperation(t *testing.T) {
	var b Batcher
	ops := typeInto(&b, 0, "cat ")
	assert.Equal(t, []models.Operation{models.Insert(0, "cat ")}, ops)
	assert.Zero(t, b.Len())
}

func TestBatcher_EachBoundaryFlushes(t *testing.T) {
	for _, boundary := range []string{" ", ".", ",", "!", "?"} {
		var b Batcher
		ops := typeInto(&b, 3, "hey"+boundary)
		assert.Equal(t, []models.Operation{models.Insert(3, "hey"+boundary)}, ops, "boundary %q", boundary)
	}
}

func TestBatcher_WhitespaceOnlyWaits(t *testing.T) {
	var b Batcher
	assert.Empty(t, b.Add(0, " "))
	assert.Equal(t, 1, b.Len())

	ops := typeInto(&b, 1, "go.")
	assert.Equal(t, []models.Operation{models.Insert(0, " go.")}, ops)
}

func TestBatcher_NonBoundaryAccumulates(t *testing.T) {
	var b Batcher
	assert.Empty(t, typeInto(&b, 0, "hello"))

	op, ok := b.Pending()
	assert.True(t, ok)
	assert.Equal(t, models.Insert(0, "hello"), op)
}

func TestBatcher_CursorJumpPromotes(t *testing.T) {
	var b Batcher
	assert.Empty(t, typeInto(&b, 0, "ab"))

	ops := b.Add(10, "x")
	assert.Equal(t, []models.Operation{models.Insert(0, "ab")}, ops)

	op, _ := b.Pending()
	assert.Equal(t, models.Insert(10, "x"), op)
}

func TestBatcher_PasteWithBoundary(t *testing.T) {
	var b Batcher
	ops := b.Add(0, "hello world")
	assert.Equal(t, []models.Operation{models.Insert(0, "hello world")}, ops)
}

func TestBatcher_TakeAndReset(t *testing.T) {
	var b Batcher
	_, ok := b.Take()
	assert.False(t, ok)

	b.Add(2, "ab")
	b.Reset(5, "abc")
	op, ok := b.Take()
	assert.True(t, ok)
	assert.Equal(t, models.Insert(5, "abc"), op)

	b.Reset(0, "")
	assert.Zero(t, b.Len())
}

func TestQueue(t *testing.T) {
	var q Queue
	q.Enqueue(models.Insert(0, ""))
	assert.Zero(t, q.Len())

	q.Enqueue(models.Insert(0, "a"))
	q.Enqueue(models.Delete(0, "a"))
	snap := q.Snapshot()
	assert.Len(t, snap, 2)

	snap[0].Text = "mutated"
	assert.Equal(t, "a", q.Snapshot()[0].Text)

	q.Replace([]models.Operation{models.Insert(1, "b"), models.Delete(0, "")})
	assert.Equal(t, []models.Operation{models.Insert(1, "b")}, q.Snapshot())

	q.Clear()
	assert.Zero(t, q.Len())
}

func TestSuppressor_SingleSlot(t *testing.T) {
	var s Suppressor
	assert.False(t, s.Consume())

	s.Arm()
	s.Arm()
	assert.True(t, s.Armed())
	assert.True(t, s.Consume())
	assert.False(t, s.Consume())
}
