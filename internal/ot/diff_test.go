package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"textsync/internal/models"
)

func TestDiffCaret(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		caret    int
		want     []models.Operation
	}{
		{"typed at end", "hel", "hell", 4, []models.Operation{models.Insert(3, "l")}},
		{"typed in middle", "hllo", "hello", 2, []models.Operation{models.Insert(1, "e")}},
		{"removed tail", "hello world", "hello", 5, []models.Operation{models.Delete(5, " world")}},
		{"backspace", "abc", "ac", 1, []models.Operation{models.Delete(1, "b")}},
		{"equal length ignored", "abc", "abd", 3, nil},
		{"caret outside text", "ab", "abc", 0, nil},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, DiffCaret(tt.old, tt.new, tt.caret))
		})
	}
}

func TestDiff(t *testing.T) {
	tests := []struct {
		name     string
		old, new string
		caret    int
		want     []models.Operation
	}{
		{"no change", "same", "same", 4, nil},
		{"single char", "ca", "cat", 3, []models.Operation{models.Insert(2, "t")}},
		{"deletion", "hello world", "hello", 5, []models.Operation{models.Delete(5, " world")}},
		{"paste", "ad", "abcd", 3, []models.Operation{models.Insert(1, "bc")}},
		{"replacement", "abc", "abd", 3, []models.Operation{models.Delete(2, "c"), models.Insert(2, "d")}},
		{"select and type", "hello world", "hello there", 11, []models.Operation{
			models.Delete(6, "world"), models.Insert(6, "there"),
		}},
		{"repeated run uses caret", "aa", "aaa", 1, []models.Operation{models.Insert(0, "a")}},
		{"repeated run backspace", "aaa", "aa", 1, []models.Operation{models.Delete(1, "a")}},
		{"unicode", "héllo", "hé-llo", 3, []models.Operation{models.Insert(2, "-")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Diff(tt.old, tt.new, tt.caret)
			assert.Equal(t, tt.want, got)

			replayed, err := Apply(tt.old, got)
			require.NoError(t, err)
			assert.Equal(t, tt.new, replayed)
		})
	}
}

func TestDiff_AgreesWithCaretHeuristicForKeystrokes(t *testing.T) {
	text := ""
	for i, r := range "the cat sat." {
		next := text + string(r)
		assert.Equal(t, DiffCaret(text, next, i+1), Diff(text, next, i+1), "keystroke %d", i)
		text = next
	}
}
