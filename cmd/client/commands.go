package main

import (
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"

	"textsync/internal/services/syncengine"
)

// editor is the part of the engine the command loop drives
type editor interface {
	Edit(fn syncengine.EditFunc) error
	Flush() error
	Status() (syncengine.Status, error)
}

// runCommand handles one line of input. Plain text is typed at the end of
// the document followed by a newline. It reports whether the client should quit.
func runCommand(e editor, line string, out io.Writer) (bool, error) {
	if !strings.HasPrefix(line, ":") {
		for _, r := range line + "\n" {
			if err := e.Edit(appendText(string(r))); err != nil {
				return false, err
			}
		}
		return false, nil
	}

	fields := strings.Fields(line)
	switch fields[0] {
	case ":quit", ":q":
		return true, nil

	case ":flush":
		return false, e.Flush()

	case ":status":
		st, err := e.Status()
		if err != nil {
			return false, err
		}
		fmt.Fprintf(out, "doc=%s state=%s pending=%d accumulated=%q\n%s\n",
			st.DocID, st.State, len(st.Pending), st.Accumulated, st.Content)
		return false, nil

	case ":del":
		n := 1
		if len(fields) > 1 {
			v, err := strconv.Atoi(fields[1])
			if err != nil || v < 1 {
				return false, fmt.Errorf("invalid count %q", fields[1])
			}
			n = v
		}
		return false, e.Edit(trimText(n))

	default:
		return false, fmt.Errorf("unknown command %s", fields[0])
	}
}

// appendText types s at the end of the document
func appendText(s string) syncengine.EditFunc {
	return func(content string, _ int) (string, int) {
		next := content + s
		return next, utf8.RuneCountInString(next)
	}
}

// trimText deletes the last n characters
func trimText(n int) syncengine.EditFunc {
	return func(content string, _ int) (string, int) {
		runes := []rune(content)
		if n > len(runes) {
			n = len(runes)
		}
		runes = runes[:len(runes)-n]
		return string(runes), len(runes)
	}
}
