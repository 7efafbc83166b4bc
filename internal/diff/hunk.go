package diff

import (
	"bytes"
	"fmt"
	"strings"
	"unicode/utf8"
)

// DefaultContext is the number of unchanged lines shown around a change.
const DefaultContext = 3

// binarySniffLen matches the prefix git inspects for NUL bytes.
const binarySniffLen = 8000

// LineKind tags a hunk line.
type LineKind string

const (
	LineContext LineKind = "context"
	LineAdd     LineKind = "add"
	LineDelete  LineKind = "delete"
)

// Line is one line of a hunk. Content excludes the line terminator.
type Line struct {
	Kind      LineKind `json:"kind"`
	Content   string   `json:"content"`
	OldLine   int      `json:"old_line,omitempty"`
	NewLine   int      `json:"new_line,omitempty"`
	NoNewline bool     `json:"no_newline,omitempty"`
}

// Hunk is a contiguous region of change with surrounding context.
type Hunk struct {
	OldStart int    `json:"old_start"`
	OldLines int    `json:"old_lines"`
	NewStart int    `json:"new_start"`
	NewLines int    `json:"new_lines"`
	Lines    []Line `json:"lines"`
}

// Header renders the "@@ -a,b +c,d @@" hunk header.
func (h Hunk) Header() string {
	return fmt.Sprintf("@@ -%d,%d +%d,%d @@", h.OldStart, h.OldLines, h.NewStart, h.NewLines)
}

// IsBinary reports whether data should be treated as binary: a NUL byte
// in the leading bytes, or content that is not valid UTF-8.
func IsBinary(data []byte) bool {
	if bytes.IndexByte(data[:min(len(data), binarySniffLen)], 0) >= 0 {
		return true
	}
	return !utf8.Valid(data)
}

// SplitLines splits data into lines that keep their "\n" terminator, so
// a missing final newline is itself a difference.
func SplitLines(data []byte) []string {
	if len(data) == 0 {
		return nil
	}
	s := string(data)
	lines := strings.SplitAfter(s, "\n")
	if lines[len(lines)-1] == "" {
		lines = lines[:len(lines)-1]
	}
	return lines
}

// Compute diffs two blobs. Binary input yields binary=true and no hunks.
func Compute(oldData, newData []byte, context int) (hunks []Hunk, binary bool) {
	if IsBinary(oldData) || IsBinary(newData) {
		return nil, true
	}
	return Hunks(Lines(SplitLines(oldData), SplitLines(newData)), context), false
}

// Hunks groups an edit script into hunks with context lines on each side.
// Changes separated by at most 2*context unchanged lines share a hunk.
func Hunks(ops []Op, context int) []Hunk {
	if context < 0 {
		context = 0
	}
	oldNo := make([]int, len(ops))
	newNo := make([]int, len(ops))
	o, n := 1, 1
	var changes []int
	for i, op := range ops {
		oldNo[i], newNo[i] = o, n
		switch op.Kind {
		case Equal:
			o++
			n++
		case Delete:
			o++
			changes = append(changes, i)
		case Insert:
			n++
			changes = append(changes, i)
		}
	}

	var hunks []Hunk
	for c := 0; c < len(changes); {
		first, last := changes[c], changes[c]
		c++
		for c < len(changes) && changes[c]-last-1 <= 2*context {
			last = changes[c]
			c++
		}
		from := max(0, first-context)
		to := min(len(ops)-1, last+context)
		hunks = append(hunks, buildHunk(ops[from:to+1], oldNo[from], newNo[from]))
	}
	return hunks
}

func buildHunk(ops []Op, oldStart, newStart int) Hunk {
	h := Hunk{OldStart: oldStart, NewStart: newStart}
	o, n := oldStart, newStart
	for _, op := range ops {
		content, hasNL := strings.CutSuffix(op.Line, "\n")
		l := Line{Content: content, NoNewline: !hasNL}
		switch op.Kind {
		case Equal:
			l.Kind, l.OldLine, l.NewLine = LineContext, o, n
			o++
			n++
			h.OldLines++
			h.NewLines++
		case Delete:
			l.Kind, l.OldLine = LineDelete, o
			o++
			h.OldLines++
		case Insert:
			l.Kind, l.NewLine = LineAdd, n
			n++
			h.NewLines++
		}
		h.Lines = append(h.Lines, l)
	}
	// An empty side is addressed by the line before it, as in unified diffs.
	if h.OldLines == 0 {
		h.OldStart--
	}
	if h.NewLines == 0 {
		h.NewStart--
	}
	return h
}

// Unified renders hunks as a unified diff body with "---"/"+++" headers.
func Unified(oldPath, newPath string, hunks []Hunk) string {
	if len(hunks) == 0 {
		return ""
	}
	var b strings.Builder
	fmt.Fprintf(&b, "--- %s\n+++ %s\n", oldPath, newPath)
	for _, h := range hunks {
		b.WriteString(h.Header())
		b.WriteByte('\n')
		for _, l := range h.Lines {
			switch l.Kind {
			case LineAdd:
				b.WriteByte('+')
			case LineDelete:
				b.WriteByte('-')
			default:
				b.WriteByte(' ')
			}
			b.WriteString(l.Content)
			b.WriteByte('\n')
			if l.NoNewline {
				b.WriteString("\\ No newline at end of file\n")
			}
		}
	}
	return b.String()
}
