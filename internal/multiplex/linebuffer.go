// Package multiplex reassembles byte streams from the editor connection
// and from spawned process PTYs into complete lines, and fans reads from
// an arbitrary number of descriptors into one serializing consumer
// goroutine.
package multiplex

import (
	"bytes"
	"strings"
)

// maxLineBytes bounds how much unterminated input LineBuffer will hold
// before forcibly flushing it as a line, guarding against a descriptor
// that never produces a newline.
const maxLineBytes = 1 << 20

// Line is one line of reassembled input. Truncated is set when the line
// was never newline-terminated and was force-flushed because pending
// bytes exceeded maxLineBytes — the caller should log a warning rather
// than treat it as a normal line boundary.
type Line struct {
	Text      string
	Truncated bool
}

// LineBuffer reassembles a byte stream into complete, trimmed, non-empty
// lines. A read may deliver a partial line, several lines at once, or a
// split in the middle of a line; LineBuffer holds the undelivered tail
// across calls to Feed.
type LineBuffer struct {
	pending []byte
}

// Feed appends data and returns every complete line it can now extract,
// in arrival order. Empty lines (after trimming) are dropped.
func (b *LineBuffer) Feed(data []byte) []Line {
	b.pending = append(b.pending, data...)

	var lines []Line
	for {
		idx := bytes.IndexByte(b.pending, '\n')
		if idx < 0 {
			break
		}
		line := strings.TrimSpace(string(b.pending[:idx]))
		b.pending = b.pending[idx+1:]
		if line != "" {
			lines = append(lines, Line{Text: line})
		}
	}

	if len(b.pending) > maxLineBytes {
		line := strings.TrimSpace(string(b.pending))
		b.pending = nil
		if line != "" {
			lines = append(lines, Line{Text: line, Truncated: true})
		}
	}

	return lines
}
