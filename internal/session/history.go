package session

import (
	"bytes"
	"unicode/utf8"
)

// History is the bounded scrollback of a session. It keeps at most maxBytes
// bytes and maxLines lines, discarding the oldest content first.
//
// A History is not safe for concurrent use.
type History struct {
	buf      []byte
	newlines int
	maxBytes int
	maxLines int
}

// NewHistory returns an empty History with the given caps.
//
// Precondition: maxBytes >= 1 and maxLines >= 1.
func NewHistory(maxBytes, maxLines int) *History {
	return &History{maxBytes: maxBytes, maxLines: maxLines}
}

// Append adds text and trims to the caps.
//
// Postcondition: Len() <= maxBytes and Lines() <= maxLines.
func (h *History) Append(text string) {
	if text == "" {
		return
	}
	h.buf = append(h.buf, text...)
	h.newlines += countNewlines([]byte(text))

	if over := len(h.buf) - h.maxBytes; over > 0 {
		// Never leave half a rune at the front.
		for over < len(h.buf) && !utf8.RuneStart(h.buf[over]) {
			over++
		}
		h.cut(over)
	}

	if excess := h.Lines() - h.maxLines; excess > 0 {
		idx := 0
		for i := 0; i < excess; i++ {
			j := bytes.IndexByte(h.buf[idx:], '\n')
			if j < 0 {
				idx = len(h.buf)
				break
			}
			idx += j + 1
		}
		h.cut(idx)
	}
}

// cut drops the first n bytes. The backing array is released on the next
// append that outgrows it.
func (h *History) cut(n int) {
	h.newlines -= countNewlines(h.buf[:n])
	h.buf = h.buf[n:]
}

// String returns the retained text.
func (h *History) String() string {
	return string(h.buf)
}

// Len returns the retained size in bytes.
func (h *History) Len() int {
	return len(h.buf)
}

// Lines returns the number of retained lines; an unterminated tail counts as one.
func (h *History) Lines() int {
	n := h.newlines
	if len(h.buf) > 0 && h.buf[len(h.buf)-1] != '\n' {
		n++
	}
	return n
}

// Reset discards all retained text.
func (h *History) Reset() {
	h.buf = nil
	h.newlines = 0
}

func countNewlines(b []byte) int {
	return bytes.Count(b, []byte{'\n'})
}
