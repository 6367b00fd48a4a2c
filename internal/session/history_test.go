package session

import (
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"pgregory.net/rapid"
)

func TestHistory_AppendAndString(t *testing.T) {
	h := NewHistory(1024, 100)
	h.Append("hello\n")
	h.Append("wor")
	h.Append("ld\n")
	assert.Equal(t, "hello\nworld\n", h.String())
	assert.Equal(t, 12, h.Len())
	assert.Equal(t, 2, h.Lines())
}

func TestHistory_UnterminatedTailCountsAsLine(t *testing.T) {
	h := NewHistory(1024, 100)
	h.Append("a\nb")
	assert.Equal(t, 2, h.Lines())
}

func TestHistory_ByteCapDropsOldest(t *testing.T) {
	h := NewHistory(8, 100)
	h.Append("0123456789")
	assert.Equal(t, "23456789", h.String())
}

func TestHistory_ByteCapKeepsRuneBoundary(t *testing.T) {
	h := NewHistory(5, 100)
	h.Append("aé€b") // 1 + 2 + 3 + 1 bytes
	assert.True(t, utf8.ValidString(h.String()))
	assert.Equal(t, "€b", h.String())
}

func TestHistory_LineCapDropsOldestLines(t *testing.T) {
	h := NewHistory(1024, 2)
	h.Append("one\ntwo\nthree\n")
	assert.Equal(t, "two\nthree\n", h.String())

	h.Append("four")
	assert.Equal(t, "three\nfour", h.String())
	assert.Equal(t, 2, h.Lines())
}

func TestHistory_Reset(t *testing.T) {
	h := NewHistory(1024, 10)
	h.Append("x\ny\n")
	h.Reset()
	assert.Equal(t, 0, h.Len())
	assert.Equal(t, 0, h.Lines())
	assert.Empty(t, h.String())
}

func TestPropertyHistory_BoundedSuffix(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		maxBytes := rapid.IntRange(1, 64).Draw(t, "maxBytes")
		maxLines := rapid.IntRange(1, 8).Draw(t, "maxLines")
		chunks := rapid.SliceOf(rapid.StringMatching(`[a-zé\n]{0,12}`)).Draw(t, "chunks")

		h := NewHistory(maxBytes, maxLines)
		var all strings.Builder
		for _, c := range chunks {
			h.Append(c)
			all.WriteString(c)

			if h.Len() > maxBytes {
				t.Fatalf("len %d exceeds %d", h.Len(), maxBytes)
			}
			if h.Lines() > maxLines {
				t.Fatalf("lines %d exceed %d", h.Lines(), maxLines)
			}
			if !strings.HasSuffix(all.String(), h.String()) {
				t.Fatalf("%q is not a suffix of %q", h.String(), all.String())
			}
			if !utf8.ValidString(h.String()) {
				t.Fatalf("invalid utf-8 %q", h.String())
			}
			if strings.Count(h.String(), "\n") != h.newlines {
				t.Fatalf("newline count drifted")
			}
		}
	})
}
