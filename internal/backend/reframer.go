package backend

import "strings"

// FrameKind identifies why a frame was emitted.
type FrameKind int

const (
	// FrameLine is a complete line including its terminator.
	FrameLine FrameKind = iota
	// FrameForced is an unterminated remainder flushed because it outgrew the partial cap.
	FrameForced
	// FramePrompt is an unterminated remainder flushed because it looks like an input prompt.
	FramePrompt
)

// String returns a short name for the kind.
func (k FrameKind) String() string {
	switch k {
	case FrameLine:
		return "line"
	case FrameForced:
		return "forced"
	case FramePrompt:
		return "prompt"
	default:
		return "unknown"
	}
}

// Frame is one unit of text delivered to clients.
type Frame struct {
	Kind FrameKind
	Text string
}

// Reframer turns decoded backend text into line frames plus a bounded
// unterminated remainder.
//
// Lines end at each "\n", which stays attached to the line along with any
// "\r" before it. Splitting on the newline alone keeps the output independent
// of where chunk boundaries fall.
//
// A Reframer is not safe for concurrent use.
type Reframer struct {
	partial    strings.Builder
	maxPartial int
	prompt     PromptDetector
}

// NewReframer returns a Reframer that force-flushes remainders longer than
// maxPartial bytes and consults prompt (which may be nil) for early flushes.
//
// Precondition: maxPartial must be >= 1.
func NewReframer(maxPartial int, prompt PromptDetector) *Reframer {
	return &Reframer{maxPartial: maxPartial, prompt: prompt}
}

// Feed appends text to the remainder and returns the frames it completes.
//
// Postcondition: Pending() is never longer than maxPartial bytes on return.
func (r *Reframer) Feed(text string) []Frame {
	if text == "" {
		return nil
	}
	buf := r.partial.String() + text
	r.partial.Reset()

	var frames []Frame
	for {
		i := strings.IndexByte(buf, '\n')
		if i < 0 {
			break
		}
		frames = append(frames, Frame{Kind: FrameLine, Text: buf[:i+1]})
		buf = buf[i+1:]
	}

	switch {
	case buf == "":
	case len(buf) > r.maxPartial:
		frames = append(frames, Frame{Kind: FrameForced, Text: buf})
	case r.prompt != nil && r.prompt.IsPrompt(buf):
		frames = append(frames, Frame{Kind: FramePrompt, Text: buf})
	default:
		r.partial.WriteString(buf)
	}
	return frames
}

// Pending returns the unterminated remainder.
func (r *Reframer) Pending() string {
	return r.partial.String()
}

// Reset discards the remainder.
func (r *Reframer) Reset() {
	r.partial.Reset()
}
