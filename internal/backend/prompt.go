package backend

import "strings"

// PromptDetector decides whether an unterminated remainder is an input prompt
// that should be delivered without waiting for a line delimiter.
type PromptDetector interface {
	IsPrompt(text string) bool
}

// LineMatcher decides whether a complete line signals that the backend has
// ended the session.
type LineMatcher interface {
	Match(line string) bool
}

// PromptFunc adapts a function to PromptDetector.
type PromptFunc func(text string) bool

// IsPrompt calls f(text).
func (f PromptFunc) IsPrompt(text string) bool { return f(text) }

// LineFunc adapts a function to LineMatcher.
type LineFunc func(line string) bool

// Match calls f(line).
func (f LineFunc) Match(line string) bool { return f(line) }

// MarkerDetector accepts text containing any marker, compared
// case-insensitively. When ShortMax is positive, any non-blank text of at
// most ShortMax bytes is accepted as well.
type MarkerDetector struct {
	markers  []string
	ShortMax int
}

// NewMarkerDetector returns a MarkerDetector over markers.
//
// Postcondition: Empty markers are ignored.
func NewMarkerDetector(markers []string, shortMax int) *MarkerDetector {
	return &MarkerDetector{markers: lowerAll(markers), ShortMax: shortMax}
}

// IsPrompt implements PromptDetector.
func (d *MarkerDetector) IsPrompt(text string) bool {
	if d.ShortMax > 0 && len(text) <= d.ShortMax && strings.TrimSpace(text) != "" {
		return true
	}
	return containsAny(strings.ToLower(text), d.markers)
}

// AnyPrompt combines detectors; text is a prompt if any detector says so.
// Nil detectors are skipped.
func AnyPrompt(detectors ...PromptDetector) PromptDetector {
	return PromptFunc(func(text string) bool {
		for _, d := range detectors {
			if d != nil && d.IsPrompt(text) {
				return true
			}
		}
		return false
	})
}

// MarkerMatcher matches lines containing any of its markers verbatim.
type MarkerMatcher struct {
	markers []string
}

// NewMarkerMatcher returns a MarkerMatcher over markers.
func NewMarkerMatcher(markers []string) *MarkerMatcher {
	m := &MarkerMatcher{}
	for _, mk := range markers {
		if mk != "" {
			m.markers = append(m.markers, mk)
		}
	}
	return m
}

// Match implements LineMatcher.
func (m *MarkerMatcher) Match(line string) bool {
	return containsAny(line, m.markers)
}

// AnyLine combines matchers; a line matches if any matcher accepts it.
// Nil matchers are skipped.
func AnyLine(matchers ...LineMatcher) LineMatcher {
	return LineFunc(func(line string) bool {
		for _, m := range matchers {
			if m != nil && m.Match(line) {
				return true
			}
		}
		return false
	})
}

func containsAny(s string, subs []string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

func lowerAll(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if s != "" {
			out = append(out, strings.ToLower(s))
		}
	}
	return out
}
