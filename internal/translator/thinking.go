package translator

import "strings"

// ThinkingSeparator is the literal marker thinking models emit between
// reasoning and answer text. Inherited from upstream behavior; the
// split assumes answers never legitimately contain it.
const ThinkingSeparator = "\n\n---\n\n"

// thinkingSplitter is the per-stream state machine for thinking models.
// It starts in the thinking state, buffering deltas until the separator
// appears, then passes everything through as answer content.
type thinkingSplitter struct {
	accumulated string
	closed      bool
}

// feed consumes one delta and returns the reasoning and content text to
// emit, either of which may be empty. The separator may arrive split
// across any number of frames; buffering makes the detection
// insensitive to frame boundaries.
func (s *thinkingSplitter) feed(delta string) (reasoning, content string) {
	if s.closed {
		return "", delta
	}
	combined := s.accumulated + delta
	if idx := strings.Index(combined, ThinkingSeparator); idx >= 0 {
		s.closed = true
		s.accumulated = ""
		return combined[:idx], combined[idx+len(ThinkingSeparator):]
	}
	s.accumulated = combined
	return "", ""
}

// flush returns reasoning still buffered when the stream finishes
// without ever producing the separator.
func (s *thinkingSplitter) flush() string {
	if s.closed {
		return ""
	}
	buffered := s.accumulated
	s.accumulated = ""
	return buffered
}
