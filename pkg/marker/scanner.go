package marker

import "strings"

// Token is one settled piece of a turn: either plain text or a marker.
// Settled text can never become part of a marker, whatever arrives next.
type Token struct {
	Text   string
	Marker *Marker
}

// Observation summarizes the markers a scanner has seen during one turn.
type Observation struct {
	Markers  []Marker
	Terminal bool
	Last     Kind
}

// Scanner recognizes markers incrementally over a turn's stream.
//
// It keeps a confirmed watermark into the turn buffer. Everything before the
// watermark has been handed out as tokens; only a tail that could still
// complete into a marker is held back. Each Feed looks at the held tail plus
// the new delta, never at the settled prefix again.
type Scanner struct {
	buf       strings.Builder
	watermark int
	obs       Observation
}

// NewScanner returns a scanner for one turn.
func NewScanner() *Scanner {
	return &Scanner{}
}

// Feed appends delta to the turn buffer and returns the tokens it settles.
func (s *Scanner) Feed(delta string) []Token {
	if delta == "" {
		return nil
	}
	s.buf.WriteString(delta)
	return s.advance(false)
}

// Flush settles whatever tail is still held back, as plain text.
// Call it once the turn's stream has ended.
func (s *Scanner) Flush() []Token {
	return s.advance(true)
}

// Buffer returns the full text received this turn.
func (s *Scanner) Buffer() string {
	return s.buf.String()
}

// Watermark returns the offset up to which text has been settled.
func (s *Scanner) Watermark() int {
	return s.watermark
}

// Observation returns what the scanner has recognized so far.
func (s *Scanner) Observation() Observation {
	obs := s.obs
	obs.Markers = append([]Marker(nil), s.obs.Markers...)
	return obs
}

func (s *Scanner) advance(final bool) []Token {
	buf := s.buf.String()
	var tokens []Token

	emitText := func(end int) {
		if end > s.watermark {
			tokens = append(tokens, Token{Text: buf[s.watermark:end]})
			s.watermark = end
		}
	}

	for s.watermark < len(buf) {
		idx := strings.Index(buf[s.watermark:], opener)
		if idx < 0 {
			end := len(buf)
			if !final && strings.HasSuffix(buf, "/") {
				end--
			}
			emitText(end)
			break
		}

		i := s.watermark + idx
		m, state := matchAt(buf, i)
		switch state {
		case matched:
			emitText(i)
			mk := m
			tokens = append(tokens, Token{Text: buf[m.Offset:m.End], Marker: &mk})
			s.observe(m)
			s.watermark = m.End
		case incomplete:
			emitText(i)
			if final {
				emitText(len(buf))
			}
			return tokens
		default:
			emitText(i + 1)
		}
	}
	return tokens
}

func (s *Scanner) observe(m Marker) {
	s.obs.Markers = append(s.obs.Markers, m)
	s.obs.Last = m.Kind
	if m.Kind.Terminal() {
		s.obs.Terminal = true
	}
}
