// Package segmenter implements the sentence segmenter (C9): it turns
// streaming LLM text deltas into ordered sentence-sized chunks suitable for
// handing to an external TTS provider.
package segmenter

import (
	"strings"
	"unicode"
)

// Position marks where a chunk sits in the overall response.
type Position string

const (
	PositionFirst  Position = "first"
	PositionMiddle Position = "middle"
	PositionLast   Position = "last"
)

const (
	minChars = 20
	maxChars = 150
)

// abbreviations is the set of tokens that never end a sentence even when
// followed by whitespace and an uppercase letter (spec §4.9).
var abbreviations = []string{
	"Dr", "Mr", "Mrs", "Ms", "Prof", "etc", "vs", "e.g", "i.e",
	"Sr", "Jr", "Ph.D", "M.D", "B.A", "M.A", "U.S", "U.K",
}

// SentenceChunk is one ordered output unit (spec §4.9).
type SentenceChunk struct {
	Seq       int
	Text      string
	PrevText  string
	HasPrev   bool
	Position  Position
	SessionID string
}

// Segmenter accumulates streaming text and splits it into SentenceChunks at
// sentence boundaries.
type Segmenter struct {
	sessionID string
	buffer    string
	seq       int
	prevText  string
	hasPrev   bool
}

// New builds a Segmenter for one session/response.
func New(sessionID string) *Segmenter {
	return &Segmenter{sessionID: sessionID}
}

// Feed appends an incremental text delta and returns any sentence chunks
// that can now be confidently emitted.
func (s *Segmenter) Feed(delta string) []SentenceChunk {
	s.buffer += delta
	return s.drain(false)
}

// Finalize emits any remaining tail of at least minChars with
// Position=PositionLast. It is idempotent: once the buffer has been
// consumed, further calls return nil (spec P7).
func (s *Segmenter) Finalize() []SentenceChunk {
	chunks := s.drain(true)
	tail := strings.TrimSpace(s.buffer)
	if len(tail) >= minChars {
		chunks = append(chunks, s.emit(tail, PositionLast))
		s.buffer = ""
	}
	return chunks
}

// drain repeatedly looks for sentence boundaries in the buffered text,
// emitting a chunk per boundary found. finalize additionally treats
// end-of-text as a boundary candidate for the tail (handled by the caller).
func (s *Segmenter) drain(finalize bool) []SentenceChunk {
	var chunks []SentenceChunk
	searchFrom := 0
	for {
		idx := s.findBoundary(searchFrom)
		if idx < 0 {
			break
		}
		candidate := strings.TrimSpace(s.buffer[:idx+1])
		switch {
		case len(candidate) < minChars:
			// Too short to stand alone; keep scanning past this boundary so
			// the text merges with the following sentence.
			searchFrom = idx + 1
		case len(candidate) > maxChars:
			// Too long; treat as invalid and defer to a later boundary.
			searchFrom = idx + 1
		default:
			pos := PositionMiddle
			if s.seq == 0 {
				pos = PositionFirst
			}
			chunks = append(chunks, s.emit(candidate, pos))
			s.buffer = s.buffer[idx+1:]
			searchFrom = 0
		}
	}
	_ = finalize
	return chunks
}

func (s *Segmenter) emit(text string, pos Position) SentenceChunk {
	chunk := SentenceChunk{
		Seq:       s.seq,
		Text:      text,
		Position:  pos,
		SessionID: s.sessionID,
	}
	if s.hasPrev {
		chunk.PrevText = s.prevText
		chunk.HasPrev = true
	}
	s.prevText = text
	s.hasPrev = true
	s.seq++
	return chunk
}

// findBoundary scans s.buffer from searchFrom for the next index whose
// character is one of .!? , followed by whitespace and an uppercase
// letter, and which isn't the tail of an abbreviation.
func (s *Segmenter) findBoundary(searchFrom int) int {
	buf := s.buffer
	for i := searchFrom; i < len(buf); i++ {
		c := buf[i]
		if c != '.' && c != '!' && c != '?' {
			continue
		}
		if !s.followedByWhitespaceAndUpper(buf, i) {
			continue
		}
		if s.isAbbreviationBoundary(buf, i) {
			continue
		}
		return i
	}
	return -1
}

func (s *Segmenter) followedByWhitespaceAndUpper(buf string, idx int) bool {
	j := idx + 1
	if j >= len(buf) {
		return false
	}
	if !unicode.IsSpace(rune(buf[j])) {
		return false
	}
	for j < len(buf) && unicode.IsSpace(rune(buf[j])) {
		j++
	}
	if j >= len(buf) {
		return false
	}
	r := rune(buf[j])
	return unicode.IsUpper(r)
}

func (s *Segmenter) isAbbreviationBoundary(buf string, idx int) bool {
	for _, abbr := range abbreviations {
		needle := abbr + "."
		if buf[idx] != '.' {
			continue // only dotted abbreviations are in the set
		}
		start := idx + 1 - len(needle)
		if start < 0 || buf[start:idx+1] != needle {
			continue
		}
		if start == 0 || unicode.IsSpace(rune(buf[start-1])) {
			return true
		}
	}
	return false
}
