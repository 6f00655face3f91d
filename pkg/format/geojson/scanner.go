package geojson

import (
	"github.com/geostreamio/geostream/pkg/errors"
)

// DefaultBufferLimit caps the size of a single feature. A record larger
// than this almost always means malformed input (an unclosed string or
// brace) and buffering it unbounded would turn one bad byte into an OOM.
const DefaultBufferLimit = 1 << 20

type scanState int

const (
	stateSeekObject scanState = iota // before the outer '{'
	stateSeekKey                     // between members of the outer object
	stateKey                         // inside a member key string
	stateSeekColon                   // between key and ':'
	stateSeekValue                   // after ':', value kind not yet known
	stateSkipNested                  // skipping a non-features object or array value
	stateSkipString                  // skipping a non-features string value
	stateSkipScalar                  // skipping a non-features scalar value
	stateSeekRecord                  // inside the features array, between elements
	stateRecord                      // accumulating one feature object
	stateEnd                         // outer object closed
)

// scanner extracts complete feature objects from a FeatureCollection
// byte stream fed in arbitrary chunks. It is a byte-level state machine:
// no chunk boundary can change what it emits, only when.
type scanner struct {
	state       scanState
	limit       int64
	offset      int64 // absolute position of the next byte
	buf         []byte
	key         []byte
	depth       int // brace/bracket depth inside a record or skipped value
	inString    bool
	escaped     bool
	recordStart int64
	sawFeatures bool
}

func newScanner(limit int64) *scanner {
	if limit <= 0 {
		limit = DefaultBufferLimit
	}
	return &scanner{limit: limit}
}

// feed consumes one chunk. For every completed feature it calls emit
// with the raw bytes and the absolute offset of the feature's opening
// brace. The byte slice is reused across calls; emit must not retain it.
func (s *scanner) feed(chunk []byte, emit func(raw []byte, offset int64) error) error {
	for _, c := range chunk {
		if err := s.step(c, emit); err != nil {
			return err
		}
		s.offset++
	}
	return nil
}

// finish validates that the stream ended on a complete document
func (s *scanner) finish() error {
	if s.state == stateEnd {
		return nil
	}
	return errors.New(errors.ErrorTypeDecode, "truncated input").WithOffset(s.offset)
}

func (s *scanner) step(c byte, emit func([]byte, int64) error) error {
	switch s.state {
	case stateSeekObject:
		if isSpace(c) {
			return nil
		}
		if c != '{' {
			return s.unexpected(c)
		}
		s.state = stateSeekKey

	case stateSeekKey:
		switch {
		case isSpace(c) || c == ',':
		case c == '"':
			s.key = s.key[:0]
			s.state = stateKey
		case c == '}':
			if !s.sawFeatures {
				return errors.New(errors.ErrorTypeDecode, "no features array found").WithOffset(s.offset)
			}
			s.state = stateEnd
		default:
			return s.unexpected(c)
		}

	case stateKey:
		// Escapes inside a key only matter for faithful capture; a key
		// containing escapes can never compare equal to "features".
		switch {
		case s.escaped:
			s.escaped = false
			s.key = append(s.key, c)
		case c == '\\':
			s.escaped = true
		case c == '"':
			s.state = stateSeekColon
		default:
			s.key = append(s.key, c)
		}

	case stateSeekColon:
		if isSpace(c) {
			return nil
		}
		if c != ':' {
			return s.unexpected(c)
		}
		s.state = stateSeekValue

	case stateSeekValue:
		if isSpace(c) {
			return nil
		}
		if string(s.key) == "features" {
			if c != '[' {
				return errors.New(errors.ErrorTypeDecode, "features member is not an array").WithOffset(s.offset)
			}
			s.sawFeatures = true
			s.state = stateSeekRecord
			return nil
		}
		switch c {
		case '{', '[':
			s.depth = 1
			s.state = stateSkipNested
		case '"':
			s.state = stateSkipString
		default:
			s.state = stateSkipScalar
		}

	case stateSkipNested:
		switch {
		case s.inString:
			if s.escaped {
				s.escaped = false
			} else if c == '\\' {
				s.escaped = true
			} else if c == '"' {
				s.inString = false
			}
		case c == '"':
			s.inString = true
		case c == '{' || c == '[':
			s.depth++
		case c == '}' || c == ']':
			s.depth--
			if s.depth == 0 {
				s.state = stateSeekKey
			}
		}

	case stateSkipString:
		switch {
		case s.escaped:
			s.escaped = false
		case c == '\\':
			s.escaped = true
		case c == '"':
			s.state = stateSeekKey
		}

	case stateSkipScalar:
		if c == ',' {
			s.state = stateSeekKey
		} else if c == '}' {
			if !s.sawFeatures {
				return errors.New(errors.ErrorTypeDecode, "no features array found").WithOffset(s.offset)
			}
			s.state = stateEnd
		}

	case stateSeekRecord:
		switch {
		case isSpace(c) || c == ',':
		case c == '{':
			s.recordStart = s.offset
			s.buf = append(s.buf[:0], c)
			s.depth = 1
			s.inString = false
			s.escaped = false
			s.state = stateRecord
		case c == ']':
			s.state = stateSeekKey
		default:
			return s.unexpected(c)
		}

	case stateRecord:
		s.buf = append(s.buf, c)
		if int64(len(s.buf)) > s.limit {
			return errors.Newf(errors.ErrorTypeDecode,
				"record exceeds maximum size of %d bytes", s.limit).WithOffset(s.recordStart)
		}
		switch {
		case s.inString:
			if s.escaped {
				s.escaped = false
			} else if c == '\\' {
				s.escaped = true
			} else if c == '"' {
				s.inString = false
			}
		case c == '"':
			s.inString = true
		case c == '{' || c == '[':
			s.depth++
		case c == '}' || c == ']':
			s.depth--
			if s.depth == 0 {
				s.state = stateSeekRecord
				return emit(s.buf, s.recordStart)
			}
		}

	case stateEnd:
		if !isSpace(c) {
			return s.unexpected(c)
		}
	}
	return nil
}

func (s *scanner) unexpected(c byte) error {
	return errors.Newf(errors.ErrorTypeDecode, "unexpected character %q", c).WithOffset(s.offset)
}

func isSpace(c byte) bool {
	return c == ' ' || c == '\t' || c == '\n' || c == '\r'
}
