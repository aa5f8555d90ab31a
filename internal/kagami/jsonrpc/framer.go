package jsonrpc

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// FramingError records a delimiter-terminated segment that failed to parse as
// a JSON-RPC message. The segment is discarded and the stream continues.
type FramingError struct {
	Segment []byte
	Err     error
}

func (e *FramingError) Error() string {
	return fmt.Sprintf("framing: malformed segment (%d bytes): %v", len(e.Segment), e.Err)
}

func (e *FramingError) Unwrap() error { return e.Err }

// Event is one item produced by Framer.Feed, in strict arrival order:
// either a parsed message or a framing error for a discarded segment.
type Event struct {
	Msg *Message
	Err *FramingError
}

// Framer reassembles newline-delimited JSON-RPC messages from raw byte
// chunks. A trailing incomplete segment is retained across Feed calls, so a
// message split anywhere (including inside a string value containing an
// escaped newline) is reconstructed exactly once the delimiter arrives.
//
// A Framer is owned by a single read loop and is not safe for concurrent use.
type Framer struct {
	buf []byte
}

// NewFramer returns an empty Framer.
func NewFramer() *Framer {
	return &Framer{}
}

// Feed appends chunk to the internal buffer and returns every event that
// became complete: one per delimiter-terminated segment. Segments that are
// empty or whitespace-only are skipped. A segment that fails to parse yields
// a FramingError event; subsequent segments are still processed.
func (f *Framer) Feed(chunk []byte) []Event {
	f.buf = append(f.buf, chunk...)

	var events []Event
	for {
		idx := bytes.IndexByte(f.buf, '\n')
		if idx < 0 {
			return events
		}
		segment := f.buf[:idx]
		f.buf = f.buf[idx+1:]

		line := bytes.TrimSpace(segment)
		if len(line) == 0 {
			continue
		}

		msg, err := parseLine(line)
		if err != nil {
			events = append(events, Event{Err: &FramingError{Segment: append([]byte(nil), line...), Err: err}})
			continue
		}
		events = append(events, Event{Msg: msg})
	}
}

// Pending returns the number of buffered bytes awaiting a delimiter.
func (f *Framer) Pending() int { return len(f.buf) }

// parseLine decodes a complete segment. It requires a JSON object carrying at
// least one of the JSON-RPC member fields; bare scalars and arrays are
// rejected as malformed.
func parseLine(line []byte) (*Message, error) {
	if line[0] != '{' {
		return nil, fmt.Errorf("not a JSON object")
	}
	var msg Message
	if err := json.Unmarshal(line, &msg); err != nil {
		return nil, err
	}
	if msg.JSONRPC == "" && msg.Method == "" && msg.ID == nil {
		return nil, fmt.Errorf("object has no JSON-RPC members")
	}
	return &msg, nil
}
