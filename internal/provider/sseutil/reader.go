// Package sseutil reads server-sent event streams and builds the
// OpenAI-format chunk frames the gateway re-emits to its own clients.
package sseutil

import (
	"bufio"
	"io"
	"strings"
)

// maxLineSize bounds a single SSE line. Google streams whole candidate
// snapshots in one frame, so this is generous.
const maxLineSize = 1 << 20

// Event is one server-sent event: an optional event name plus the data
// payload. Multi-line data fields are joined with newlines per the SSE spec.
type Event struct {
	Name string
	Data string
}

// Reader yields complete events from an SSE byte stream. Comment lines and
// unknown fields are skipped; an event is dispatched at the blank line that
// ends it, or at EOF when the stream is cut mid-event.
type Reader struct {
	s *bufio.Scanner
}

// NewReader wraps r for event reading.
func NewReader(r io.Reader) *Reader {
	s := bufio.NewScanner(r)
	s.Buffer(make([]byte, 4096), maxLineSize)
	return &Reader{s: s}
}

// Next returns the next complete event. It returns io.EOF when the stream
// ends cleanly and the scanner's error when it does not.
func (r *Reader) Next() (Event, error) {
	var ev Event
	var data strings.Builder
	var hasData bool

	for r.s.Scan() {
		line := r.s.Text()
		if line == "" {
			if hasData || ev.Name != "" {
				ev.Data = data.String()
				return ev, nil
			}
			continue
		}
		if line[0] == ':' {
			continue
		}

		field, value, found := strings.Cut(line, ":")
		if !found {
			continue
		}
		value = strings.TrimPrefix(value, " ")

		switch field {
		case "event":
			ev.Name = value
		case "data":
			if hasData {
				data.WriteByte('\n')
			}
			data.WriteString(value)
			hasData = true
		}
	}
	if err := r.s.Err(); err != nil {
		return Event{}, err
	}
	if hasData || ev.Name != "" {
		ev.Data = data.String()
		return ev, nil
	}
	return Event{}, io.EOF
}
