package sseutil

import (
	"io"
	"strings"
	"testing"
)

func readAll(t *testing.T, input string) []Event {
	t.Helper()
	r := NewReader(strings.NewReader(input))
	var events []Event
	for {
		ev, err := r.Next()
		if err == io.EOF {
			return events
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		events = append(events, ev)
	}
}

func TestReaderDataOnly(t *testing.T) {
	t.Parallel()

	events := readAll(t, "data: {\"id\":\"1\"}\n\ndata: [DONE]\n\n")
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Data != `{"id":"1"}` {
		t.Errorf("data = %q", events[0].Data)
	}
	if events[1].Data != "[DONE]" {
		t.Errorf("sentinel = %q, want [DONE]", events[1].Data)
	}
}

func TestReaderNamedEvents(t *testing.T) {
	t.Parallel()

	input := "event: message_start\ndata: {\"type\":\"message_start\"}\n\n" +
		"event: content_block_delta\ndata: {\"type\":\"content_block_delta\"}\n\n"

	events := readAll(t, input)
	if len(events) != 2 {
		t.Fatalf("got %d events, want 2", len(events))
	}
	if events[0].Name != "message_start" {
		t.Errorf("name = %q, want message_start", events[0].Name)
	}
	if events[1].Name != "content_block_delta" {
		t.Errorf("name = %q, want content_block_delta", events[1].Name)
	}
}

func TestReaderMultiLineData(t *testing.T) {
	t.Parallel()

	events := readAll(t, "data: line1\ndata: line2\n\n")
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != "line1\nline2" {
		t.Errorf("data = %q, want joined lines", events[0].Data)
	}
}

func TestReaderSkipsCommentsAndUnknownFields(t *testing.T) {
	t.Parallel()

	input := ": keep-alive\nretry: 5000\ndata: payload\n\n"
	events := readAll(t, input)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if events[0].Data != "payload" {
		t.Errorf("data = %q, want payload", events[0].Data)
	}
}

func TestReaderNoSpaceAfterColon(t *testing.T) {
	t.Parallel()

	events := readAll(t, "data:{\"id\":\"1\"}\n\n")
	if len(events) != 1 || events[0].Data != `{"id":"1"}` {
		t.Errorf("events = %+v", events)
	}
}

func TestReaderDispatchesTrailingEventAtEOF(t *testing.T) {
	t.Parallel()

	// No trailing blank line; the cut-off event still surfaces.
	events := readAll(t, "data: partial")
	if len(events) != 1 || events[0].Data != "partial" {
		t.Errorf("events = %+v, want single partial event", events)
	}
}

func TestReaderEmptyStream(t *testing.T) {
	t.Parallel()

	r := NewReader(strings.NewReader(""))
	if _, err := r.Next(); err != io.EOF {
		t.Errorf("Next on empty stream = %v, want io.EOF", err)
	}
}
