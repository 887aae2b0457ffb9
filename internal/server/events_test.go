package server

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/sjawhar/consult-wispr/internal/logging"
	"github.com/sjawhar/consult-wispr/internal/session"
)

func TestHubEventEnvelope(t *testing.T) {
	hub := NewHub(logging.Discard())
	hub.now = func() time.Time { return time.Unix(1, 0) }
	sub := hub.Subscribe("")
	defer hub.Unsubscribe(sub)

	hub.ChunkReceived("abc", 1, false)
	hub.ChunkTranscribed("abc", session.AudioChunk{ChunkNumber: 1, Status: session.ChunkError, Error: "provider timeout"})
	hub.SessionCompleted(session.Session{ID: "abc", Chunks: make([]session.AudioChunk, 3)})
	hub.SessionStatusChanged(session.Session{ID: "abc", Status: session.StatusError})
	hub.SummaryReady("abc", session.Summary{Status: session.SummaryCompleted, URL: "https://x"})

	wantTypes := []string{EventChunkReceived, EventChunkTranscribed, EventSessionCompleted, EventSessionStatus, EventSummaryReady}
	for i, want := range wantTypes {
		payload := readEvent(t, sub)
		if payload["type"] != want {
			t.Fatalf("event %d: expected %q, got %#v", i, want, payload)
		}
		if payload["version"] != float64(EventVersion) {
			t.Fatalf("missing version: %#v", payload)
		}
		if payload["seq"] != float64(i+1) {
			t.Fatalf("event %d: expected seq %d, got %v", i, i+1, payload["seq"])
		}
		if payload["timestamp"] != "1970-01-01T00:00:01Z" {
			t.Fatalf("unexpected timestamp: %#v", payload)
		}
		if payload["session_id"] != "abc" {
			t.Fatalf("unexpected session id: %#v", payload)
		}
		switch want {
		case EventChunkTranscribed:
			if payload["error"] != "provider timeout" || payload["status"] != "error" {
				t.Fatalf("unexpected chunk event: %#v", payload)
			}
		case EventSessionStatus:
			if payload["status"] != "error" {
				t.Fatalf("unexpected status event: %#v", payload)
			}
		}
	}
}

func TestConnectionEventOmitsEmptySession(t *testing.T) {
	b, err := json.Marshal(ConnectionEvent{Event: newEvent(EventConnection, "", 7, time.Unix(1, 0)), Connected: true})
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	var payload map[string]any
	if err := json.Unmarshal(b, &payload); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	if _, ok := payload["session_id"]; ok {
		t.Fatalf("expected session_id omitted: %s", b)
	}
	if payload["connected"] != true || payload["seq"] != float64(7) {
		t.Fatalf("unexpected payload: %s", b)
	}
}
