package server

import "time"

const EventVersion = 1

const (
	EventConnection       = "connection"
	EventChunkReceived    = "chunk_received"
	EventChunkTranscribed = "chunk_transcribed"
	EventSessionCompleted = "session_completed"
	EventSessionStatus    = "session_status"
	EventSummaryReady     = "summary_ready"
)

// Event is the envelope every websocket message carries. Seq grows by one
// per broadcast so a client can tell when it missed messages.
type Event struct {
	Type      string    `json:"type"`
	Version   int       `json:"version"`
	Seq       uint64    `json:"seq"`
	Timestamp time.Time `json:"timestamp"`
	SessionID string    `json:"session_id,omitempty"`
}

type ChunkReceivedEvent struct {
	Event
	ChunkNumber int  `json:"chunk_number"`
	IsLastChunk bool `json:"is_last_chunk"`
}

type ChunkTranscribedEvent struct {
	Event
	ChunkNumber int    `json:"chunk_number"`
	Status      string `json:"status"`
	Transcript  string `json:"transcript,omitempty"`
	Error       string `json:"error,omitempty"`
}

type SessionCompletedEvent struct {
	Event
	TotalChunks int `json:"total_chunks"`
}

type SessionStatusEvent struct {
	Event
	Status string `json:"status"`
}

type SummaryReadyEvent struct {
	Event
	Status string `json:"status"`
	URL    string `json:"url,omitempty"`
}

type ConnectionEvent struct {
	Event
	Connected bool `json:"connected"`
}

func newEvent(eventType, sessionID string, seq uint64, now time.Time) Event {
	if now.IsZero() {
		now = time.Now()
	}
	return Event{
		Type:      eventType,
		Version:   EventVersion,
		Seq:       seq,
		Timestamp: now.UTC(),
		SessionID: sessionID,
	}
}
