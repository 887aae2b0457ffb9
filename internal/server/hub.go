package server

import (
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sjawhar/consult-wispr/internal/session"
)

// Subscription receives hub events for one session, or for every session
// when SessionID is empty.
type Subscription struct {
	C         <-chan []byte
	SessionID string

	ch      chan []byte
	dropped atomic.Uint64
}

// Dropped counts events discarded because the subscriber fell behind.
func (s *Subscription) Dropped() uint64 { return s.dropped.Load() }

// Hub fans session events out to websocket subscribers. A full subscriber
// buffer drops the event instead of stalling the pipeline.
type Hub struct {
	mu     sync.RWMutex
	subs   map[*Subscription]struct{}
	seq    atomic.Uint64
	now    func() time.Time
	logger *slog.Logger
}

func NewHub(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{subs: make(map[*Subscription]struct{}), now: time.Now, logger: logger}
}

func (h *Hub) Subscribe(sessionID string) *Subscription {
	ch := make(chan []byte, 64)
	sub := &Subscription{C: ch, SessionID: sessionID, ch: ch}
	h.mu.Lock()
	h.subs[sub] = struct{}{}
	h.mu.Unlock()
	return sub
}

func (h *Hub) Unsubscribe(sub *Subscription) {
	h.mu.Lock()
	_, ok := h.subs[sub]
	delete(h.subs, sub)
	h.mu.Unlock()
	if ok {
		close(sub.ch)
	}
}

func (h *Hub) Subscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.subs)
}

func (h *Hub) Broadcast(sessionID string, msg []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for sub := range h.subs {
		if sub.SessionID != "" && sub.SessionID != sessionID {
			continue
		}
		select {
		case sub.ch <- msg:
		default:
			if sub.dropped.Add(1) == 1 {
				h.logger.Warn("websocket subscriber falling behind", "session_filter", sub.SessionID)
			}
		}
	}
}

func (h *Hub) envelope(eventType, sessionID string) Event {
	return newEvent(eventType, sessionID, h.seq.Add(1), h.now())
}

func (h *Hub) ChunkReceived(sessionID string, chunkNumber int, last bool) {
	h.publish(sessionID, ChunkReceivedEvent{
		Event:       h.envelope(EventChunkReceived, sessionID),
		ChunkNumber: chunkNumber,
		IsLastChunk: last,
	})
}

func (h *Hub) ChunkTranscribed(sessionID string, chunk session.AudioChunk) {
	h.publish(sessionID, ChunkTranscribedEvent{
		Event:       h.envelope(EventChunkTranscribed, sessionID),
		ChunkNumber: chunk.ChunkNumber,
		Status:      string(chunk.Status),
		Transcript:  chunk.Transcript,
		Error:       chunk.Error,
	})
}

func (h *Hub) SessionCompleted(s session.Session) {
	h.publish(s.ID, SessionCompletedEvent{
		Event:       h.envelope(EventSessionCompleted, s.ID),
		TotalChunks: len(s.Chunks),
	})
}

// SessionStatusChanged reports transitions made outside the pipeline, such
// as a client abandoning a recording.
func (h *Hub) SessionStatusChanged(s session.Session) {
	h.publish(s.ID, SessionStatusEvent{
		Event:  h.envelope(EventSessionStatus, s.ID),
		Status: string(s.Status),
	})
}

func (h *Hub) SummaryReady(sessionID string, sum session.Summary) {
	h.publish(sessionID, SummaryReadyEvent{
		Event:  h.envelope(EventSummaryReady, sessionID),
		Status: string(sum.Status),
		URL:    sum.URL,
	})
}

func (h *Hub) publish(sessionID string, event any) {
	payload, err := json.Marshal(event)
	if err != nil {
		h.logger.Error("event marshal failed", "session_id", sessionID, "error", err)
		return
	}
	h.Broadcast(sessionID, payload)
}
