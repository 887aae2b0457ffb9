package storage

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/consult-wispr/internal/session"
)

// MemoryStore is a process-local SessionStore with the same version and
// change-log behaviour as the durable stores.
type MemoryStore struct {
	mu       sync.Mutex
	sessions map[string]session.Session
	changes  []Change
	nextSeq  int64
	notify   chan struct{}
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions: make(map[string]session.Session),
		notify:   make(chan struct{}, 1),
	}
}

func (m *MemoryStore) Ping(context.Context) error { return nil }

func (m *MemoryStore) Create(_ context.Context, s session.Session) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.sessions[s.ID]; ok {
		return session.Session{}, fmt.Errorf("create session %s: %w", s.ID, session.ErrSessionExists)
	}
	s = s.Clone()
	s.Version = 1
	m.sessions[s.ID] = s
	m.record(nil, s)
	return s.Clone(), nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.sessions[id]
	if !ok {
		return session.Session{}, fmt.Errorf("get session %s: %w", id, session.ErrSessionNotFound)
	}
	return s.Clone(), nil
}

func (m *MemoryStore) Put(_ context.Context, s session.Session, expectedVersion int64) (session.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	current, ok := m.sessions[s.ID]
	if !ok {
		return session.Session{}, fmt.Errorf("put session %s: %w", s.ID, session.ErrSessionNotFound)
	}
	if current.Version != expectedVersion {
		return session.Session{}, fmt.Errorf("put session %s at version %d, stored %d: %w", s.ID, expectedVersion, current.Version, ErrVersionConflict)
	}
	s = s.Clone()
	s.Version = expectedVersion + 1
	m.sessions[s.ID] = s
	m.record(&current, s)
	return s.Clone(), nil
}

func (m *MemoryStore) Feed(interval time.Duration, logger *slog.Logger) *OutboxFeed {
	return newOutboxFeed(m, interval, logger)
}

func (m *MemoryStore) record(before *session.Session, after session.Session) {
	m.nextSeq++
	c := Change{Seq: m.nextSeq, SessionID: after.ID, After: after.Clone()}
	if before != nil {
		prev := before.Clone()
		c.Before = &prev
	}
	m.changes = append(m.changes, c)
	select {
	case m.notify <- struct{}{}:
	default:
	}
}

func (m *MemoryStore) pendingChanges(_ context.Context, limit int) ([]Change, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	n := min(limit, len(m.changes))
	return append([]Change(nil), m.changes[:n]...), nil
}

func (m *MemoryStore) ackChange(_ context.Context, seq int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for i, c := range m.changes {
		if c.Seq == seq {
			m.changes = append(m.changes[:i], m.changes[i+1:]...)
			return nil
		}
	}
	return nil
}

func (m *MemoryStore) changeSignal() <-chan struct{} {
	return m.notify
}
