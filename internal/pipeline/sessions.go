package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"

	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
	"github.com/sjawhar/consult-wispr/internal/storage"
)

type Sessions struct {
	store     storage.SessionStore
	policy    retry.Policy
	now       func() time.Time
	newID     func() string
	newNoteID func() string
}

func NewSessions(store storage.SessionStore, policy retry.Policy) *Sessions {
	return &Sessions{
		store:     store,
		policy:    policy,
		now:       utcNow,
		newID:     uuid.NewString,
		newNoteID: func() string { return ulid.Make().String() },
	}
}

func (s *Sessions) Create(ctx context.Context, metadata map[string]string) (session.Session, error) {
	return s.store.Create(ctx, session.New(s.newID(), metadata, s.now()))
}

func (s *Sessions) Get(ctx context.Context, id string) (session.Session, error) {
	return s.store.Get(ctx, id)
}

func (s *Sessions) AddNote(ctx context.Context, id, text string) (session.Note, error) {
	var note session.Note
	_, _, err := storage.Update(ctx, s.store, id, s.policy, func(cur session.Session) (session.Session, error) {
		next, n, err := cur.AddNote(s.newNoteID(), text, s.now())
		note = n
		return next, err
	})
	if err != nil {
		return session.Note{}, err
	}
	return note, nil
}

// Abandon ends an active session in error, for recordings the client gave up
// on. Abandoning twice is fine; abandoning a completed session is not.
func (s *Sessions) Abandon(ctx context.Context, id string) (session.Session, error) {
	out, _, err := storage.Update(ctx, s.store, id, s.policy, func(cur session.Session) (session.Session, error) {
		switch cur.Status {
		case session.StatusError:
			return cur, storage.ErrNoChange
		case session.StatusCompleted:
			return cur, fmt.Errorf("abandon: %w", session.ErrInvalidSession)
		}
		next, _ := cur.MarkError(s.now())
		return next, nil
	})
	return out, err
}
