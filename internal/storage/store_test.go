package storage

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
)

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		Attempts:  attempts,
		BaseDelay: time.Millisecond,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
}

// racingStore lets another writer slip in before the first n Puts.
type racingStore struct {
	*MemoryStore
	races int
}

func (r *racingStore) Put(ctx context.Context, s session.Session, expected int64) (session.Session, error) {
	if r.races > 0 {
		r.races--
		current, err := r.MemoryStore.Get(ctx, s.ID)
		if err != nil {
			return session.Session{}, err
		}
		current, _, err = current.AddNote("racer", "concurrent note", testNow)
		if err != nil {
			return session.Session{}, err
		}
		if _, err := r.MemoryStore.Put(ctx, current, current.Version); err != nil {
			return session.Session{}, err
		}
	}
	return r.MemoryStore.Put(ctx, s, expected)
}

func TestUpdateRetriesOnConflict(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: NewMemoryStore(), races: 2}
	_, err := store.Create(ctx, session.New("s1", nil, testNow))
	require.NoError(t, err)

	calls := 0
	updated, changed, err := Update(ctx, store, "s1", fastPolicy(5), func(s session.Session) (session.Session, error) {
		calls++
		return s.AddChunk(session.ChunkInput{ChunkNumber: 1, BlobKey: "k"}, testNow)
	})
	require.NoError(t, err)
	require.True(t, changed)
	require.Equal(t, 3, calls)
	require.Len(t, updated.Chunks, 1)
	require.Len(t, updated.Notes, 2, "concurrent writes must survive")
	require.EqualValues(t, 4, updated.Version)
}

func TestUpdateExhaustionIsVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := &racingStore{MemoryStore: NewMemoryStore(), races: 10}
	_, err := store.Create(ctx, session.New("s1", nil, testNow))
	require.NoError(t, err)

	_, _, err = Update(ctx, store, "s1", fastPolicy(3), func(s session.Session) (session.Session, error) {
		return s.AddChunk(session.ChunkInput{ChunkNumber: 1, BlobKey: "k"}, testNow)
	})
	require.ErrorIs(t, err, ErrVersionConflict)
}

func TestUpdateNoChangeSkipsWrite(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	created, err := store.Create(ctx, session.New("s1", nil, testNow))
	require.NoError(t, err)

	got, changed, err := Update(ctx, store, "s1", fastPolicy(3), func(s session.Session) (session.Session, error) {
		return s, ErrNoChange
	})
	require.NoError(t, err)
	require.False(t, changed)
	require.Equal(t, created.Version, got.Version)
}

func TestUpdateReturnsMutationError(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	_, err := store.Create(ctx, session.New("s1", nil, testNow))
	require.NoError(t, err)

	_, _, err = Update(ctx, store, "s1", fastPolicy(3), func(s session.Session) (session.Session, error) {
		next, _, err := s.AddNote("n1", " ", testNow)
		return next, err
	})
	require.ErrorIs(t, err, session.ErrEmptyNote)
}

func TestUpdateMissingSession(t *testing.T) {
	_, _, err := Update(context.Background(), NewMemoryStore(), "nope", fastPolicy(3), func(s session.Session) (session.Session, error) {
		return s, nil
	})
	require.True(t, errors.Is(err, session.ErrSessionNotFound))
}
