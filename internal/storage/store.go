package storage

import (
	"context"
	"errors"
	"fmt"

	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
)

var (
	// ErrVersionConflict means the stored document moved on since it was read.
	ErrVersionConflict = errors.New("session version conflict")
	// ErrNoChange is returned by a Mutation that has nothing to write.
	ErrNoChange = errors.New("no change")
)

// SessionStore persists session documents with optimistic concurrency.
// Create assigns version 1 and Put succeeds only when the stored version
// still equals expectedVersion; both return the document as stored.
type SessionStore interface {
	Create(ctx context.Context, s session.Session) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	Put(ctx context.Context, s session.Session, expectedVersion int64) (session.Session, error)
	Ping(ctx context.Context) error
}

// Change is one committed write as seen by the change feed. Before is nil
// for a newly created session.
type Change struct {
	Seq       int64
	SessionID string
	Before    *session.Session
	After     session.Session
}

type ChangeHandler func(ctx context.Context, c Change) error

// ChangeFeed delivers committed changes at least once. A change whose
// handler fails is delivered again later.
type ChangeFeed interface {
	Run(ctx context.Context, handle ChangeHandler) error
}

type Mutation func(s session.Session) (session.Session, error)

// Update reads the session, applies mutate and writes the result back,
// re-reading and retrying when another writer got there first. The bool
// reports whether anything was written.
func Update(ctx context.Context, store SessionStore, id string, policy retry.Policy, mutate Mutation) (session.Session, bool, error) {
	var (
		result  session.Session
		changed bool
	)
	err := retry.Do(ctx, policy, func(ctx context.Context) error {
		current, err := store.Get(ctx, id)
		if err != nil {
			return err
		}
		next, err := mutate(current.Clone())
		if errors.Is(err, ErrNoChange) {
			result, changed = current, false
			return nil
		}
		if err != nil {
			return err
		}
		next.ID = current.ID
		stored, err := store.Put(ctx, next, current.Version)
		if err != nil {
			return err
		}
		result, changed = stored, true
		return nil
	}, func(err error) bool {
		return errors.Is(err, ErrVersionConflict)
	})
	if err != nil {
		return session.Session{}, false, fmt.Errorf("update session %s: %w", id, err)
	}
	return result, changed, nil
}
