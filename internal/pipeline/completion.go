package pipeline

import (
	"context"
	"log/slog"
	"time"

	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
	"github.com/sjawhar/consult-wispr/internal/storage"
)

// Completion is the only path that moves a session to completed. Calling
// Check again after completion does nothing.
type Completion struct {
	store       storage.SessionStore
	policy      retry.Policy
	events      Events
	now         func() time.Time
	logger      *slog.Logger
	onCompleted func(ctx context.Context, s session.Session)
}

func NewCompletion(store storage.SessionStore, policy retry.Policy, events Events, logger *slog.Logger) *Completion {
	return &Completion{
		store:  store,
		policy: policy,
		events: orNop(events),
		now:    utcNow,
		logger: orDefault(logger),
	}
}

// OnCompleted registers fn to run after a session completes, for example to
// generate its summary straight away.
func (c *Completion) OnCompleted(fn func(ctx context.Context, s session.Session)) {
	c.onCompleted = fn
}

// Check completes the session when every chunk has been transcribed. The
// bool reports whether this call made the transition.
func (c *Completion) Check(ctx context.Context, id string) (bool, error) {
	s, changed, err := storage.Update(ctx, c.store, id, c.policy, func(s session.Session) (session.Session, error) {
		if s.Status != session.StatusActive || !s.IsFullyProcessed() {
			return s, storage.ErrNoChange
		}
		next, ok := s.MarkCompleted(c.now())
		if !ok {
			return s, storage.ErrNoChange
		}
		return next, nil
	})
	if err != nil || !changed {
		return false, err
	}

	c.logger.InfoContext(ctx, "session completed", "session_id", id, "chunks", len(s.Chunks))
	c.events.SessionCompleted(s)
	if c.onCompleted != nil {
		c.onCompleted(ctx, s)
	}
	return true, nil
}
