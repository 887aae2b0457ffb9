package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/sjawhar/consult-wispr/internal/blob"
	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
	"github.com/sjawhar/consult-wispr/internal/storage"
	"github.com/sjawhar/consult-wispr/internal/summary"
)

// Mirror copies a finished summary somewhere else. Mirror failures never
// fail the summary.
type Mirror interface {
	Mirror(ctx context.Context, sessionID, date, text string) error
}

type SummaryService struct {
	store      storage.SessionStore
	blobs      blob.Store
	renderer   summary.Renderer
	mirror     Mirror
	events     Events
	casPolicy  retry.Policy
	blobPolicy retry.Policy
	ttl        time.Duration
	now        func() time.Time
	logger     *slog.Logger
}

func NewSummaryService(
	store storage.SessionStore,
	blobs blob.Store,
	renderer summary.Renderer,
	events Events,
	casPolicy, blobPolicy retry.Policy,
	ttl time.Duration,
	logger *slog.Logger,
) *SummaryService {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &SummaryService{
		store:      store,
		blobs:      blobs,
		renderer:   renderer,
		events:     orNop(events),
		casPolicy:  casPolicy,
		blobPolicy: blobPolicy,
		ttl:        ttl,
		now:        utcNow,
		logger:     orDefault(logger),
	}
}

func (s *SummaryService) SetMirror(m Mirror) { s.mirror = m }

// Generate renders the summary of a completed session, stores it and
// records a download link on the session.
func (s *SummaryService) Generate(ctx context.Context, id string) (session.Summary, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return session.Summary{}, err
	}
	if current.Status != session.StatusCompleted {
		return session.Summary{}, fmt.Errorf("summarize session %s (%s): %w", id, current.Status, session.ErrAudioProcessingIncomplete)
	}

	marked, err := s.record(ctx, id, session.Summary{Status: session.SummaryPending})
	if err != nil {
		return session.Summary{}, err
	}

	text, err := s.renderer.Render(ctx, marked)
	if err != nil {
		return session.Summary{}, s.failed(ctx, id, fmt.Errorf("render summary: %w", err))
	}

	key := blob.SummaryKey(id)
	err = retry.Do(ctx, s.blobPolicy, func(ctx context.Context) error {
		return s.blobs.Put(ctx, key, []byte(text), "text/plain; charset=utf-8")
	}, notCanceled)
	if err != nil {
		return session.Summary{}, s.failed(ctx, id, fmt.Errorf("store summary: %w", err))
	}

	url, err := s.blobs.SignedURL(ctx, key, s.ttl)
	if err != nil {
		return session.Summary{}, s.failed(ctx, id, fmt.Errorf("sign summary url: %w", err))
	}

	now := s.now()
	sum := session.Summary{Status: session.SummaryCompleted, URL: url, GeneratedAt: &now}
	if _, err := s.record(context.WithoutCancel(ctx), id, sum); err != nil {
		return session.Summary{}, err
	}

	s.logger.InfoContext(ctx, "summary ready", "session_id", id, "bytes", len(text))
	s.events.SummaryReady(id, sum)

	if s.mirror != nil {
		if err := s.mirror.Mirror(ctx, id, marked.StartedAt.Format("2006-01-02"), text); err != nil {
			s.logger.WarnContext(ctx, "summary mirror failed", "session_id", id, "error", err)
		}
	}
	return sum, nil
}

// Current returns the recorded summary. A completed summary gets a freshly
// signed link since the stored one may have expired.
func (s *SummaryService) Current(ctx context.Context, id string) (*session.Summary, error) {
	current, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if current.Summary == nil {
		return nil, nil
	}
	sum := *current.Summary
	if sum.Status == session.SummaryCompleted {
		url, err := s.blobs.SignedURL(ctx, blob.SummaryKey(id), s.ttl)
		if err != nil {
			return nil, fmt.Errorf("sign summary url: %w", err)
		}
		sum.URL = url
	}
	return &sum, nil
}

// AutoGenerate suits Completion.OnCompleted.
func (s *SummaryService) AutoGenerate(ctx context.Context, sess session.Session) {
	if _, err := s.Generate(ctx, sess.ID); err != nil {
		s.logger.ErrorContext(ctx, "automatic summary failed", "session_id", sess.ID, "error", err)
	}
}

func (s *SummaryService) record(ctx context.Context, id string, sum session.Summary) (session.Session, error) {
	updated, _, err := storage.Update(ctx, s.store, id, s.casPolicy, func(cur session.Session) (session.Session, error) {
		return cur.WithSummary(sum, s.now())
	})
	return updated, err
}

func (s *SummaryService) failed(ctx context.Context, id string, cause error) error {
	s.logger.ErrorContext(ctx, "summary failed", "session_id", id, "error", cause)
	if _, err := s.record(context.WithoutCancel(ctx), id, session.Summary{Status: session.SummaryFailed}); err != nil {
		s.logger.ErrorContext(ctx, "record summary failure", "session_id", id, "error", err)
	}
	return cause
}
