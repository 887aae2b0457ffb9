package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sjawhar/consult-wispr/internal/blob"
	"github.com/sjawhar/consult-wispr/internal/queue"
	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
	"github.com/sjawhar/consult-wispr/internal/storage"
	"github.com/sjawhar/consult-wispr/internal/transcribe"
)

type Result string

const (
	ResultProcessed Result = "processed"
	ResultSkipped   Result = "skipped"
	ResultFailed    Result = "failed"
)

// Worker transcribes one announced chunk. Delivering the same message twice
// is harmless: only a pending chunk is ever claimed.
type Worker struct {
	store       storage.SessionStore
	blobs       blob.Store
	transcriber transcribe.Transcriber
	completion  *Completion
	events      Events
	casPolicy   retry.Policy
	blobPolicy  retry.Policy
	now         func() time.Time
	logger      *slog.Logger
}

func NewWorker(
	store storage.SessionStore,
	blobs blob.Store,
	transcriber transcribe.Transcriber,
	completion *Completion,
	events Events,
	casPolicy, blobPolicy retry.Policy,
	logger *slog.Logger,
) *Worker {
	return &Worker{
		store:       store,
		blobs:       blobs,
		transcriber: transcriber,
		completion:  completion,
		events:      orNop(events),
		casPolicy:   casPolicy,
		blobPolicy:  blobPolicy,
		now:         utcNow,
		logger:      orDefault(logger),
	}
}

func (w *Worker) Process(ctx context.Context, msg queue.ChunkAdded) (Result, error) {
	log := w.logger.With("session_id", msg.SessionID, "chunk_number", msg.ChunkNumber)

	current, err := w.store.Get(ctx, msg.SessionID)
	if err != nil {
		return "", err
	}
	if c, ok := current.Chunk(msg.ChunkNumber); !ok || c.Status != session.ChunkPending {
		log.DebugContext(ctx, "chunk not pending, skipping")
		// A redelivery after the transcript was written may be the only
		// chance left to finish the session.
		if ok && c.Status == session.ChunkCompleted {
			if err := w.checkCompletion(ctx, msg.SessionID); err != nil {
				return "", err
			}
		}
		return ResultSkipped, nil
	}

	claimed, changed, err := storage.Update(ctx, w.store, msg.SessionID, w.casPolicy, func(s session.Session) (session.Session, error) {
		if c, ok := s.Chunk(msg.ChunkNumber); !ok || c.Status != session.ChunkPending {
			return s, storage.ErrNoChange
		}
		next, out := s.TransitionChunk(msg.ChunkNumber, session.ChunkProcessing, "", w.now())
		if !out.Applied {
			return s, storage.ErrNoChange
		}
		return next, nil
	})
	if err != nil {
		return "", err
	}
	if !changed {
		log.DebugContext(ctx, "chunk claimed elsewhere, skipping")
		return ResultSkipped, nil
	}

	chunk, _ := claimed.Chunk(msg.ChunkNumber)
	key := msg.BlobKey
	if key == "" {
		key = chunk.BlobKey
	}

	// The chunk is ours now. Whatever happens below must be written back even
	// if ctx is cancelled, or it stays in processing forever.
	final := context.WithoutCancel(ctx)

	var data []byte
	err = retry.Do(ctx, w.blobPolicy, func(ctx context.Context) error {
		var err error
		data, err = w.blobs.Get(ctx, key)
		return err
	}, func(err error) bool {
		return notCanceled(err) && !errors.Is(err, blob.ErrNotFound)
	})
	if err != nil {
		return w.fail(final, log, msg, fmt.Errorf("fetch audio: %w", err))
	}

	started := time.Now()
	text, err := w.transcriber.Transcribe(ctx, transcribe.Audio{
		SessionID:   msg.SessionID,
		ChunkNumber: msg.ChunkNumber,
		Key:         key,
		MimeType:    chunk.MimeType,
		Data:        data,
	})
	if err != nil {
		return w.fail(final, log, msg, fmt.Errorf("transcribe: %w", err))
	}

	done, err := w.transition(final, msg, session.ChunkCompleted, text)
	if err != nil {
		return "", err
	}
	if c, ok := done.Chunk(msg.ChunkNumber); ok {
		w.events.ChunkTranscribed(msg.SessionID, c)
	}
	log.InfoContext(ctx, "chunk transcribed", "duration", time.Since(started).Round(time.Millisecond), "chars", len(text))

	if err := w.checkCompletion(final, msg.SessionID); err != nil {
		return "", err
	}
	return ResultProcessed, nil
}

// checkCompletion fails the delivery when the session could not be checked,
// so the queue hands the message back and the check runs again.
func (w *Worker) checkCompletion(ctx context.Context, id string) error {
	if w.completion == nil {
		return nil
	}
	if _, err := w.completion.Check(ctx, id); err != nil {
		return fmt.Errorf("completion check: %w", err)
	}
	return nil
}

func (w *Worker) fail(ctx context.Context, log *slog.Logger, msg queue.ChunkAdded, cause error) (Result, error) {
	log.WarnContext(ctx, "chunk failed", "error", cause)
	s, err := w.transition(ctx, msg, session.ChunkError, cause.Error())
	if err != nil {
		return "", err
	}
	if c, ok := s.Chunk(msg.ChunkNumber); ok && c.Status == session.ChunkError {
		w.events.ChunkTranscribed(msg.SessionID, c)
	}
	return ResultFailed, nil
}

func (w *Worker) transition(ctx context.Context, msg queue.ChunkAdded, to session.ChunkStatus, detail string) (session.Session, error) {
	s, _, err := storage.Update(ctx, w.store, msg.SessionID, w.casPolicy, func(s session.Session) (session.Session, error) {
		next, out := s.TransitionChunk(msg.ChunkNumber, to, detail, w.now())
		if !out.Applied {
			return s, storage.ErrNoChange
		}
		return next, nil
	})
	return s, err
}
