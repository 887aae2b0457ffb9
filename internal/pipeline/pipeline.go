// Package pipeline runs a consultation from chunk upload through
// transcription to the final summary.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/sjawhar/consult-wispr/internal/session"
)

// ErrEmptyChunk rejects uploads that carry no audio bytes.
var ErrEmptyChunk = errors.New("chunk is empty")

// ChunkUploadFailedError means the audio bytes could not be stored. The
// session was left untouched.
type ChunkUploadFailedError struct {
	SessionID   string
	ChunkNumber int
	Err         error
}

func (e *ChunkUploadFailedError) Error() string {
	return fmt.Sprintf("upload chunk %d of session %s: %v", e.ChunkNumber, e.SessionID, e.Err)
}

func (e *ChunkUploadFailedError) Unwrap() error { return e.Err }

// Events receives progress notifications for connected clients. Calls must
// not block.
type Events interface {
	ChunkTranscribed(sessionID string, chunk session.AudioChunk)
	SessionCompleted(s session.Session)
	SummaryReady(sessionID string, summary session.Summary)
}

type nopEvents struct{}

func (nopEvents) ChunkTranscribed(string, session.AudioChunk) {}
func (nopEvents) SessionCompleted(session.Session)            {}
func (nopEvents) SummaryReady(string, session.Summary)        {}

func orNop(e Events) Events {
	if e == nil {
		return nopEvents{}
	}
	return e
}

func orDefault(l *slog.Logger) *slog.Logger {
	if l == nil {
		return slog.Default()
	}
	return l
}

func utcNow() time.Time { return time.Now().UTC() }

// notCanceled treats everything but a finished context as worth retrying.
func notCanceled(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
