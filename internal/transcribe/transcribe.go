// Package transcribe converts stored audio chunks to text.
package transcribe

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// Audio is one chunk handed to a transcription provider.
type Audio struct {
	SessionID   string
	ChunkNumber int
	Key         string
	MimeType    string
	Data        []byte
}

// Filename gives providers that sniff formats from a name something to go on.
func (a Audio) Filename() string {
	ext := ".webm"
	switch a.MimeType {
	case "audio/ogg":
		ext = ".ogg"
	case "audio/wav", "audio/x-wav", "audio/wave":
		ext = ".wav"
	}
	return fmt.Sprintf("chunk-%d%s", a.ChunkNumber, ext)
}

type Transcriber interface {
	Transcribe(ctx context.Context, audio Audio) (string, error)
}

var ErrTimeout = errors.New("transcription timeout")

type timeoutTranscriber struct {
	next    Transcriber
	timeout time.Duration
}

// WithTimeout bounds every call to next. A call that runs over fails with
// ErrTimeout.
func WithTimeout(next Transcriber, timeout time.Duration) Transcriber {
	if timeout <= 0 {
		return next
	}
	return &timeoutTranscriber{next: next, timeout: timeout}
}

func (t *timeoutTranscriber) Transcribe(ctx context.Context, audio Audio) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	type result struct {
		text string
		err  error
	}
	done := make(chan result, 1)
	go func() {
		text, err := t.next.Transcribe(ctx, audio)
		done <- result{text, err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
		}
		return r.text, r.err
	case <-ctx.Done():
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w after %s", ErrTimeout, t.timeout)
		}
		return "", ctx.Err()
	}
}

// Placeholder stands in when no provider is configured, so sessions can
// still run end to end in development.
type Placeholder struct{}

func (Placeholder) Transcribe(_ context.Context, audio Audio) (string, error) {
	return fmt.Sprintf("[untranscribed audio: chunk %d, %d bytes]", audio.ChunkNumber, len(audio.Data)), nil
}
