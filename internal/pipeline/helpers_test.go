package pipeline

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sjawhar/consult-wispr/internal/blob"
	"github.com/sjawhar/consult-wispr/internal/logging"
	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
	"github.com/sjawhar/consult-wispr/internal/storage"
	"github.com/sjawhar/consult-wispr/internal/transcribe"
)

var testNow = time.Date(2026, 3, 2, 9, 30, 0, 0, time.UTC)

func fastPolicy(attempts int) retry.Policy {
	return retry.Policy{
		Attempts:  attempts,
		BaseDelay: time.Millisecond,
		Sleep:     func(context.Context, time.Duration) error { return nil },
	}
}

type memBlobs struct {
	mu       sync.Mutex
	data     map[string][]byte
	puts     int
	failPuts int
	getErr   error
}

func newMemBlobs() *memBlobs {
	return &memBlobs{data: make(map[string][]byte)}
}

func (m *memBlobs) Put(_ context.Context, key string, data []byte, _ string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.puts++
	if m.failPuts > 0 {
		m.failPuts--
		return errors.New("bucket unavailable")
	}
	m.data[key] = append([]byte(nil), data...)
	return nil
}

func (m *memBlobs) Get(_ context.Context, key string) ([]byte, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.getErr != nil {
		return nil, m.getErr
	}
	d, ok := m.data[key]
	if !ok {
		return nil, fmt.Errorf("%s: %w", key, blob.ErrNotFound)
	}
	return d, nil
}

func (m *memBlobs) SignedURL(_ context.Context, key string, ttl time.Duration) (string, error) {
	return fmt.Sprintf("https://blobs.test/%s?ttl=%d", key, int(ttl.Seconds())), nil
}

func (m *memBlobs) putCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.puts
}

// scriptedTranscriber returns the text or error configured per chunk and
// counts calls.
type scriptedTranscriber struct {
	mu    sync.Mutex
	texts map[int]string
	errs  map[int]error
	calls map[int]int
	gate  chan struct{}
}

func newScriptedTranscriber() *scriptedTranscriber {
	return &scriptedTranscriber{texts: map[int]string{}, errs: map[int]error{}, calls: map[int]int{}}
}

func (s *scriptedTranscriber) Transcribe(ctx context.Context, audio transcribe.Audio) (string, error) {
	s.mu.Lock()
	s.calls[audio.ChunkNumber]++
	gate := s.gate
	text, err := s.texts[audio.ChunkNumber], s.errs[audio.ChunkNumber]
	s.mu.Unlock()

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
	if err != nil {
		return "", err
	}
	if text == "" {
		text = fmt.Sprintf("transcript of %s", audio.Data)
	}
	return text, nil
}

func (s *scriptedTranscriber) callCount(n int) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[n]
}

type recordingEvents struct {
	mu          sync.Mutex
	transcribed []int
	completed   []string
	summaries   []session.Summary
}

func (r *recordingEvents) ChunkTranscribed(_ string, c session.AudioChunk) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transcribed = append(r.transcribed, c.ChunkNumber)
}

func (r *recordingEvents) SessionCompleted(s session.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completed = append(r.completed, s.ID)
}

func (r *recordingEvents) SummaryReady(_ string, sum session.Summary) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.summaries = append(r.summaries, sum)
}

func (r *recordingEvents) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.completed)
}

// harness wires the pipeline over in-memory backends.
type harness struct {
	store       *storage.MemoryStore
	blobs       *memBlobs
	transcriber *scriptedTranscriber
	events      *recordingEvents
	sessions    *Sessions
	ingestor    *Ingestor
	completion  *Completion
	worker      *Worker
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		store:       storage.NewMemoryStore(),
		blobs:       newMemBlobs(),
		transcriber: newScriptedTranscriber(),
		events:      &recordingEvents{},
	}
	logger := logging.Discard()
	now := func() time.Time { return testNow }

	h.sessions = NewSessions(h.store, fastPolicy(5))
	h.sessions.now = now
	h.ingestor = NewIngestor(h.store, h.blobs, fastPolicy(5), fastPolicy(3), logger)
	h.ingestor.now = now
	h.completion = NewCompletion(h.store, fastPolicy(5), h.events, logger)
	h.completion.now = now
	h.worker = NewWorker(h.store, h.blobs, h.transcriber, h.completion, h.events, fastPolicy(10), fastPolicy(3), logger)
	h.worker.now = now
	return h
}

func (h *harness) newSession(t *testing.T) session.Session {
	t.Helper()
	s, err := h.sessions.Create(context.Background(), map[string]string{"clinician": "dr-lee"})
	require.NoError(t, err)
	return s
}

func (h *harness) ingest(t *testing.T, id string, n int, last bool) session.AudioChunk {
	t.Helper()
	c, err := h.ingestor.Ingest(context.Background(), ChunkUpload{
		SessionID:   id,
		ChunkNumber: n,
		IsLastChunk: last,
		Data:        []byte(fmt.Sprintf("audio-%d", n)),
		MimeType:    "audio/webm",
	})
	require.NoError(t, err)
	return c
}

func (h *harness) get(t *testing.T, id string) session.Session {
	t.Helper()
	s, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return s
}

// completingStore fails writes that complete a session until failures runs
// out.
type completingStore struct {
	*storage.MemoryStore
	mu       sync.Mutex
	failures int
}

func (s *completingStore) Put(ctx context.Context, next session.Session, expectedVersion int64) (session.Session, error) {
	s.mu.Lock()
	fail := next.Status == session.StatusCompleted && s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return session.Session{}, errors.New("table throttled")
	}
	return s.MemoryStore.Put(ctx, next, expectedVersion)
}
