package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sjawhar/consult-wispr/internal/blob"
	"github.com/sjawhar/consult-wispr/internal/logging"
	"github.com/sjawhar/consult-wispr/internal/queue"
	"github.com/sjawhar/consult-wispr/internal/session"
	"github.com/sjawhar/consult-wispr/internal/summary"
)

func TestIngestStoresBytesThenRecordsChunk(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)

	chunk := h.ingest(t, s.ID, 1, false)

	require.Equal(t, blob.ChunkKey(s.ID, 1), chunk.BlobKey)
	require.Equal(t, session.ChunkPending, chunk.Status)
	require.EqualValues(t, len("audio-1"), chunk.Size)

	data, err := h.blobs.Get(context.Background(), chunk.BlobKey)
	require.NoError(t, err)
	require.Equal(t, "audio-1", string(data))

	got := h.get(t, s.ID)
	require.Len(t, got.Chunks, 1)
	require.Nil(t, got.TotalChunks)
}

func TestIngestBlobFailureLeavesSessionUntouched(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.blobs.failPuts = 10

	_, err := h.ingestor.Ingest(context.Background(), ChunkUpload{SessionID: s.ID, ChunkNumber: 1, Data: []byte("x")})

	var upErr *ChunkUploadFailedError
	require.ErrorAs(t, err, &upErr)
	require.Equal(t, s.ID, upErr.SessionID)
	require.Equal(t, 1, upErr.ChunkNumber)
	require.Equal(t, 3, h.blobs.putCount())
	require.Empty(t, h.get(t, s.ID).Chunks)
}

func TestIngestRetriesTransientBlobFailure(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.blobs.failPuts = 2

	h.ingest(t, s.ID, 1, true)
	require.Equal(t, 3, h.blobs.putCount())
	require.Len(t, h.get(t, s.ID).Chunks, 1)
}

func TestIngestRejectsMisuseBeforeWritingBytes(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 2, true)
	puts := h.blobs.putCount()

	cases := []struct {
		name string
		up   ChunkUpload
		want error
	}{
		{"duplicate", ChunkUpload{SessionID: s.ID, ChunkNumber: 2, Data: []byte("x")}, session.ErrDuplicateChunkNumber},
		{"beyond total", ChunkUpload{SessionID: s.ID, ChunkNumber: 3, Data: []byte("x")}, session.ErrTotalChunksConflict},
		{"zero", ChunkUpload{SessionID: s.ID, ChunkNumber: 0, Data: []byte("x")}, session.ErrInvalidChunkNumber},
		{"empty", ChunkUpload{SessionID: s.ID, ChunkNumber: 1}, ErrEmptyChunk},
		{"unknown session", ChunkUpload{SessionID: "missing", ChunkNumber: 1, Data: []byte("x")}, session.ErrSessionNotFound},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := h.ingestor.Ingest(context.Background(), tc.up)
			require.ErrorIs(t, err, tc.want)
		})
	}
	require.Equal(t, puts, h.blobs.putCount())
}

func TestWorkerProcessesChunk(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	c := h.ingest(t, s.ID, 1, true)
	h.transcriber.texts[1] = "Speaker 0: Any allergies?"

	res, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1, BlobKey: c.BlobKey})
	require.NoError(t, err)
	require.Equal(t, ResultProcessed, res)

	got := h.get(t, s.ID)
	chunk, _ := got.Chunk(1)
	require.Equal(t, session.ChunkCompleted, chunk.Status)
	require.Equal(t, "Speaker 0: Any allergies?", chunk.Transcript)
	require.Equal(t, session.StatusCompleted, got.Status)
	require.Equal(t, []int{1}, h.events.transcribed)
	require.Equal(t, 1, h.events.completedCount())
}

func TestWorkerOutOfOrderCompletion(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, false)
	h.ingest(t, s.ID, 2, true)

	res, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 2})
	require.NoError(t, err)
	require.Equal(t, ResultProcessed, res)
	require.Equal(t, session.StatusActive, h.get(t, s.ID).Status)

	res, err = h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)
	require.Equal(t, ResultProcessed, res)

	got := h.get(t, s.ID)
	require.Equal(t, session.StatusCompleted, got.Status)
	require.Equal(t, "transcript of audio-1\n\ntranscript of audio-2", got.Transcript())
}

func TestWorkerSkipsRepeatedDelivery(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, false)
	msg := queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1}

	res, err := h.worker.Process(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, ResultProcessed, res)

	res, err = h.worker.Process(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, ResultSkipped, res)
	require.Equal(t, 1, h.transcriber.callCount(1))
}

func TestWorkerConcurrentDuplicateDelivery(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, true)
	h.transcriber.gate = make(chan struct{})
	msg := queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1}

	var wg sync.WaitGroup
	results := make([]Result, 2)
	errs := make([]error, 2)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = h.worker.Process(context.Background(), msg)
		}(i)
	}

	require.Eventually(t, func() bool {
		c, _ := h.get(t, s.ID).Chunk(1)
		return c.Status == session.ChunkProcessing
	}, time.Second, time.Millisecond)
	close(h.transcriber.gate)
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	require.ElementsMatch(t, []Result{ResultProcessed, ResultSkipped}, results)
	require.Equal(t, 1, h.transcriber.callCount(1))
	require.Equal(t, session.StatusCompleted, h.get(t, s.ID).Status)
}

func TestWorkerTranscriptionFailureMarksChunkError(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, true)
	h.transcriber.errs[1] = errors.New("provider returned 500")

	res, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)
	require.Equal(t, ResultFailed, res)

	got := h.get(t, s.ID)
	chunk, _ := got.Chunk(1)
	require.Equal(t, session.ChunkError, chunk.Status)
	require.Contains(t, chunk.Error, "provider returned 500")
	require.Equal(t, session.StatusActive, got.Status)
	require.Equal(t, []int{1}, h.events.transcribed)

	res, err = h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)
	require.Equal(t, ResultSkipped, res)
}

func TestWorkerMissingAudioMarksChunkError(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, false)

	res, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1, BlobKey: "sessions/other/chunks/9"})
	require.NoError(t, err)
	require.Equal(t, ResultFailed, res)

	chunk, _ := h.get(t, s.ID).Chunk(1)
	require.Equal(t, session.ChunkError, chunk.Status)
	require.True(t, strings.HasPrefix(chunk.Error, "fetch audio"))
	require.Zero(t, h.transcriber.callCount(1))
}

func TestWorkerUnknownSessionAndChunk(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)

	_, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: "missing", ChunkNumber: 1})
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	res, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 4})
	require.NoError(t, err)
	require.Equal(t, ResultSkipped, res)
}

func TestCompletionCheckIsIdempotent(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, true)

	var hooked int
	h.completion.OnCompleted(func(context.Context, session.Session) { hooked++ })

	done, err := h.completion.Check(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, done, "pending chunk must block completion")

	_, err = h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)

	done, err = h.completion.Check(context.Background(), s.ID)
	require.NoError(t, err)
	require.False(t, done)
	require.Equal(t, 1, hooked)
	require.Equal(t, 1, h.events.completedCount())
}

func TestCompletionNeedsLastChunk(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, false)

	_, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)
	require.Equal(t, session.StatusActive, h.get(t, s.ID).Status)
}

func TestSessionsAddNote(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)

	note, err := h.sessions.AddNote(context.Background(), s.ID, "  patient reports dizziness ")
	require.NoError(t, err)
	require.Equal(t, "patient reports dizziness", note.Text)
	require.Len(t, note.ID, 26)

	_, err = h.sessions.AddNote(context.Background(), s.ID, "   ")
	require.ErrorIs(t, err, session.ErrEmptyNote)

	_, err = h.sessions.AddNote(context.Background(), s.ID, strings.Repeat("a", session.MaxNoteLength+1))
	require.ErrorIs(t, err, session.ErrNoteTooLong)

	_, err = h.sessions.AddNote(context.Background(), "missing", "hello")
	require.ErrorIs(t, err, session.ErrSessionNotFound)

	require.Len(t, h.get(t, s.ID).Notes, 1)
}

func TestSessionsAddNoteAfterCompletion(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, true)
	_, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)

	_, err = h.sessions.AddNote(context.Background(), s.ID, "late note")
	require.ErrorIs(t, err, session.ErrInvalidSession)
}

type failingRenderer struct{}

func (failingRenderer) Render(context.Context, session.Session) (string, error) {
	return "", errors.New("llm unavailable")
}

type recordingMirror struct {
	mu    sync.Mutex
	texts map[string]string
	err   error
}

func (m *recordingMirror) Mirror(_ context.Context, id, _ string, text string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.texts == nil {
		m.texts = map[string]string{}
	}
	m.texts[id] = text
	return m.err
}

func newSummaryService(h *harness, r summary.Renderer) *SummaryService {
	svc := NewSummaryService(h.store, h.blobs, r, h.events, fastPolicy(5), fastPolicy(3), 0, nil)
	svc.now = func() time.Time { return testNow }
	return svc
}

func TestSummaryRequiresCompletedSession(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, true)
	svc := newSummaryService(h, summary.Template{})

	_, err := svc.Generate(context.Background(), s.ID)
	require.ErrorIs(t, err, session.ErrAudioProcessingIncomplete)
	require.Nil(t, h.get(t, s.ID).Summary)

	_, err = h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)
	_, err = h.completion.Check(context.Background(), s.ID)
	require.NoError(t, err)

	sum, err := svc.Generate(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, session.SummaryCompleted, sum.Status)
	require.Equal(t, "https://blobs.test/"+blob.SummaryKey(s.ID)+"?ttl=3600", sum.URL)
	require.Equal(t, testNow, *sum.GeneratedAt)

	stored := h.get(t, s.ID)
	require.Equal(t, session.SummaryCompleted, stored.Summary.Status)

	text, err := h.blobs.Get(context.Background(), blob.SummaryKey(s.ID))
	require.NoError(t, err)
	require.Contains(t, string(text), "transcript of audio-1")
	require.Len(t, h.events.summaries, 1)
}

func TestSummaryUnknownSession(t *testing.T) {
	h := newHarness(t)
	_, err := newSummaryService(h, summary.Template{}).Generate(context.Background(), "missing")
	require.ErrorIs(t, err, session.ErrSessionNotFound)
}

func TestSummaryRenderFailureRecorded(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, true)
	_, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)

	_, err = newSummaryService(h, failingRenderer{}).Generate(context.Background(), s.ID)
	require.ErrorContains(t, err, "llm unavailable")
	require.Equal(t, session.SummaryFailed, h.get(t, s.ID).Summary.Status)
}

func TestSummaryMirrorFailureIsNotFatal(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, true)
	_, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)

	svc := newSummaryService(h, summary.Template{})
	mirror := &recordingMirror{err: errors.New("drive quota")}
	svc.SetMirror(mirror)

	sum, err := svc.Generate(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, session.SummaryCompleted, sum.Status)
	require.Contains(t, mirror.texts[s.ID], "Consultation Summary")
}

func TestSummaryCurrentResignsLink(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)
	svc := newSummaryService(h, summary.Template{})

	cur, err := svc.Current(context.Background(), s.ID)
	require.NoError(t, err)
	require.Nil(t, cur)

	h.ingest(t, s.ID, 1, true)
	_, err = h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)
	_, err = svc.Generate(context.Background(), s.ID)
	require.NoError(t, err)

	svc.ttl = 10 * time.Minute
	cur, err = svc.Current(context.Background(), s.ID)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(cur.URL, "?ttl=600"))
}

func TestAutoSummaryOnCompletion(t *testing.T) {
	h := newHarness(t)
	svc := newSummaryService(h, summary.Template{})
	h.completion.OnCompleted(svc.AutoGenerate)
	s := h.newSession(t)
	h.ingest(t, s.ID, 1, true)

	_, err := h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1})
	require.NoError(t, err)

	got := h.get(t, s.ID)
	require.NotNil(t, got.Summary)
	require.Equal(t, session.SummaryCompleted, got.Summary.Status)
}

func TestSessionsAbandon(t *testing.T) {
	h := newHarness(t)
	s := h.newSession(t)

	out, err := h.sessions.Abandon(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, session.StatusError, out.Status)
	require.NotNil(t, out.EndedAt)

	again, err := h.sessions.Abandon(context.Background(), s.ID)
	require.NoError(t, err)
	require.Equal(t, out.Version, again.Version)

	_, err = h.ingestor.Ingest(context.Background(), ChunkUpload{SessionID: s.ID, ChunkNumber: 1, Data: []byte("x")})
	require.ErrorIs(t, err, session.ErrInvalidSession)

	done := h.newSession(t)
	h.ingest(t, done.ID, 1, true)
	_, err = h.worker.Process(context.Background(), queue.ChunkAdded{SessionID: done.ID, ChunkNumber: 1})
	require.NoError(t, err)
	_, err = h.sessions.Abandon(context.Background(), done.ID)
	require.ErrorIs(t, err, session.ErrInvalidSession)
}

func TestWorkerRedeliveryFinishesFailedCompletion(t *testing.T) {
	h := newHarness(t)
	store := &completingStore{MemoryStore: h.store, failures: 1}
	h.completion = NewCompletion(store, fastPolicy(1), h.events, logging.Discard())
	h.worker = NewWorker(store, h.blobs, h.transcriber, h.completion, h.events, fastPolicy(10), fastPolicy(3), logging.Discard())

	s := h.newSession(t)
	h.ingest(t, s.ID, 1, true)
	msg := queue.ChunkAdded{SessionID: s.ID, ChunkNumber: 1}

	_, err := h.worker.Process(context.Background(), msg)
	require.ErrorContains(t, err, "completion check")
	got := h.get(t, s.ID)
	require.True(t, got.IsFullyProcessed())
	require.Equal(t, session.StatusActive, got.Status)

	res, err := h.worker.Process(context.Background(), msg)
	require.NoError(t, err)
	require.Equal(t, ResultSkipped, res)
	require.Equal(t, session.StatusCompleted, h.get(t, s.ID).Status)
	require.Equal(t, 1, h.events.completedCount())
	require.Equal(t, 1, h.transcriber.callCount(1))
}
