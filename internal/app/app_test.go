package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/sjawhar/consult-wispr/internal/config"
	"github.com/sjawhar/consult-wispr/internal/logging"
	"github.com/sjawhar/consult-wispr/internal/session"
	"github.com/sjawhar/consult-wispr/internal/storage"
	"github.com/sjawhar/consult-wispr/internal/summary"
)

func inProcessConfig(t *testing.T) config.Config {
	t.Helper()
	cfg, _, err := config.Load("")
	require.NoError(t, err)

	cfg.Storage.Backend = "memory"
	cfg.Storage.FeedInterval = "10ms"
	cfg.Blob.Backend = "file"
	cfg.Blob.Dir = t.TempDir()
	cfg.Blob.SigningKey = "test-key"
	cfg.Queue.Backend = "memory"
	cfg.Transcription.Provider = "none"
	cfg.Pipeline.Workers = 2
	cfg.Pipeline.RetryBaseDelay = "1ms"
	cfg.Pipeline.AutoSummarize = true
	cfg.GDrive = config.GDrive{}
	cfg.DeepgramAPIKey = ""
	cfg.OpenAIAPIKey = ""
	cfg.AnthropicAPIKey = ""
	cfg.GeminiAPIKey = ""
	return cfg
}

func postChunk(t *testing.T, base, id string, n int, last bool) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	require.NoError(t, mw.WriteField("chunkNumber", fmt.Sprint(n)))
	require.NoError(t, mw.WriteField("isLastChunk", fmt.Sprint(last)))
	hdr := make(textproto.MIMEHeader)
	hdr.Set("Content-Disposition", fmt.Sprintf(`form-data; name="chunk"; filename="chunk-%d.webm"`, n))
	hdr.Set("Content-Type", "audio/webm")
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write([]byte(fmt.Sprintf("audio-%d", n)))
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	resp, err := http.Post(base+"/api/sessions/"+id+"/chunks", mw.FormDataContentType(), &body)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
}

func getSession(t *testing.T, base, id string) session.Session {
	t.Helper()
	resp, err := http.Get(base + "/api/sessions/" + id)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var view struct {
		Session session.Session `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&view))
	return view.Session
}

func TestInProcessConsultation(t *testing.T) {
	a, err := New(context.Background(), inProcessConfig(t), logging.Discard())
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, a.Close()) })

	ctx, cancel := context.WithCancel(context.Background())
	notifierDone := make(chan error, 1)
	workersDone := make(chan error, 1)
	go func() { notifierDone <- a.RunNotifier(ctx) }()
	go func() { workersDone <- a.RunWorkers(ctx, 5*time.Second) }()

	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	resp, err := http.Post(srv.URL+"/api/sessions", "application/json", bytes.NewBufferString(`{"metadata":{"deviceInfo":"test"}}`))
	require.NoError(t, err)
	var created struct {
		Session session.Session `json:"session"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&created))
	_ = resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := created.Session.ID

	postChunk(t, srv.URL, id, 2, true)
	postChunk(t, srv.URL, id, 1, false)

	require.Eventually(t, func() bool {
		s := getSession(t, srv.URL, id)
		return s.Status == session.StatusCompleted && s.Summary != nil && s.Summary.Status == session.SummaryCompleted
	}, 5*time.Second, 20*time.Millisecond)

	s := getSession(t, srv.URL, id)
	require.Len(t, s.Chunks, 2)
	for _, c := range s.Chunks {
		require.Equal(t, session.ChunkCompleted, c.Status)
	}
	require.NotEmpty(t, s.Summary.URL)

	cancel()
	require.NoError(t, <-notifierDone)
	require.NoError(t, <-workersDone)
}

func TestNewSelectsBackends(t *testing.T) {
	cfg := inProcessConfig(t)
	cfg.Storage.Backend = "sqlite"
	cfg.Storage.SQLitePath = t.TempDir() + "/consult.db"

	a, err := New(context.Background(), cfg, logging.Discard())
	require.NoError(t, err)
	defer func() { require.NoError(t, a.Close()) }()

	require.IsType(t, &storage.SQLiteStore{}, a.store)
	require.NotNil(t, a.files)
	require.IsType(t, summary.Template{}, a.renderer())

	cfg.OpenAIAPIKey = "sk-test"
	a.cfg = cfg
	require.IsType(t, &summary.Summarizer{}, a.renderer())
}
