package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/sjawhar/consult-wispr/internal/logging"
	"github.com/sjawhar/consult-wispr/internal/pipeline"
	"github.com/sjawhar/consult-wispr/internal/session"
	"github.com/sjawhar/consult-wispr/internal/storage"
)

var sessionIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

type SessionService interface {
	Create(ctx context.Context, metadata map[string]string) (session.Session, error)
	Get(ctx context.Context, id string) (session.Session, error)
	AddNote(ctx context.Context, id, text string) (session.Note, error)
	Abandon(ctx context.Context, id string) (session.Session, error)
}

type ChunkIngestor interface {
	Ingest(ctx context.Context, up pipeline.ChunkUpload) (session.AudioChunk, error)
}

type SummaryService interface {
	Generate(ctx context.Context, id string) (session.Summary, error)
	Current(ctx context.Context, id string) (*session.Summary, error)
}

// SignedFiles serves blobs behind links minted by blob.FileStore.
type SignedFiles interface {
	Verify(key, expires, signature string) error
	Path(key string) (string, error)
}

// UploadLimits bounds what a chunk upload may carry.
type UploadLimits struct {
	MaxChunkBytes int64
	MimeTypes     []string
}

type sessionView struct {
	Session       session.Session  `json:"session"`
	Progress      session.Progress `json:"progress"`
	MissingChunks []int            `json:"missingChunks"`
}

func newSessionView(s session.Session) sessionView {
	missing := s.MissingChunks()
	if missing == nil {
		missing = []int{}
	}
	return sessionView{Session: s, Progress: s.Progress(), MissingChunks: missing}
}

func registerAPIRoutes(mux *http.ServeMux, deps Deps) {
	sessions := deps.Sessions
	limits := deps.Upload

	mux.HandleFunc("POST /api/sessions", func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Metadata map[string]string `json:"metadata"`
		}
		if err := decodeJSON(r, &body, true); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, err.Error())
			return
		}

		s, err := sessions.Create(r.Context(), body.Metadata)
		if err != nil {
			writeServiceError(w, r, fmt.Errorf("create session: %w", err))
			return
		}
		writeJSON(w, http.StatusCreated, newSessionView(s))
	})

	mux.HandleFunc("GET /api/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionIDParam(w, r)
		if !ok {
			return
		}
		s, err := sessions.Get(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, newSessionView(s))
	})

	mux.HandleFunc("PATCH /api/sessions/{id}/status", func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionIDParam(w, r)
		if !ok {
			return
		}
		var body struct {
			Status session.Status `json:"status"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		// Completion is reached through transcription only.
		if body.Status != session.StatusError {
			writeJSONError(w, r, http.StatusBadRequest, fmt.Sprintf("unsupported status %q", body.Status))
			return
		}
		s, err := sessions.Abandon(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		deps.Hub.SessionStatusChanged(s)
		writeJSON(w, http.StatusOK, newSessionView(s))
	})

	mux.HandleFunc("POST /api/sessions/{id}/chunks", func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionIDParam(w, r)
		if !ok {
			return
		}
		up, err := parseChunkUpload(w, r, limits)
		if err != nil {
			writeJSONError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		up.SessionID = id

		chunk, err := deps.Ingestor.Ingest(r.Context(), up)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		deps.Hub.ChunkReceived(id, chunk.ChunkNumber, up.IsLastChunk)
		writeJSON(w, http.StatusAccepted, chunk)
	})

	mux.HandleFunc("POST /api/sessions/{id}/notes", func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionIDParam(w, r)
		if !ok {
			return
		}
		var body struct {
			Note string `json:"note"`
		}
		if err := decodeJSON(r, &body, false); err != nil {
			writeJSONError(w, r, http.StatusBadRequest, err.Error())
			return
		}
		note, err := sessions.AddNote(r.Context(), id, body.Note)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusCreated, note)
	})

	mux.HandleFunc("POST /api/sessions/{id}/summary", func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionIDParam(w, r)
		if !ok {
			return
		}
		sum, err := deps.Summaries.Generate(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	mux.HandleFunc("GET /api/sessions/{id}/summary", func(w http.ResponseWriter, r *http.Request) {
		id, ok := sessionIDParam(w, r)
		if !ok {
			return
		}
		sum, err := deps.Summaries.Current(r.Context(), id)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		if sum == nil {
			writeJSONError(w, r, http.StatusNotFound, "summary not generated")
			return
		}
		writeJSON(w, http.StatusOK, sum)
	})

	mux.HandleFunc("GET /health", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	if deps.Files != nil {
		registerBlobRoute(mux, deps.Files)
	}
}

func registerBlobRoute(mux *http.ServeMux, files SignedFiles) {
	mux.HandleFunc("GET /blobs/{key...}", func(w http.ResponseWriter, r *http.Request) {
		key := r.PathValue("key")
		q := r.URL.Query()
		if err := files.Verify(key, q.Get("expires"), q.Get("signature")); err != nil {
			writeJSONError(w, r, http.StatusForbidden, err.Error())
			return
		}

		path, err := files.Path(key)
		if err != nil {
			writeJSONError(w, r, http.StatusForbidden, "invalid blob key")
			return
		}
		f, err := os.Open(path)
		if err != nil {
			writeJSONError(w, r, http.StatusNotFound, "blob not found")
			return
		}
		defer func() { _ = f.Close() }()

		info, err := f.Stat()
		if err != nil {
			writeJSONError(w, r, http.StatusInternalServerError, fmt.Sprintf("stat blob: %v", err))
			return
		}
		w.Header().Set("Cache-Control", "private, no-store")
		if strings.HasPrefix(key, "summaries/") {
			w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		}
		http.ServeContent(w, r, filepath.Base(path), info.ModTime(), f)
	})
}

// parseChunkUpload reads the multipart form sent by the recorder: the audio
// in "chunk", plus "chunkNumber" and "isLastChunk" fields.
func parseChunkUpload(w http.ResponseWriter, r *http.Request, limits UploadLimits) (pipeline.ChunkUpload, error) {
	// Leave room for the form fields around the audio part.
	r.Body = http.MaxBytesReader(w, r.Body, limits.MaxChunkBytes+64<<10)
	if err := r.ParseMultipartForm(limits.MaxChunkBytes + 64<<10); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return pipeline.ChunkUpload{}, fmt.Errorf("chunk exceeds %d bytes", limits.MaxChunkBytes)
		}
		return pipeline.ChunkUpload{}, fmt.Errorf("parse upload: %w", err)
	}

	chunkNumber, err := strconv.Atoi(r.FormValue("chunkNumber"))
	if err != nil || chunkNumber < 1 {
		return pipeline.ChunkUpload{}, session.ErrInvalidChunkNumber
	}

	file, header, err := r.FormFile("chunk")
	if err != nil {
		return pipeline.ChunkUpload{}, errors.New("audio chunk is required")
	}
	defer func() { _ = file.Close() }()

	if header.Size > limits.MaxChunkBytes {
		return pipeline.ChunkUpload{}, fmt.Errorf("chunk exceeds %d bytes", limits.MaxChunkBytes)
	}
	mimeType, _, err := mime.ParseMediaType(header.Header.Get("Content-Type"))
	if err != nil || !slices.Contains(limits.MimeTypes, mimeType) {
		return pipeline.ChunkUpload{}, fmt.Errorf("unsupported audio type %q", header.Header.Get("Content-Type"))
	}

	data, err := io.ReadAll(file)
	if err != nil {
		return pipeline.ChunkUpload{}, fmt.Errorf("read chunk: %w", err)
	}

	return pipeline.ChunkUpload{
		ChunkNumber: chunkNumber,
		IsLastChunk: r.FormValue("isLastChunk") == "true",
		Data:        data,
		MimeType:    mimeType,
	}, nil
}

func sessionIDParam(w http.ResponseWriter, r *http.Request) (string, bool) {
	id := r.PathValue("id")
	if !validSessionID(id) {
		writeJSONError(w, r, http.StatusBadRequest, "invalid session id")
		return "", false
	}
	return id, true
}

func validSessionID(id string) bool {
	return sessionIDPattern.MatchString(id)
}

func decodeJSON(r *http.Request, dst any, allowEmpty bool) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	if err := dec.Decode(dst); err != nil {
		if allowEmpty && errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("invalid JSON body: %w", err)
	}
	return nil
}

// statusFor maps domain errors onto HTTP statuses.
func statusFor(err error) int {
	var uploadErr *pipeline.ChunkUploadFailedError
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return http.StatusNotFound
	case errors.Is(err, session.ErrDuplicateChunkNumber),
		errors.Is(err, session.ErrTotalChunksConflict),
		errors.Is(err, session.ErrInvalidSession),
		errors.Is(err, session.ErrAudioProcessingIncomplete),
		errors.Is(err, session.ErrSessionExists):
		return http.StatusConflict
	case errors.Is(err, session.ErrInvalidChunkNumber),
		errors.Is(err, session.ErrEmptyNote),
		errors.Is(err, session.ErrNoteTooLong),
		errors.Is(err, pipeline.ErrEmptyChunk):
		return http.StatusBadRequest
	case errors.As(err, &uploadErr):
		return http.StatusBadGateway
	case errors.Is(err, storage.ErrVersionConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status == http.StatusServiceUnavailable {
		w.Header().Set("Retry-After", "1")
	}
	writeJSONError(w, r, status, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeJSONError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	writeJSON(w, status, map[string]string{
		"error":     msg,
		"requestId": logging.RequestID(r.Context()),
	})
}
