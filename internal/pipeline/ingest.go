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
)

type ChunkUpload struct {
	SessionID   string
	ChunkNumber int
	IsLastChunk bool
	Data        []byte
	MimeType    string
}

// Ingestor stores uploaded audio and records the chunk on its session. The
// chunk is recorded only after its bytes are safely stored.
type Ingestor struct {
	store      storage.SessionStore
	blobs      blob.Store
	casPolicy  retry.Policy
	blobPolicy retry.Policy
	now        func() time.Time
	logger     *slog.Logger
}

func NewIngestor(store storage.SessionStore, blobs blob.Store, casPolicy, blobPolicy retry.Policy, logger *slog.Logger) *Ingestor {
	return &Ingestor{
		store:      store,
		blobs:      blobs,
		casPolicy:  casPolicy,
		blobPolicy: blobPolicy,
		now:        utcNow,
		logger:     orDefault(logger),
	}
}

func (i *Ingestor) Ingest(ctx context.Context, up ChunkUpload) (session.AudioChunk, error) {
	if len(up.Data) == 0 {
		return session.AudioChunk{}, fmt.Errorf("chunk %d: %w", up.ChunkNumber, ErrEmptyChunk)
	}

	key := blob.ChunkKey(up.SessionID, up.ChunkNumber)
	in := session.ChunkInput{
		ChunkNumber: up.ChunkNumber,
		BlobKey:     key,
		Size:        int64(len(up.Data)),
		MimeType:    up.MimeType,
		IsLastChunk: up.IsLastChunk,
	}

	current, err := i.store.Get(ctx, up.SessionID)
	if err != nil {
		return session.AudioChunk{}, err
	}
	// Reject misuse before any bytes are written.
	if _, err := current.AddChunk(in, i.now()); err != nil {
		return session.AudioChunk{}, err
	}

	err = retry.Do(ctx, i.blobPolicy, func(ctx context.Context) error {
		return i.blobs.Put(ctx, key, up.Data, up.MimeType)
	}, notCanceled)
	if err != nil {
		i.logger.ErrorContext(ctx, "chunk upload failed",
			"session_id", up.SessionID, "chunk_number", up.ChunkNumber, "error", err)
		return session.AudioChunk{}, &ChunkUploadFailedError{SessionID: up.SessionID, ChunkNumber: up.ChunkNumber, Err: err}
	}

	updated, _, err := storage.Update(ctx, i.store, up.SessionID, i.casPolicy, func(cur session.Session) (session.Session, error) {
		return cur.AddChunk(in, i.now())
	})
	if err != nil {
		return session.AudioChunk{}, err
	}

	chunk, _ := updated.Chunk(up.ChunkNumber)
	i.logger.InfoContext(ctx, "chunk stored",
		"session_id", up.SessionID, "chunk_number", up.ChunkNumber, "bytes", chunk.Size, "last", up.IsLastChunk)
	return chunk, nil
}
