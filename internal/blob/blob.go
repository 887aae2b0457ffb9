// Package blob stores audio chunks and rendered summaries by key.
package blob

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("blob not found")

type Store interface {
	Put(ctx context.Context, key string, data []byte, contentType string) error
	Get(ctx context.Context, key string) ([]byte, error)
	// SignedURL returns a time-limited download link for key.
	SignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

func ChunkKey(sessionID string, chunkNumber int) string {
	return fmt.Sprintf("sessions/%s/chunks/%d", sessionID, chunkNumber)
}

func SummaryKey(sessionID string) string {
	return fmt.Sprintf("summaries/%s/consultation-summary.txt", sessionID)
}
