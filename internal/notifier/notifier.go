// Package notifier turns committed session changes into transcription work.
package notifier

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/sjawhar/consult-wispr/internal/queue"
	"github.com/sjawhar/consult-wispr/internal/retry"
	"github.com/sjawhar/consult-wispr/internal/session"
	"github.com/sjawhar/consult-wispr/internal/storage"
)

type Notifier struct {
	pub    queue.Publisher
	retry  retry.Policy
	logger *slog.Logger
}

func New(pub queue.Publisher, policy retry.Policy, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &Notifier{pub: pub, retry: policy, logger: logger}
}

// NewChunks returns one message per chunk present in after but not in
// before. Changes that do not grow the chunk list produce nothing.
func NewChunks(before *session.Session, after session.Session) []queue.ChunkAdded {
	var prev []session.AudioChunk
	if before != nil {
		prev = before.Chunks
	}
	if len(after.Chunks) <= len(prev) {
		return nil
	}

	seen := make(map[int]struct{}, len(prev))
	for _, c := range prev {
		seen[c.ChunkNumber] = struct{}{}
	}

	var out []queue.ChunkAdded
	for _, c := range after.Chunks {
		if _, ok := seen[c.ChunkNumber]; ok {
			continue
		}
		out = append(out, queue.ChunkAdded{
			SessionID:   after.ID,
			ChunkNumber: c.ChunkNumber,
			BlobKey:     c.BlobKey,
		})
	}
	return out
}

// Handle publishes every new chunk in c. An error means at least one
// publish failed and the whole change should be delivered again; chunks
// already published will then be published twice.
func (n *Notifier) Handle(ctx context.Context, c storage.Change) error {
	for _, msg := range NewChunks(c.Before, c.After) {
		err := retry.Do(ctx, n.retry, func(ctx context.Context) error {
			return n.pub.Publish(ctx, msg)
		}, retriablePublish)
		if err != nil {
			return fmt.Errorf("publish session %s chunk %d: %w", msg.SessionID, msg.ChunkNumber, err)
		}
		n.logger.InfoContext(ctx, "chunk queued for transcription",
			"session_id", msg.SessionID, "chunk_number", msg.ChunkNumber)
	}
	return nil
}

// Run consumes feed until ctx ends.
func (n *Notifier) Run(ctx context.Context, feed storage.ChangeFeed) error {
	n.logger.InfoContext(ctx, "change notifier started")
	return feed.Run(ctx, n.Handle)
}

// Publish failures are assumed transient unless the caller gave up.
func retriablePublish(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
