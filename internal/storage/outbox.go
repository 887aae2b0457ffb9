package storage

import (
	"context"
	"log/slog"
	"time"
)

// outbox is a change log written in the same transaction as the session
// document it describes.
type outbox interface {
	pendingChanges(ctx context.Context, limit int) ([]Change, error)
	ackChange(ctx context.Context, seq int64) error
	changeSignal() <-chan struct{}
}

// OutboxFeed tails an outbox. Local writes wake it immediately; the poll
// interval picks up writes made by other processes.
type OutboxFeed struct {
	src      outbox
	interval time.Duration
	batch    int
	logger   *slog.Logger
}

func newOutboxFeed(src outbox, interval time.Duration, logger *slog.Logger) *OutboxFeed {
	if interval <= 0 {
		interval = time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &OutboxFeed{src: src, interval: interval, batch: 100, logger: logger}
}

func (f *OutboxFeed) Run(ctx context.Context, handle ChangeHandler) error {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()

	for {
		f.drain(ctx, handle)

		select {
		case <-ctx.Done():
			return nil
		case <-f.src.changeSignal():
		case <-ticker.C:
		}
	}
}

// drain stops at the first failed change so later changes for the same
// session are never handled ahead of it.
func (f *OutboxFeed) drain(ctx context.Context, handle ChangeHandler) {
	for ctx.Err() == nil {
		changes, err := f.src.pendingChanges(ctx, f.batch)
		if err != nil {
			f.logger.ErrorContext(ctx, "read change outbox", "error", err)
			return
		}
		if len(changes) == 0 {
			return
		}
		for _, c := range changes {
			if err := handle(ctx, c); err != nil {
				f.logger.WarnContext(ctx, "change handler failed, will redeliver",
					"seq", c.Seq, "session_id", c.SessionID, "error", err)
				return
			}
			if err := f.src.ackChange(ctx, c.Seq); err != nil {
				f.logger.ErrorContext(ctx, "ack change", "seq", c.Seq, "error", err)
				return
			}
		}
	}
}
