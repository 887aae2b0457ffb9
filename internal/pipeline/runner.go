package pipeline

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/sjawhar/consult-wispr/internal/queue"
	"github.com/sjawhar/consult-wispr/internal/session"
)

type Processor interface {
	Process(ctx context.Context, msg queue.ChunkAdded) (Result, error)
}

// Runner drains the chunk queue with a fixed number of concurrent workers.
//
// Two contexts govern it. receive stops polling for new deliveries; work is
// handed to Process and is only cancelled when Shutdown runs out of time.
type Runner struct {
	consumer queue.Consumer
	proc     Processor
	workers  int
	logger   *slog.Logger
	backoff  time.Duration

	receive     context.Context
	stopReceive context.CancelFunc
	work        context.Context
	abortWork   context.CancelFunc
	wg          sync.WaitGroup
}

// NewRunner keeps parent's values but not its cancellation: stopping is
// Shutdown's job.
func NewRunner(parent context.Context, consumer queue.Consumer, proc Processor, workers int, logger *slog.Logger) *Runner {
	if workers <= 0 {
		workers = 1
	}
	base := context.WithoutCancel(parent)
	receive, stopReceive := context.WithCancel(base)
	work, abortWork := context.WithCancel(base)
	return &Runner{
		consumer:    consumer,
		proc:        proc,
		workers:     workers,
		logger:      orDefault(logger),
		backoff:     time.Second,
		receive:     receive,
		stopReceive: stopReceive,
		work:        work,
		abortWork:   abortWork,
	}
}

func (r *Runner) Start() {
	for i := 0; i < r.workers; i++ {
		r.wg.Add(1)
		go func(id int) {
			defer r.wg.Done()
			r.pollLoop(id)
		}(i)
	}
	r.logger.Info("workers started", "count", r.workers)
}

func (r *Runner) pollLoop(id int) {
	for {
		if r.receive.Err() != nil {
			return
		}

		deliveries, err := r.consumer.Receive(r.receive)
		if err != nil {
			if r.receive.Err() != nil {
				return
			}
			r.logger.Warn("receive failed", "worker", id, "error", err)
			select {
			case <-r.receive.Done():
				return
			case <-time.After(r.backoff):
			}
			continue
		}

		// Deliveries already received are finished even when shutdown
		// starts halfway through the batch.
		for _, d := range deliveries {
			r.handle(r.work, d)
		}
	}
}

func (r *Runner) handle(ctx context.Context, d queue.Delivery) {
	msg := d.Message()
	log := r.logger.With("session_id", msg.SessionID, "chunk_number", msg.ChunkNumber)
	settle := context.WithoutCancel(ctx)

	res, err := r.proc.Process(ctx, msg)
	switch {
	case err == nil:
		log.Debug("message handled", "result", res)
	case errors.Is(err, session.ErrSessionNotFound):
		log.Error("dropping message for unknown session", "error", err)
	default:
		log.Warn("processing failed, redelivering", "error", err)
		if nerr := d.Nack(settle); nerr != nil {
			log.Error("nack failed", "error", nerr)
		}
		return
	}

	if aerr := d.Ack(settle); aerr != nil {
		log.Error("ack failed", "error", aerr)
	}
}

// Shutdown stops taking new deliveries and waits for in-flight ones. When
// ctx expires first, in-flight work is cancelled and ctx's error returned.
func (r *Runner) Shutdown(ctx context.Context) error {
	r.stopReceive()

	done := make(chan struct{})
	go func() {
		r.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		r.abortWork()
		return nil
	case <-ctx.Done():
		r.logger.Warn("drain deadline reached, cancelling in-flight chunks")
		r.abortWork()
		<-done
		return ctx.Err()
	}
}
