package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process queue with SQS-like visibility: a received
// message that is neither acked nor nacked within the visibility timeout is
// delivered again.
type MemoryQueue struct {
	mu         sync.Mutex
	ready      []ChunkAdded
	inflight   map[uint64]inflight
	nextID     uint64
	visibility time.Duration
	batch      int
	notify     chan struct{}
	now        func() time.Time
}

type inflight struct {
	msg      ChunkAdded
	deadline time.Time
}

func NewMemoryQueue(visibility time.Duration) *MemoryQueue {
	if visibility <= 0 {
		visibility = 30 * time.Second
	}
	return &MemoryQueue{
		inflight:   make(map[uint64]inflight),
		visibility: visibility,
		batch:      1,
		notify:     make(chan struct{}, 1),
		now:        time.Now,
	}
}

func (q *MemoryQueue) Publish(_ context.Context, msg ChunkAdded) error {
	q.mu.Lock()
	q.ready = append(q.ready, msg)
	q.mu.Unlock()
	q.wake()
	return nil
}

func (q *MemoryQueue) Receive(ctx context.Context) ([]Delivery, error) {
	for {
		if out := q.take(); len(out) > 0 {
			return out, nil
		}

		timer := time.NewTimer(q.pollInterval())
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
		case <-timer.C:
		}
		timer.Stop()
	}
}

// Len reports ready plus in-flight messages.
func (q *MemoryQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.ready) + len(q.inflight)
}

func (q *MemoryQueue) take() []Delivery {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	for id, f := range q.inflight {
		if now.After(f.deadline) {
			delete(q.inflight, id)
			q.ready = append(q.ready, f.msg)
		}
	}

	n := min(q.batch, len(q.ready))
	out := make([]Delivery, 0, n)
	for _, msg := range q.ready[:n] {
		q.nextID++
		q.inflight[q.nextID] = inflight{msg: msg, deadline: now.Add(q.visibility)}
		out = append(out, &memoryDelivery{q: q, id: q.nextID, msg: msg})
	}
	q.ready = q.ready[n:]
	if len(q.ready) > 0 {
		q.wake()
	}
	return out
}

func (q *MemoryQueue) pollInterval() time.Duration {
	return min(q.visibility/4, 250*time.Millisecond)
}

func (q *MemoryQueue) wake() {
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

type memoryDelivery struct {
	q   *MemoryQueue
	id  uint64
	msg ChunkAdded
}

func (d *memoryDelivery) Message() ChunkAdded { return d.msg }

func (d *memoryDelivery) Ack(context.Context) error {
	d.q.mu.Lock()
	delete(d.q.inflight, d.id)
	d.q.mu.Unlock()
	return nil
}

func (d *memoryDelivery) Nack(context.Context) error {
	d.q.mu.Lock()
	f, ok := d.q.inflight[d.id]
	if ok {
		delete(d.q.inflight, d.id)
		d.q.ready = append(d.q.ready, f.msg)
	}
	d.q.mu.Unlock()
	if ok {
		d.q.wake()
	}
	return nil
}
