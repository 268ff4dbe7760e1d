package queue

import (
	"context"
	"fmt"
	"sync"
	"time"
)

// MemoryQueue is an in-process lease queue. It is used by tests and by the
// single binary mode where the API and the workers share a process.
type MemoryQueue struct {
	cfg  Config
	opts []Option

	mu       sync.Mutex
	closed   bool
	pending  []string
	inflight map[string]Claim
	attempts map[string]int
	dead     []string
	counter  uint64
}

// NewMemory returns an empty in-process queue.
func NewMemory(cfg Config, opts ...Option) *MemoryQueue {
	return &MemoryQueue{
		cfg:      cfg.withDefaults(),
		opts:     opts,
		pending:  make([]string, 0, 128),
		inflight: make(map[string]Claim),
		attempts: make(map[string]int),
	}
}

func (q *MemoryQueue) Publish(ctx context.Context, checkIDs ...string) error {
	return q.Enqueue(ctx, checkIDs...)
}

func (q *MemoryQueue) Consume(ctx context.Context, h Handler) error {
	return NewPoller(q, BackendMemory, q.cfg, q.opts...).Run(ctx, h)
}

func (q *MemoryQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.closed = true
	return nil
}

func (q *MemoryQueue) Enqueue(_ context.Context, checkIDs ...string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return ErrClosed
	}
	q.pending = append(q.pending, checkIDs...)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, max int, consumer string, visibility time.Duration) ([]Claim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 1
	}
	if visibility <= 0 {
		visibility = q.cfg.VisibilityTimeout
	}
	if len(q.pending) == 0 {
		return nil, nil
	}
	if max > len(q.pending) {
		max = len(q.pending)
	}
	now := time.Now().UTC()
	out := make([]Claim, 0, max)
	for i := 0; i < max; i++ {
		id := q.pending[0]
		q.pending = q.pending[1:]
		q.counter++
		c := Claim{
			CheckID:   id,
			Receipt:   fmt.Sprintf("mem:%s:%d", consumer, q.counter),
			Attempt:   q.attempts[id] + 1,
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: now.Add(visibility),
		}
		q.inflight[c.Receipt] = c
		out = append(out, c)
	}
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, c Claim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[c.Receipt]; !ok {
		return nil
	}
	delete(q.inflight, c.Receipt)
	delete(q.attempts, c.CheckID)
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, c Claim) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.inflight[c.Receipt]; !ok {
		return false, nil
	}
	delete(q.inflight, c.Receipt)
	q.attempts[c.CheckID]++
	if q.attempts[c.CheckID] >= q.cfg.MaxAttempts {
		delete(q.attempts, c.CheckID)
		q.dead = append(q.dead, c.CheckID)
		return true, nil
	}
	q.pending = append(q.pending, c.CheckID)
	return false, nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	moved := 0
	for receipt, c := range q.inflight {
		if max > 0 && moved >= max {
			break
		}
		if c.VisibleAt.After(now) {
			continue
		}
		q.pending = append(q.pending, c.CheckID)
		delete(q.inflight, receipt)
		moved++
	}
	return moved, nil
}

// DeadLetters returns the ids that exhausted their attempts, oldest first.
func (q *MemoryQueue) DeadLetters() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, len(q.dead))
	copy(out, q.dead)
	return out
}

// Depth reports pending and in-flight counts.
func (q *MemoryQueue) Depth() (pending, inflight int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending), len(q.inflight)
}
