package state

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/matchcut/internal/observability"
)

// MemoryQueue is the in-process feed for the orchestrator worker pool.
// Claims that are neither acked nor nacked become claimable again once their
// visibility timeout lapses.
type MemoryQueue struct {
	mu       sync.Mutex
	items    []JobRef
	inflight map[string]QueueClaim
	counter  uint64
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		items:    make([]JobRef, 0, 64),
		inflight: make(map[string]QueueClaim),
	}
}

func (q *MemoryQueue) Enqueue(_ context.Context, ref JobRef) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.items = append(q.items, ref)
	observability.Default.IncCounter("jobqueue_enqueued_total", map[string]string{"stage": ref.Stage}, 1)
	return nil
}

func (q *MemoryQueue) Claim(_ context.Context, max int, consumer string, visibilityTimeout time.Duration) ([]QueueClaim, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 1
	}
	if visibilityTimeout <= 0 {
		visibilityTimeout = 30 * time.Second
	}
	if len(q.items) == 0 {
		return nil, nil
	}
	if max > len(q.items) {
		max = len(q.items)
	}
	now := time.Now().UTC()
	out := make([]QueueClaim, 0, max)
	for i := 0; i < max; i++ {
		ref := q.items[0]
		q.items = q.items[1:]
		q.counter++
		claim := QueueClaim{
			Ref:       ref,
			Receipt:   fmt.Sprintf("mem:%s:%d", consumer, q.counter),
			ClaimedBy: consumer,
			ClaimedAt: now,
			VisibleAt: now.Add(visibilityTimeout),
		}
		q.inflight[claim.Receipt] = claim
		out = append(out, claim)
	}
	observability.Default.IncCounter("jobqueue_claimed_total", map[string]string{"worker": consumer}, float64(len(out)))
	return out, nil
}

func (q *MemoryQueue) Ack(_ context.Context, claims []QueueClaim) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range claims {
		delete(q.inflight, c.Receipt)
	}
	return nil
}

func (q *MemoryQueue) Nack(_ context.Context, claims []QueueClaim, reason string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, c := range claims {
		if _, ok := q.inflight[c.Receipt]; !ok {
			continue
		}
		delete(q.inflight, c.Receipt)
		q.items = append(q.items, c.Ref)
		observability.Default.IncCounter("jobqueue_nacked_total", map[string]string{"reason": reason}, 1)
	}
	return nil
}

func (q *MemoryQueue) RequeueExpired(_ context.Context, now time.Time, max int) (int, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if max <= 0 {
		max = 16
	}
	requeued := 0
	for receipt, c := range q.inflight {
		if requeued >= max {
			break
		}
		if c.VisibleAt.After(now) {
			continue
		}
		delete(q.inflight, receipt)
		q.items = append(q.items, c.Ref)
		requeued++
	}
	if requeued > 0 {
		observability.Default.IncCounter("jobqueue_requeued_total", nil, float64(requeued))
	}
	return requeued, nil
}
