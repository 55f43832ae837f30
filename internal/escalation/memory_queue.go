package escalation

import (
	"context"
	"fmt"
	"sync"

	"github.com/ocx/trustscore/internal/core"
)

// MemoryQueue is an in-process review queue for single-node deployments.
type MemoryQueue struct {
	mu    sync.Mutex
	seq   int
	cases map[string]core.EscalationCase
}

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{cases: make(map[string]core.EscalationCase)}
}

func (q *MemoryQueue) SubmitForReview(_ context.Context, c core.EscalationCase) (string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.seq++
	handle := fmt.Sprintf("review-%d", q.seq)
	c.ReviewHandle = handle
	q.cases[handle] = c
	return handle, nil
}

func (q *MemoryQueue) RecordStatus(_ context.Context, c core.EscalationCase) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, ok := q.cases[c.ReviewHandle]; !ok {
		return fmt.Errorf("review %s: %w", c.ReviewHandle, core.ErrNotFound)
	}
	q.cases[c.ReviewHandle] = c
	return nil
}

// Pending returns the queued cases that are not yet resolved.
func (q *MemoryQueue) Pending() []core.EscalationCase {
	q.mu.Lock()
	defer q.mu.Unlock()
	var out []core.EscalationCase
	for _, c := range q.cases {
		if c.Status != core.EscalationResolved {
			out = append(out, c)
		}
	}
	return out
}
