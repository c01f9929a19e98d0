// Package admission bounds the degraded shared lane: a fixed number of task
// ids may hold a slot at once, and callers wait a bounded time for one.
package admission

import (
	"context"
	"errors"
	"sync"
	"time"
)

// DefaultPollInterval is the pause between admission attempts in Wait.
const DefaultPollInterval = 500 * time.Millisecond

// ErrOverloaded is returned by Wait when no slot frees up in time.
var ErrOverloaded = errors.New("degraded queue overloaded")

// Queue is the admitted set. It is safe for concurrent use.
type Queue struct {
	mu       sync.Mutex
	admitted map[string]struct{}
}

// NewQueue creates an empty queue.
func NewQueue() *Queue {
	return &Queue{admitted: make(map[string]struct{})}
}

// TryAdmit admits taskID if fewer than maxDepth ids hold a slot, returning
// true and the new depth. Otherwise it returns false and the unchanged depth.
// Admitting an id that already holds a slot succeeds without taking another.
func (q *Queue) TryAdmit(taskID string, maxDepth int) (bool, int) {
	q.mu.Lock()
	defer q.mu.Unlock()

	depth := len(q.admitted)
	if _, ok := q.admitted[taskID]; ok {
		return true, depth
	}
	if depth >= maxDepth {
		rejectedTotal.Inc()
		return false, depth
	}
	q.admitted[taskID] = struct{}{}
	depthGauge.Set(float64(depth + 1))
	admittedTotal.Inc()
	return true, depth + 1
}

// Release frees the slot held by taskID. Releasing an id that holds no slot
// does nothing. It reports whether a slot was freed.
func (q *Queue) Release(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if _, ok := q.admitted[taskID]; !ok {
		return false
	}
	delete(q.admitted, taskID)
	depthGauge.Set(float64(len(q.admitted)))
	return true
}

// Depth returns the number of ids currently holding a slot.
func (q *Queue) Depth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.admitted)
}

// Wait retries TryAdmit every poll until taskID is admitted, maxWait elapses
// or ctx is done. It returns the depth after admission, or ErrOverloaded
// with the last observed depth when the wait runs out.
func (q *Queue) Wait(ctx context.Context, taskID string, maxDepth int, maxWait, poll time.Duration) (int, error) {
	if poll <= 0 {
		poll = DefaultPollInterval
	}

	deadline := time.NewTimer(maxWait)
	defer deadline.Stop()
	ticker := time.NewTicker(poll)
	defer ticker.Stop()

	for {
		ok, depth := q.TryAdmit(taskID, maxDepth)
		if ok {
			return depth, nil
		}
		select {
		case <-ctx.Done():
			return depth, ctx.Err()
		case <-deadline.C:
			overloadedTotal.Inc()
			return depth, ErrOverloaded
		case <-ticker.C:
		}
	}
}
