// Package queue holds probe outcomes between the workers that produce them
// and the scheduler that joins them.
package queue

import (
	"sync"

	"github.com/pingsantohq/dlspeed/internal/clock"
	"github.com/pingsantohq/dlspeed/internal/events"
	"github.com/pingsantohq/dlspeed/internal/metrics"
	"github.com/pingsantohq/dlspeed/pkg/types"
)

// ResultQueue is a bounded FIFO of outcomes. It never evicts: an outcome
// offered to a full queue is rejected and reported back to the caller.
type ResultQueue struct {
	mu       sync.Mutex
	capacity int
	items    []types.Outcome
	accepted uint64
	rejected uint64
	events   events.Recorder
	metrics  metrics.QueueRecorder
	clock    clock.Clock
}

func NewResultQueue(capacity int) *ResultQueue {
	if capacity <= 0 {
		capacity = 1
	}
	return &ResultQueue{
		capacity: capacity,
		items:    make([]types.Outcome, 0, capacity),
		clock:    clock.New(),
	}
}

// SetClock sets the time source used to stamp reject events.
func (q *ResultQueue) SetClock(c clock.Clock) {
	if c == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = c
}

func (q *ResultQueue) SetEventRecorder(rec events.Recorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.events = rec
}

func (q *ResultQueue) SetMetricsRecorder(rec metrics.QueueRecorder) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.metrics = rec
}

// Enqueue appends outcome and reports whether it was accepted.
func (q *ResultQueue) Enqueue(outcome types.Outcome) (accepted bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.items) >= q.capacity {
		q.rejected++
		q.recordEvent(types.EventQueueReject, outcome.ProbeID)
		q.incrementReject()
		return false
	}

	q.items = append(q.items, outcome)
	q.accepted++
	q.observeDepthLocked()
	return true
}

func (q *ResultQueue) Drain(max int) []types.Outcome {
	q.mu.Lock()
	defer q.mu.Unlock()

	n := len(q.items)
	if max > 0 && max < n {
		n = max
	}
	drained := make([]types.Outcome, n)
	copy(drained, q.items[:n])
	q.items = q.items[n:]
	q.observeDepthLocked()
	return drained
}

func (q *ResultQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *ResultQueue) Cap() int {
	return q.capacity
}

func (q *ResultQueue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	return Stats{
		Len:      len(q.items),
		Accepted: q.accepted,
		Rejected: q.rejected,
	}
}

type Stats struct {
	Len      int
	Accepted uint64
	Rejected uint64
}

func (q *ResultQueue) recordEvent(eventType types.EventType, probeID string) {
	if q.events == nil {
		return
	}
	q.events.Record(types.Event{
		Type:      eventType,
		Timestamp: q.clock.Now().UTC(),
		ProbeID:   probeID,
	})
}

func (q *ResultQueue) observeDepthLocked() {
	if q.metrics == nil {
		return
	}
	q.metrics.ObserveQueueDepth(len(q.items))
}

func (q *ResultQueue) incrementReject() {
	if q.metrics == nil {
		return
	}
	q.metrics.IncQueueRejects()
}
