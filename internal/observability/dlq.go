package observability

import "sync"

// DeadLetterQueue keeps the most recent incidents for diagnostics.
type DeadLetterQueue struct {
	mu       sync.Mutex
	capacity int
	events   []Incident
}

// NewDeadLetterQueue creates a DLQ with the provided capacity. Capacity <=0 implies unbounded.
func NewDeadLetterQueue(capacity int) *DeadLetterQueue {
	queue := new(DeadLetterQueue)
	queue.capacity = capacity
	queue.events = make([]Incident, 0)
	return queue
}

// Offer records an incident in the DLQ, evicting the oldest entry when full.
func (q *DeadLetterQueue) Offer(event Incident) {
	if q == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.capacity > 0 && len(q.events) >= q.capacity {
		copy(q.events[0:], q.events[1:])
		q.events[len(q.events)-1] = cloneIncident(event)
		return
	}
	q.events = append(q.events, cloneIncident(event))
}

// Snapshot returns a copy of the queued incidents without clearing them.
func (q *DeadLetterQueue) Snapshot() []Incident {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]Incident, len(q.events))
	for i, evt := range q.events {
		out[i] = cloneIncident(evt)
	}
	return out
}

// Drain retrieves and clears all queued incidents.
func (q *DeadLetterQueue) Drain() []Incident {
	if q == nil {
		return nil
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	drained := make([]Incident, len(q.events))
	copy(drained, q.events)
	q.events = q.events[:0]
	return drained
}

// Len returns the number of queued incidents.
func (q *DeadLetterQueue) Len() int {
	if q == nil {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.events)
}
