// Package queue provides the bounded trigger queue feeding the evaluation
// worker pool.
package queue

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"dfir-detect/internal/metrics"
)

// ErrQueueClosed is returned when attempting to use a closed queue.
var ErrQueueClosed = errors.New("queue is closed")

// Kind distinguishes how an evaluation was triggered.
type Kind int

const (
	// KindEvent is a trigger from event arrival. It may be dropped under backpressure.
	KindEvent Kind = iota
	// KindTimer is a periodic tick. It is never dropped, only delayed.
	KindTimer
)

func (k Kind) String() string {
	if k == KindTimer {
		return "timer"
	}
	return "event"
}

// Trigger identifies one pending (tenant, rule) evaluation.
type Trigger struct {
	TenantID string
	RuleID   string
	Kind     Kind
	Enqueued time.Time
}

// Key returns the (tenant, rule) key of the trigger.
func (t Trigger) Key() string {
	return t.TenantID + "/" + t.RuleID
}

// TriggerQueue is a FIFO bounded by depth for event-driven triggers. When full,
// the oldest pending event-driven trigger makes room for a new one; timer
// triggers are always accepted and may grow the queue past depth.
type TriggerQueue struct {
	mu     sync.Mutex
	items  *list.List // of Trigger, FIFO
	events *list.List // of *list.Element in items, event-driven only, FIFO
	refs   map[*list.Element]*list.Element
	depth  int
	closed bool
	notify chan struct{}

	// Metrics (accessed atomically)
	totalPushed  uint64
	totalPopped  uint64
	totalDropped uint64
}

// NewTriggerQueue creates a queue with the given depth.
func NewTriggerQueue(depth int) *TriggerQueue {
	if depth <= 0 {
		depth = 10000 // Default depth
	}
	return &TriggerQueue{
		items:  list.New(),
		events: list.New(),
		refs:   make(map[*list.Element]*list.Element),
		depth:  depth,
		notify: make(chan struct{}, 1),
	}
}

// Push enqueues a trigger. It returns the trigger dropped to make room, if
// any; that may be t itself when the queue is full of timer triggers.
func (q *TriggerQueue) Push(t Trigger) (*Trigger, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, ErrQueueClosed
	}
	if t.Enqueued.IsZero() {
		t.Enqueued = time.Now()
	}

	var dropped *Trigger
	if t.Kind == KindEvent && q.items.Len() >= q.depth {
		oldest := q.events.Front()
		if oldest == nil {
			atomic.AddUint64(&q.totalDropped, 1)
			metrics.TriggersDroppedTotal.Inc()
			return &t, nil
		}
		elem := q.events.Remove(oldest).(*list.Element)
		delete(q.refs, elem)
		d := q.items.Remove(elem).(Trigger)
		dropped = &d
		atomic.AddUint64(&q.totalDropped, 1)
		metrics.TriggersDroppedTotal.Inc()
	}

	elem := q.items.PushBack(t)
	if t.Kind == KindEvent {
		q.refs[elem] = q.events.PushBack(elem)
	}
	atomic.AddUint64(&q.totalPushed, 1)
	metrics.TriggerQueueDepth.Set(float64(q.items.Len()))
	q.signal()
	return dropped, nil
}

// signal wakes one waiting consumer. Caller holds q.mu.
func (q *TriggerQueue) signal() {
	if q.closed {
		return
	}
	select {
	case q.notify <- struct{}{}:
	default:
	}
}

// TryPop removes the oldest trigger without blocking.
func (q *TriggerQueue) TryPop() (Trigger, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.popLocked()
}

func (q *TriggerQueue) popLocked() (Trigger, bool) {
	front := q.items.Front()
	if front == nil {
		return Trigger{}, false
	}
	t := q.items.Remove(front).(Trigger)
	if ref, ok := q.refs[front]; ok {
		q.events.Remove(ref)
		delete(q.refs, front)
	}
	atomic.AddUint64(&q.totalPopped, 1)
	metrics.TriggerQueueDepth.Set(float64(q.items.Len()))
	if q.items.Len() > 0 {
		q.signal()
	}
	return t, true
}

// Pop removes the oldest trigger, blocking until one is available, the queue
// is closed and drained, or ctx is done.
func (q *TriggerQueue) Pop(ctx context.Context) (Trigger, error) {
	for {
		q.mu.Lock()
		t, ok := q.popLocked()
		closed := q.closed
		q.mu.Unlock()

		if ok {
			return t, nil
		}
		if closed {
			return Trigger{}, ErrQueueClosed
		}

		select {
		case <-ctx.Done():
			return Trigger{}, ctx.Err()
		case <-q.notify:
		}
	}
}

// Len returns the current number of queued triggers.
func (q *TriggerQueue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

// Depth returns the configured depth.
func (q *TriggerQueue) Depth() int {
	return q.depth
}

// Close closes the queue and wakes up any waiting consumers. Queued triggers
// can still be drained.
func (q *TriggerQueue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	close(q.notify)
}

// Metrics returns queue statistics.
func (q *TriggerQueue) Metrics() QueueMetrics {
	return QueueMetrics{
		Pushed:  atomic.LoadUint64(&q.totalPushed),
		Popped:  atomic.LoadUint64(&q.totalPopped),
		Dropped: atomic.LoadUint64(&q.totalDropped),
		Len:     q.Len(),
		Depth:   q.depth,
	}
}

// QueueMetrics holds statistics about queue operations.
type QueueMetrics struct {
	Pushed  uint64 `json:"pushed"`
	Popped  uint64 `json:"popped"`
	Dropped uint64 `json:"dropped"`
	Len     int    `json:"len"`
	Depth   int    `json:"depth"`
}
