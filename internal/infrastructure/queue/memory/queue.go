package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/kirillkom/file-bridge/internal/core/domain"
	"github.com/kirillkom/file-bridge/internal/core/ports"
)

var ErrClosed = errors.New("work queue closed")

type holding struct {
	category domain.Category
	accepted bool
}

// Queue is a bounded channel between watchers and workers. A path is held
// from Enqueue until Done, so one file is never queued twice. Depth counts
// only events that made it into the channel, not blocked producers.
type Queue struct {
	events  chan domain.IngestEvent
	metrics ports.Metrics

	mu      sync.Mutex
	held    map[string]*holding
	backlog map[domain.Category]int

	closed    chan struct{}
	closeOnce sync.Once
}

func New(capacity int, metrics ports.Metrics) *Queue {
	if capacity <= 0 {
		capacity = 1
	}
	return &Queue{
		events:  make(chan domain.IngestEvent, capacity),
		metrics: metrics,
		held:    make(map[string]*holding),
		backlog: make(map[domain.Category]int),
		closed:  make(chan struct{}),
	}
}

// Enqueue blocks while the queue is full. It returns false without error
// when the path is already queued or being processed.
func (q *Queue) Enqueue(ctx context.Context, ev domain.IngestEvent) (bool, error) {
	select {
	case <-q.closed:
		return false, ErrClosed
	default:
	}

	q.mu.Lock()
	if _, ok := q.held[ev.FilePath]; ok {
		q.mu.Unlock()
		return false, nil
	}
	h := &holding{category: ev.Category}
	q.held[ev.FilePath] = h
	q.mu.Unlock()

	select {
	case q.events <- ev:
		q.accept(ev.FilePath, h)
		return true, nil
	case <-ctx.Done():
		q.Done(ev.FilePath)
		return false, ctx.Err()
	case <-q.closed:
		q.Done(ev.FilePath)
		return false, ErrClosed
	}
}

func (q *Queue) Events() <-chan domain.IngestEvent {
	return q.events
}

// accept counts a sent event, unless a worker already released it.
func (q *Queue) accept(filePath string, h *holding) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.held[filePath] != h {
		return
	}
	h.accepted = true
	q.backlog[h.category]++
	q.reportLocked(h.category)
}

// Done releases the path once its worker finished with it.
func (q *Queue) Done(filePath string) {
	q.mu.Lock()
	defer q.mu.Unlock()

	h, ok := q.held[filePath]
	if !ok {
		return
	}
	delete(q.held, filePath)
	if h.accepted {
		q.backlog[h.category]--
		q.reportLocked(h.category)
	}
}

// Close stops intake; blocked producers return ErrClosed.
func (q *Queue) Close() {
	q.closeOnce.Do(func() {
		close(q.closed)
	})
}

// Len is the number of held paths (queued or in flight).
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.held)
}

func (q *Queue) reportLocked(cat domain.Category) {
	if q.metrics != nil {
		q.metrics.SetQueueDepth(cat, q.backlog[cat])
	}
}
