package queue

import (
	"container/heap"
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrQueueFull is returned when an enqueue would exceed the configured capacity
	ErrQueueFull = errors.New("dispatch queue is full")

	// ErrQueueClosed is returned from Dequeue after the queue has been closed
	ErrQueueClosed = errors.New("dispatch queue is closed")
)

// Entry is a queued reference to a pending task
type Entry struct {
	TaskID     string
	Priority   int
	EnqueuedAt time.Time
	Payload    map[string]any

	seq   uint64
	index int
}

// entryHeap orders entries by descending priority; entries with equal
// priority dequeue in insertion order (FIFO tie-break via sequence number).
type entryHeap []*Entry

func (h entryHeap) Len() int { return len(h) }

func (h entryHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].seq < h[j].seq
}

func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	entry := x.(*Entry)
	entry.index = len(*h)
	*h = append(*h, entry)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	entry := old[n-1]
	old[n-1] = nil
	entry.index = -1
	*h = old[:n-1]
	return entry
}

// PriorityDispatchQueue is a bounded max-priority queue of pending tasks.
// Enqueue is non-blocking and rejects with ErrQueueFull at capacity;
// Dequeue blocks until an entry is available or the context is cancelled.
type PriorityDispatchQueue struct {
	logger  *zap.Logger
	mu      sync.Mutex
	entries entryHeap
	maxSize int
	seq     uint64

	signal    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// New creates a bounded priority dispatch queue
func New(maxSize int, logger *zap.Logger) *PriorityDispatchQueue {
	return &PriorityDispatchQueue{
		logger:  logger.Named("dispatch-queue"),
		entries: make(entryHeap, 0, maxSize),
		maxSize: maxSize,
		signal:  make(chan struct{}, maxSize),
		done:    make(chan struct{}),
	}
}

// Enqueue adds a task reference to the queue
func (q *PriorityDispatchQueue) Enqueue(taskID string, priority int, payload map[string]any) error {
	q.mu.Lock()
	if len(q.entries) >= q.maxSize {
		q.mu.Unlock()
		return ErrQueueFull
	}

	q.seq++
	heap.Push(&q.entries, &Entry{
		TaskID:     taskID,
		Priority:   priority,
		EnqueuedAt: time.Now(),
		Payload:    payload,
		seq:        q.seq,
	})
	size := len(q.entries)
	q.mu.Unlock()

	select {
	case q.signal <- struct{}{}:
	default:
	}

	q.logger.Debug("Task enqueued",
		zap.String("task_id", taskID),
		zap.Int("priority", priority),
		zap.Int("queue_size", size))

	return nil
}

// Dequeue removes and returns the highest-priority entry, blocking until one
// is available. Returns ErrQueueClosed after Close, or the context error on
// cancellation.
func (q *PriorityDispatchQueue) Dequeue(ctx context.Context) (*Entry, error) {
	for {
		q.mu.Lock()
		if q.entries.Len() > 0 {
			entry := heap.Pop(&q.entries).(*Entry)
			q.mu.Unlock()
			return entry, nil
		}
		q.mu.Unlock()

		select {
		case <-q.signal:
		case <-q.done:
			return nil, ErrQueueClosed
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Remove cancels a still-queued entry. It reports whether the entry was
// found; a task already handed to a worker is not affected.
func (q *PriorityDispatchQueue) Remove(taskID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for _, entry := range q.entries {
		if entry.TaskID == taskID {
			heap.Remove(&q.entries, entry.index)
			q.logger.Debug("Task removed from queue", zap.String("task_id", taskID))
			return true
		}
	}
	return false
}

// Size returns the current number of queued entries
func (q *PriorityDispatchQueue) Size() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

// Close wakes all blocked Dequeue callers. Entries already queued are still
// drained before Dequeue starts reporting ErrQueueClosed.
func (q *PriorityDispatchQueue) Close() {
	q.closeOnce.Do(func() {
		close(q.done)
	})
}
