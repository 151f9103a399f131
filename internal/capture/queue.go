package capture

import (
	"log/slog"
	"sync"
	"sync/atomic"
)

// workQueue is the single point of serialization for scheduler state,
// detector samples, and history mutation. Items run on one worker
// goroutine strictly in submission order. A panic inside one item is
// recovered and logged so the queue keeps draining.
type workQueue struct {
	items   chan func()
	log     *slog.Logger
	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	dropped atomic.Int64
}

func newWorkQueue(size int, log *slog.Logger) *workQueue {
	q := &workQueue{
		items: make(chan func(), size),
		log:   log.With(slog.String("component", "capture-queue")),
	}
	q.wg.Add(1)
	go q.run()
	return q
}

func (q *workQueue) run() {
	defer q.wg.Done()
	for fn := range q.items {
		q.invoke(fn)
	}
}

func (q *workQueue) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			q.log.Error("deferred work item panicked", slog.Any("panic", r))
		}
	}()
	fn()
}

// enqueue adds an item without blocking. When the queue is full the item
// is dropped and counted; event intake must never stall its caller.
func (q *workQueue) enqueue(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	select {
	case q.items <- fn:
		return true
	default:
		q.dropped.Add(1)
		q.log.Warn("work queue full, dropping item", slog.Int64("dropped_total", q.dropped.Load()))
		return false
	}
}

// submit adds an item, blocking until there is room. Used by control
// operations that must not be lost.
func (q *workQueue) submit(fn func()) bool {
	q.mu.RLock()
	defer q.mu.RUnlock()
	if q.closed {
		return false
	}
	q.items <- fn
	return true
}

// depth reports the number of queued items.
func (q *workQueue) depth() int {
	return len(q.items)
}

func (q *workQueue) droppedTotal() int64 {
	return q.dropped.Load()
}

// close stops accepting items and waits for the worker to drain.
func (q *workQueue) close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return
	}
	q.closed = true
	close(q.items)
	q.mu.Unlock()
	q.wg.Wait()
}
