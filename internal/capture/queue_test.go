package capture

import (
	"io"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestQueueRunsInSubmissionOrder(t *testing.T) {
	q := newWorkQueue(64, discardLogger())
	defer q.close()

	results := make(chan int, 10)
	for i := 0; i < 10; i++ {
		i := i
		if !q.submit(func() { results <- i }) {
			t.Fatal("submit rejected")
		}
	}
	for want := 0; want < 10; want++ {
		select {
		case got := <-results:
			if got != want {
				t.Fatalf("out of order: got %d, want %d", got, want)
			}
		case <-time.After(time.Second):
			t.Fatalf("timed out waiting for item %d", want)
		}
	}
}

func TestQueueSurvivesPanic(t *testing.T) {
	q := newWorkQueue(8, discardLogger())
	defer q.close()

	done := make(chan struct{})
	q.submit(func() { panic("boom") })
	q.submit(func() { close(done) })

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("queue stopped draining after a panic")
	}
}

func TestEnqueueDropsWhenFull(t *testing.T) {
	q := newWorkQueue(1, discardLogger())
	defer q.close()

	block := make(chan struct{})
	q.submit(func() { <-block })
	// Worker is busy; fill the single buffered slot, then overflow.
	q.enqueue(func() {})
	if q.enqueue(func() {}) {
		t.Fatal("expected enqueue to drop when full")
	}
	if q.droppedTotal() == 0 {
		t.Fatal("expected dropped counter to advance")
	}
	close(block)
}

func TestCloseRejectsNewWork(t *testing.T) {
	q := newWorkQueue(8, discardLogger())

	var ran atomic.Bool
	q.submit(func() { ran.Store(true) })
	q.close()
	q.close() // idempotent

	if !ran.Load() {
		t.Fatal("expected queued work to drain before close returned")
	}
	if q.enqueue(func() {}) || q.submit(func() {}) {
		t.Fatal("expected closed queue to reject work")
	}
}
