package caption

import (
	"log/slog"
	"sync"
	"time"
)

// Segment is a finalized utterance. Immutable after creation.
type Segment struct {
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// History is a bounded, ordered log of finalized segments with FIFO
// eviction. Writers go through the capture work queue; readers may call
// Snapshot and Subscribe from any goroutine.
type History struct {
	mu       sync.RWMutex
	segments []Segment
	capacity int
	subs     map[int]chan Segment
	nextSub  int
	log      *slog.Logger
}

func NewHistory(capacity int, log *slog.Logger) *History {
	return &History{
		segments: make([]Segment, 0, capacity),
		capacity: capacity,
		subs:     make(map[int]chan Segment),
		log:      log.With(slog.String("component", "caption-history")),
	}
}

// Append adds a finalized segment, evicting the oldest when full, and
// delivers it to all subscribers in finalization order.
func (h *History) Append(seg Segment) {
	h.mu.Lock()
	if len(h.segments) == h.capacity {
		copy(h.segments, h.segments[1:])
		h.segments = h.segments[:h.capacity-1]
	}
	h.segments = append(h.segments, seg)
	subs := make([]chan Segment, 0, len(h.subs))
	for _, ch := range h.subs {
		subs = append(subs, ch)
	}
	h.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- seg:
		default:
			h.log.Warn("dropping segment for slow subscriber",
				slog.String("text", seg.Text))
		}
	}
}

// Len returns the number of segments currently held.
func (h *History) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.segments)
}

// Snapshot returns a copy of the log, oldest first. Repeated calls with no
// intervening append return equal sequences.
func (h *History) Snapshot() []Segment {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]Segment(nil), h.segments...)
}

// Subscribe returns a channel receiving newly finalized segments in
// finalization order, plus a cancel function. Delivery is at most once: a
// subscriber that falls behind its buffer loses segments rather than
// stalling the writer, so Snapshot remains the lossless read path.
// Segments appended before Subscribe are not replayed; use Snapshot for
// those.
func (h *History) Subscribe() (<-chan Segment, func()) {
	h.mu.Lock()
	defer h.mu.Unlock()

	id := h.nextSub
	h.nextSub++
	ch := make(chan Segment, h.capacity)
	h.subs[id] = ch

	cancel := func() {
		h.mu.Lock()
		defer h.mu.Unlock()
		if _, ok := h.subs[id]; ok {
			delete(h.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}
