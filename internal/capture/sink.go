package capture

import (
	"sync"
	"time"

	"github.com/livecap-io/livecapd/internal/caption"
	"github.com/livecap-io/livecapd/internal/recognizer"
)

// sink applies partial and final recognition results. Apart from the
// current-text view, which readers poll from other goroutines, all fields
// are owned by the work queue worker.
type sink struct {
	history *caption.History
	clock   func() time.Time

	mu      sync.RWMutex
	current string

	lastResultAt time.Time
	lastFinalAt  time.Time

	onPartial func(text string, confidence float64, ts time.Time)
	onFinal   func(seg caption.Segment)
}

func newSink(history *caption.History, clock func() time.Time) *sink {
	return &sink{history: history, clock: clock}
}

func (s *sink) reset(at time.Time) {
	s.mu.Lock()
	s.current = ""
	s.mu.Unlock()
	s.lastResultAt = at
	s.lastFinalAt = time.Time{}
}

// applyPartial overwrites the current-text view. Partials stamped before
// the last final belong to an utterance already finalized and are
// discarded.
func (s *sink) applyPartial(ev recognizer.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	if !s.lastFinalAt.IsZero() && !ts.After(s.lastFinalAt) {
		return
	}
	s.mu.Lock()
	s.current = ev.Text
	s.mu.Unlock()
	s.lastResultAt = s.clock()
	if s.onPartial != nil {
		s.onPartial(ev.Text, ev.Confidence, ts)
	}
}

// applyFinal promotes the utterance into the history log and clears the
// current-text view.
func (s *sink) applyFinal(ev recognizer.Event) {
	ts := ev.Timestamp
	if ts.IsZero() {
		ts = s.clock()
	}
	seg := caption.Segment{
		Text:        ev.Text,
		Confidence:  ev.Confidence,
		FinalizedAt: ts,
	}
	s.history.Append(seg)
	s.mu.Lock()
	s.current = ""
	s.mu.Unlock()
	s.lastFinalAt = ts
	s.lastResultAt = s.clock()
	if s.onFinal != nil {
		s.onFinal(seg)
	}
}

// currentText is safe to call from any goroutine.
func (s *sink) currentText() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}
