package recognizer

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type mockRecognizer struct {
	interval time.Duration
	lifetime time.Duration
}

// NewMockRecognizer returns a recognizer that emits synthetic utterances
// and ends each session after a short lifetime, mimicking a backend that
// only supports short-lived sessions.
func NewMockRecognizer() Recognizer {
	return &mockRecognizer{
		interval: 700 * time.Millisecond,
		lifetime: 8 * time.Second,
	}
}

func (m *mockRecognizer) Available(_ context.Context) error {
	return nil
}

func (m *mockRecognizer) OpenSession(_ context.Context, cfg SessionConfig, emit EmitFunc) (Session, error) {
	s := &mockSession{done: make(chan struct{})}
	go s.run(emit, m.interval, m.lifetime)
	return s, nil
}

type mockSession struct {
	once sync.Once
	done chan struct{}
}

func (s *mockSession) Close() error {
	s.once.Do(func() { close(s.done) })
	return nil
}

func (s *mockSession) run(emit EmitFunc, interval, lifetime time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	deadline := time.NewTimer(lifetime)
	defer deadline.Stop()

	utterance := 0
	partial := true
	for {
		select {
		case <-s.done:
			return
		case <-deadline.C:
			emit(Event{Kind: EventSessionEnded, Reason: "mock session budget exhausted", Timestamp: time.Now().UTC()})
			return
		case <-ticker.C:
			if partial {
				emit(Event{
					Kind:      EventPartial,
					Text:      fmt.Sprintf("[partial utterance %d]", utterance),
					Timestamp: time.Now().UTC(),
				})
			} else {
				emit(Event{
					Kind:       EventFinal,
					Text:       fmt.Sprintf("[final utterance %d]", utterance),
					Confidence: 0.9,
					Timestamp:  time.Now().UTC(),
				})
				utterance++
			}
			partial = !partial
		}
	}
}
