package capture

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/livecap-io/livecapd/internal/activity"
	"github.com/livecap-io/livecapd/internal/caption"
	"github.com/livecap-io/livecapd/internal/config"
	"github.com/livecap-io/livecapd/internal/recognizer"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type fakeSession struct {
	closed atomic.Bool
}

func (s *fakeSession) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeRecognizer struct {
	mu        sync.Mutex
	availErr  error
	openErr   error
	openDelay time.Duration
	opens     int
	emits     []recognizer.EmitFunc
	sessions  []*fakeSession
}

func (f *fakeRecognizer) Available(_ context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.availErr
}

func (f *fakeRecognizer) OpenSession(ctx context.Context, _ recognizer.SessionConfig, emit recognizer.EmitFunc) (recognizer.Session, error) {
	f.mu.Lock()
	f.opens++
	err := f.openErr
	delay := f.openDelay
	f.mu.Unlock()

	if delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	sess := &fakeSession{}
	f.sessions = append(f.sessions, sess)
	f.emits = append(f.emits, emit)
	return sess, nil
}

func (f *fakeRecognizer) openCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.opens
}

func (f *fakeRecognizer) session(i int) *fakeSession {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.sessions[i]
}

func (f *fakeRecognizer) endSession(reason string, ts time.Time) {
	f.mu.Lock()
	emit := f.emits[len(f.emits)-1]
	f.mu.Unlock()
	emit(recognizer.Event{Kind: recognizer.EventSessionEnded, Reason: reason, Timestamp: ts})
}

// endSessionFrom delivers a session-ended event from a specific (possibly
// already replaced) session.
func (f *fakeRecognizer) endSessionFrom(i int, reason string, ts time.Time) {
	f.mu.Lock()
	emit := f.emits[i]
	f.mu.Unlock()
	emit(recognizer.Event{Kind: recognizer.EventSessionEnded, Reason: reason, Timestamp: ts})
}

func testCaptureConfig() config.CaptureConfig {
	return config.CaptureConfig{
		TickIntervalMS:         3_600_000, // ticks are driven manually in tests
		MinRestartIntervalMS:   250,
		PrewarmIdleMS:          5000,
		SessionOpenTimeoutMS:   100,
		MaxConsecutiveFailures: 3,
		QueueSize:              64,
		HistorySegments:        20,
	}
}

func newTestScheduler(t *testing.T, rec *fakeRecognizer) (*Scheduler, *testClock) {
	t.Helper()
	log := discardLogger()
	detector := activity.NewDetector(config.ActivityConfig{
		WindowSamples:    100,
		StreakSamples:    5,
		LevelThreshold:   0.03,
		SampleIntervalMS: 30,
	})
	history := caption.NewHistory(20, log)
	s := NewScheduler(testCaptureConfig(), recognizer.SessionConfig{Locale: "en-US"}, rec, detector, history, log)
	clock := newTestClock()
	s.clock = clock.Now
	t.Cleanup(s.Close)
	return s, clock
}

func (s *Scheduler) drain(t *testing.T) {
	t.Helper()
	if err := s.do(func() error { return nil }); err != nil {
		t.Fatalf("drain: %v", err)
	}
}

// waitOpenSettled waits until no session open is in flight.
func waitOpenSettled(t *testing.T, s *Scheduler) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		var open bool
		if err := s.do(func() error { open = s.opening; return nil }); err != nil {
			t.Fatalf("waitOpenSettled: %v", err)
		}
		if !open {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("timed out waiting for session open to settle")
}

// waitOpens waits until the recognizer has seen at least n session opens.
func waitOpens(t *testing.T, rec *fakeRecognizer, n int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if rec.openCount() >= n {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d session opens, have %d", n, rec.openCount())
}

func waitState(t *testing.T, s *Scheduler, want State) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if s.State() == want {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for state %s, still %s", want, s.State())
}

func markActive(t *testing.T, s *Scheduler, clock *testClock) {
	t.Helper()
	for i := 0; i < 5; i++ {
		s.IngestLevel(activity.Sample{Level: 0.05, Timestamp: clock.Now()})
	}
	s.drain(t)
}

func startListening(t *testing.T, s *Scheduler) {
	t.Helper()
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateListening)
}

func TestInitializeAndStart(t *testing.T) {
	rec := &fakeRecognizer{}
	s, _ := newTestScheduler(t, rec)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if s.State() != StateReady {
		t.Fatalf("expected ready, got %s", s.State())
	}
	if err := s.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	waitState(t, s, StateListening)
	if rec.openCount() != 1 {
		t.Fatalf("expected one session open, got %d", rec.openCount())
	}
}

func TestStartWithoutInitialize(t *testing.T) {
	rec := &fakeRecognizer{}
	s, _ := newTestScheduler(t, rec)
	if err := s.Start(); !errors.Is(err, ErrNotInitialized) {
		t.Fatalf("expected ErrNotInitialized, got %v", err)
	}
}

func TestInitializeSurfacesRecognizerError(t *testing.T) {
	rec := &fakeRecognizer{availErr: recognizer.ErrPermissionDenied}
	s, _ := newTestScheduler(t, rec)
	err := s.Initialize(context.Background())
	if !errors.Is(err, recognizer.ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}
	if s.State() != StateUninitialized {
		t.Fatalf("expected uninitialized, got %s", s.State())
	}
}

func TestStartWhileListeningFailsFast(t *testing.T) {
	rec := &fakeRecognizer{}
	s, _ := newTestScheduler(t, rec)
	startListening(t, s)

	if err := s.Start(); !errors.Is(err, ErrAlreadyListening) {
		t.Fatalf("expected ErrAlreadyListening, got %v", err)
	}
	if rec.openCount() != 1 {
		t.Fatalf("expected no second open, got %d", rec.openCount())
	}
}

func TestSessionEndedRestartsOnActivity(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	markActive(t, s, clock)
	clock.Advance(300 * time.Millisecond) // past the rate limit
	rec.endSession("backend budget exhausted", clock.Now())

	waitOpens(t, rec, 2)
	waitState(t, s, StateListening)
	if rec.openCount() != 2 {
		t.Fatalf("expected restart open, got %d opens", rec.openCount())
	}
}

func TestRestartRateLimitSharedBetweenPaths(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)
	markActive(t, s, clock)

	// Session dies immediately after the start-time restart stamp: the
	// event path must be rate limited.
	rec.endSession("early death", clock.Now())
	s.drain(t)
	if s.State() != StateRestarting {
		t.Fatalf("expected restarting, got %s", s.State())
	}
	if rec.openCount() != 1 {
		t.Fatalf("restart fired inside the rate-limit window: %d opens", rec.openCount())
	}

	// A tick inside the window is also suppressed.
	s.queue.submit(s.evaluateRestart)
	s.drain(t)
	if rec.openCount() != 1 {
		t.Fatalf("tick restart fired inside the rate-limit window: %d opens", rec.openCount())
	}

	// After the window the next tick fires exactly one restart.
	clock.Advance(300 * time.Millisecond)
	s.queue.submit(s.evaluateRestart)
	waitState(t, s, StateListening)
	if rec.openCount() != 2 {
		t.Fatalf("expected exactly one restart, got %d opens", rec.openCount())
	}
}

func TestPrewarmRestartOfStalledSession(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	first := rec.session(0)
	clock.Advance(5 * time.Second) // no results since start
	s.queue.submit(s.evaluateRestart)
	waitOpens(t, rec, 2)
	waitState(t, s, StateListening)

	if rec.openCount() != 2 {
		t.Fatalf("expected prewarm restart, got %d opens", rec.openCount())
	}
	if !first.closed.Load() {
		t.Fatal("expected the stalled session to be closed")
	}
}

func TestConsecutiveOpenFailuresTurnFatalOnce(t *testing.T) {
	rec := &fakeRecognizer{openErr: recognizer.ErrUnavailable}
	s, clock := newTestScheduler(t, rec)

	var fatals atomic.Int32
	s.OnFatal = func(_ string, err error) {
		if err == nil {
			t.Error("fatal callback without error")
		}
		fatals.Add(1)
	}

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	if err := s.Start(); !errors.Is(err, recognizer.ErrUnavailable) {
		t.Fatalf("expected open failure from start, got %v", err)
	}

	markActive(t, s, clock)
	for i := 0; i < 4; i++ {
		clock.Advance(300 * time.Millisecond)
		s.queue.submit(s.evaluateRestart)
		waitOpenSettled(t, s)
	}

	waitState(t, s, StateFailed)
	if got := fatals.Load(); got != 1 {
		t.Fatalf("expected exactly one fatal notification, got %d", got)
	}
	if rec.openCount() >= 5 {
		t.Fatalf("restarts continued after Failed: %d opens", rec.openCount())
	}
}

func TestOpenTimeoutCountsAsFailure(t *testing.T) {
	rec := &fakeRecognizer{openDelay: time.Second}
	s, _ := newTestScheduler(t, rec)

	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("initialize: %v", err)
	}
	err := s.Start()
	if err == nil {
		t.Fatal("expected timeout error from start")
	}
	s.drain(t)
	if s.State() == StateListening {
		t.Fatal("scheduler must not be listening after a timed-out open")
	}
}

func TestOnEventReturnsBeforeSideEffects(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	block := make(chan struct{})
	s.queue.submit(func() { <-block })

	done := make(chan struct{})
	go func() {
		s.OnEvent(recognizer.Event{Kind: recognizer.EventFinal, Text: "hello", Confidence: 0.9, Timestamp: clock.Now()})
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("OnEvent blocked on deferred work")
	}
	if s.history.Len() != 0 {
		t.Fatal("side effects observable before the queue drained")
	}

	close(block)
	s.drain(t)
	if s.history.Len() != 1 {
		t.Fatalf("expected one segment after drain, got %d", s.history.Len())
	}
}

func TestPartialOverwriteAndFinalPromotion(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	s.OnEvent(recognizer.Event{Kind: recognizer.EventPartial, Text: "hel", Timestamp: clock.Now()})
	s.OnEvent(recognizer.Event{Kind: recognizer.EventPartial, Text: "hello", Timestamp: clock.Now().Add(10 * time.Millisecond)})
	s.drain(t)
	if got := s.CurrentText(); got != "hello" {
		t.Fatalf("expected newest partial to win, got %q", got)
	}

	s.OnEvent(recognizer.Event{Kind: recognizer.EventFinal, Text: "hello world", Confidence: 0.8, Timestamp: clock.Now().Add(20 * time.Millisecond)})
	s.drain(t)
	if got := s.CurrentText(); got != "" {
		t.Fatalf("expected current text cleared after final, got %q", got)
	}
	snap := s.history.Snapshot()
	if len(snap) != 1 || snap[0].Text != "hello world" {
		t.Fatalf("unexpected history: %+v", snap)
	}
}

func TestLatePartialAfterFinalIsDiscarded(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	finalAt := clock.Now().Add(50 * time.Millisecond)
	s.OnEvent(recognizer.Event{Kind: recognizer.EventFinal, Text: "done", Confidence: 0.8, Timestamp: finalAt})
	s.OnEvent(recognizer.Event{Kind: recognizer.EventPartial, Text: "do", Timestamp: finalAt.Add(-10 * time.Millisecond)})
	s.drain(t)

	if got := s.CurrentText(); got != "" {
		t.Fatalf("late partial resurrected current text: %q", got)
	}
}

func TestStopPreventsReopenUntilNextStart(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	if err := s.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %s", s.State())
	}
	if !rec.session(0).closed.Load() {
		t.Fatal("expected session closed on stop")
	}

	markActive(t, s, clock)
	clock.Advance(time.Second)
	s.queue.submit(s.evaluateRestart)
	s.drain(t)
	if rec.openCount() != 1 {
		t.Fatalf("session opened after stop: %d opens", rec.openCount())
	}

	// A fresh recording starts cleanly.
	if err := s.Start(); err != nil {
		t.Fatalf("restart after stop: %v", err)
	}
	waitState(t, s, StateListening)
	if rec.openCount() != 2 {
		t.Fatalf("expected fresh open after start, got %d", rec.openCount())
	}
}

func TestStopSafeFromAnyState(t *testing.T) {
	rec := &fakeRecognizer{}
	s, _ := newTestScheduler(t, rec)
	if err := s.Stop(); err != nil {
		t.Fatalf("stop before initialize: %v", err)
	}
	if err := s.Stop(); err != nil {
		t.Fatalf("second stop: %v", err)
	}
}

func TestPauseAndResume(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	if err := s.Pause(); err != nil {
		t.Fatalf("pause: %v", err)
	}
	if s.State() != StatePaused {
		t.Fatalf("expected paused, got %s", s.State())
	}
	if !rec.session(0).closed.Load() {
		t.Fatal("expected session closed on pause")
	}

	// Policy never fires while paused.
	markActive(t, s, clock)
	clock.Advance(time.Second)
	s.queue.submit(s.evaluateRestart)
	s.drain(t)
	if rec.openCount() != 1 {
		t.Fatalf("restart fired while paused: %d opens", rec.openCount())
	}

	if err := s.Resume(); err != nil {
		t.Fatalf("resume: %v", err)
	}
	waitState(t, s, StateListening)
	if rec.openCount() != 2 {
		t.Fatalf("expected reopen on resume, got %d opens", rec.openCount())
	}
}

func TestPauseDuringInFlightOpenStaysPaused(t *testing.T) {
	rec := &fakeRecognizer{openDelay: 50 * time.Millisecond}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	markActive(t, s, clock)
	clock.Advance(300 * time.Millisecond)
	rec.endSession("backend budget exhausted", clock.Now())
	s.drain(t) // restart open is now in flight

	if err := s.Pause(); err != nil {
		t.Fatalf("pause during open: %v", err)
	}
	waitOpenSettled(t, s)

	if s.State() != StatePaused {
		t.Fatalf("in-flight open overrode pause: state is %s", s.State())
	}
	if rec.openCount() != 2 {
		t.Fatalf("expected the restart open and nothing more, got %d", rec.openCount())
	}
	if !rec.session(1).closed.Load() {
		t.Fatal("expected the surplus session to be closed")
	}

	// Resume still works afterwards.
	if err := s.Resume(); err != nil {
		t.Fatalf("resume after abandoned open: %v", err)
	}
	waitState(t, s, StateListening)
	if rec.openCount() != 3 {
		t.Fatalf("expected a fresh open on resume, got %d", rec.openCount())
	}
}

func TestLateSessionEndedFromReplacedSessionIgnored(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	markActive(t, s, clock)
	clock.Advance(300 * time.Millisecond)
	rec.endSession("backend budget exhausted", clock.Now())
	waitOpens(t, rec, 2)
	waitState(t, s, StateListening)
	if rec.openCount() != 2 {
		t.Fatalf("expected restart open, got %d", rec.openCount())
	}

	// A straggler from the first, already replaced session.
	rec.endSessionFrom(0, "late delivery", clock.Now())
	s.drain(t)

	if s.State() != StateListening {
		t.Fatalf("stale session event tore down the scheduler: %s", s.State())
	}
	if rec.session(1).closed.Load() {
		t.Fatal("stale session event closed the healthy session")
	}
	if rec.openCount() != 2 {
		t.Fatalf("stale session event fired a restart: %d opens", rec.openCount())
	}
}

func TestHistoryEvictionUnderLoad(t *testing.T) {
	rec := &fakeRecognizer{}
	s, clock := newTestScheduler(t, rec)
	startListening(t, s)

	for i := 0; i < 25; i++ {
		s.OnEvent(recognizer.Event{
			Kind:       recognizer.EventFinal,
			Text:       string(rune('a' + i%26)),
			Confidence: 0.5,
			Timestamp:  clock.Now().Add(time.Duration(i) * time.Millisecond),
		})
	}
	s.drain(t)
	if got := s.history.Len(); got != 20 {
		t.Fatalf("expected history capped at 20, got %d", got)
	}
}
