package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/livecap-io/livecapd/internal/activity"
	"github.com/livecap-io/livecapd/internal/caption"
	"github.com/livecap-io/livecapd/internal/config"
	"github.com/livecap-io/livecapd/internal/recognizer"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// State is the scheduler lifecycle state.
type State int32

const (
	StateUninitialized State = iota
	StateReady
	StateListening
	StatePaused
	StateRestarting
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateUninitialized:
		return "uninitialized"
	case StateReady:
		return "ready"
	case StateListening:
		return "listening"
	case StatePaused:
		return "paused"
	case StateRestarting:
		return "restarting"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

var (
	// ErrAlreadyListening is returned when Start is called with a session
	// already open. Callers must stop first; starts are never queued.
	ErrAlreadyListening = errors.New("capture session already listening")
	// ErrNotInitialized is returned for operations requiring Initialize.
	ErrNotInitialized = errors.New("scheduler not initialized")
	// ErrSchedulerClosed is returned once the work queue has shut down.
	ErrSchedulerClosed = errors.New("scheduler closed")
)

// Scheduler keeps a recognition session alive indefinitely on top of a
// backend that only supports short-lived sessions. All mutable state is
// owned by the work queue worker; the exported control methods marshal
// onto it.
type Scheduler struct {
	cfg       config.CaptureConfig
	policy    PolicyConfig
	sessCfg   recognizer.SessionConfig
	rec       recognizer.Recognizer
	detector  *activity.Detector
	history   *caption.History
	sink      *sink
	queue     *workQueue
	log       *slog.Logger
	clock     func() time.Time
	openLimit time.Duration

	// queue-owned
	session       recognizer.Session
	gen           uint64
	lastRestartAt time.Time
	startedAt     time.Time
	openFailures  int
	opening       bool
	fatalSent     bool
	restarts      uint64
	recordingID   string

	state    atomic.Int32
	stopping atomic.Bool

	tickCancel context.CancelFunc
	tickWG     sync.WaitGroup

	// Callbacks run on the work queue worker; they must not block.
	// Set them before Initialize.
	OnStateChange func(recordingID string, state State)
	OnPartial     func(recordingID, text string, confidence float64, ts time.Time)
	OnFinal       func(recordingID string, seg caption.Segment)
	OnFatal       func(recordingID string, err error)

	meter          metric.Meter
	restartCounter metric.Int64Counter
	failureCounter metric.Int64Counter
	segmentCounter metric.Int64Counter
}

// NewScheduler wires the scheduler with its collaborators. The recognizer
// and detector are externally supplied capabilities.
func NewScheduler(cfg config.CaptureConfig, sessCfg recognizer.SessionConfig, rec recognizer.Recognizer, detector *activity.Detector, history *caption.History, log *slog.Logger) *Scheduler {
	s := &Scheduler{
		cfg:       cfg,
		policy:    policyFromConfig(cfg),
		sessCfg:   sessCfg,
		rec:       rec,
		detector:  detector,
		history:   history,
		log:       log.With(slog.String("component", "capture-scheduler")),
		clock:     time.Now,
		openLimit: time.Duration(cfg.SessionOpenTimeoutMS) * time.Millisecond,
		meter:     otel.Meter("github.com/livecap-io/livecapd/capture"),
	}
	s.sink = newSink(history, func() time.Time { return s.clock() })
	s.sink.onPartial = func(text string, confidence float64, ts time.Time) {
		if s.OnPartial != nil {
			s.OnPartial(s.recordingID, text, confidence, ts)
		}
	}
	s.sink.onFinal = func(seg caption.Segment) {
		s.addCount(s.segmentCounter)
		if s.OnFinal != nil {
			s.OnFinal(s.recordingID, seg)
		}
	}
	s.queue = newWorkQueue(cfg.QueueSize, log)
	if err := s.initMetrics(); err != nil {
		s.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}
	return s
}

// Initialize probes the recognizer and moves the scheduler to Ready.
// It is required before the first Start and again after a Failed state.
func (s *Scheduler) Initialize(ctx context.Context) error {
	if err := s.rec.Available(ctx); err != nil {
		return fmt.Errorf("initialize recognizer: %w", err)
	}
	return s.do(func() error {
		switch s.State() {
		case StateListening, StatePaused, StateRestarting:
			return fmt.Errorf("cannot initialize while %s", s.State())
		}
		s.openFailures = 0
		s.fatalSent = false
		s.setState(StateReady)
		return nil
	})
}

// Start opens a recognition session for a fresh recording. It blocks until
// the session is open or the open timeout elapses.
func (s *Scheduler) Start() error {
	resc := make(chan error, 1)
	err := s.do(func() error {
		switch s.State() {
		case StateListening, StateRestarting:
			return ErrAlreadyListening
		case StatePaused:
			return fmt.Errorf("cannot start while paused, resume instead")
		case StateUninitialized, StateFailed:
			return ErrNotInitialized
		}
		s.stopping.Store(false)
		s.recordingID = fmt.Sprintf("rec-%d", s.clock().UnixNano())
		s.startedAt = s.clock()
		s.openFailures = 0
		s.fatalSent = false
		s.sink.reset(s.startedAt)
		s.startTicker()
		s.beginOpen("manual", resc)
		return nil
	})
	if err != nil {
		return err
	}
	return <-resc
}

// Pause closes the current session without ending the recording.
func (s *Scheduler) Pause() error {
	return s.do(func() error {
		switch s.State() {
		case StateListening, StateRestarting:
		default:
			return fmt.Errorf("cannot pause while %s", s.State())
		}
		s.closeSession()
		s.setState(StatePaused)
		return nil
	})
}

// Resume reopens a session after Pause.
func (s *Scheduler) Resume() error {
	resc := make(chan error, 1)
	err := s.do(func() error {
		if s.State() != StatePaused {
			return fmt.Errorf("cannot resume while %s", s.State())
		}
		s.beginOpen("manual", resc)
		return nil
	})
	if err != nil {
		return err
	}
	return <-resc
}

// Stop ends the current recording. Safe to call from any state. When it
// returns, no new session-open call will be issued until the next Start;
// items already queued are allowed to drain.
func (s *Scheduler) Stop() error {
	return s.do(func() error {
		s.stopping.Store(true)
		s.stopTicker()
		s.closeSession()
		s.setState(StateStopped)
		return nil
	})
}

// Close stops the scheduler and shuts down the work queue. The scheduler
// cannot be used afterwards.
func (s *Scheduler) Close() {
	_ = s.Stop()
	s.queue.close()
	s.tickWG.Wait()
}

// State is safe to call from any goroutine.
func (s *Scheduler) State() State {
	return State(s.state.Load())
}

// CurrentText returns the not-yet-finalized text of the in-flight
// utterance, if any.
func (s *Scheduler) CurrentText() string {
	return s.sink.currentText()
}

// History exposes the read model for external consumers.
func (s *Scheduler) History() *caption.History {
	return s.history
}

// OnEvent is the recognizer callback intake. It enqueues the event and
// returns immediately; the recognizer's delivery goroutine is never held.
func (s *Scheduler) OnEvent(ev recognizer.Event) {
	s.queue.enqueue(func() { s.handleEvent(ev) })
}

// IngestLevel feeds one audio-level sample toward the activity detector.
// O(1) handoff; safe to call from the transport's delivery goroutine.
func (s *Scheduler) IngestLevel(sample activity.Sample) {
	s.queue.enqueue(func() { s.detector.Ingest(sample) })
}

func (s *Scheduler) do(op func() error) error {
	errc := make(chan error, 1)
	if !s.queue.submit(func() { errc <- op() }) {
		return ErrSchedulerClosed
	}
	return <-errc
}

func (s *Scheduler) setState(st State) {
	prev := State(s.state.Swap(int32(st)))
	if prev == st {
		return
	}
	s.log.Info("state transition",
		slog.String("from", prev.String()),
		slog.String("to", st.String()),
		slog.String("recording_id", s.recordingID))
	if s.OnStateChange != nil {
		s.OnStateChange(s.recordingID, st)
	}
}

// handleSessionEvent drops events from a session that is no longer
// current, so a late SessionEnded from a replaced session cannot tear
// down its healthy successor.
func (s *Scheduler) handleSessionEvent(gen uint64, ev recognizer.Event) {
	if gen != s.gen {
		s.log.Debug("dropping event from stale session",
			slog.Uint64("session_gen", gen),
			slog.String("kind", ev.Kind.String()))
		return
	}
	s.handleEvent(ev)
}

func (s *Scheduler) handleEvent(ev recognizer.Event) {
	switch s.State() {
	case StateStopped, StateFailed, StateUninitialized, StateReady:
		return
	}
	switch ev.Kind {
	case recognizer.EventPartial:
		s.sink.applyPartial(ev)
	case recognizer.EventFinal:
		s.sink.applyFinal(ev)
	case recognizer.EventSessionEnded:
		s.log.Info("session ended", slog.String("reason", ev.Reason))
		s.handleSessionDown()
	case recognizer.EventError:
		s.log.Warn("session error", slog.String("error", fmt.Sprint(ev.Err)))
		s.handleSessionDown()
	}
}

// handleSessionDown reacts to an asynchronous session end while listening:
// close out the dead handle, mark Restarting and let the policy decide
// whether a restart fires now or waits for the next tick.
func (s *Scheduler) handleSessionDown() {
	if s.State() != StateListening {
		return
	}
	s.closeSession()
	s.setState(StateRestarting)
	s.evaluateRestart()
}

// evaluateRestart is shared by the periodic tick and the event path, so
// both observe the same rate-limit state and can never double-fire.
func (s *Scheduler) evaluateRestart() {
	st := s.State()
	if st != StateListening && st != StateRestarting {
		return
	}
	if s.opening || s.stopping.Load() {
		return
	}
	d := Decide(s.clock(), s.lastRestartAt, s.sink.lastResultAt, s.detector.Active(), st == StateListening, s.policy)
	if !d.Fire {
		return
	}
	if st == StateListening {
		// prewarm of a silently stalled session: replace it
		s.closeSession()
	}
	s.beginOpen(d.Reason.String(), nil)
}

// beginOpen records the restart and opens a session off the worker so the
// queue keeps draining during the (bounded) open.
func (s *Scheduler) beginOpen(reason string, notify chan<- error) {
	if s.opening {
		if notify != nil {
			notify <- fmt.Errorf("session open already in progress")
		}
		return
	}
	s.opening = true
	s.restarts++
	s.lastRestartAt = s.clock()
	s.setState(StateRestarting)
	s.addCountAttr(s.restartCounter, attribute.String("reason", reason))
	s.log.Info("opening session",
		slog.String("reason", reason),
		slog.Uint64("restart", s.restarts),
		slog.String("recording_id", s.recordingID))
	go s.openSession(s.restarts, notify)
}

func (s *Scheduler) openSession(gen uint64, notify chan<- error) {
	if s.stopping.Load() {
		s.queue.submit(func() { s.finishOpen(gen, nil, ErrSchedulerClosed, notify) })
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.openLimit)
	defer cancel()

	// Events carry the generation of the session that produced them so
	// stragglers from a replaced session can be told apart.
	emit := func(ev recognizer.Event) {
		s.queue.enqueue(func() { s.handleSessionEvent(gen, ev) })
	}

	type openResult struct {
		sess recognizer.Session
		err  error
	}
	done := make(chan openResult, 1)
	go func() {
		sess, err := s.rec.OpenSession(ctx, s.sessCfg, emit)
		done <- openResult{sess: sess, err: err}
	}()

	var res openResult
	select {
	case res = <-done:
	case <-ctx.Done():
		res.err = fmt.Errorf("session open timed out after %s", s.openLimit)
		go func() {
			if late := <-done; late.sess != nil {
				_ = late.sess.Close()
			}
		}()
	}
	s.queue.submit(func() { s.finishOpen(gen, res.sess, res.err, notify) })
}

func (s *Scheduler) finishOpen(gen uint64, sess recognizer.Session, err error, notify chan<- error) {
	s.opening = false

	if s.stopping.Load() || s.State() == StateStopped {
		if sess != nil {
			_ = sess.Close()
		}
		if notify != nil {
			notify <- ErrSchedulerClosed
		}
		return
	}

	// A control operation may have moved the scheduler out of Restarting
	// while the open was in flight; its decision stands and the freshly
	// opened session is surplus.
	if st := s.State(); st != StateRestarting {
		if sess != nil {
			_ = sess.Close()
		}
		if notify != nil {
			notify <- fmt.Errorf("session open abandoned while %s", st)
		}
		return
	}

	if err != nil {
		s.openFailures++
		s.addCount(s.failureCounter)
		s.log.Warn("session open failed",
			slog.String("error", err.Error()),
			slog.Int("consecutive_failures", s.openFailures))
		if s.openFailures >= s.cfg.MaxConsecutiveFailures {
			s.enterFailed(err)
		}
		if notify != nil {
			notify <- err
		}
		return
	}

	s.openFailures = 0
	s.session = sess
	s.gen = gen
	s.setState(StateListening)
	if notify != nil {
		notify <- nil
	}
}

// enterFailed surfaces the terminal failure exactly once. Transient
// per-restart failures never reach the collaborator individually.
func (s *Scheduler) enterFailed(cause error) {
	s.stopTicker()
	s.closeSession()
	s.setState(StateFailed)
	if s.fatalSent {
		return
	}
	s.fatalSent = true
	err := fmt.Errorf("capture failed after %d consecutive session-open failures: %w", s.openFailures, cause)
	s.log.Error("capture failed", slog.String("error", err.Error()))
	if s.OnFatal != nil {
		s.OnFatal(s.recordingID, err)
	}
}

func (s *Scheduler) closeSession() {
	if s.session == nil {
		return
	}
	if err := s.session.Close(); err != nil {
		s.log.Warn("session close failed", slog.String("error", err.Error()))
	}
	s.session = nil
	s.gen = 0
}

func (s *Scheduler) startTicker() {
	if s.tickCancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	s.tickCancel = cancel
	interval := time.Duration(s.cfg.TickIntervalMS) * time.Millisecond
	s.tickWG.Add(1)
	go func() {
		defer s.tickWG.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.queue.enqueue(s.evaluateRestart)
			}
		}
	}()
}

func (s *Scheduler) stopTicker() {
	if s.tickCancel != nil {
		s.tickCancel()
		s.tickCancel = nil
	}
}

func (s *Scheduler) initMetrics() error {
	var err error
	s.restartCounter, err = s.meter.Int64Counter("livecap.capture.restarts",
		metric.WithDescription("Session restarts fired"))
	if err != nil {
		return err
	}
	s.failureCounter, err = s.meter.Int64Counter("livecap.capture.open_failures",
		metric.WithDescription("Session open failures"))
	if err != nil {
		return err
	}
	s.segmentCounter, err = s.meter.Int64Counter("livecap.capture.segments_finalized",
		metric.WithDescription("Caption segments finalized"))
	if err != nil {
		return err
	}
	depthGauge, err := s.meter.Int64ObservableGauge("livecap.capture.queue_depth",
		metric.WithDescription("Deferred work queue depth"))
	if err != nil {
		return err
	}
	droppedGauge, err := s.meter.Int64ObservableGauge("livecap.capture.queue_dropped",
		metric.WithDescription("Deferred work items dropped"))
	if err != nil {
		return err
	}
	_, err = s.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		obs.ObserveInt64(depthGauge, int64(s.queue.depth()))
		obs.ObserveInt64(droppedGauge, s.queue.droppedTotal())
		return nil
	}, depthGauge, droppedGauge)
	return err
}

func (s *Scheduler) addCount(c metric.Int64Counter) {
	if c != nil {
		c.Add(context.Background(), 1)
	}
}

func (s *Scheduler) addCountAttr(c metric.Int64Counter, attrs ...attribute.KeyValue) {
	if c != nil {
		c.Add(context.Background(), 1, metric.WithAttributes(attrs...))
	}
}
