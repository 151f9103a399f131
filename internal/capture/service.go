package capture

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/livecap-io/livecapd/internal/activity"
	"github.com/livecap-io/livecapd/internal/bus"
	"github.com/livecap-io/livecapd/internal/caption"
	"github.com/livecap-io/livecapd/internal/config"
	"github.com/livecap-io/livecapd/internal/protocol"
	"github.com/nats-io/nats.go"
)

// Service is the bus boundary around the scheduler: it feeds level samples
// from the transport into the detector and republishes sink output and
// state transitions for external consumers.
type Service struct {
	cfg       config.CaptureConfig
	bus       *bus.Client
	scheduler *Scheduler
	logger    *slog.Logger
	sub       *nats.Subscription
}

func NewService(cfg config.CaptureConfig, busClient *bus.Client, scheduler *Scheduler, log *slog.Logger) *Service {
	s := &Service{
		cfg:       cfg,
		bus:       busClient,
		scheduler: scheduler,
		logger:    log.With(slog.String("component", "capture-service")),
	}
	scheduler.OnPartial = s.publishPartial
	scheduler.OnFinal = s.publishFinal
	scheduler.OnStateChange = s.publishState
	scheduler.OnFatal = s.publishFatal
	return s
}

func (s *Service) Start(ctx context.Context) error {
	subject := protocol.SubjectLevelPrefix + ".>"
	sub, err := s.bus.Conn().Subscribe(subject, s.handleLevel)
	if err != nil {
		return err
	}
	s.sub = sub

	if err := s.scheduler.Initialize(ctx); err != nil {
		return err
	}
	if s.cfg.AutoStart {
		if err := s.scheduler.Start(); err != nil {
			s.logger.Warn("initial session open failed, scheduler will retry", slogError(err))
		}
	}
	return nil
}

func (s *Service) Close() {
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.scheduler.Close()
}

func (s *Service) Healthy() bool {
	switch s.scheduler.State() {
	case StateFailed, StateUninitialized:
		return false
	}
	return s.sub != nil
}

// handleLevel runs on the NATS delivery goroutine. Decode plus an O(1)
// enqueue, nothing more.
func (s *Service) handleLevel(msg *nats.Msg) {
	var sample protocol.LevelSample
	if err := json.Unmarshal(msg.Data, &sample); err != nil {
		s.logger.Warn("failed to decode level sample", slogError(err))
		return
	}
	ts := sample.Timestamp
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	s.scheduler.IngestLevel(activity.Sample{Level: sample.Level, Timestamp: ts})
}

func (s *Service) publishPartial(recordingID, text string, confidence float64, ts time.Time) {
	msg := protocol.PartialCaption{
		RecordingID: recordingID,
		Text:        text,
		Confidence:  confidence,
		Timestamp:   ts,
	}
	s.publish(protocol.SubjectCaptionPartial, msg)
}

func (s *Service) publishFinal(recordingID string, seg caption.Segment) {
	msg := protocol.CaptionSegment{
		RecordingID: recordingID,
		Text:        seg.Text,
		Confidence:  seg.Confidence,
		FinalizedAt: seg.FinalizedAt,
	}
	s.publish(protocol.SubjectCaptionFinal, msg)
}

func (s *Service) publishState(recordingID string, state State) {
	msg := protocol.CaptureState{
		RecordingID: recordingID,
		State:       state.String(),
		Timestamp:   time.Now().UTC(),
	}
	s.publish(protocol.SubjectCaptureState, msg)
}

func (s *Service) publishFatal(recordingID string, err error) {
	msg := protocol.CaptureFatal{
		RecordingID: recordingID,
		Error:       err.Error(),
		Timestamp:   time.Now().UTC(),
	}
	s.publish(protocol.SubjectCaptureFatal, msg)
}

func (s *Service) publish(subject string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		s.logger.Warn("failed to marshal message", slogError(err))
		return
	}
	if err := s.bus.Conn().Publish(subject, data); err != nil {
		s.logger.Warn("failed to publish message", slog.String("subject", subject), slogError(err))
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
