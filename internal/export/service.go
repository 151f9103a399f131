package export

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/livecap-io/livecapd/internal/bus"
	"github.com/livecap-io/livecapd/internal/config"
	"github.com/livecap-io/livecapd/internal/protocol"
	"github.com/livecap-io/livecapd/internal/store"
	"github.com/nats-io/nats.go"
)

// Service persists finalized caption segments off the hot path: it
// consumes the bus instead of hooking the scheduler directly, so a slow
// disk can never stall capture.
type Service struct {
	cfg    config.ExportConfig
	bus    *bus.Client
	store  *store.Store
	logger *slog.Logger
	sub    *nats.Subscription
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(parent context.Context, cfg config.ExportConfig, busClient *bus.Client, st *store.Store, log *slog.Logger) *Service {
	ctx, cancel := context.WithCancel(parent)
	return &Service{
		cfg:    cfg,
		bus:    busClient,
		store:  st,
		logger: log.With(slog.String("component", "export")),
		ctx:    ctx,
		cancel: cancel,
	}
}

func (s *Service) Start() error {
	if !s.cfg.Enabled {
		return nil
	}
	sub, err := s.bus.Conn().Subscribe(protocol.SubjectCaptionFinal, s.handleSegment)
	if err != nil {
		return err
	}
	s.sub = sub

	s.wg.Add(1)
	go s.runPrune()
	return nil
}

func (s *Service) Close() {
	s.cancel()
	if s.sub != nil {
		_ = s.sub.Drain()
	}
	s.wg.Wait()
}

func (s *Service) Healthy() bool {
	return !s.cfg.Enabled || s.sub != nil
}

func (s *Service) handleSegment(msg *nats.Msg) {
	var seg protocol.CaptionSegment
	if err := json.Unmarshal(msg.Data, &seg); err != nil {
		s.logger.Warn("failed to decode caption segment", slogError(err))
		return
	}
	if seg.Text == "" {
		return
	}

	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()
	rec := store.Record{
		RecordingID: seg.RecordingID,
		Text:        seg.Text,
		Confidence:  seg.Confidence,
		FinalizedAt: seg.FinalizedAt,
	}
	if err := s.store.AppendSegment(ctx, rec); err != nil {
		s.logger.Warn("failed to persist caption segment", slogError(err))
	}
}

func (s *Service) runPrune() {
	defer s.wg.Done()
	interval := time.Duration(s.cfg.PruneIntervalMS) * time.Millisecond
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if err := s.store.Prune(s.ctx); err != nil {
				s.logger.Warn("caption store prune failed", slogError(err))
			}
		}
	}
}

func slogError(err error) slog.Attr {
	return slog.String("error", err.Error())
}
