package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/livecap-io/livecapd/internal/bus"
	"github.com/livecap-io/livecapd/internal/config"
	"github.com/livecap-io/livecapd/internal/protocol"
	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

// SourceInfo describes one audio source feeding level samples.
type SourceInfo struct {
	ID       string    `json:"id"`
	Kind     string    `json:"kind"`
	Label    string    `json:"label,omitempty"`
	LastSeen time.Time `json:"last_seen"`
	Healthy  bool      `json:"healthy"`
}

type announceMessage struct {
	SourceID  string    `json:"source_id"`
	Kind      string    `json:"kind"`
	Label     string    `json:"label,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type heartbeatMessage struct {
	SourceID  string    `json:"source_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Registry tracks which audio sources are alive. A source that stops
// heartbeating goes stale after the configured timeout, which tells
// operators the activity feed driving restart decisions has dried up.
type Registry struct {
	cfg     config.SourcesConfig
	log     *slog.Logger
	bus     *bus.Client
	mu      sync.RWMutex
	sources map[string]*SourceInfo
	cancel  context.CancelFunc
	subs    []*nats.Subscription
	meter   metric.Meter
}

func NewRegistry(ctx context.Context, cfg config.SourcesConfig, busClient *bus.Client, log *slog.Logger) (*Registry, error) {
	ctx, cancel := context.WithCancel(ctx)
	r := &Registry{
		cfg:     cfg,
		log:     log.With(slog.String("component", "source-registry")),
		bus:     busClient,
		sources: make(map[string]*SourceInfo),
		meter:   otel.Meter("github.com/livecap-io/livecapd/sources"),
		cancel:  cancel,
	}

	if err := r.initMetrics(); err != nil {
		r.log.Warn("failed to initialize metrics", slog.String("error", err.Error()))
	}

	if err := r.subscribe(); err != nil {
		r.cancel()
		return nil, err
	}

	go r.monitorHealth(ctx)

	return r, nil
}

func (r *Registry) Close() {
	if r.cancel != nil {
		r.cancel()
	}
	for _, sub := range r.subs {
		_ = sub.Drain()
	}
}

func (r *Registry) subscribe() error {
	conn := r.bus.Conn()
	announceSub, err := conn.Subscribe(protocol.SubjectSourceAnnounce, r.handleAnnounce)
	if err != nil {
		return fmt.Errorf("subscribe announce: %w", err)
	}
	r.subs = append(r.subs, announceSub)

	heartbeatSub, err := conn.Subscribe(protocol.SubjectSourceHeartbeatPrefix+".*", r.handleHeartbeat)
	if err != nil {
		return fmt.Errorf("subscribe heartbeat: %w", err)
	}
	r.subs = append(r.subs, heartbeatSub)

	return nil
}

func (r *Registry) monitorHealth(ctx context.Context) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.evaluateHealth()
		}
	}
}

func (r *Registry) handleAnnounce(msg *nats.Msg) {
	var announcement announceMessage
	if err := json.Unmarshal(msg.Data, &announcement); err != nil {
		r.log.Warn("invalid announce message", slog.String("error", err.Error()))
		return
	}
	if announcement.Timestamp.IsZero() {
		announcement.Timestamp = time.Now().UTC()
	}
	r.updateSource(announcement.SourceID, announcement.Kind, announcement.Label, announcement.Timestamp)
}

func (r *Registry) handleHeartbeat(msg *nats.Msg) {
	var hb heartbeatMessage
	if err := json.Unmarshal(msg.Data, &hb); err != nil {
		r.log.Warn("invalid heartbeat message", slog.String("error", err.Error()))
		return
	}
	if hb.Timestamp.IsZero() {
		hb.Timestamp = time.Now().UTC()
	}
	r.updateSource(hb.SourceID, "", "", hb.Timestamp)
}

func (r *Registry) updateSource(id, kind, label string, timestamp time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()

	src, ok := r.sources[id]
	if !ok {
		src = &SourceInfo{ID: id}
		r.sources[id] = src
	}
	if kind != "" {
		src.Kind = kind
	}
	if label != "" {
		src.Label = label
	}
	src.LastSeen = timestamp
	src.Healthy = true
}

func (r *Registry) evaluateHealth() {
	r.mu.Lock()
	defer r.mu.Unlock()

	timeout := time.Duration(r.cfg.HeartbeatTimeout) * time.Millisecond
	now := time.Now()
	for _, src := range r.sources {
		if now.Sub(src.LastSeen) > timeout {
			src.Healthy = false
		}
	}
}

// Query returns sources matching the filter, or all sources when nil.
func (r *Registry) Query(filter func(SourceInfo) bool) []SourceInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var results []SourceInfo
	for _, src := range r.sources {
		info := *src
		if filter == nil || filter(info) {
			results = append(results, info)
		}
	}
	return results
}

// AnyHealthy reports whether at least one source is still heartbeating.
func (r *Registry) AnyHealthy() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, src := range r.sources {
		if src.Healthy {
			return true
		}
	}
	return false
}

func (r *Registry) initMetrics() error {
	if r.meter == nil {
		return nil
	}
	known, err := r.meter.Int64ObservableGauge("livecap.sources.known",
		metric.WithDescription("Number of known audio sources"))
	if err != nil {
		return err
	}
	healthy, err := r.meter.Int64ObservableGauge("livecap.sources.healthy",
		metric.WithDescription("Number of healthy audio sources"))
	if err != nil {
		return err
	}
	_, err = r.meter.RegisterCallback(func(_ context.Context, obs metric.Observer) error {
		k, h := r.snapshotCounts()
		obs.ObserveInt64(known, k)
		obs.ObserveInt64(healthy, h)
		return nil
	}, known, healthy)
	return err
}

func (r *Registry) snapshotCounts() (int64, int64) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var known, healthy int64
	for _, src := range r.sources {
		known++
		if src.Healthy {
			healthy++
		}
	}
	return known, healthy
}
