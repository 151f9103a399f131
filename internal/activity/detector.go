package activity

import (
	"time"

	"github.com/livecap-io/livecapd/internal/config"
)

// Sample is one audio-level measurement. Level is a normalized
// amplitude in [0,1].
type Sample struct {
	Level     float64
	Timestamp time.Time
}

// Detector keeps a rolling window of recent level samples and derives a
// speech-likely-active signal from it. It is not safe for concurrent use;
// callers serialize access through the capture work queue.
type Detector struct {
	window    []Sample
	head      int
	count     int
	threshold float64
	streak    int
}

func NewDetector(cfg config.ActivityConfig) *Detector {
	return &Detector{
		window:    make([]Sample, cfg.WindowSamples),
		threshold: cfg.LevelThreshold,
		streak:    cfg.StreakSamples,
	}
}

// Ingest appends a sample, evicting the oldest when the window is full.
func (d *Detector) Ingest(s Sample) {
	d.window[d.head] = s
	d.head = (d.head + 1) % len(d.window)
	if d.count < len(d.window) {
		d.count++
	}
}

// Active reports whether the most recent streak of samples all exceed the
// level threshold. Requiring a consecutive run rather than a single spike
// or an average rejects transient noise while keeping detection latency
// bounded by streak × sampling interval. With fewer samples than the
// streak length the detector cannot decide yet and reports false.
func (d *Detector) Active() bool {
	if d.count < d.streak {
		return false
	}
	for i := 1; i <= d.streak; i++ {
		idx := (d.head - i + len(d.window)) % len(d.window)
		if d.window[idx].Level <= d.threshold {
			return false
		}
	}
	return true
}

// Len returns the number of samples currently held.
func (d *Detector) Len() int {
	return d.count
}

// Recent returns up to n of the most recent samples, oldest first.
func (d *Detector) Recent(n int) []Sample {
	if n > d.count {
		n = d.count
	}
	out := make([]Sample, 0, n)
	for i := n; i >= 1; i-- {
		idx := (d.head - i + len(d.window)) % len(d.window)
		out = append(out, d.window[idx])
	}
	return out
}

// Reset discards all buffered samples.
func (d *Detector) Reset() {
	d.head = 0
	d.count = 0
}
