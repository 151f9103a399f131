package capture

import (
	"time"

	"github.com/livecap-io/livecapd/internal/config"
)

// Reason explains a restart decision.
type Reason int

const (
	ReasonNotDue Reason = iota
	ReasonRateLimited
	ReasonActivity
	ReasonPrewarm
)

func (r Reason) String() string {
	switch r {
	case ReasonRateLimited:
		return "rate_limited"
	case ReasonActivity:
		return "activity"
	case ReasonPrewarm:
		return "prewarm"
	default:
		return "not_due"
	}
}

// Decision is the ephemeral outcome of one policy evaluation.
type Decision struct {
	Fire   bool
	Reason Reason
}

// PolicyConfig carries the restart-policy tunables.
type PolicyConfig struct {
	MinRestartInterval time.Duration
	PrewarmIdle        time.Duration
}

func policyFromConfig(cfg config.CaptureConfig) PolicyConfig {
	return PolicyConfig{
		MinRestartInterval: time.Duration(cfg.MinRestartIntervalMS) * time.Millisecond,
		PrewarmIdle:        time.Duration(cfg.PrewarmIdleMS) * time.Millisecond,
	}
}

// Decide is the restart policy. It is a pure function of its arguments so
// it can be exercised without a live recognizer. Rules, in order: the rate
// limit always wins; detected speech while no session is listening fires
// immediately; a long idle gap fires a speculative prewarm so a session is
// warm before the user speaks again; otherwise nothing is due.
//
// A zero lastRestartAt means no restart has fired yet and the rate limit
// does not apply. A zero lastResultAt disables the prewarm rule.
func Decide(now, lastRestartAt, lastResultAt time.Time, active, listening bool, cfg PolicyConfig) Decision {
	if !lastRestartAt.IsZero() && now.Sub(lastRestartAt) < cfg.MinRestartInterval {
		return Decision{Reason: ReasonRateLimited}
	}
	if active && !listening {
		return Decision{Fire: true, Reason: ReasonActivity}
	}
	if !lastResultAt.IsZero() && now.Sub(lastResultAt) >= cfg.PrewarmIdle {
		return Decision{Fire: true, Reason: ReasonPrewarm}
	}
	return Decision{Reason: ReasonNotDue}
}
