package recognizer

import (
	"context"
	"errors"
	"time"
)

// Sentinel errors for session-open failures.
var (
	ErrUnavailable       = errors.New("recognizer unavailable")
	ErrPermissionDenied  = errors.New("recognizer permission denied")
	ErrUnsupportedLocale = errors.New("unsupported locale")
)

// EventKind tags a recognition event variant.
type EventKind int

const (
	EventPartial EventKind = iota
	EventFinal
	EventSessionEnded
	EventError
)

func (k EventKind) String() string {
	switch k {
	case EventPartial:
		return "partial"
	case EventFinal:
		return "final"
	case EventSessionEnded:
		return "session_ended"
	case EventError:
		return "error"
	default:
		return "unknown"
	}
}

// Event is delivered asynchronously by an open session. Text and
// Confidence are set for Partial and Final, Reason for SessionEnded,
// Err for Error.
type Event struct {
	Kind       EventKind
	Text       string
	Confidence float64
	Timestamp  time.Time
	Reason     string
	Err        error
}

// EmitFunc receives events on a goroutine owned by the recognizer.
// Implementations of the consumer side must return promptly and must not
// block; the recognizer may withhold further events until it returns.
type EmitFunc func(Event)

// SessionConfig carries per-session parameters.
type SessionConfig struct {
	Locale     string
	SampleRate int
	Channels   int
}

// Session is a live recognition session. Close is idempotent.
type Session interface {
	Close() error
}

// Recognizer abstracts a short-lived-session speech recognition backend.
type Recognizer interface {
	// Available probes whether the backend can be reached and authorized.
	Available(ctx context.Context) error
	// OpenSession opens a session delivering events to emit until the
	// session ends or is closed.
	OpenSession(ctx context.Context, cfg SessionConfig, emit EmitFunc) (Session, error)
}
