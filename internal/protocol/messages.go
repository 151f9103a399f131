package protocol

import "time"

// LevelSample is one audio-activity measurement streamed from an edge source.
// Level is a normalized amplitude in [0,1].
type LevelSample struct {
	SourceID  string    `json:"source_id"`
	Sequence  int       `json:"sequence"`
	Level     float64   `json:"level"`
	Timestamp time.Time `json:"timestamp"`
}

// PartialCaption is the in-flight text for the current utterance.
// A newer partial always supersedes an older one.
type PartialCaption struct {
	RecordingID string    `json:"recording_id"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

// CaptionSegment is a finalized utterance broadcast on the bus.
type CaptionSegment struct {
	RecordingID string    `json:"recording_id"`
	Text        string    `json:"text"`
	Confidence  float64   `json:"confidence"`
	FinalizedAt time.Time `json:"finalized_at"`
}

// CaptureState announces a scheduler state transition.
type CaptureState struct {
	RecordingID string    `json:"recording_id,omitempty"`
	State       string    `json:"state"`
	Timestamp   time.Time `json:"timestamp"`
}

// CaptureFatal is emitted exactly once when the scheduler gives up.
type CaptureFatal struct {
	RecordingID string    `json:"recording_id,omitempty"`
	Error       string    `json:"error"`
	Timestamp   time.Time `json:"timestamp"`
}

const (
	SubjectLevelPrefix    = "capture.level"
	SubjectCaptionPartial = "caption.text.partial"
	SubjectCaptionFinal   = "caption.segment.final"
	SubjectCaptureState   = "capture.state"
	SubjectCaptureFatal   = "capture.fatal"

	SubjectSourceAnnounce        = "ctrl.source.announce"
	SubjectSourceHeartbeatPrefix = "ctrl.source.heartbeat"
)
