package protocol

import "time"

// StreamEvent reports a speech stream lifecycle transition on the bus.
type StreamEvent struct {
	StreamID  string    `json:"stream_id"`
	State     string    `json:"state"`
	Bytes     int64     `json:"bytes,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	SubjectStreamPrefix    = "tts.stream"
	SubjectStreamCreated   = "tts.stream.created"
	SubjectStreamStreaming = "tts.stream.streaming"
	SubjectStreamCompleted = "tts.stream.completed"
	SubjectStreamCancelled = "tts.stream.cancelled"
	SubjectStreamFailed    = "tts.stream.failed"
)

// SubjectForState maps a lifecycle state name to its subject.
func SubjectForState(state string) string {
	return SubjectStreamPrefix + "." + state
}
