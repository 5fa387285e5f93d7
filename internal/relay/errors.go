package relay

import "errors"

var (
	// ErrInvalidRequest is returned when the text to synthesize is empty.
	ErrInvalidRequest = errors.New("message is required")
	// ErrSynthesisFailed wraps any provider-side failure.
	ErrSynthesisFailed = errors.New("synthesis failed")
	// ErrStreamNotFound is returned when cancelling an unknown or finished stream.
	ErrStreamNotFound = errors.New("stream not found")
	// ErrStreamCancelled is the cause attached to a stream stopped by Cancel,
	// a client disconnect, or shutdown.
	ErrStreamCancelled = errors.New("stream cancelled")
	// ErrIdleTimeout is the cause attached to a stream whose provider stalled.
	ErrIdleTimeout = errors.New("provider idle timeout")

	errDuplicateStream = errors.New("duplicate stream id")
)
