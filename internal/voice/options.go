package voice

import (
	"log/slog"

	"github.com/MrWong99/omnimind/internal/observe"
)

// Option is a functional option for configuring a [Session].
type Option func(*Session)

// WithStateHandler registers fn to be called on every state transition,
// including the initial [StateConnecting]. Handlers run outside the session
// lock on whichever goroutine caused the transition (the receive goroutine,
// the audio device thread, or the caller of Close) and may call back into the
// session. They must not block.
func WithStateHandler(fn func(State)) Option {
	return func(s *Session) { s.onState = fn }
}

// WithTranscriptHandler registers fn to be called with every output
// transcription update. The text replaces the previous transcript.
func WithTranscriptHandler(fn func(string)) Option {
	return func(s *Session) { s.onTranscript = fn }
}

// WithInputTranscriptHandler registers fn to be called with every
// transcription of the user's speech.
func WithInputTranscriptHandler(fn func(string)) Option {
	return func(s *Session) { s.onInputTranscript = fn }
}

// WithQueueHandler registers fn to be called with the new playback queue
// length whenever it changes.
func WithQueueHandler(fn func(int)) Option {
	return func(s *Session) { s.onQueue = fn }
}

// WithMetrics overrides the metrics sink. Defaults to
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(s *Session) { s.metrics = m }
}

// WithLogger overrides the logger. Defaults to [slog.Default].
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.log = l }
}

// WithID sets the session identifier used in logs. Defaults to a random UUID.
func WithID(id string) Option {
	return func(s *Session) { s.id = id }
}
