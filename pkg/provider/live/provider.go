// Package live defines the Provider interface for bidirectional realtime voice
// backends such as the Gemini Live API.
//
// A live connection accepts a one-time session configuration (response
// modality, transcription flags, voice and persona) followed by a continuous
// stream of realtime audio frames, and emits typed events: [EventOpened] once
// the remote side acknowledged the configuration, [EventMessage] for every
// server message carrying audio, transcription or an interruption flag,
// [EventError] for transport failures and finally [EventClosed].
//
// Connections are constructed per session; there is no shared client handle.
// All implementations must be safe for concurrent use.
package live

import (
	"context"
	"errors"
)

const (
	// DefaultModel is the native-audio model used when Config.Model is empty.
	DefaultModel = "gemini-2.5-flash-native-audio-preview-12-2025"

	// DefaultVoice is the prebuilt voice used when Config.Voice is empty.
	DefaultVoice = "Zephyr"

	// DefaultPersona is the system instruction used when Config.Instructions is
	// empty.
	DefaultPersona = "You are OmniMind. Your voice is warm, sophisticated, and deeply intelligent. You are here to help the user via live conversation."
)

// ErrClosed is returned by [Conn.Send] after the connection was closed.
var ErrClosed = errors.New("live: connection closed")

// Modality is a response modality requested from the model.
type Modality string

const (
	ModalityAudio Modality = "AUDIO"
	ModalityText  Modality = "TEXT"
)

// Config is the session-open configuration sent once per connection.
type Config struct {
	// Model selects the remote model. Empty selects the provider's default.
	Model string

	// Voice is the prebuilt synthesised voice identity (e.g. "Zephyr").
	Voice string

	// Instructions is the fixed system persona for the conversation.
	Instructions string

	// ResponseModalities lists the requested output modalities. Empty means
	// audio only.
	ResponseModalities []Modality

	// InputTranscription asks the service to transcribe the user's speech.
	InputTranscription bool

	// OutputTranscription asks the service to transcribe its own speech.
	OutputTranscription bool
}

// WithDefaults returns a copy of c with empty fields set to the package
// defaults.
func (c Config) WithDefaults() Config {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.Voice == "" {
		c.Voice = DefaultVoice
	}
	if c.Instructions == "" {
		c.Instructions = DefaultPersona
	}
	if len(c.ResponseModalities) == 0 {
		c.ResponseModalities = []Modality{ModalityAudio}
	}
	return c
}

// MediaChunk is one realtime input frame.
type MediaChunk struct {
	// MIMEType describes the payload, e.g. "audio/pcm;rate=16000".
	MIMEType string

	// Data is the base64-encoded payload.
	Data string
}

// InlineAudio is a synthesised audio payload carried by a server message.
type InlineAudio struct {
	// MIMEType describes the payload, e.g. "audio/pcm;rate=24000".
	MIMEType string

	// Data is the base64-encoded PCM16 payload. It is passed through undecoded
	// so that a malformed payload affects only the unit it belongs to.
	Data string
}

// Transcription is a transcription fragment.
type Transcription struct {
	Text string
}

// Message is the content of one server message. Any combination of fields may
// be set.
type Message struct {
	// Audio holds the inline audio parts of the model turn, in order.
	Audio []InlineAudio

	// OutputTranscription is the latest transcription of the model's speech.
	OutputTranscription *Transcription

	// InputTranscription is the latest transcription of the user's speech.
	InputTranscription *Transcription

	// Interrupted reports that the service cut its own output short because
	// the user started speaking (barge-in).
	Interrupted bool

	// TurnComplete reports that the model finished its turn.
	TurnComplete bool

	// ServerError is an error the service reported in-band, such as a
	// rejected request or an exceeded quota. The connection stays open.
	ServerError error
}

// EventType classifies events emitted by a [Conn].
type EventType int

const (
	// EventOpened is emitted once the remote side acknowledged the session
	// configuration. Audio sent before this event may be discarded.
	EventOpened EventType = iota

	// EventMessage carries a server message in Event.Message.
	EventMessage

	// EventError reports a transport-level failure in Event.Err. It is always
	// followed by EventClosed. Errors the service reports without closing the
	// connection arrive as [Message.ServerError].
	EventError

	// EventClosed is the final event. Event.Err is the cause, or nil for a
	// clean close.
	EventClosed
)

// String returns the human-readable name of the event type.
func (e EventType) String() string {
	switch e {
	case EventOpened:
		return "OPENED"
	case EventMessage:
		return "MESSAGE"
	case EventError:
		return "ERROR"
	case EventClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Event is a typed connection event.
type Event struct {
	Type    EventType
	Message *Message
	Err     error
}

// Conn represents an open live connection.
//
// Events are delivered in arrival order on a single channel. EventClosed is
// always the last event and the channel is closed right after it. Consumers
// must drain the channel until it is closed; the connection's receive
// goroutine blocks while the buffer is full.
type Conn interface {
	// Send transmits one realtime input frame. It does not wait for any
	// acknowledgement from the service. Returns ErrClosed (possibly wrapped)
	// after Close.
	Send(ctx context.Context, chunk MediaChunk) error

	// Events returns the event channel.
	Events() <-chan Event

	// Close requests a clean shutdown of the connection. Calling Close more
	// than once is safe and returns nil. EventClosed is still delivered.
	Close() error
}

// Provider is the abstraction over any live voice backend.
type Provider interface {
	// Connect dials the service and sends the session configuration. It
	// returns as soon as the configuration has been sent; EventOpened follows
	// asynchronously. Returns an error if the connection cannot be
	// established. The caller owns the Conn and must Close it.
	Connect(ctx context.Context, cfg Config) (Conn, error)
}
