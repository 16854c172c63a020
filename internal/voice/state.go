package voice

import "errors"

// State is the externally observable lifecycle state of a [Session].
type State int

const (
	// StateConnecting is the initial state: devices are being acquired and the
	// transport has not acknowledged the configuration yet.
	StateConnecting State = iota

	// StateListening means the session is streaming microphone audio and no
	// playback unit is outstanding.
	StateListening

	// StateSpeaking means at least one playback unit is scheduled and
	// unfinished.
	StateSpeaking

	// StateError is terminal. [Session.Err] returns the cause.
	StateError

	// StateClosed is terminal and marks a torn-down session. It is not meant
	// to be displayed.
	StateClosed
)

// String returns the lowercase name of the state.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateListening:
		return "listening"
	case StateSpeaking:
		return "speaking"
	case StateError:
		return "error"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// Terminal reports whether no further transition can leave s.
func (s State) Terminal() bool {
	return s == StateError || s == StateClosed
}

var (
	// ErrPermissionDenied is returned (wrapped) when the microphone or the
	// output device could not be acquired.
	ErrPermissionDenied = errors.New("voice: audio device access denied")

	// ErrConnectionFailure is returned (wrapped) when the transport could not
	// be established or failed while the session was running.
	ErrConnectionFailure = errors.New("voice: connection failure")

	// ErrDecodeFailure marks an inbound audio payload that could not be
	// decoded. It never ends a session; the affected unit is dropped.
	ErrDecodeFailure = errors.New("voice: audio decode failure")
)
