// Package audio defines the host audio abstractions and the PCM codec used by
// the OmniMind voice pipeline.
//
// The primary abstractions are:
//
//   - [Host] opens microphone captures and playback devices.
//   - [Capture] is an exclusive microphone stream delivering fixed-size float
//     sample chunks over a bounded channel.
//   - [Playback] is an output device with a readable monotonic clock that plays
//     sample buffers scheduled at absolute points on that clock.
//
// Implementations are provided by backend packages (audio/miniaudio,
// audio/portaudio, audio/wavfile) and by audio/mock for tests.
//
// This package lives under pkg/ because external code is expected to implement
// [Host] for other platforms.
package audio

import (
	"context"
	"errors"
	"time"
)

// ErrDeviceUnavailable is returned (wrapped) by [Host] implementations when the
// requested device cannot be opened, e.g. because access was refused or no
// device exists.
var ErrDeviceUnavailable = errors.New("audio: device unavailable")

// CaptureConfig configures a microphone capture stream.
type CaptureConfig struct {
	// SampleRate in Hz. Defaults to [InputSampleRate].
	SampleRate int

	// ChunkSamples is the exact number of mono samples per delivered chunk.
	// Defaults to [CaptureChunkSamples].
	ChunkSamples int

	// Buffer is the capacity of the channel returned by [Capture.Frames].
	// When the consumer falls behind, new chunks are dropped instead of blocking
	// the device callback. Defaults to 32.
	Buffer int

	// OnDrop is called from the device thread each time a chunk is dropped
	// because the buffer was full. May be nil.
	OnDrop func()
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c CaptureConfig) WithDefaults() CaptureConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = InputSampleRate
	}
	if c.ChunkSamples <= 0 {
		c.ChunkSamples = CaptureChunkSamples
	}
	if c.Buffer <= 0 {
		c.Buffer = 32
	}
	return c
}

// PlaybackConfig configures an output device.
type PlaybackConfig struct {
	// SampleRate in Hz. Defaults to [OutputSampleRate].
	SampleRate int
}

// WithDefaults returns a copy of c with zero fields replaced by defaults.
func (c PlaybackConfig) WithDefaults() PlaybackConfig {
	if c.SampleRate <= 0 {
		c.SampleRate = OutputSampleRate
	}
	return c
}

// Host opens audio devices on the local platform.
//
// Implementations must be safe for concurrent use.
type Host interface {
	// OpenCapture acquires an exclusive microphone stream and starts it.
	// Errors caused by refused access or a missing device wrap
	// [ErrDeviceUnavailable].
	OpenCapture(ctx context.Context, cfg CaptureConfig) (Capture, error)

	// OpenPlayback opens and starts an output device.
	OpenPlayback(ctx context.Context, cfg PlaybackConfig) (Playback, error)
}

// Capture is an open microphone stream.
type Capture interface {
	// Frames returns the channel on which mono float samples in [-1, 1] are
	// delivered in chunks of exactly CaptureConfig.ChunkSamples. The channel is
	// closed after Close.
	Frames() <-chan []float32

	// Close stops the device and releases it. Calling Close more than once is
	// safe and returns nil.
	Close() error
}

// Playback is an open output device with a monotonic clock.
type Playback interface {
	// Now returns the device clock: the amount of audio the device has consumed
	// since it was opened.
	Now() time.Duration

	// Schedule plays mono samples starting at the absolute device time at. If at
	// lies in the past the samples start immediately. onEnded, if non-nil, is
	// invoked exactly once when the last sample has been consumed, unless the
	// voice was stopped or the device was closed first. It is called from the
	// device thread and must not block.
	Schedule(samples []float32, at time.Duration, onEnded func()) Voice

	// Close stops every scheduled voice and releases the device. Calling Close
	// more than once is safe and returns nil.
	Close() error
}

// Voice is one scheduled playback buffer.
type Voice interface {
	// StartTime returns the device time at which the voice begins. It is later
	// than the requested time when that had already passed on the device.
	StartTime() time.Duration

	// Stop silences the voice immediately. Safe to call more than once and after
	// the voice finished.
	Stop()
}
