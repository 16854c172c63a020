// Package mock provides in-memory implementations of [audio.Host],
// [audio.Capture] and [audio.Playback] for use in unit tests.
//
// All mocks are safe for concurrent use. They record every method call so that
// tests can assert on call counts and arguments, and they expose exported fields
// that the test can set to control return values.
//
// The playback clock only moves when the test calls [Playback.Advance], which
// makes playback scheduling fully deterministic:
//
//	host := &mock.Host{}
//	// ... open a voice session against host ...
//	pb := host.LastPlayback()
//	pb.Advance(500 * time.Millisecond) // fires completion callbacks
package mock

import (
	"context"
	"sync"
	"time"

	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/audio/timeline"
)

// Compile-time interface assertions.
var (
	_ audio.Host     = (*Host)(nil)
	_ audio.Capture  = (*Capture)(nil)
	_ audio.Playback = (*Playback)(nil)
)

// ─── Host ─────────────────────────────────────────────────────────────────────

// Host is a mock implementation of [audio.Host].
type Host struct {
	mu sync.Mutex

	// CaptureErr, if non-nil, is returned by OpenCapture.
	CaptureErr error

	// PlaybackErr, if non-nil, is returned by OpenPlayback.
	PlaybackErr error

	// ClockLag makes the Now of every playback opened afterwards report the
	// device clock this much behind the rendered position, as seen when the
	// device thread advances between a Now and a Schedule call.
	ClockLag time.Duration

	// CaptureCalls records the configs passed to OpenCapture.
	CaptureCalls []audio.CaptureConfig

	// PlaybackCalls records the configs passed to OpenPlayback.
	PlaybackCalls []audio.PlaybackConfig

	captures  []*Capture
	playbacks []*Playback
}

// OpenCapture implements [audio.Host].
func (h *Host) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.Capture, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.CaptureCalls = append(h.CaptureCalls, cfg)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.CaptureErr != nil {
		return nil, h.CaptureErr
	}
	cfg = cfg.WithDefaults()
	c := &Capture{cfg: cfg, frames: make(chan []float32, cfg.Buffer)}
	h.captures = append(h.captures, c)
	return c, nil
}

// OpenPlayback implements [audio.Host].
func (h *Host) OpenPlayback(ctx context.Context, cfg audio.PlaybackConfig) (audio.Playback, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.PlaybackCalls = append(h.PlaybackCalls, cfg)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if h.PlaybackErr != nil {
		return nil, h.PlaybackErr
	}
	cfg = cfg.WithDefaults()
	p := &Playback{tl: timeline.New(cfg.SampleRate), lag: h.ClockLag}
	h.playbacks = append(h.playbacks, p)
	return p, nil
}

// LastCapture returns the most recently opened capture, or nil.
func (h *Host) LastCapture() *Capture {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.captures) == 0 {
		return nil
	}
	return h.captures[len(h.captures)-1]
}

// LastPlayback returns the most recently opened playback device, or nil.
func (h *Host) LastPlayback() *Playback {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.playbacks) == 0 {
		return nil
	}
	return h.playbacks[len(h.playbacks)-1]
}

// ─── Capture ──────────────────────────────────────────────────────────────────

// Capture is a mock microphone stream. Tests feed it with [Capture.Push].
type Capture struct {
	mu     sync.Mutex
	cfg    audio.CaptureConfig
	frames chan []float32
	closed bool

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// Dropped counts chunks rejected because the buffer was full.
	Dropped int
}

// Push delivers one chunk as if the device had captured it. Like a real
// backend it never blocks: when the buffer is full the chunk is dropped and
// OnDrop is invoked. Pushing to a closed capture is a no-op. It reports
// whether the chunk was accepted.
func (c *Capture) Push(samples []float32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.frames <- samples:
		return true
	default:
		c.Dropped++
		if c.cfg.OnDrop != nil {
			c.cfg.OnDrop()
		}
		return false
	}
}

// Frames implements [audio.Capture].
func (c *Capture) Frames() <-chan []float32 { return c.frames }

// Close implements [audio.Capture]. Every call is counted; only the first
// closes the frame channel.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.CallCountClose++
	if !c.closed {
		c.closed = true
		close(c.frames)
	}
	return nil
}

// Config returns the effective capture config.
func (c *Capture) Config() audio.CaptureConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.cfg
}

// Closes returns how many times Close was called.
func (c *Capture) Closes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.CallCountClose
}

// ─── Playback ─────────────────────────────────────────────────────────────────

// Scheduled records one call to [Playback.Schedule].
type Scheduled struct {
	Samples int
	At      time.Duration
	Start   int64 // absolute sample index actually used
	Voice   audio.Voice
}

// Playback is a mock output device backed by a [timeline.Timeline] whose clock
// only moves when the test calls Advance.
type Playback struct {
	tl  *timeline.Timeline
	lag time.Duration

	mu sync.Mutex

	// ScheduleCalls records every call to Schedule in order.
	ScheduleCalls []Scheduled

	// CallCountClose records how many times Close was called.
	CallCountClose int

	// CallCountStop records how many times Stop was called on any voice.
	CallCountStop int
}

// Now implements [audio.Playback].
func (p *Playback) Now() time.Duration { return max(p.tl.Now()-p.lag, 0) }

// Schedule implements [audio.Playback].
func (p *Playback) Schedule(samples []float32, at time.Duration, onEnded func()) audio.Voice {
	v := p.tl.Schedule(samples, at, onEnded)
	sv := &voice{Voice: v, p: p}

	p.mu.Lock()
	defer p.mu.Unlock()
	p.ScheduleCalls = append(p.ScheduleCalls, Scheduled{
		Samples: len(samples),
		At:      at,
		Start:   v.Start(),
		Voice:   sv,
	})
	return sv
}

// Close implements [audio.Playback].
func (p *Playback) Close() error {
	p.mu.Lock()
	p.CallCountClose++
	p.mu.Unlock()
	p.tl.Close()
	return nil
}

// Advance moves the device clock forward by d, firing completion callbacks
// for voices that end within that span.
func (p *Playback) Advance(d time.Duration) { p.tl.Advance(d) }

// Active returns the number of voices still playing or pending.
func (p *Playback) Active() int { return p.tl.Active() }

// Calls returns a snapshot of the recorded Schedule calls.
func (p *Playback) Calls() []Scheduled {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Scheduled, len(p.ScheduleCalls))
	copy(out, p.ScheduleCalls)
	return out
}

// Closes returns how many times Close was called.
func (p *Playback) Closes() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountClose
}

// Stops returns how many times Stop was called on scheduled voices.
func (p *Playback) Stops() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.CallCountStop
}

type voice struct {
	audio.Voice
	p *Playback
}

func (v *voice) Stop() {
	v.p.mu.Lock()
	v.p.CallCountStop++
	v.p.mu.Unlock()
	v.Voice.Stop()
}
