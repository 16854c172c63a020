// Package timeline implements a sample-accurate playback scheduler.
//
// A [Timeline] gives a pull-based output device (one whose driver asks for the
// next N samples from a callback) the scheduling model that the voice pipeline
// needs: a monotonic clock derived from the number of samples rendered, and
// buffers ("voices") that start at an absolute point on that clock. Backends
// call [Timeline.Render] from their device callback; everything else is safe
// to call from any goroutine.
package timeline

import (
	"slices"
	"sync"
	"time"

	"github.com/MrWong99/omnimind/pkg/audio"
)

// Compile-time assertion that *Voice satisfies audio.Voice.
var _ audio.Voice = (*Voice)(nil)

// Timeline mixes scheduled voices into a mono output stream.
type Timeline struct {
	rate int

	mu     sync.Mutex
	pos    int64 // samples rendered so far
	voices []*Voice
	closed bool
}

// Voice is one buffer scheduled on a Timeline.
type Voice struct {
	t       *Timeline
	samples []float32
	start   int64 // absolute sample index
	onEnded func()

	// guarded by t.mu
	stopped bool
}

// New returns an empty Timeline running at rate samples per second.
func New(rate int) *Timeline {
	if rate <= 0 {
		rate = audio.OutputSampleRate
	}
	return &Timeline{rate: rate}
}

// SampleRate returns the timeline's rate in Hz.
func (t *Timeline) SampleRate() int { return t.rate }

// Now returns the timeline clock: the duration of audio rendered so far.
func (t *Timeline) Now() time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return audio.SamplesDuration(t.pos, t.rate)
}

// Position returns the number of samples rendered so far.
func (t *Timeline) Position() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pos
}

// Active returns the number of voices that have not yet finished.
func (t *Timeline) Active() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.voices)
}

// Schedule places samples on the timeline starting at the first sample at or
// after at. A start in the past is moved to the current position. onEnded is
// called once the last sample has been rendered, unless the voice is stopped
// or the timeline closed first. Scheduling on a closed timeline returns a
// voice that never plays.
func (t *Timeline) Schedule(samples []float32, at time.Duration, onEnded func()) *Voice {
	v := &Voice{t: t, samples: samples, onEnded: onEnded}

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		v.stopped = true
		return v
	}
	v.start = max(audio.DurationSamples(at, t.rate), t.pos)
	t.voices = append(t.voices, v)
	return v
}

// Stop removes the voice from its timeline. Idempotent.
func (v *Voice) Stop() {
	t := v.t
	t.mu.Lock()
	defer t.mu.Unlock()
	if v.stopped {
		return
	}
	v.stopped = true
	t.voices = slices.DeleteFunc(t.voices, func(o *Voice) bool { return o == v })
}

// Start returns the absolute sample index at which the voice begins.
func (v *Voice) Start() int64 { return v.start }

// StartTime returns the timeline time at which the voice begins.
func (v *Voice) StartTime() time.Duration {
	return audio.SamplesDuration(v.start, v.t.rate)
}

// End returns the absolute sample index one past the voice's last sample.
func (v *Voice) End() int64 { return v.start + int64(len(v.samples)) }

// Render mixes the next len(out) samples into out (overwriting it), advances
// the clock and then fires the completion callbacks of every voice that ended
// within this block, in the order they ended. Callbacks run on the calling
// goroutine after the timeline lock has been released.
func (t *Timeline) Render(out []float32) {
	clear(out)

	t.mu.Lock()
	begin := t.pos
	end := begin + int64(len(out))
	var finished []*Voice
	kept := t.voices[:0]
	for _, v := range t.voices {
		from, to := max(begin, v.start), min(end, v.End())
		for i := from; i < to; i++ {
			out[i-begin] += v.samples[i-v.start]
		}
		if v.End() <= end {
			finished = append(finished, v)
			continue
		}
		kept = append(kept, v)
	}
	clear(t.voices[len(kept):])
	t.voices = kept
	t.pos = end
	t.mu.Unlock()

	audio.Clip(out)

	slices.SortStableFunc(finished, func(a, b *Voice) int {
		switch {
		case a.End() < b.End():
			return -1
		case a.End() > b.End():
			return 1
		}
		return 0
	})
	for _, v := range finished {
		t.fire(v)
	}
}

// Advance renders d worth of audio into a scratch buffer. It drives the clock
// for sinks that do not need the rendered samples.
func (t *Timeline) Advance(d time.Duration) {
	n := audio.DurationSamples(d, t.rate)
	if n <= 0 {
		return
	}
	t.Render(make([]float32, n))
}

// fire invokes v's completion callback unless it was stopped after being
// collected by Render.
func (t *Timeline) fire(v *Voice) {
	t.mu.Lock()
	if v.stopped {
		t.mu.Unlock()
		return
	}
	v.stopped = true
	t.mu.Unlock()
	if v.onEnded != nil {
		v.onEnded()
	}
}

// Close stops every voice. Subsequent schedules never play. Rendering after
// Close produces silence and keeps advancing the clock.
func (t *Timeline) Close() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	for _, v := range t.voices {
		v.stopped = true
	}
	t.voices = nil
}
