// Package portaudio implements [audio.Host] using PortAudio via
// github.com/gordonklaus/portaudio.
//
// PortAudio keeps global library state, so the package reference-counts
// Initialize/Terminate across every open stream. Streams use the callback API
// with float32 buffers; capture chunks are re-framed and delivered through a
// bounded channel, and playback renders from a [timeline.Timeline].
package portaudio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/audio/timeline"
	"github.com/gordonklaus/portaudio"
)

// Compile-time interface assertions.
var (
	_ audio.Host     = (*Host)(nil)
	_ audio.Capture  = (*capture)(nil)
	_ audio.Playback = (*playback)(nil)
)

// framesPerBuffer is the callback block size for both directions.
const framesPerBuffer = 512

var (
	libMu   sync.Mutex
	libRefs int
)

func acquire() error {
	libMu.Lock()
	defer libMu.Unlock()
	if libRefs == 0 {
		if err := portaudio.Initialize(); err != nil {
			return err
		}
	}
	libRefs++
	return nil
}

func release() {
	libMu.Lock()
	defer libMu.Unlock()
	libRefs--
	if libRefs == 0 {
		_ = portaudio.Terminate()
	}
}

// Host opens PortAudio default devices.
type Host struct{}

// New returns a PortAudio-backed Host.
func New() *Host { return &Host{} }

// ── Capture ───────────────────────────────────────────────────────────────────

type capture struct {
	stream *portaudio.Stream
	onDrop func()

	mu     sync.Mutex
	framer *audio.Framer
	frames chan []float32
	closed bool

	closeOnce sync.Once
}

// OpenCapture implements [audio.Host].
func (h *Host) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if err := acquire(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	c := &capture{
		onDrop: cfg.OnDrop,
		framer: audio.NewFramer(cfg.ChunkSamples),
		frames: make(chan []float32, cfg.Buffer),
	}
	stream, err := portaudio.OpenDefaultStream(1, 0, float64(cfg.SampleRate), framesPerBuffer, c.process)
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open input stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start input stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	c.stream = stream
	return c, nil
}

// process runs on the PortAudio callback thread. in is reused by PortAudio,
// so the framer copies out of it.
func (c *capture) process(in []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.framer.Push(in, func(frame []float32) {
		select {
		case c.frames <- frame:
		default:
			if c.onDrop != nil {
				c.onDrop()
			}
		}
	})
}

func (c *capture) Frames() <-chan []float32 { return c.frames }

func (c *capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		if stopErr := c.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("portaudio: stop input stream: %w", stopErr)
		}
		_ = c.stream.Close()
		release()

		c.mu.Lock()
		c.closed = true
		close(c.frames)
		c.mu.Unlock()
	})
	return err
}

// ── Playback ──────────────────────────────────────────────────────────────────

type playback struct {
	tl     *timeline.Timeline
	stream *portaudio.Stream

	closeOnce sync.Once
}

// OpenPlayback implements [audio.Host].
func (h *Host) OpenPlayback(ctx context.Context, cfg audio.PlaybackConfig) (audio.Playback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if err := acquire(); err != nil {
		return nil, fmt.Errorf("portaudio: initialize: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	p := &playback{tl: timeline.New(cfg.SampleRate)}
	stream, err := portaudio.OpenDefaultStream(0, 1, float64(cfg.SampleRate), framesPerBuffer, func(out []float32) {
		p.tl.Render(out)
	})
	if err != nil {
		release()
		return nil, fmt.Errorf("portaudio: open output stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		release()
		return nil, fmt.Errorf("portaudio: start output stream: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	p.stream = stream
	return p, nil
}

func (p *playback) Now() time.Duration { return p.tl.Now() }

func (p *playback) Schedule(samples []float32, at time.Duration, onEnded func()) audio.Voice {
	return p.tl.Schedule(samples, at, onEnded)
}

func (p *playback) Close() error {
	var err error
	p.closeOnce.Do(func() {
		p.tl.Close()
		if stopErr := p.stream.Stop(); stopErr != nil {
			err = fmt.Errorf("portaudio: stop output stream: %w", stopErr)
		}
		_ = p.stream.Close()
		release()
	})
	return err
}
