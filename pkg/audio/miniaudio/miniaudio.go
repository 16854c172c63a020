// Package miniaudio implements [audio.Host] on top of miniaudio via
// github.com/gen2brain/malgo.
//
// Every device owns its own miniaudio context, so the capture stream and the
// playback device can be released independently. Both devices run in 32-bit
// float mono; capture chunks are re-framed to the configured chunk size and
// handed over through a bounded channel that drops on overflow instead of
// stalling the audio thread. Playback is driven by a [timeline.Timeline] that
// the device callback renders from.
package miniaudio

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/audio/timeline"
	"github.com/gen2brain/malgo"
)

// Compile-time interface assertions.
var (
	_ audio.Host     = (*Host)(nil)
	_ audio.Capture  = (*capture)(nil)
	_ audio.Playback = (*playback)(nil)
)

const bytesPerSample = 4 // FormatF32

// Host opens miniaudio devices.
type Host struct {
	log *slog.Logger
}

// Option configures a Host.
type Option func(*Host)

// WithLogger routes miniaudio's internal log messages to l at debug level.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.log = l }
}

// New returns a miniaudio-backed Host.
func New(opts ...Option) *Host {
	h := &Host{log: slog.Default()}
	for _, o := range opts {
		o(h)
	}
	return h
}

func (h *Host) initContext() (*malgo.AllocatedContext, error) {
	return malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		h.log.Debug("malgo", "msg", strings.TrimSpace(message))
	})
}

func releaseContext(actx *malgo.AllocatedContext) {
	_ = actx.Uninit()
	actx.Free()
}

// ── Capture ───────────────────────────────────────────────────────────────────

type capture struct {
	actx   *malgo.AllocatedContext
	device *malgo.Device
	onDrop func()

	mu     sync.Mutex
	framer *audio.Framer
	frames chan []float32
	closed bool

	closeOnce sync.Once
}

// OpenCapture implements [audio.Host]. The device is started before returning.
func (h *Host) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	actx, err := h.initContext()
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	c := &capture{
		actx:   actx,
		onDrop: cfg.OnDrop,
		framer: audio.NewFramer(cfg.ChunkSamples),
		frames: make(chan []float32, cfg.Buffer),
	}

	dc := malgo.DefaultDeviceConfig(malgo.Capture)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.Capture.Format = malgo.FormatF32
	dc.Capture.Channels = 1
	dc.Alsa.NoMMap = 1
	dc.PerformanceProfile = malgo.LowLatency

	c.device, err = malgo.InitDevice(actx.Context, dc, malgo.DeviceCallbacks{
		Data: func(_, pInput []byte, frameCount uint32) {
			n := int(frameCount) * bytesPerSample
			if n == 0 || len(pInput) < n {
				return
			}
			c.push(decodeF32(pInput[:n]))
		},
	})
	if err != nil {
		releaseContext(actx)
		return nil, fmt.Errorf("malgo: init capture device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := c.device.Start(); err != nil {
		c.device.Uninit()
		releaseContext(actx)
		return nil, fmt.Errorf("malgo: start capture device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return c, nil
}

// push runs on the audio thread.
func (c *capture) push(samples []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.framer.Push(samples, func(frame []float32) {
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
	c.closeOnce.Do(func() {
		// Uninit stops the device and waits for the callback to return.
		c.device.Uninit()
		releaseContext(c.actx)

		c.mu.Lock()
		c.closed = true
		close(c.frames)
		c.mu.Unlock()
	})
	return nil
}

// ── Playback ──────────────────────────────────────────────────────────────────

type playback struct {
	tl     *timeline.Timeline
	actx   *malgo.AllocatedContext
	device *malgo.Device

	scratch []float32 // owned by the audio thread

	closeOnce sync.Once
}

// OpenPlayback implements [audio.Host]. The device is started before
// returning, so its clock is already running.
func (h *Host) OpenPlayback(ctx context.Context, cfg audio.PlaybackConfig) (audio.Playback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	actx, err := h.initContext()
	if err != nil {
		return nil, fmt.Errorf("malgo: init context: %w: %w", audio.ErrDeviceUnavailable, err)
	}

	p := &playback{tl: timeline.New(cfg.SampleRate), actx: actx}

	dc := malgo.DefaultDeviceConfig(malgo.Playback)
	dc.SampleRate = uint32(cfg.SampleRate)
	dc.Playback.Format = malgo.FormatF32
	dc.Playback.Channels = 1
	dc.Alsa.NoMMap = 1
	dc.PerformanceProfile = malgo.LowLatency
	dc.PeriodSizeInFrames = uint32(cfg.SampleRate / 50) // 20ms
	dc.Periods = 3

	p.device, err = malgo.InitDevice(actx.Context, dc, malgo.DeviceCallbacks{Data: p.render})
	if err != nil {
		releaseContext(actx)
		return nil, fmt.Errorf("malgo: init playback device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	if err := p.device.Start(); err != nil {
		p.device.Uninit()
		releaseContext(actx)
		return nil, fmt.Errorf("malgo: start playback device: %w: %w", audio.ErrDeviceUnavailable, err)
	}
	return p, nil
}

// render runs on the audio thread.
func (p *playback) render(pOutput, _ []byte, frameCount uint32) {
	n := int(frameCount)
	if n == 0 || len(pOutput) < n*bytesPerSample {
		return
	}
	if cap(p.scratch) < n {
		p.scratch = make([]float32, n)
	}
	buf := p.scratch[:n]
	p.tl.Render(buf)
	encodeF32(pOutput, buf)
}

func (p *playback) Now() time.Duration { return p.tl.Now() }

func (p *playback) Schedule(samples []float32, at time.Duration, onEnded func()) audio.Voice {
	return p.tl.Schedule(samples, at, onEnded)
}

func (p *playback) Close() error {
	p.closeOnce.Do(func() {
		p.tl.Close()
		p.device.Uninit()
		releaseContext(p.actx)
	})
	return nil
}

// ── Sample conversion ─────────────────────────────────────────────────────────

func decodeF32(b []byte) []float32 {
	out := make([]float32, len(b)/bytesPerSample)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(b[i*bytesPerSample:]))
	}
	return out
}

func encodeF32(dst []byte, samples []float32) {
	for i, s := range samples {
		binary.LittleEndian.PutUint32(dst[i*bytesPerSample:], math.Float32bits(s))
	}
}
