// Package wavfile implements a headless [audio.Host] backed by WAV files via
// github.com/youpy/go-wav.
//
// Capture streams a WAV file in real time (downmixed and resampled to the
// requested rate) and continues with silence once the file is exhausted, so
// the remote model sees the end of the utterance. Playback runs a wall-clock
// driven [timeline.Timeline] and writes everything it renders to a 16-bit mono
// WAV file when closed. It is meant for servers without sound hardware and for
// reproducible end-to-end runs.
package wavfile

import (
	"context"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/MrWong99/omnimind/pkg/audio"
	"github.com/MrWong99/omnimind/pkg/audio/timeline"
	"github.com/youpy/go-wav"
)

// Compile-time interface assertions.
var (
	_ audio.Host     = (*Host)(nil)
	_ audio.Capture  = (*capture)(nil)
	_ audio.Playback = (*playback)(nil)
)

// tick is the pacing interval for both directions.
const tick = 20 * time.Millisecond

// Host reads microphone audio from InputPath and records playback to
// OutputPath. An empty OutputPath discards playback audio while still running
// the clock.
type Host struct {
	InputPath  string
	OutputPath string
}

// New returns a Host for the given files.
func New(inputPath, outputPath string) *Host {
	return &Host{InputPath: inputPath, OutputPath: outputPath}
}

// ── Capture ───────────────────────────────────────────────────────────────────

type capture struct {
	file   *os.File
	reader *wav.Reader
	format *wav.WavFormat
	cfg    audio.CaptureConfig

	framer    *audio.Framer
	resampler *audio.Resampler
	frames    chan []float32

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// OpenCapture implements [audio.Host].
func (h *Host) OpenCapture(ctx context.Context, cfg audio.CaptureConfig) (audio.Capture, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()

	f, err := os.Open(h.InputPath)
	if err != nil {
		return nil, fmt.Errorf("wavfile: open %q: %w: %w", h.InputPath, audio.ErrDeviceUnavailable, err)
	}
	reader := wav.NewReader(f)
	format, err := reader.Format()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("wavfile: read format of %q: %w", h.InputPath, err)
	}
	if format.NumChannels == 0 || format.SampleRate == 0 {
		f.Close()
		return nil, fmt.Errorf("wavfile: %q has an invalid format (%d channels, %d Hz)", h.InputPath, format.NumChannels, format.SampleRate)
	}

	c := &capture{
		file:      f,
		reader:    reader,
		format:    format,
		cfg:       cfg,
		framer:    audio.NewFramer(cfg.ChunkSamples),
		resampler: &audio.Resampler{Src: int(format.SampleRate), Dst: cfg.SampleRate},
		frames:    make(chan []float32, cfg.Buffer),
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go c.run()
	return c, nil
}

func (c *capture) run() {
	defer close(c.done)
	defer close(c.frames)

	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	perTick := uint32(audio.DurationSamples(tick, int(c.format.SampleRate)))
	silence := make([]float32, audio.DurationSamples(tick, c.cfg.SampleRate))
	eof := false

	for {
		select {
		case <-c.stop:
			return
		case <-ticker.C:
		}

		var block []float32
		if !eof {
			samples, err := c.reader.ReadSamples(perTick)
			if err != nil || len(samples) == 0 {
				// Read errors other than EOF end the file the same way;
				// the caller still gets a live (silent) microphone.
				eof = true
			}
			if len(samples) > 0 {
				block = c.resampler.Process(c.toMono(samples))
			}
		}
		if eof && block == nil {
			block = silence
		}
		c.framer.Push(block, c.emit)
	}
}

func (c *capture) emit(frame []float32) {
	select {
	case c.frames <- frame:
	default:
		if c.cfg.OnDrop != nil {
			c.cfg.OnDrop()
		}
	}
}

// toMono normalises raw sample values to [-1, 1] and averages the first two
// channels.
func (c *capture) toMono(samples []wav.Sample) []float32 {
	channels := int(min(c.format.NumChannels, 2))
	bits := int(c.format.BitsPerSample)
	interleaved := make([]float32, 0, len(samples)*channels)
	for _, s := range samples {
		for ch := range channels {
			interleaved = append(interleaved, normalise(s.Values[ch], bits))
		}
	}
	return audio.Downmix(interleaved, channels)
}

func normalise(v, bits int) float32 {
	if bits <= 8 {
		// 8-bit WAV is unsigned.
		return float32(v-128) / 128
	}
	return float32(v) / float32(int64(1)<<(bits-1))
}

func (c *capture) Frames() <-chan []float32 { return c.frames }

func (c *capture) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.stop)
		<-c.done
		err = c.file.Close()
	})
	return err
}

// ── Playback ──────────────────────────────────────────────────────────────────

type playback struct {
	tl   *timeline.Timeline
	path string

	mu       sync.Mutex
	rendered []int16

	stop      chan struct{}
	done      chan struct{}
	closeOnce sync.Once
	closeErr  error
}

// OpenPlayback implements [audio.Host].
func (h *Host) OpenPlayback(ctx context.Context, cfg audio.PlaybackConfig) (audio.Playback, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cfg = cfg.WithDefaults()
	if h.OutputPath != "" {
		// Fail early if the destination is not writable.
		f, err := os.Create(h.OutputPath)
		if err != nil {
			return nil, fmt.Errorf("wavfile: create %q: %w: %w", h.OutputPath, audio.ErrDeviceUnavailable, err)
		}
		f.Close()
	}

	p := &playback{
		tl:   timeline.New(cfg.SampleRate),
		path: h.OutputPath,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go p.run(time.Now())
	return p, nil
}

// run renders as many samples as wall-clock time has elapsed since start.
func (p *playback) run(start time.Time) {
	defer close(p.done)
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	rate := p.tl.SampleRate()
	for {
		select {
		case <-p.stop:
			return
		case <-ticker.C:
		}
		target := audio.DurationSamples(time.Since(start), rate)
		n := target - p.tl.Position()
		if n <= 0 {
			continue
		}
		block := make([]float32, n)
		p.tl.Render(block)
		if p.path != "" {
			pcm := audio.FloatToPCM16(block)
			p.mu.Lock()
			p.rendered = append(p.rendered, pcm...)
			p.mu.Unlock()
		}
	}
}

func (p *playback) Now() time.Duration { return p.tl.Now() }

func (p *playback) Schedule(samples []float32, at time.Duration, onEnded func()) audio.Voice {
	return p.tl.Schedule(samples, at, onEnded)
}

func (p *playback) Close() error {
	p.closeOnce.Do(func() {
		p.tl.Close()
		close(p.stop)
		<-p.done
		if p.path != "" {
			p.closeErr = p.flush()
		}
	})
	return p.closeErr
}

// flush writes the rendered audio as a 16-bit mono WAV file.
func (p *playback) flush() error {
	p.mu.Lock()
	pcm := p.rendered
	p.rendered = nil
	p.mu.Unlock()

	f, err := os.Create(p.path)
	if err != nil {
		return fmt.Errorf("wavfile: create %q: %w", p.path, err)
	}
	defer f.Close()

	samples := make([]wav.Sample, len(pcm))
	for i, s := range pcm {
		samples[i].Values[0] = int(s)
	}
	w := wav.NewWriter(f, uint32(len(samples)), 1, uint32(p.tl.SampleRate()), 16)
	if err := w.WriteSamples(samples); err != nil {
		return fmt.Errorf("wavfile: write %q: %w", p.path, err)
	}
	return nil
}
