package audio

// Framer re-chunks arbitrarily sized device buffers into frames of exactly
// Size samples. Device callbacks rarely deliver the frame size the remote
// model expects, so capture backends push whatever the device hands them and
// forward only complete frames.
//
// A Framer is not safe for concurrent use; each capture stream owns one.
type Framer struct {
	size int
	buf  []float32
}

// NewFramer returns a Framer emitting frames of size samples. A non-positive
// size selects [CaptureChunkSamples].
func NewFramer(size int) *Framer {
	if size <= 0 {
		size = CaptureChunkSamples
	}
	return &Framer{size: size, buf: make([]float32, 0, size)}
}

// Size returns the frame length in samples.
func (f *Framer) Size() int { return f.size }

// Push appends samples and calls emit once for every completed frame, in
// order. The slice passed to emit is freshly allocated and owned by the
// callee.
func (f *Framer) Push(samples []float32, emit func([]float32)) {
	for len(samples) > 0 {
		n := min(f.size-len(f.buf), len(samples))
		f.buf = append(f.buf, samples[:n]...)
		samples = samples[n:]
		if len(f.buf) == f.size {
			frame := make([]float32, f.size)
			copy(frame, f.buf)
			f.buf = f.buf[:0]
			emit(frame)
		}
	}
}

// Pending returns the number of buffered samples not yet emitted.
func (f *Framer) Pending() int { return len(f.buf) }

// Reset discards buffered samples.
func (f *Framer) Reset() { f.buf = f.buf[:0] }
