package audio

import (
	"encoding/base64"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"time"
)

const (
	// InputSampleRate is the microphone capture rate sent to the remote model.
	InputSampleRate = 16000

	// OutputSampleRate is the rate of synthesised speech returned by the model.
	OutputSampleRate = 24000

	// CaptureChunkSamples is the number of samples per outbound realtime frame.
	CaptureChunkSamples = 4096

	// InputMIMEType tags outbound realtime audio frames.
	InputMIMEType = "audio/pcm;rate=16000"
)

// ErrEmptyPayload is returned by [DecodeFrame] when the payload decodes to zero
// samples.
var ErrEmptyPayload = errors.New("audio: empty payload")

// FloatToPCM16 converts float samples in [-1, 1] to signed 16-bit PCM by scaling
// by 32768 and truncating toward zero. Values outside the int16 range are
// clamped, so 1.0 maps to 32767. NaN maps to 0.
func FloatToPCM16(samples []float32) []int16 {
	out := make([]int16, len(samples))
	for i, s := range samples {
		v := float64(s) * 32768
		switch {
		case math.IsNaN(v):
			out[i] = 0
		case v >= math.MaxInt16:
			out[i] = math.MaxInt16
		case v <= math.MinInt16:
			out[i] = math.MinInt16
		default:
			out[i] = int16(v)
		}
	}
	return out
}

// PCM16ToFloat converts signed 16-bit PCM to float samples by dividing by 32768.
func PCM16ToFloat(pcm []int16) []float32 {
	out := make([]float32, len(pcm))
	for i, s := range pcm {
		out[i] = float32(s) / 32768
	}
	return out
}

// EncodePCM16 serialises samples as little-endian bytes.
func EncodePCM16(pcm []int16) []byte {
	buf := make([]byte, len(pcm)*2)
	for i, s := range pcm {
		binary.LittleEndian.PutUint16(buf[i*2:], uint16(s))
	}
	return buf
}

// DecodePCM16 parses little-endian 16-bit samples. The input length must be
// even.
func DecodePCM16(b []byte) ([]int16, error) {
	if len(b)%2 != 0 {
		return nil, fmt.Errorf("audio: odd PCM16 byte count %d", len(b))
	}
	pcm := make([]int16, len(b)/2)
	for i := range pcm {
		pcm[i] = int16(binary.LittleEndian.Uint16(b[i*2:]))
	}
	return pcm, nil
}

// EncodeFrame converts float samples to PCM16 and returns the base64 encoding
// of the little-endian bytes, ready to be sent as a realtime input frame.
func EncodeFrame(samples []float32) string {
	return base64.StdEncoding.EncodeToString(EncodePCM16(FloatToPCM16(samples)))
}

// DecodeFrame decodes a base64 PCM16 payload into float samples.
func DecodeFrame(data string) ([]float32, error) {
	raw, err := base64.StdEncoding.DecodeString(data)
	if err != nil {
		return nil, fmt.Errorf("audio: decode base64: %w", err)
	}
	pcm, err := DecodePCM16(raw)
	if err != nil {
		return nil, err
	}
	if len(pcm) == 0 {
		return nil, ErrEmptyPayload
	}
	return PCM16ToFloat(pcm), nil
}

// SamplesDuration returns the playing time of n samples at rate, rounded up to
// the next nanosecond so that consecutive buffers placed end to end never
// overlap by a sample.
func SamplesDuration(n int64, rate int) time.Duration {
	if rate <= 0 || n <= 0 {
		return 0
	}
	ns := (n*int64(time.Second) + int64(rate) - 1) / int64(rate)
	return time.Duration(ns)
}

// DurationSamples returns the sample index nearest to d. It inverts
// [SamplesDuration] exactly, also for sums of many durations, so buffers
// placed end to end in the time domain land end to end in samples.
func DurationSamples(d time.Duration, rate int) int64 {
	if rate <= 0 || d <= 0 {
		return 0
	}
	return (int64(d)*int64(rate) + int64(time.Second)/2) / int64(time.Second)
}
