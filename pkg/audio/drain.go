package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer must be allowed to run
// to completion but its output is no longer wanted (e.g. the frames of a
// capture stream that is being torn down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
