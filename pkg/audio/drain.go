package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Use this to prevent goroutine leaks when a producer may still be sending on
// a streaming channel nobody reads any more (e.g., a transport event stream
// after its session was torn down).
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
