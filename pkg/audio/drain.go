package audio

// Drain discards values from ch until it is closed, so that an abandoned
// producer can finish and exit.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
