package alerts

import "time"

// Backoff returns the retry delay before the given attempt number, doubling
// from base and capped at max. attempt is 1-based: the first retry after a
// failed initial send waits the base delay.
func Backoff(attempt int, base, max time.Duration) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	delay := base
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= max {
			return max
		}
	}

	if delay > max {
		return max
	}

	return delay
}
