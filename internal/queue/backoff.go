package queue

import (
	"math/rand"
	"time"
)

// backoffDelay computes the exponential-with-jitter retry delay for the
// given attempt number (1-indexed), capped at backoffCap. There's no
// dedicated backoff library in the retrieved stack for this; the formula is
// a dozen lines and not worth a dependency.
func backoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	base := time.Second << uint(attempt-1) // 1s, 2s, 4s, 8s, 16s...
	if base > backoffCap {
		base = backoffCap
	}

	jitter := time.Duration(rand.Int63n(int64(base) / 2))
	delay := base/2 + jitter
	if delay > backoffCap {
		delay = backoffCap
	}
	return delay
}
