package transport

import (
	"math/rand/v2"
	"time"
)

// backoff implements exponential backoff with jitter for registration retries.
type backoff struct {
	attempt   int
	baseDelay time.Duration
	maxDelay  time.Duration
}

func newBackoff(base, max time.Duration) *backoff {
	return &backoff{baseDelay: base, maxDelay: max}
}

// next returns the delay for the current attempt and advances.
func (b *backoff) next() time.Duration {
	d := b.current()
	b.attempt++
	return d
}

// current returns base*2^attempt with ±20% jitter, never above the ceiling.
func (b *backoff) current() time.Duration {
	d := b.baseDelay
	for i := 0; i < b.attempt; i++ {
		d *= 2
		if d > b.maxDelay {
			d = b.maxDelay
			break
		}
	}
	jitter := float64(d) * 0.2 * (2*rand.Float64() - 1)
	d += time.Duration(jitter)
	if d < 0 {
		d = b.baseDelay
	}
	if d > b.maxDelay {
		d = b.maxDelay
	}
	return d
}

func (b *backoff) reset() {
	b.attempt = 0
}
