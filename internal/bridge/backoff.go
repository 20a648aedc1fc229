package bridge

import (
	"math"
	"math/rand"
	"time"
)

// backoff paces reconnect attempts exponentially with jitter so a fleet of
// gateways does not hammer a recovering upstream in lockstep.
type backoff struct {
	base     time.Duration
	max      time.Duration
	attempts int
}

func newBackoff(base, max time.Duration) *backoff {
	if base <= 0 {
		base = time.Second
	}
	if max < base {
		max = 30 * time.Second
	}
	return &backoff{base: base, max: max}
}

// next returns the delay before the following attempt.
func (b *backoff) next() time.Duration {
	delay := time.Duration(float64(b.base) * math.Pow(2, float64(b.attempts)))
	if delay > b.max {
		delay = b.max
	}

	jitterRange := float64(delay) * 0.1
	delay += time.Duration((rand.Float64()*2 - 1) * jitterRange)
	if delay < b.base {
		delay = b.base
	}

	b.attempts++
	return delay
}

// reset starts the progression over after a successful connection.
func (b *backoff) reset() {
	b.attempts = 0
}
