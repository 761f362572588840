package queue

import (
	"math"
	"math/rand"
	"time"
)

// Backoff computes an exponential-with-full-jitter retry delay for the
// given attempt number: delay = random(0, min(cap, base*multiplier^attempt)).
func Backoff(opts Options, attempt int) time.Duration {
	opts.Normalize()
	if attempt < 0 {
		attempt = 0
	}
	capped := float64(opts.BackoffCap)
	raw := float64(opts.BackoffBase) * math.Pow(opts.BackoffMultiplier, float64(attempt))
	if raw > capped {
		raw = capped
	}
	if raw <= 0 {
		return 0
	}
	return time.Duration(rand.Int63n(int64(raw) + 1))
}
