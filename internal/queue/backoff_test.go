package queue_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/xynlabs/xyn/internal/queue"
)

func TestBackoffStaysWithinCap(t *testing.T) {
	opts := queue.Options{BackoffBase: time.Second, BackoffCap: 10 * time.Second, BackoffMultiplier: 2}
	for attempt := 0; attempt < 20; attempt++ {
		d := queue.Backoff(opts, attempt)
		assert.GreaterOrEqual(t, d, time.Duration(0))
		assert.LessOrEqual(t, d, opts.BackoffCap)
	}
}

func TestBackoffGrowsWithAttempt(t *testing.T) {
	opts := queue.Options{BackoffBase: time.Second, BackoffCap: time.Hour, BackoffMultiplier: 2}
	// full jitter makes individual draws noisy, so compare the ceiling instead
	// of the draw itself: attempt N's max possible delay must exceed attempt
	// N-1's, and every draw must stay within its attempt's ceiling.
	prevCeil := time.Duration(0)
	for attempt := 0; attempt < 6; attempt++ {
		ceil := opts.BackoffBase << attempt
		assert.Greater(t, ceil, prevCeil)
		prevCeil = ceil
		assert.LessOrEqual(t, queue.Backoff(opts, attempt), ceil)
	}
}

func TestBackoffNegativeAttemptTreatedAsZero(t *testing.T) {
	opts := queue.Options{BackoffBase: time.Second, BackoffCap: 10 * time.Second, BackoffMultiplier: 2}
	d := queue.Backoff(opts, -5)
	assert.LessOrEqual(t, d, time.Second)
}

func TestOptionsNormalizeFillsDefaults(t *testing.T) {
	var o queue.Options
	o.Normalize()
	assert.Equal(t, 60*time.Second, o.LeaseDuration)
	assert.Equal(t, 500*time.Millisecond, o.IdlePoll)
	assert.Equal(t, time.Second, o.BackoffBase)
	assert.Equal(t, 60*time.Second, o.BackoffCap)
	assert.Equal(t, 2.0, o.BackoffMultiplier)
}

func TestOptionsNormalizeLeavesExplicitValues(t *testing.T) {
	o := queue.Options{LeaseDuration: 5 * time.Second, BackoffMultiplier: 3}
	o.Normalize()
	assert.Equal(t, 5*time.Second, o.LeaseDuration)
	assert.Equal(t, 3.0, o.BackoffMultiplier)
}
