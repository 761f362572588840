// Package queue implements the claim/renew/reclaim/complete/fail/retry/cancel
// protocol over the store: a thin coordinator in front of the store's
// row-locked claim and lease primitives.
package queue

import "time"

// Options controls lease duration and retry backoff parameters. Normalize
// fills zero-valued fields with defaults so call sites never need their
// own `if x == 0 { x = default }` checks.
type Options struct {
	LeaseDuration time.Duration
	IdlePoll      time.Duration

	BackoffBase       time.Duration
	BackoffCap        time.Duration
	BackoffMultiplier float64
}

// Normalize fills zero-valued fields with the retry defaults: base 1s,
// cap 60s, multiplier 2, full jitter.
func (o *Options) Normalize() {
	if o == nil {
		return
	}
	if o.LeaseDuration <= 0 {
		o.LeaseDuration = 60 * time.Second
	}
	if o.IdlePoll <= 0 {
		o.IdlePoll = 500 * time.Millisecond
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = 60 * time.Second
	}
	if o.BackoffMultiplier <= 0 {
		o.BackoffMultiplier = 2
	}
}
