// Package retry implements the reconnect schedule shared by the push
// channels: one immediate retry, then jittered exponential backoff capped at
// a ceiling, optionally bounded by a maximum number of attempts.
package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	DefaultInitial = 500 * time.Millisecond
	DefaultCeiling = 30 * time.Second
)

// Policy yields successive reconnect delays. It is not safe for concurrent
// use; each reconnect loop owns its own Policy.
type Policy struct {
	exp         *backoff.ExponentialBackOff
	maxAttempts int
	attempt     int
}

// New creates a policy. Zero durations fall back to the defaults and
// maxAttempts <= 0 means retry forever.
func New(initial, ceiling time.Duration, maxAttempts int) *Policy {
	if initial <= 0 {
		initial = DefaultInitial
	}
	if ceiling <= 0 {
		ceiling = DefaultCeiling
	}
	if initial > ceiling {
		initial = ceiling
	}
	exp := backoff.NewExponentialBackOff()
	exp.InitialInterval = initial
	exp.MaxInterval = ceiling
	exp.Multiplier = 2
	exp.RandomizationFactor = 0.5
	exp.MaxElapsedTime = 0
	exp.Reset()
	return &Policy{exp: exp, maxAttempts: maxAttempts}
}

// Next returns the delay before the next attempt and false once the attempt
// budget is spent.
func (p *Policy) Next() (time.Duration, bool) {
	if p.maxAttempts > 0 && p.attempt >= p.maxAttempts {
		return 0, false
	}
	p.attempt++
	if p.attempt == 1 {
		return 0, true
	}
	d := p.exp.NextBackOff()
	if d == backoff.Stop || d > p.exp.MaxInterval {
		d = p.exp.MaxInterval
	}
	return d, true
}

// Attempt is the number of delays handed out since the last Reset.
func (p *Policy) Attempt() int { return p.attempt }

// Reset starts the schedule over, including the immediate first retry.
func (p *Policy) Reset() {
	p.attempt = 0
	p.exp.Reset()
}
