package reliability

import (
	"errors"
	"math"
	"time"
)

// ErrAttemptsExhausted is returned by ReconnectPolicy.Next once the configured
// attempt ceiling has been reached. The caller is expected to give up rather
// than keep retrying.
var ErrAttemptsExhausted = errors.New("reconnect attempts exhausted")

// ReconnectPolicy computes geometrically growing delays between connection
// attempts: delay(n) = base × multiplier^(n-1). There is no delay cap; the
// attempt ceiling is the only bound. The policy is not safe for concurrent use;
// the watcher drives it from a single loop.
type ReconnectPolicy struct {
	BaseDelay   time.Duration
	Multiplier  float64
	MaxAttempts int

	attempt int
}

func NewReconnectPolicy(base time.Duration, multiplier float64, maxAttempts int) *ReconnectPolicy {
	if base <= 0 {
		base = 5 * time.Second
	}
	if multiplier <= 1.0 {
		multiplier = 1.5
	}
	if maxAttempts <= 0 {
		maxAttempts = 10
	}
	return &ReconnectPolicy{
		BaseDelay:   base,
		Multiplier:  multiplier,
		MaxAttempts: maxAttempts,
	}
}

// Next records one more attempt and returns the delay to wait before it.
// Once MaxAttempts attempts have been handed out it returns
// ErrAttemptsExhausted instead of a delay.
func (p *ReconnectPolicy) Next() (time.Duration, error) {
	if p.attempt >= p.MaxAttempts {
		return 0, ErrAttemptsExhausted
	}
	p.attempt++
	return p.Delay(p.attempt), nil
}

// Delay returns the backoff delay for the given 1-based attempt number.
func (p *ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.BaseDelay) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// Attempt returns the number of attempts handed out since the last Reset.
func (p *ReconnectPolicy) Attempt() int {
	return p.attempt
}

// Reset clears the attempt counter. Called after every successful connection.
func (p *ReconnectPolicy) Reset() {
	p.attempt = 0
}
