package reliability

import (
	"context"
	"math"
	"math/rand"
	"strings"
	"time"
)

// RetryConfig holds configuration for retry operations.
type RetryConfig struct {
	MaxAttempts   int
	InitialDelay  time.Duration
	MaxDelay      time.Duration
	BackoffFactor float64
	Jitter        bool
}

// DefaultRetryConfig returns sensible defaults for short-lived operations
// such as publishing a single alert.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts:   3,
		InitialDelay:  250 * time.Millisecond,
		MaxDelay:      10 * time.Second,
		BackoffFactor: 2.0,
		Jitter:        true,
	}
}

// RetryWithBackoff runs fn up to config.MaxAttempts times, sleeping with
// exponential backoff between attempts. Errors categorized as permanent or
// authentication failures abort immediately.
func RetryWithBackoff(ctx context.Context, config RetryConfig, fn func() error) error {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.InitialDelay <= 0 {
		config.InitialDelay = 100 * time.Millisecond
	}
	if config.MaxDelay < config.InitialDelay {
		config.MaxDelay = config.InitialDelay
	}
	if config.BackoffFactor <= 1.0 {
		config.BackoffFactor = 2.0
	}

	var lastErr error
	for attempt := 0; attempt < config.MaxAttempts; attempt++ {
		err := fn()
		if err == nil {
			return nil
		}
		lastErr = err

		if attempt == config.MaxAttempts-1 {
			break
		}
		if !ShouldRetry(err) {
			return err
		}
		select {
		case <-time.After(config.delay(attempt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return lastErr
}

func (c RetryConfig) delay(attempt int) time.Duration {
	d := float64(c.InitialDelay) * math.Pow(c.BackoffFactor, float64(attempt))
	if d > float64(c.MaxDelay) {
		d = float64(c.MaxDelay)
	}
	if c.Jitter {
		// Up to 25% extra, still bounded by MaxDelay.
		d += rand.Float64() * d * 0.25
		if d > float64(c.MaxDelay) {
			d = float64(c.MaxDelay)
		}
	}
	return time.Duration(d)
}

// ErrorCategory classifies errors for retry and reconnect decisions.
type ErrorCategory int

const (
	ErrorTemporary ErrorCategory = iota
	ErrorPermanent
	ErrorAuthentication
	ErrorNetwork
	ErrorTimeout
)

func (c ErrorCategory) String() string {
	switch c {
	case ErrorPermanent:
		return "permanent"
	case ErrorAuthentication:
		return "authentication"
	case ErrorNetwork:
		return "network"
	case ErrorTimeout:
		return "timeout"
	default:
		return "temporary"
	}
}

var (
	authPatterns = []string{
		"authentication failed",
		"authenticationfailed",
		"login failed",
		"invalid credentials",
		"bad credentials",
		"access denied",
		"unauthorized",
	}
	networkPatterns = []string{
		"connection refused",
		"connection reset",
		"network unreachable",
		"host unreachable",
		"no such host",
		"broken pipe",
		"connection lost",
		"use of closed network connection",
		"unexpected eof",
		"eof",
	}
	timeoutPatterns = []string{
		"timeout",
		"i/o timeout",
		"deadline exceeded",
	}
	permanentPatterns = []string{
		"mailbox does not exist",
		"no mailbox",
		"invalid mailbox",
		"permission denied",
		"quota exceeded",
	}
)

// CategorizeError determines the category of an error for appropriate handling.
// Classification is by message because the underlying IMAP and MQTT clients
// return plain wrapped errors for server responses.
func CategorizeError(err error) ErrorCategory {
	if err == nil {
		return ErrorTemporary
	}
	msg := strings.ToLower(err.Error())

	for _, p := range authPatterns {
		if strings.Contains(msg, p) {
			return ErrorAuthentication
		}
	}
	for _, p := range permanentPatterns {
		if strings.Contains(msg, p) {
			return ErrorPermanent
		}
	}
	for _, p := range timeoutPatterns {
		if strings.Contains(msg, p) {
			return ErrorTimeout
		}
	}
	for _, p := range networkPatterns {
		if strings.Contains(msg, p) {
			return ErrorNetwork
		}
	}
	return ErrorTemporary
}

// ShouldRetry reports whether an error is worth retrying.
func ShouldRetry(err error) bool {
	switch CategorizeError(err) {
	case ErrorTemporary, ErrorNetwork, ErrorTimeout:
		return true
	default:
		return false
	}
}

// IsHardNetworkError reports whether the error indicates a dead connection
// that requires a full reconnect rather than a command retry.
func IsHardNetworkError(err error) bool {
	if err == nil {
		return false
	}
	s := strings.ToLower(err.Error())
	return strings.Contains(s, "use of closed network connection") ||
		strings.Contains(s, "connection reset by peer") ||
		strings.Contains(s, "broken pipe") ||
		strings.Contains(s, "unexpected eof") ||
		strings.Contains(s, "eof") ||
		strings.Contains(s, "i/o timeout")
}
