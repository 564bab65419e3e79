package aggregator

import (
	"context"
	"errors"
	"strings"
	"time"
)

// RetryPolicy controls how failed store merges are retried with
// exponential backoff. Retries are per-event: one event exhausting its
// attempts never fails its batch siblings.
type RetryPolicy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	Multiplier   float64
	MaxDelay     time.Duration
}

// DefaultRetryPolicy returns the stock policy: 3 attempts, 100ms
// initial delay, 2x multiplier, 2s max delay.
func DefaultRetryPolicy() *RetryPolicy {
	return &RetryPolicy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     2 * time.Second,
	}
}

// ShouldRetry returns true if the error is transient and the attempt
// count (1-based) has not reached MaxAttempts.
func (p *RetryPolicy) ShouldRetry(err error, attempt int) bool {
	if attempt >= p.MaxAttempts {
		return false
	}
	return isTransient(err)
}

// Delay returns the backoff before the given (1-based) completed attempt
// is retried.
func (p *RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialDelay
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * p.Multiplier)
		if d >= p.MaxDelay {
			return p.MaxDelay
		}
	}
	if d > p.MaxDelay {
		return p.MaxDelay
	}
	return d
}

// isTransient classifies store errors. Timeouts, lost connections and
// serialization races are worth retrying; anything else (constraint
// violations, encoding bugs) is permanent and goes straight to the
// dead-letter channel.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}

	msg := strings.ToLower(err.Error())
	for _, probe := range []string{
		"timeout",
		"connection refused",
		"connection reset",
		"broken pipe",
		"deadlock",
		"too many clients",
		"temporarily unavailable",
		"lost too many races",
	} {
		if strings.Contains(msg, probe) {
			return true
		}
	}
	return false
}
