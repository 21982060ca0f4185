package conn

import (
	"context"
	"time"
)

// RetryPolicy is a bounded exponential backoff.
type RetryPolicy struct {
	// MaxAttempts counts the first try; values below 1 mean 1.
	MaxAttempts int
	// InitialBackoff is the wait after the first failure; each retry doubles it up to MaxBackoff.
	InitialBackoff time.Duration
	MaxBackoff     time.Duration

	// Sleep waits between attempts; nil uses a context-aware timer.
	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultSQLPolicy applies to every SQL round trip.
func DefaultSQLPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, InitialBackoff: time.Second, MaxBackoff: 30 * time.Second}
}

// DefaultBulkPolicy wraps staging creation plus the bcp import.
func DefaultBulkPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 5, InitialBackoff: time.Second, MaxBackoff: time.Minute}
}

func (p RetryPolicy) attempts() int {
	if p.MaxAttempts < 1 {
		return 1
	}
	return p.MaxAttempts
}

// Backoff returns the wait before retry n (0-based), clamped to MaxBackoff.
func (p RetryPolicy) Backoff(n int) time.Duration {
	initial, max := p.InitialBackoff, p.MaxBackoff
	if max <= 0 {
		max = initial
	}
	if n <= 0 {
		if initial > max {
			return max
		}
		return initial
	}
	d := initial << n
	if d > max || d <= 0 {
		return max
	}
	return d
}

// Do calls fn until it succeeds, returns an error shouldRetry rejects, or the
// attempts are exhausted. fn receives the 1-based attempt number.
// The returned int is the number of attempts made.
func (p RetryPolicy) Do(ctx context.Context, shouldRetry func(error) bool, fn func(attempt int) error) (int, error) {
	var err error
	max := p.attempts()
	for attempt := 1; attempt <= max; attempt++ {
		if err = fn(attempt); err == nil {
			return attempt, nil
		}
		if !shouldRetry(err) || attempt == max {
			return attempt, err
		}
		if serr := p.sleep(ctx, p.Backoff(attempt-1)); serr != nil {
			return attempt, err
		}
	}
	return max, err
}

func (p RetryPolicy) sleep(ctx context.Context, d time.Duration) error {
	if p.Sleep != nil {
		return p.Sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
