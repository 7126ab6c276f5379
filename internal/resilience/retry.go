package resilience

import (
	"context"
	"time"

	"github.com/sony/gobreaker"
)

const (
	// MaxAttempts is the initial attempt plus up to three retries.
	MaxAttempts = 4

	baseBackoff  = 100 * time.Millisecond
	totalBackoff = time.Second
)

// Retry runs fn up to MaxAttempts times with exponential backoff
// (100ms, 200ms, 400ms) capped at one second of sleeping total. Only
// transient errors are retried: fn reports retryability via the bool.
// Context cancellation aborts between attempts.
func Retry(ctx context.Context, fn func() (retryable bool, err error)) error {
	var slept time.Duration
	backoff := baseBackoff

	for attempt := 1; ; attempt++ {
		retryable, err := fn()
		if err == nil || !retryable || attempt >= MaxAttempts {
			return err
		}
		if slept+backoff > totalBackoff {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		slept += backoff
		backoff *= 2
	}
}

// NewBreaker builds the circuit breaker guarding a repository backend.
// Five consecutive failures open the circuit; it half-opens after ten
// seconds. isSuccessful decides which errors count against the breaker
// so that domain errors (validation, not-found, conflicts) never trip
// it; nil means every error counts.
func NewBreaker(name string, isSuccessful func(error) bool, onChange func(from, to gobreaker.State)) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        name,
		MaxRequests: 3,
		Timeout:     10 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: isSuccessful,
		OnStateChange: func(_ string, from, to gobreaker.State) {
			if onChange != nil {
				onChange(from, to)
			}
		},
	})
}
