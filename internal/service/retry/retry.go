// Package retry is the single retry harness for transient stage failures.
//
// Only errors wrapping domain.ErrTransient are re-attempted; every other
// error kind (budget, validation, policy, terminal, integrity) is final at
// the stage boundary and returned immediately.
package retry

import (
	"context"
	"log/slog"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"github.com/subdigest/subdigest/internal/domain"
)

// Policy configures the exponential backoff applied between attempts.
type Policy struct {
	MaxAttempts int
	Base        float64
	Min         time.Duration
	Max         time.Duration
	// Jitter is the randomization factor applied to each interval.
	Jitter float64
}

// DefaultPolicy matches the pipeline-wide transient policy: 3 attempts,
// exponential base 2, intervals 2s..8s, +-20% jitter.
func DefaultPolicy() Policy {
	return Policy{MaxAttempts: 3, Base: 2.0, Min: 2 * time.Second, Max: 8 * time.Second, Jitter: 0.2}
}

// Do runs fn under the policy, retrying transient failures. The last error
// is returned after attempts are exhausted.
func Do(ctx context.Context, p Policy, op string, fn func(ctx context.Context) error) error {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = p.Min
	expo.MaxInterval = p.Max
	expo.Multiplier = p.Base
	expo.RandomizationFactor = p.Jitter
	expo.MaxElapsedTime = 0 // bounded by attempt count, not wall clock

	attempts := uint64(1)
	if p.MaxAttempts > 1 {
		attempts = uint64(p.MaxAttempts)
	}
	// backoff counts retries after the first attempt
	b := backoff.WithContext(backoff.WithMaxRetries(expo, attempts-1), ctx)

	attempt := 0
	return backoff.Retry(func() error {
		attempt++
		err := fn(ctx)
		if err == nil {
			return nil
		}
		if !domain.Retryable(err) {
			return backoff.Permanent(err)
		}
		slog.Warn("transient failure, will retry",
			slog.String("op", op),
			slog.Int("attempt", attempt),
			slog.Any("error", err))
		return err
	}, b)
}
