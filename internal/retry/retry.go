// Package retry runs an operation a bounded number of times with backoff.
package retry

import (
	"context"
	"fmt"
	"time"

	"github.com/user/sentinel/internal/errs"
	"github.com/user/sentinel/pkg/logger"
)

// Policy configures the attempt budget and wait between attempts.
type Policy struct {
	// Attempts is the total number of tries, including the first.
	Attempts int
	// Backoff is the wait after the first failure.
	Backoff time.Duration
	// MaxBackoff caps the wait. Zero means no cap.
	MaxBackoff time.Duration
	// Multiplier grows the wait after each failure.
	Multiplier float64
}

// DefaultPolicy makes three attempts, waiting 2s then 4s.
func DefaultPolicy() Policy {
	return Policy{
		Attempts:   3,
		Backoff:    2 * time.Second,
		MaxBackoff: 30 * time.Second,
		Multiplier: 2.0,
	}
}

// Do calls fn until it succeeds, returns a permanent error, the attempt
// budget runs out, or ctx is done. attempt starts at 1.
func (p Policy) Do(ctx context.Context, name string, fn func(ctx context.Context, attempt int) error) error {
	attempts := p.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		err := fn(ctx, attempt)
		if err == nil {
			if attempt > 1 {
				logger.Info().Str("task_id", name).Int("attempt", attempt).Msg("Succeeded after retry")
			}
			return nil
		}
		lastErr = err

		if errs.IsPermanent(err) {
			logger.Warn().Err(err).Str("task_id", name).Int("attempt", attempt).Msg("Permanent error, not retrying")
			return err
		}

		if ctx.Err() != nil {
			return fmt.Errorf("%s cancelled on attempt %d: %w", name, attempt, err)
		}

		logger.Warn().Err(err).
			Str("task_id", name).
			Int("attempt", attempt).
			Int("max_attempts", attempts).
			Msg("Attempt failed")

		if attempt == attempts {
			break
		}

		wait := p.backoff(attempt)
		if wait <= 0 {
			continue
		}
		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-ctx.Done():
			timer.Stop()
			return fmt.Errorf("%s cancelled while waiting to retry: %w", name, lastErr)
		}
	}

	return fmt.Errorf("%s failed after %d attempts: %w", name, attempts, lastErr)
}

func (p Policy) backoff(attempt int) time.Duration {
	wait := p.Backoff
	mult := p.Multiplier
	if mult < 1 {
		mult = 1
	}
	for i := 1; i < attempt; i++ {
		wait = time.Duration(float64(wait) * mult)
		if p.MaxBackoff > 0 && wait > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && wait > p.MaxBackoff {
		return p.MaxBackoff
	}
	return wait
}
