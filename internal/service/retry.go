package service

import (
	"context"
	"log"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/cloo-solutions/bookrag/internal/domain"
)

// RetryPolicy is the exponential schedule for transient generation failures.
// MaxRetries counts retries after the first attempt.
type RetryPolicy struct {
	MaxRetries      int
	InitialInterval time.Duration
	Multiplier      float64
	MaxInterval     time.Duration
}

// DefaultRetryPolicy waits 1s, 2s and 4s between attempts.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:      3,
		InitialInterval: time.Second,
		Multiplier:      2,
		MaxInterval:     30 * time.Second,
	}
}

func (p RetryPolicy) backOff(ctx context.Context) backoff.BackOffContext {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = 0
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Reset()

	retries := p.MaxRetries
	if retries < 0 {
		retries = 0
	}
	return backoff.WithContext(backoff.WithMaxRetries(b, uint64(retries)), ctx)
}

// generateWithRetry calls gen until it succeeds, fails permanently or the
// policy runs out. Exhausted retries surface as ErrServiceUnavailable; a
// cancelled context returns its own error.
func generateWithRetry(
	ctx context.Context,
	gen Generator,
	prompt string,
	timeout time.Duration,
	policy RetryPolicy,
	timer backoff.Timer,
) (string, int, error) {
	var text string
	attempts := 0

	op := func() error {
		attempts++
		out, err := gen.Generate(ctx, prompt, timeout)
		if err == nil {
			text = out
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return backoff.Permanent(ctxErr)
		}
		if !domain.IsRetryableGeneration(err) {
			return backoff.Permanent(err)
		}
		return err
	}
	notify := func(err error, wait time.Duration) {
		log.Printf("generation: attempt %d failed (%v), retrying in %s", attempts, err, wait)
	}

	err := backoff.RetryNotifyWithTimer(op, policy.backOff(ctx), notify, timer)
	if err == nil {
		return text, attempts, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", attempts, ctxErr
	}
	if domain.IsRetryableGeneration(err) {
		return "", attempts, domain.ErrServiceUnavailable.WithCause(err)
	}
	return "", attempts, err
}
