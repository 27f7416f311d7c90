package reliability

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// ExhaustedError wraps the last failure after the retry budget is spent, so
// callers can tell "ran out of attempts" apart from "failed once and was not
// retryable".
type ExhaustedError struct {
	Attempts int
	Err      error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *ExhaustedError) Unwrap() error { return e.Err }

// RetryPolicy bounds an operation to maxAttempts tries with exponential
// backoff delays of baseDelay * 2^(attempt-1) between them.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	// AttemptTimeout bounds each individual try; zero means the caller's
	// context is the only bound.
	AttemptTimeout time.Duration
}

// Execute runs op until it succeeds, fails non-retryably, the attempt budget
// is spent, or ctx is canceled. Cancellation is checked between attempts;
// the in-flight attempt observes it through its own context. On exhaustion
// the last failure is returned wrapped in *ExhaustedError.
func (p RetryPolicy) Execute(ctx context.Context, op func(ctx context.Context) error, isRetryable func(error) bool) error {
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	if isRetryable == nil {
		isRetryable = IsRetryable
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.BaseDelay
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = p.BaseDelay << uint(maxAttempts)
	bo.MaxElapsedTime = 0

	attempt := 0
	run := func() error {
		attempt++
		attemptCtx := ctx
		if p.AttemptTimeout > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, p.AttemptTimeout)
			defer cancel()
		}
		err := op(attemptCtx)
		if err == nil {
			return nil
		}
		if !isRetryable(err) {
			return backoff.Permanent(err)
		}
		if attempt >= maxAttempts {
			return backoff.Permanent(&ExhaustedError{Attempts: attempt, Err: err})
		}
		return err
	}

	err := backoff.Retry(run, backoff.WithContext(bo, ctx))
	if err != nil {
		return withRetryCount(err, attempt-1)
	}
	return nil
}

// withRetryCount annotates a classified failure with the number of retries
// spent on it. The op's error value is never written to; annotation works on
// a copy so callers holding the original see it unchanged.
func withRetryCount(err error, retries int) error {
	var ex *ExhaustedError
	if errors.As(err, &ex) {
		if ve, ok := ex.Err.(*Error); ok {
			c := *ve
			c.RetryCount = retries
			return &ExhaustedError{Attempts: ex.Attempts, Err: &c}
		}
		return err
	}
	if ve, ok := err.(*Error); ok {
		c := *ve
		c.RetryCount = retries
		return &c
	}
	return err
}
