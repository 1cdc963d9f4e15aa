package txengine

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"

	"pkg.world.dev/world-engine/crossvm/chain"
)

// RetryPolicy bounds caller-side retries. Every attempt rebuilds the transaction so the sequence number is
// re-resolved; a rejected or timed out transaction is never resubmitted as is.
type RetryPolicy struct {
	MaxAttempts uint64
	// RetryTimedOut also retries executions that timed out. The timed out transaction may still land, so only
	// enable this for idempotent calls.
	RetryTimedOut bool
	Interval      time.Duration
}

func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{MaxAttempts: 3, Interval: time.Second}
}

// BuildFunc produces the request for an attempt, starting at 0.
type BuildFunc func(ctx context.Context, attempt int) (Request, error)

// Retry executes the request returned by build until it succeeds, fails with a non retryable error, or runs out of
// attempts. Submission rejections are retryable.
func Retry(ctx context.Context, e *Engine, p RetryPolicy, build BuildFunc) (*Execution, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 1
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = p.Interval
	bo.MaxElapsedTime = 0

	var (
		exec    *Execution
		attempt int
	)
	err := backoff.Retry(func() error {
		n := attempt
		attempt++
		req, err := build(ctx, n)
		if err != nil {
			return backoff.Permanent(eris.Wrapf(err, "failed to build attempt %d", n))
		}
		exec, err = e.Execute(ctx, req)
		if err == nil {
			return nil
		}
		retryable := errors.Is(err, chain.ErrSubmissionRejected) || (p.RetryTimedOut && errors.Is(err, chain.ErrTimedOut))
		if !retryable || ctx.Err() != nil {
			return backoff.Permanent(err)
		}
		e.logger.Warn().Err(err).Int("attempt", n).Msg("execution failed, rebuilding")
		return err
	}, backoff.WithContext(backoff.WithMaxRetries(bo, p.MaxAttempts-1), ctx))
	return exec, err
}
