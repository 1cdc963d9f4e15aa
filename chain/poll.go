package chain

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rotisserie/eris"
)

// DefaultPollRetries bounds how many times one failed receipt lookup is retried before polling gives up.
const DefaultPollRetries = 5

const DefaultPollInterval = time.Second

// FetchFunc looks up the current state of a transaction. done reports whether rec is terminal. Errors are treated
// as transient unless wrapped with backoff.Permanent.
type FetchFunc func(ctx context.Context) (rec *Receipt, done bool, err error)

// Poll calls fetch every interval until it reports a terminal receipt. Transient fetch errors are retried with
// bounded exponential backoff. When timeout elapses Poll returns a StatusTimedOut receipt and no error; when ctx is
// done it returns ctx's error.
func Poll(
	ctx context.Context, txID string, interval, timeout time.Duration, maxRetries uint64, fetch FetchFunc,
) (*Receipt, error) {
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	timedOut := func() (*Receipt, error) {
		if err := ctx.Err(); err != nil {
			return nil, eris.Wrapf(err, "stopped waiting for %s", txID)
		}
		return &Receipt{TxID: txID, Status: StatusTimedOut}, nil
	}

	for {
		var (
			rec  *Receipt
			done bool
		)
		op := func() error {
			var err error
			rec, done, err = fetch(pollCtx)
			return err
		}
		exp := backoff.NewExponentialBackOff()
		exp.InitialInterval = interval / 4
		exp.MaxInterval = interval * 4
		exp.MaxElapsedTime = timeout
		bo := backoff.WithContext(backoff.WithMaxRetries(exp, maxRetries), pollCtx)
		if err := backoff.Retry(op, bo); err != nil {
			if pollCtx.Err() != nil {
				return timedOut()
			}
			return nil, eris.Wrapf(err, "failed to poll %s", txID)
		}
		if done {
			return rec, nil
		}

		select {
		case <-pollCtx.Done():
			return timedOut()
		case <-ticker.C:
		}
	}
}
