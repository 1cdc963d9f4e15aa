package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"gotest.tools/v3/assert"
)

func TestPollReturnsTerminalReceipt(t *testing.T) {
	calls := 0
	rec, err := Poll(context.Background(), "0xabc", time.Millisecond, time.Second, 3,
		func(context.Context) (*Receipt, bool, error) {
			calls++
			if calls < 3 {
				return nil, false, nil
			}
			return &Receipt{TxID: "0xabc", Status: StatusSuccess, Version: 9}, true, nil
		})
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, StatusSuccess)
	assert.Equal(t, rec.Version, uint64(9))
	assert.Equal(t, calls, 3)
}

func TestPollRetriesTransientErrors(t *testing.T) {
	calls := 0
	rec, err := Poll(context.Background(), "0xabc", time.Millisecond, time.Second, 3,
		func(context.Context) (*Receipt, bool, error) {
			calls++
			if calls == 1 {
				return nil, false, errors.New("connection reset")
			}
			return &Receipt{TxID: "0xabc", Status: StatusReverted}, true, nil
		})
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, StatusReverted)
	assert.Equal(t, calls, 2)
}

func TestPollSurfacesPermanentErrors(t *testing.T) {
	boom := errors.New("malformed response")
	calls := 0
	_, err := Poll(context.Background(), "0xabc", time.Millisecond, time.Second, 3,
		func(context.Context) (*Receipt, bool, error) {
			calls++
			return nil, false, backoff.Permanent(boom)
		})
	assert.Assert(t, errors.Is(err, boom))
	assert.Equal(t, calls, 1)
}

func TestPollTimesOutWithoutError(t *testing.T) {
	rec, err := Poll(context.Background(), "0xabc", time.Millisecond, 20*time.Millisecond, 3,
		func(context.Context) (*Receipt, bool, error) { return nil, false, nil })
	assert.NilError(t, err)
	assert.Equal(t, rec.Status, StatusTimedOut)
	assert.Equal(t, rec.TxID, "0xabc")
	assert.Assert(t, !rec.Terminal())
}

func TestPollStopsOnCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	_, err := Poll(ctx, "0xabc", time.Millisecond, time.Minute, 3,
		func(context.Context) (*Receipt, bool, error) {
			calls++
			if calls == 2 {
				cancel()
			}
			return nil, false, nil
		})
	assert.Assert(t, errors.Is(err, context.Canceled))
}
