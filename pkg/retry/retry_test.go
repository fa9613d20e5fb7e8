package retry

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fastPolicy() Policy {
	return Policy{First: time.Millisecond, Cap: 4 * time.Millisecond, Growth: 2, Tries: 4}
}

func TestWithRetryEventualSuccess(t *testing.T) {
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		if calls < 3 {
			return errors.New("transient")
		}
		return nil
	}, fastPolicy())

	require.NoError(t, err)
	assert.Equal(t, 3, calls)
}

func TestWithRetryExhausted(t *testing.T) {
	sentinel := errors.New("still broken")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return sentinel
	}, fastPolicy())

	assert.ErrorIs(t, err, sentinel)
	assert.Equal(t, 4, calls)
}

func TestWithRetryStopEndsImmediately(t *testing.T) {
	sentinel := errors.New("bad credentials")
	calls := 0
	err := WithRetry(context.Background(), func() error {
		calls++
		return Stop(sentinel)
	}, fastPolicy())

	assert.Equal(t, sentinel, err)
	assert.Equal(t, 1, calls)
}

func TestWithRetryContextCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	calls := 0
	err := WithRetry(ctx, func() error {
		calls++
		return errors.New("transient")
	}, Policy{First: time.Hour, Cap: time.Hour, Growth: 2, Tries: 3})

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, calls)
}

func TestPolicyDelayGrowsToCap(t *testing.T) {
	p := Policy{First: time.Second, Cap: 4 * time.Second, Growth: 2, Tries: 10}

	assert.Equal(t, time.Second, p.delay(1))
	assert.Equal(t, 2*time.Second, p.delay(2))
	assert.Equal(t, 4*time.Second, p.delay(3))
	assert.Equal(t, 4*time.Second, p.delay(7))
}
