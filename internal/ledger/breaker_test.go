package ledger

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type flakyReader struct {
	Client
	err   error
	calls int
}

func (f *flakyReader) ReadState(context.Context, ReadCall) ([]any, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return []any{uint8(1)}, nil
}

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	inner := &flakyReader{Client: NewFakeClient(), err: errors.New("dial tcp: connection refused")}
	b := NewBreakerClient(inner, BreakerConfig{ConsecutiveFailures: 2, Timeout: time.Minute}, nil)

	for i := 0; i < 2; i++ {
		_, err := b.ReadState(context.Background(), ReadCall{})
		require.Error(t, err)
	}
	_, err := b.ReadState(context.Background(), ReadCall{})
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 2, inner.calls)
}

func TestBreakerIgnoresRevertedViews(t *testing.T) {
	inner := &flakyReader{Client: NewFakeClient(), err: errors.New("call getTransactionInfo: execution reverted")}
	b := NewBreakerClient(inner, BreakerConfig{ConsecutiveFailures: 2}, nil)

	for i := 0; i < 5; i++ {
		_, err := b.ReadState(context.Background(), ReadCall{})
		assert.NotErrorIs(t, err, gobreaker.ErrOpenState)
	}
	assert.Equal(t, 5, inner.calls)
}

func TestBreakerPassesSubmissionsThrough(t *testing.T) {
	fake := NewFakeClient()
	b := NewBreakerClient(fake, BreakerConfig{}, nil)

	h, err := b.SubmitCall(context.Background(), createCall())
	require.NoError(t, err)
	r, err := b.WaitForReceipt(context.Background(), h)
	require.NoError(t, err)
	assert.Equal(t, ReceiptSuccess, r.Status)
	assert.NoError(t, b.Ping(context.Background()))
}
