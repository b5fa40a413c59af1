package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errRemote = errors.New("remote failure")

func failing(ctx context.Context) (interface{}, error) { return nil, errRemote }

func TestBreakerOpensAfterConsecutiveFailures(t *testing.T) {
	var changes []State
	cfg := DefaultConfig("test")
	cfg.ConsecutiveFailures = 3
	cfg.Timeout = time.Hour
	cfg.OnStateChange = func(name string, from, to State) { changes = append(changes, to) }
	cb, err := New(cfg, nil)
	require.NoError(t, err)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := cb.Execute(ctx, failing)
		assert.ErrorIs(t, err, errRemote)
	}
	assert.Equal(t, StateOpen, cb.State())
	assert.Equal(t, []State{StateOpen}, changes)

	_, err = cb.Execute(ctx, func(ctx context.Context) (interface{}, error) { return "ok", nil })
	assert.ErrorIs(t, err, ErrOpen)
}

func TestCancelledCallsDoNotTrip(t *testing.T) {
	cfg := DefaultConfig("cancel")
	cfg.ConsecutiveFailures = 1
	cb, err := New(cfg, nil)
	require.NoError(t, err)

	_, err = cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return nil, context.Canceled
	})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, StateClosed, cb.State())
}

func TestDo(t *testing.T) {
	cb, err := New(DefaultConfig("typed"), nil)
	require.NoError(t, err)

	n, err := Do(context.Background(), cb, func(ctx context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}
