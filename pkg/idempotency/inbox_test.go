package idempotency

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mapRepo map[string]*Entry

func (m mapRepo) Get(ctx context.Context, key string) (*Entry, error) {
	e, ok := m[key]
	if !ok {
		return nil, ErrNotFound
	}
	return e, nil
}

func (m mapRepo) Put(ctx context.Context, e *Entry) error {
	m[e.Key] = e
	return nil
}

func (m mapRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	var n int64
	for k, e := range m {
		if !e.ExpiresAt.After(now) {
			delete(m, k)
			n++
		}
	}
	return n, nil
}

func TestProcessRunsOnce(t *testing.T) {
	repo := mapRepo{}
	in := New(DefaultConfig(), nil)
	calls := 0
	fn := func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error) {
		calls++
		return json.RawMessage(`{"prescription_id":12}`), nil
	}

	first, err := in.Process(context.Background(), repo, "k1", "intake", nil, fn)
	require.NoError(t, err)
	assert.True(t, first.IsNew)

	second, err := in.Process(context.Background(), repo, "k1", "intake", nil, fn)
	require.NoError(t, err)
	assert.False(t, second.IsNew)
	assert.JSONEq(t, `{"prescription_id":12}`, string(second.Result))
	assert.Equal(t, 1, calls)
}

func TestProcessErrorLeavesNoRecord(t *testing.T) {
	repo := mapRepo{}
	in := New(DefaultConfig(), nil)
	boom := errors.New("stock")
	_, err := in.Process(context.Background(), repo, "k", "intake", nil, func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) {
		return nil, boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, repo)
}

func TestExpiredAndFailedEntries(t *testing.T) {
	now := time.Date(2026, 4, 1, 12, 0, 0, 0, time.UTC)
	repo := mapRepo{
		"old":    {Key: "old", Status: StatusFinished, ExpiresAt: now.Add(-time.Minute)},
		"failed": {Key: "failed", Status: StatusFailed, ExpiresAt: now.Add(time.Hour)},
	}
	in := New(DefaultConfig(), nil)
	in.now = func() time.Time { return now }
	ok := func(ctx context.Context, p json.RawMessage) (json.RawMessage, error) { return json.RawMessage(`1`), nil }

	res, err := in.Process(context.Background(), repo, "old", "intake", nil, ok)
	require.NoError(t, err)
	assert.True(t, res.IsNew, "expired keys are processed again")

	_, err = in.Process(context.Background(), repo, "failed", "intake", nil, ok)
	assert.ErrorIs(t, err, ErrPreviouslyFailed)
}

func TestGenerateKey(t *testing.T) {
	at := time.Date(2026, 4, 1, 12, 0, 10, 0, time.UTC)
	a := GenerateKey(at, "intake", "7", "42")
	assert.Equal(t, a, GenerateKey(at.Add(30*time.Second), "intake", "7", "42"))
	assert.NotEqual(t, a, GenerateKey(at.Add(time.Minute), "intake", "7", "42"))
	assert.NotEqual(t, a, GenerateKey(at, "intake", "7", "43"))
	assert.Len(t, a, 64)
}

func TestCleanupLoop(t *testing.T) {
	repo := mapRepo{"gone": {Key: "gone", ExpiresAt: time.Now().Add(-time.Hour)}}
	in := New(Config{CleanupInterval: 5 * time.Millisecond}, nil)
	ran := make(chan struct{}, 1)
	in.StartCleanup(func(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error {
		err := fn(ctx, repo)
		select {
		case ran <- struct{}{}:
		default:
		}
		return err
	})
	<-ran
	in.Stop()
	assert.Empty(t, repo)
}
