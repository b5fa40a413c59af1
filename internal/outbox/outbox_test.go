package outbox_test

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-rxfill/internal/outbox"
	"github.com/drfirst/go-rxfill/internal/store"
	"github.com/drfirst/go-rxfill/internal/store/memstore"
)

type message struct {
	topic, key string
	value      []byte
}

type recordingPublisher struct {
	mu   sync.Mutex
	sent []message
	fail map[string]bool
}

func (p *recordingPublisher) Publish(ctx context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[key] {
		return errors.New("broker unavailable")
	}
	p.sent = append(p.sent, message{topic: topic, key: key, value: value})
	return nil
}

func seed(t *testing.T, st *memstore.Store, keys ...string) {
	t.Helper()
	err := st.WithTx(context.Background(), func(ctx context.Context, tx store.Tx) error {
		for _, k := range keys {
			if err := outbox.Write(ctx, tx.Outbox(), outbox.TopicAuditTrail, k, "prescription", k, "status_changed", []byte(`{"id":"`+k+`"}`)); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestProcessBatchPublishesAndMarks(t *testing.T) {
	st := memstore.New()
	seed(t, st, "1", "2")
	pub := &recordingPublisher{}
	relay := outbox.NewRelay(store.OutboxRunner(st), pub, outbox.DefaultConfig(), nil)

	n, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	require.Len(t, pub.sent, 2)
	assert.Equal(t, outbox.TopicAuditTrail, pub.sent[0].topic)

	for _, e := range st.OutboxEntries() {
		assert.NotNil(t, e.ProcessedAt)
	}

	n, err = relay.ProcessBatch(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n, "processed entries are not republished")
}

func TestFailedEntriesMoveToDeadLetter(t *testing.T) {
	st := memstore.New()
	seed(t, st, "ok", "bad")
	pub := &recordingPublisher{fail: map[string]bool{"bad": true}}
	cfg := outbox.DefaultConfig()
	cfg.MaxRetries = 2
	relay := outbox.NewRelay(store.OutboxRunner(st), pub, cfg, nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := relay.ProcessBatch(ctx)
		require.NoError(t, err)
	}
	entries := st.OutboxEntries()
	require.Len(t, entries, 2)
	assert.Equal(t, 2, entries[1].RetryCount)
	require.NotNil(t, entries[1].LastError)
	assert.Nil(t, entries[1].ProcessedAt)

	pub.fail = nil
	moved, err := relay.MoveToDeadLetter(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), moved)

	last := pub.sent[len(pub.sent)-1]
	assert.Equal(t, outbox.TopicDeadLetter, last.topic)
	var dl map[string]interface{}
	require.NoError(t, json.Unmarshal(last.value, &dl))
	assert.Equal(t, outbox.TopicAuditTrail, dl["original_topic"])
	assert.EqualValues(t, 2, dl["retry_count"])
	assert.NotNil(t, st.OutboxEntries()[1].ProcessedAt)
}

func TestCleanupKeepsRecentEntries(t *testing.T) {
	st := memstore.New()
	seed(t, st, "1")
	relay := outbox.NewRelay(store.OutboxRunner(st), &recordingPublisher{}, outbox.DefaultConfig(), nil)
	_, err := relay.ProcessBatch(context.Background())
	require.NoError(t, err)

	n, err := relay.CleanupProcessed(context.Background())
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.Len(t, st.OutboxEntries(), 1)
}
