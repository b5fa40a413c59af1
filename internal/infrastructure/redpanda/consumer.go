package redpanda

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/observability/metrics"
)

// ConsumerConfig configures a consumer group member
type ConsumerConfig struct {
	Brokers []string
	GroupID string
	Topics  []string

	SessionTimeout    time.Duration
	HeartbeatInterval time.Duration
	// MaxPollRecords bounds how many records are handled between commits
	MaxPollRecords int
	// FromLatest skips the backlog when the group has no committed offset
	FromLatest bool
	// RetryBackoff is the pause before a failed record is fetched again
	RetryBackoff time.Duration
}

// DefaultConsumerConfig returns defaults for the genomics import consumer
func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Brokers:           []string{"localhost:9092"},
		GroupID:           "rxfill-genomics",
		Topics:            []string{TopicGenomicsImport},
		SessionTimeout:    45 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		MaxPollRecords:    100,
		RetryBackoff:      2 * time.Second,
	}
}

// Handler processes one record. A record is marked for commit only when the
// handler returns nil. An error stops its partition and the record is fetched
// again after a backoff, so handlers dead-letter what they cannot retry.
type Handler func(ctx context.Context, rec *Record) error

// Record is a consumed message detached from the client
type Record struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

func newRecord(r *kgo.Record) *Record {
	rec := &Record{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Timestamp: r.Timestamp,
		Headers:   make(map[string]string, len(r.Headers)),
	}
	for _, h := range r.Headers {
		rec.Headers[h.Key] = string(h.Value)
	}
	return rec
}

// Consumer polls a group and commits handled records once per poll
type Consumer struct {
	client  *kgo.Client
	handler Handler
	maxPoll int
	backoff time.Duration
	logger  *zap.Logger
	tracer  trace.Tracer

	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once

	read   atomic.Int64
	failed atomic.Int64
}

// NewConsumer joins the group described by cfg
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger) (*Consumer, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if handler == nil {
		return nil, errors.New("redpanda: consumer handler is required")
	}
	def := DefaultConsumerConfig()
	if cfg.MaxPollRecords <= 0 {
		cfg.MaxPollRecords = def.MaxPollRecords
	}
	if cfg.RetryBackoff <= 0 {
		cfg.RetryBackoff = def.RetryBackoff
	}

	reset := kgo.NewOffset().AtStart()
	if cfg.FromLatest {
		reset = kgo.NewOffset().AtEnd()
	}
	client, err := kgo.NewClient(
		kgo.SeedBrokers(cfg.Brokers...),
		kgo.ConsumerGroup(cfg.GroupID),
		kgo.ConsumeTopics(cfg.Topics...),
		kgo.ConsumeResetOffset(reset),
		kgo.SessionTimeout(cfg.SessionTimeout),
		kgo.HeartbeatInterval(cfg.HeartbeatInterval),
		kgo.AutoCommitMarks(),
		kgo.OnPartitionsAssigned(func(_ context.Context, _ *kgo.Client, m map[string][]int32) {
			logger.Info("partitions assigned", zap.Any("partitions", m))
		}),
		kgo.OnPartitionsRevoked(func(_ context.Context, _ *kgo.Client, m map[string][]int32) {
			logger.Info("partitions revoked", zap.Any("partitions", m))
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("create consumer client: %w", err)
	}

	return &Consumer{
		client:  client,
		handler: handler,
		maxPoll: cfg.MaxPollRecords,
		backoff: cfg.RetryBackoff,
		logger:  logger,
		tracer:  otel.Tracer("redpanda-consumer"),
		done:    make(chan struct{}),
	}, nil
}

// Start runs the poll loop in the background
func (c *Consumer) Start() {
	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(ctx)
}

// Stop ends the poll loop, commits what was handled and leaves the group
func (c *Consumer) Stop() error {
	var err error
	c.once.Do(func() {
		if c.cancel != nil {
			c.cancel()
			<-c.done
		}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if cerr := c.client.CommitMarkedOffsets(ctx); cerr != nil {
			err = fmt.Errorf("commit offsets on stop: %w", cerr)
		}
		c.client.Close()
	})
	return err
}

func (c *Consumer) run(ctx context.Context) {
	defer close(c.done)
	for ctx.Err() == nil {
		fetches := c.client.PollRecords(ctx, c.maxPoll)
		if fetches.IsClientClosed() {
			return
		}
		fetches.EachError(func(topic string, partition int32, err error) {
			if errors.Is(err, context.Canceled) {
				return
			}
			c.failed.Add(1)
			c.logger.Error("fetch failed",
				zap.String("topic", topic), zap.Int32("partition", partition), zap.Error(err))
		})

		handled, rewind := handleBatch(fetches.Records(), func(r *kgo.Record) bool { return c.handle(ctx, r) })
		if len(handled) > 0 {
			c.client.MarkCommitRecords(handled...)
			if err := c.client.CommitMarkedOffsets(ctx); err != nil && !errors.Is(err, context.Canceled) {
				c.logger.Error("commit failed", zap.Int("records", len(handled)), zap.Error(err))
			}
		}
		if len(rewind) == 0 {
			continue
		}
		c.client.SetOffsets(rewind)
		select {
		case <-ctx.Done():
		case <-time.After(c.backoff):
		}
	}
}

// handleBatch handles records in order. Once a record fails, the rest of its
// partition is left untouched and the failed offset is returned in rewind so
// it is fetched again.
func handleBatch(records []*kgo.Record, handle func(*kgo.Record) bool) (handled []*kgo.Record, rewind map[string]map[int32]kgo.EpochOffset) {
	for _, r := range records {
		if _, blocked := rewind[r.Topic][r.Partition]; blocked {
			continue
		}
		if handle(r) {
			handled = append(handled, r)
			continue
		}
		if rewind == nil {
			rewind = map[string]map[int32]kgo.EpochOffset{}
		}
		if rewind[r.Topic] == nil {
			rewind[r.Topic] = map[int32]kgo.EpochOffset{}
		}
		rewind[r.Topic][r.Partition] = kgo.EpochOffset{Epoch: r.LeaderEpoch, Offset: r.Offset}
	}
	return handled, rewind
}

func (c *Consumer) handle(ctx context.Context, r *kgo.Record) bool {
	ctx, span := c.tracer.Start(extractTraceContext(ctx, r), "redpanda.consume",
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("topic", r.Topic),
			attribute.Int64("partition", int64(r.Partition)),
			attribute.Int64("offset", r.Offset),
		))
	defer span.End()

	if err := c.handler(ctx, newRecord(r)); err != nil {
		span.RecordError(err)
		c.failed.Add(1)
		c.logger.Error("record not handled",
			zap.String("topic", r.Topic),
			zap.Int32("partition", r.Partition),
			zap.Int64("offset", r.Offset),
			zap.Error(err))
		return false
	}
	c.read.Add(1)
	metrics.KafkaMessagesConsumed.Inc()
	return true
}

// ConsumerStats counts handled and failed records
type ConsumerStats struct {
	MessagesRead int64
	ErrorCount   int64
}

// Stats returns the running counts
func (c *Consumer) Stats() ConsumerStats {
	return ConsumerStats{MessagesRead: c.read.Load(), ErrorCount: c.failed.Load()}
}
