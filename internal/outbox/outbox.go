// Package outbox implements the transactional outbox for workflow events.
// Entries are written in the same transaction as the status change and
// published by a relay.
package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/observability/metrics"
)

const (
	TopicAuditTrail = "audit.trail"
	TopicDeadLetter = "dead.letter"
)

// Entry represents an event to be published via the outbox pattern
type Entry struct {
	ID            int64
	AggregateID   string
	AggregateType string
	EventType     string
	Payload       []byte
	Topic         string
	Key           string
	CreatedAt     time.Time
	ProcessedAt   *time.Time
	RetryCount    int
	LastError     *string
}

// Stats returns outbox statistics
type Stats struct {
	Pending       int64
	Failed        int64
	OldestPending *time.Time
}

// Repository stores outbox entries. Fetches lock the returned rows for the
// rest of the transaction and skip rows locked by other relays.
type Repository interface {
	Write(ctx context.Context, e *Entry) error
	FetchUnprocessed(ctx context.Context, maxRetries, limit int) ([]*Entry, error)
	FetchDead(ctx context.Context, maxRetries, limit int) ([]*Entry, error)
	MarkProcessed(ctx context.Context, id int64, at time.Time) error
	MarkFailed(ctx context.Context, id int64, reason string) error
	DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Stats(ctx context.Context, maxRetries int) (*Stats, error)
}

// Runner executes fn inside a transaction of the backing store
type Runner func(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error

// Publisher defines the interface for publishing outbox entries
type Publisher interface {
	Publish(ctx context.Context, topic, key string, value []byte) error
}

// Config holds configuration for the relay
type Config struct {
	// BatchSize is the number of entries to process per batch
	BatchSize int
	// PollInterval is how often to poll for new entries
	PollInterval time.Duration
	// MaxRetries is the number of failed publishes before dead-lettering
	MaxRetries int
	// Retention is how long processed entries are kept
	Retention time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		BatchSize:    100,
		PollInterval: 500 * time.Millisecond,
		MaxRetries:   5,
		Retention:    7 * 24 * time.Hour,
	}
}

// Write appends an entry for payload inside the caller's transaction
func Write(ctx context.Context, repo Repository, topic, key, aggregateType, aggregateID, eventType string, payload []byte) error {
	e := &Entry{
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		EventType:     eventType,
		Payload:       payload,
		Topic:         topic,
		Key:           key,
		CreatedAt:     time.Now().UTC(),
	}
	if err := repo.Write(ctx, e); err != nil {
		return fmt.Errorf("write outbox entry: %w", err)
	}
	return nil
}

// Relay publishes pending entries
type Relay struct {
	run       Runner
	config    Config
	publisher Publisher
	logger    *zap.Logger
	tracer    trace.Tracer

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewRelay creates a relay
func NewRelay(run Runner, publisher Publisher, cfg Config, logger *zap.Logger) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultConfig().BatchSize
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultConfig().PollInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Relay{
		run:       run,
		config:    cfg,
		publisher: publisher,
		logger:    logger,
		tracer:    otel.Tracer("outbox"),
		ctx:       ctx,
		cancel:    cancel,
		done:      make(chan struct{}),
	}
}

// Start begins polling and processing outbox entries
func (r *Relay) Start() {
	go r.processLoop()
	r.logger.Info("outbox relay started",
		zap.Int("batch_size", r.config.BatchSize),
		zap.Duration("poll_interval", r.config.PollInterval))
}

// Stop gracefully stops the relay
func (r *Relay) Stop() {
	r.cancel()
	<-r.done
	r.logger.Info("outbox relay stopped")
}

func (r *Relay) processLoop() {
	defer close(r.done)

	ticker := time.NewTicker(r.config.PollInterval)
	defer ticker.Stop()

	cleanup := time.NewTicker(time.Hour)
	defer cleanup.Stop()

	for {
		select {
		case <-r.ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.ProcessBatch(r.ctx); err != nil {
				r.logger.Error("outbox batch failed", zap.Error(err))
			}
		case <-cleanup.C:
			if _, err := r.MoveToDeadLetter(r.ctx); err != nil {
				r.logger.Error("dead letter sweep failed", zap.Error(err))
			}
			if _, err := r.CleanupProcessed(r.ctx); err != nil {
				r.logger.Error("outbox cleanup failed", zap.Error(err))
			}
		}
	}
}

// ProcessBatch publishes one batch and returns how many entries were published
func (r *Relay) ProcessBatch(ctx context.Context) (int, error) {
	ctx, span := r.tracer.Start(ctx, "outbox_process_batch")
	defer span.End()

	published := 0
	err := r.run(ctx, func(ctx context.Context, repo Repository) error {
		entries, err := repo.FetchUnprocessed(ctx, r.config.MaxRetries, r.config.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch entries: %w", err)
		}
		span.SetAttributes(attribute.Int("batch_size", len(entries)))

		for _, e := range entries {
			if err := r.processEntry(ctx, repo, e); err != nil {
				r.logger.Error("failed to process outbox entry",
					zap.Int64("id", e.ID),
					zap.String("event_type", e.EventType),
					zap.Error(err))
				continue
			}
			published++
		}

		stats, err := repo.Stats(ctx, r.config.MaxRetries)
		if err == nil {
			metrics.OutboxPending.Set(float64(stats.Pending))
		}
		return nil
	})
	if err != nil {
		span.RecordError(err)
	}
	return published, err
}

func (r *Relay) processEntry(ctx context.Context, repo Repository, e *Entry) error {
	ctx, span := r.tracer.Start(ctx, "outbox_process_entry",
		trace.WithAttributes(
			attribute.Int64("entry_id", e.ID),
			attribute.String("event_type", e.EventType),
			attribute.String("aggregate_id", e.AggregateID),
		))
	defer span.End()

	if err := r.publisher.Publish(ctx, e.Topic, e.Key, e.Payload); err != nil {
		span.RecordError(err)
		metrics.OutboxPublished.WithLabelValues("failed").Inc()
		if markErr := repo.MarkFailed(ctx, e.ID, err.Error()); markErr != nil {
			r.logger.Error("failed to update retry count", zap.Error(markErr))
		}
		return fmt.Errorf("publish failed: %w", err)
	}

	if err := repo.MarkProcessed(ctx, e.ID, time.Now().UTC()); err != nil {
		span.RecordError(err)
		return fmt.Errorf("mark processed: %w", err)
	}
	metrics.OutboxPublished.WithLabelValues("published").Inc()
	r.logger.Debug("outbox entry processed",
		zap.Int64("id", e.ID),
		zap.String("topic", e.Topic))
	return nil
}

// MoveToDeadLetter republishes entries that exhausted their retries to the
// dead letter topic and marks them processed
func (r *Relay) MoveToDeadLetter(ctx context.Context) (int64, error) {
	var count int64
	err := r.run(ctx, func(ctx context.Context, repo Repository) error {
		entries, err := repo.FetchDead(ctx, r.config.MaxRetries, r.config.BatchSize)
		if err != nil {
			return fmt.Errorf("fetch dead entries: %w", err)
		}
		for _, e := range entries {
			payload, _ := json.Marshal(map[string]interface{}{
				"original_topic": e.Topic,
				"event_type":     e.EventType,
				"aggregate_id":   e.AggregateID,
				"payload":        json.RawMessage(e.Payload),
				"retry_count":    e.RetryCount,
				"last_error":     e.LastError,
				"created_at":     e.CreatedAt,
			})
			if err := r.publisher.Publish(ctx, TopicDeadLetter, e.Key, payload); err != nil {
				r.logger.Error("failed to publish to dead letter", zap.Error(err))
				continue
			}
			if err := repo.MarkProcessed(ctx, e.ID, time.Now().UTC()); err != nil {
				r.logger.Error("failed to mark dead letter entry", zap.Error(err))
				continue
			}
			metrics.OutboxPublished.WithLabelValues("dead_letter").Inc()
			count++
		}
		return nil
	})
	return count, err
}

// CleanupProcessed removes processed entries older than the retention
func (r *Relay) CleanupProcessed(ctx context.Context) (int64, error) {
	var n int64
	err := r.run(ctx, func(ctx context.Context, repo Repository) error {
		var err error
		n, err = repo.DeleteProcessedBefore(ctx, time.Now().UTC().Add(-r.config.Retention))
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("cleanup failed: %w", err)
	}
	return n, nil
}
