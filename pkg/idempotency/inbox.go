// Package idempotency provides an inbox that makes request handlers run at
// most once per idempotency key. The inbox record is written in the same
// transaction as the handler's own writes.
package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

// Status represents the processing status of an inbox entry
type Status string

const (
	StatusFinished Status = "FINISHED"
	StatusFailed   Status = "FAILED"
)

var (
	// ErrNotFound is returned by repositories for unknown keys
	ErrNotFound = errors.New("inbox entry not found")
	// ErrPreviouslyFailed indicates the key was recorded as permanently failed
	ErrPreviouslyFailed = errors.New("request previously failed")
)

// Entry represents an idempotency inbox record
type Entry struct {
	Key       string
	Handler   string
	Status    Status
	Payload   json.RawMessage
	Result    json.RawMessage
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Repository stores inbox entries inside the caller's transaction
type Repository interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, e *Entry) error
	DeleteExpired(ctx context.Context, now time.Time) (int64, error)
}

// Config holds configuration for the inbox
type Config struct {
	// TTL is how long a key is remembered
	TTL time.Duration
	// CleanupInterval is how often to clean expired entries
	CleanupInterval time.Duration
}

// DefaultConfig returns sensible defaults
func DefaultConfig() Config {
	return Config{
		TTL:             24 * time.Hour,
		CleanupInterval: time.Hour,
	}
}

// Runner executes fn inside a transaction of the backing store
type Runner func(ctx context.Context, fn func(ctx context.Context, repo Repository) error) error

// Inbox manages idempotent request processing
type Inbox struct {
	config Config
	logger *zap.Logger
	tracer trace.Tracer
	now    func() time.Time

	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}
	started bool
}

// New creates an inbox
func New(cfg Config, logger *zap.Logger) *Inbox {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.TTL <= 0 {
		cfg.TTL = DefaultConfig().TTL
	}
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = DefaultConfig().CleanupInterval
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Inbox{
		config: cfg,
		logger: logger,
		tracer: otel.Tracer("inbox"),
		now:    func() time.Time { return time.Now().UTC() },
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// ProcessResult represents the result of idempotent processing
type ProcessResult struct {
	IsNew  bool
	Result json.RawMessage
}

// ProcessFunc is the function signature for idempotent handlers
type ProcessFunc func(ctx context.Context, payload json.RawMessage) (json.RawMessage, error)

// Process runs fn unless key was already processed, in which case the stored
// result is returned. A handler error leaves no record, so the caller's
// rollback makes the key retryable.
func (i *Inbox) Process(ctx context.Context, repo Repository, key, handler string, payload json.RawMessage, fn ProcessFunc) (*ProcessResult, error) {
	ctx, span := i.tracer.Start(ctx, "inbox_process",
		trace.WithAttributes(
			attribute.String("idempotency_key", key),
			attribute.String("handler", handler),
		))
	defer span.End()

	entry, err := repo.Get(ctx, key)
	switch {
	case err == nil && entry.ExpiresAt.After(i.now()):
		if entry.Status == StatusFailed {
			span.SetAttributes(attribute.Bool("previously_failed", true))
			return nil, fmt.Errorf("%s: %w", key, ErrPreviouslyFailed)
		}
		span.SetAttributes(attribute.Bool("duplicate", true))
		i.logger.Debug("duplicate request", zap.String("key", key), zap.String("handler", handler))
		return &ProcessResult{IsNew: false, Result: entry.Result}, nil
	case err != nil && !errors.Is(err, ErrNotFound):
		return nil, fmt.Errorf("check inbox: %w", err)
	}

	result, err := fn(ctx, payload)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := i.now()
	if err := repo.Put(ctx, &Entry{
		Key:       key,
		Handler:   handler,
		Status:    StatusFinished,
		Payload:   payload,
		Result:    result,
		CreatedAt: now,
		ExpiresAt: now.Add(i.config.TTL),
	}); err != nil {
		return nil, fmt.Errorf("record inbox entry: %w", err)
	}
	return &ProcessResult{IsNew: true, Result: result}, nil
}

// GenerateKey creates a deterministic idempotency key from request parts.
// The timestamp is truncated to the minute.
func GenerateKey(timestamp time.Time, parts ...string) string {
	all := append(append([]string(nil), parts...), timestamp.UTC().Truncate(time.Minute).Format(time.RFC3339))
	hash := sha256.Sum256([]byte(strings.Join(all, "|")))
	return hex.EncodeToString(hash[:])
}

// StartCleanup starts the background cleanup goroutine
func (i *Inbox) StartCleanup(run Runner) {
	i.started = true
	go i.cleanupLoop(run)
	i.logger.Info("inbox cleanup started", zap.Duration("interval", i.config.CleanupInterval))
}

// Stop stops the inbox cleanup
func (i *Inbox) Stop() {
	i.cancel()
	if i.started {
		<-i.done
	}
	i.logger.Info("inbox stopped")
}

func (i *Inbox) cleanupLoop(run Runner) {
	defer close(i.done)

	ticker := time.NewTicker(i.config.CleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-i.ctx.Done():
			return
		case <-ticker.C:
			err := run(i.ctx, func(ctx context.Context, repo Repository) error {
				n, err := repo.DeleteExpired(ctx, i.now())
				if err == nil && n > 0 {
					i.logger.Info("inbox cleanup completed", zap.Int64("deleted", n))
				}
				return err
			})
			if err != nil {
				i.logger.Error("inbox cleanup failed", zap.Error(err))
			}
		}
	}
}
