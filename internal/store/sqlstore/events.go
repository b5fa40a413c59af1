package sqlstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/drfirst/go-rxfill/internal/outbox"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

type outboxRepo struct{ q Querier }

const outboxColumns = `id, aggregate_id, aggregate_type, event_type, payload, topic, msg_key,
	created_at, processed_at, retry_count, last_error`

func (r outboxRepo) Write(ctx context.Context, e *outbox.Entry) error {
	id, err := r.q.InsertReturningID(ctx, `
		INSERT INTO outbox (aggregate_id, aggregate_type, event_type, payload, topic, msg_key, created_at, retry_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 0)`, "id",
		e.AggregateID, e.AggregateType, e.EventType, e.Payload, e.Topic, e.Key, e.CreatedAt)
	if err != nil {
		return err
	}
	e.ID = id
	return nil
}

func (r outboxRepo) fetch(ctx context.Context, cond string, maxRetries, limit int) ([]*outbox.Entry, error) {
	rows, err := r.q.Query(ctx, `SELECT `+outboxColumns+` FROM outbox
		WHERE processed_at IS NULL AND `+cond+`
		ORDER BY id
		LIMIT $2
		FOR UPDATE SKIP LOCKED`, maxRetries, limit)
	if err != nil {
		return nil, fmt.Errorf("query outbox: %w", err)
	}
	defer rows.Close()

	var out []*outbox.Entry
	for rows.Next() {
		var e outbox.Entry
		if err := rows.Scan(&e.ID, &e.AggregateID, &e.AggregateType, &e.EventType, &e.Payload, &e.Topic, &e.Key,
			&e.CreatedAt, &e.ProcessedAt, &e.RetryCount, &e.LastError); err != nil {
			return nil, fmt.Errorf("scan outbox entry: %w", err)
		}
		out = append(out, &e)
	}
	return out, rows.Err()
}

func (r outboxRepo) FetchUnprocessed(ctx context.Context, maxRetries, limit int) ([]*outbox.Entry, error) {
	return r.fetch(ctx, "retry_count < $1", maxRetries, limit)
}

func (r outboxRepo) FetchDead(ctx context.Context, maxRetries, limit int) ([]*outbox.Entry, error) {
	return r.fetch(ctx, "retry_count >= $1", maxRetries, limit)
}

func (r outboxRepo) MarkProcessed(ctx context.Context, id int64, at time.Time) error {
	if _, err := r.q.Exec(ctx, `UPDATE outbox SET processed_at = $1 WHERE id = $2`, at, id); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

func (r outboxRepo) MarkFailed(ctx context.Context, id int64, reason string) error {
	if _, err := r.q.Exec(ctx, `UPDATE outbox SET retry_count = retry_count + 1, last_error = $1 WHERE id = $2`,
		reason, id); err != nil {
		return fmt.Errorf("mark failed: %w", err)
	}
	return nil
}

func (r outboxRepo) DeleteProcessedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	n, err := r.q.Exec(ctx, `DELETE FROM outbox WHERE processed_at IS NOT NULL AND processed_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete processed: %w", err)
	}
	return n, nil
}

func (r outboxRepo) Stats(ctx context.Context, maxRetries int) (*outbox.Stats, error) {
	s := &outbox.Stats{}
	err := r.q.QueryRow(ctx, `
		SELECT
			COALESCE(SUM(CASE WHEN retry_count < $1 THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN retry_count >= $1 THEN 1 ELSE 0 END), 0)
		FROM outbox WHERE processed_at IS NULL`, maxRetries).
		Scan(&s.Pending, &s.Failed)
	if err != nil {
		return nil, fmt.Errorf("outbox stats: %w", err)
	}
	if s.Pending == 0 {
		return s, nil
	}
	err = r.q.QueryRow(ctx, `SELECT MIN(created_at) FROM outbox
		WHERE processed_at IS NULL AND retry_count < $1`, maxRetries).Scan(&s.OldestPending)
	if err != nil {
		return nil, fmt.Errorf("oldest pending: %w", err)
	}
	return s, nil
}

type inboxRepo struct{ q Querier }

func (r inboxRepo) Get(ctx context.Context, key string) (*idempotency.Entry, error) {
	var (
		e               idempotency.Entry
		status          string
		payload, result []byte
	)
	err := r.q.QueryRow(ctx, `
		SELECT idempotency_key, handler, status, payload, result, created_at, expires_at
		FROM inbox WHERE idempotency_key = $1`, key).
		Scan(&e.Key, &e.Handler, &status, &payload, &result, &e.CreatedAt, &e.ExpiresAt)
	if errors.Is(err, ErrNoRows) {
		return nil, idempotency.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get inbox entry: %w", err)
	}
	e.Status = idempotency.Status(status)
	e.Payload = json.RawMessage(payload)
	e.Result = json.RawMessage(result)
	return &e, nil
}

func (r inboxRepo) Put(ctx context.Context, e *idempotency.Entry) error {
	n, err := r.q.Exec(ctx, `
		UPDATE inbox SET handler = $1, status = $2, payload = $3, result = $4, created_at = $5, expires_at = $6
		WHERE idempotency_key = $7`,
		e.Handler, string(e.Status), []byte(e.Payload), []byte(e.Result), e.CreatedAt, e.ExpiresAt, e.Key)
	if err != nil {
		return fmt.Errorf("update inbox entry: %w", err)
	}
	if n > 0 {
		return nil
	}
	if _, err := r.q.Exec(ctx, `
		INSERT INTO inbox (idempotency_key, handler, status, payload, result, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		e.Key, e.Handler, string(e.Status), []byte(e.Payload), []byte(e.Result), e.CreatedAt, e.ExpiresAt); err != nil {
		return fmt.Errorf("insert inbox entry: %w", err)
	}
	return nil
}

func (r inboxRepo) DeleteExpired(ctx context.Context, now time.Time) (int64, error) {
	n, err := r.q.Exec(ctx, `DELETE FROM inbox WHERE expires_at <= $1`, now)
	if err != nil {
		return 0, fmt.Errorf("delete expired inbox entries: %w", err)
	}
	return n, nil
}
