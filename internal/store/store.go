// Package store defines the transactional persistence boundary used by the
// workflow. One Tx spans one operator action.
package store

import (
	"context"

	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/outbox"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

// Tx exposes the repositories bound to one open transaction
type Tx interface {
	Prescriptions() prescription.Repository
	Inventory() inventory.Repository
	Conflicts() conflict.Repository
	Audit() audit.Repository
	Genomics() genomics.Repository
	Contacts() contact.Repository
	Outbox() outbox.Repository
	Inbox() idempotency.Repository

	// Savepoint runs fn under a savepoint; a failing fn rolls back only its
	// own writes
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// Store hands out transactions. WithTx commits when fn returns nil and rolls
// back otherwise; the underlying connection is released on every path.
type Store interface {
	WithTx(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error
	Ping(ctx context.Context) error
	Close()
}

// OutboxRunner adapts a Store for the outbox relay
func OutboxRunner(s Store) outbox.Runner {
	return func(ctx context.Context, fn func(ctx context.Context, repo outbox.Repository) error) error {
		return s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			return fn(ctx, tx.Outbox())
		})
	}
}

// InboxRunner adapts a Store for inbox cleanup
func InboxRunner(s Store) idempotency.Runner {
	return func(ctx context.Context, fn func(ctx context.Context, repo idempotency.Repository) error) error {
		return s.WithTx(ctx, func(ctx context.Context, tx Tx) error {
			return fn(ctx, tx.Inbox())
		})
	}
}
