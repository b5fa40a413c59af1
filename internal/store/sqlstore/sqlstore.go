// Package sqlstore implements the store repositories in portable SQL shared
// by the Postgres and MySQL adapters. Queries use $n placeholders; drivers
// that need another style rebind them.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"strings"

	sq "github.com/Masterminds/squirrel"

	"github.com/drfirst/go-rxfill/internal/domain/audit"
	"github.com/drfirst/go-rxfill/internal/domain/conflict"
	"github.com/drfirst/go-rxfill/internal/domain/contact"
	"github.com/drfirst/go-rxfill/internal/domain/genomics"
	"github.com/drfirst/go-rxfill/internal/domain/inventory"
	"github.com/drfirst/go-rxfill/internal/domain/prescription"
	"github.com/drfirst/go-rxfill/internal/outbox"
	"github.com/drfirst/go-rxfill/internal/store"
	"github.com/drfirst/go-rxfill/pkg/idempotency"
)

// ErrNoRows is returned by Row.Scan when the query matched nothing
var ErrNoRows = errors.New("sqlstore: no rows in result set")

// Row is a single-row result
type Row interface {
	Scan(dest ...any) error
}

// Rows is a multi-row result
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close()
}

// Querier runs statements on one open transaction
type Querier interface {
	// Exec returns the number of rows affected
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Query(ctx context.Context, query string, args ...any) (Rows, error)
	QueryRow(ctx context.Context, query string, args ...any) Row
	// InsertReturningID runs an INSERT and returns the generated idColumn
	InsertReturningID(ctx context.Context, query, idColumn string, args ...any) (int64, error)
}

// Conn is a transaction that supports nested savepoints
type Conn interface {
	Querier
	Savepoint(ctx context.Context, fn func(ctx context.Context) error) error
}

// NewTx binds the repositories to an open transaction
func NewTx(c Conn) store.Tx {
	return &tx{c: c}
}

type tx struct {
	c Conn
}

func (t *tx) Prescriptions() prescription.Repository { return prescriptionRepo{t.c} }
func (t *tx) Inventory() inventory.Repository        { return inventoryRepo{t.c} }
func (t *tx) Conflicts() conflict.Repository         { return conflictRepo{t.c} }
func (t *tx) Audit() audit.Repository                { return auditRepo{t.c} }
func (t *tx) Genomics() genomics.Repository          { return genomicsRepo{t.c} }
func (t *tx) Contacts() contact.Repository           { return contactRepo{t.c} }
func (t *tx) Outbox() outbox.Repository              { return outboxRepo{t.c} }
func (t *tx) Inbox() idempotency.Repository          { return inboxRepo{t.c} }

func (t *tx) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return t.c.Savepoint(ctx, fn)
}

// Savepoints runs fn between generic SAVEPOINT statements. Adapters without
// native nested transactions use it to implement Conn.Savepoint.
type Savepoints struct {
	depth int
}

// Run executes fn under a new savepoint on q
func (s *Savepoints) Run(ctx context.Context, q Querier, fn func(ctx context.Context) error) error {
	s.depth++
	name := fmt.Sprintf("sp_%d", s.depth)
	defer func() { s.depth-- }()

	if _, err := q.Exec(ctx, "SAVEPOINT "+name); err != nil {
		return fmt.Errorf("create savepoint: %w", err)
	}
	if err := fn(ctx); err != nil {
		if _, rbErr := q.Exec(ctx, "ROLLBACK TO SAVEPOINT "+name); rbErr != nil {
			return fmt.Errorf("rollback to savepoint: %v (after %w)", rbErr, err)
		}
		return err
	}
	if _, err := q.Exec(ctx, "RELEASE SAVEPOINT "+name); err != nil {
		return fmt.Errorf("release savepoint: %w", err)
	}
	return nil
}

// psql builds queries in the $n style every adapter accepts
var psql = sq.StatementBuilder.PlaceholderFormat(sq.Dollar)

// inStatuses renders "column IN (...)" numbered from $1
func inStatuses(column string, statuses []prescription.Status) (string, []any, error) {
	where, args, err := sq.Eq{column: statusArgs(statuses)}.ToSql()
	if err != nil {
		return "", nil, err
	}
	where, err = sq.Dollar.ReplacePlaceholders(where)
	return where, args, err
}

func statusArgs(statuses []prescription.Status) []any {
	out := make([]any, len(statuses))
	for i, s := range statuses {
		out[i] = string(s)
	}
	return out
}

// notFound maps ErrNoRows to a domain sentinel
func notFound(err error, sentinel error, what string) error {
	if errors.Is(err, ErrNoRows) {
		return fmt.Errorf("%s: %w", what, sentinel)
	}
	return fmt.Errorf("%s: %w", what, err)
}

// Statements splits a schema script on semicolons and drops comment lines
func Statements(script string) []string {
	var out []string
	for _, part := range strings.Split(script, ";") {
		lines := make([]string, 0)
		for _, l := range strings.Split(part, "\n") {
			if t := strings.TrimSpace(l); t != "" && !strings.HasPrefix(t, "--") {
				lines = append(lines, l)
			}
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}
