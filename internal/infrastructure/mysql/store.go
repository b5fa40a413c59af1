// Package mysql provides the MySQL store backed by database/sql and
// go-sql-driver/mysql. Repositories come from the shared SQL layer; queries
// are rebound from $n to ? before they reach the driver.
package mysql

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-sql-driver/mysql"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxfill/internal/store"
	"github.com/drfirst/go-rxfill/internal/store/sqlstore"
)

//go:embed schema.sql
var schema string

// MySQL error codes
const (
	errDuplicateEntry = 1062
	errDeadlock       = 1213
)

// Config holds connection settings
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Name     string
	MaxConns int
	MinConns int
}

// DSN renders the driver connection string. Times are parsed into UTC and
// UPDATE reports matched rows so upserts can detect an existing row.
func (c Config) DSN() string {
	port := c.Port
	if port == 0 {
		port = 3306
	}
	mc := mysql.NewConfig()
	mc.User = c.User
	mc.Passwd = c.Password
	mc.Net = "tcp"
	mc.Addr = c.Host + ":" + strconv.Itoa(port)
	mc.DBName = c.Name
	mc.ParseTime = true
	mc.Loc = time.UTC
	mc.ClientFoundRows = true
	mc.Params = map[string]string{"charset": "utf8mb4"}
	return mc.FormatDSN()
}

// Store is a MySQL store.Store
type Store struct {
	db     *sql.DB
	logger *zap.Logger
}

var _ store.Store = (*Store)(nil)

// Open connects and pings the database
func Open(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.User == "" || cfg.Host == "" || cfg.Name == "" {
		return nil, errors.New("missing one or more of user, host, or name for db config")
	}
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("open mysql: %w", err)
	}
	if cfg.MaxConns > 0 {
		db.SetMaxOpenConns(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		db.SetMaxIdleConns(cfg.MinConns)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	logger.Info("connected to mysql",
		zap.String("host", cfg.Host),
		zap.String("database", cfg.Name))
	return &Store{db: db, logger: logger}, nil
}

// WithTx implements store.Store
func (s *Store) WithTx(ctx context.Context, fn func(ctx context.Context, tx store.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if err := fn(ctx, sqlstore.NewTx(&conn{tx: tx})); err != nil {
		if isMySQLError(err, errDeadlock) {
			s.logger.Warn("transaction aborted by deadlock", zap.Error(err))
		}
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Ping implements store.Store
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close implements store.Store
func (s *Store) Close() {
	if err := s.db.Close(); err != nil {
		s.logger.Warn("close mysql", zap.Error(err))
	}
}

// Migrate creates the schema when missing
func (s *Store) Migrate(ctx context.Context) error {
	for _, stmt := range sqlstore.Statements(schema) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("apply schema: %w", err)
		}
	}
	s.logger.Info("mysql schema applied")
	return nil
}

// isMySQLError reports whether err carries the given server error number
func isMySQLError(err error, code uint16) bool {
	var me *mysql.MySQLError
	if !errors.As(err, &me) {
		return false
	}
	return me.Number == code
}

// IsDuplicate reports a unique key violation
func IsDuplicate(err error) bool { return isMySQLError(err, errDuplicateEntry) }

type conn struct {
	tx *sql.Tx
	sp sqlstore.Savepoints
}

func (c *conn) Exec(ctx context.Context, query string, args ...any) (int64, error) {
	q, a, err := sqlstore.Rebind(query, args)
	if err != nil {
		return 0, err
	}
	res, err := c.tx.ExecContext(ctx, q, a...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *conn) Query(ctx context.Context, query string, args ...any) (sqlstore.Rows, error) {
	q, a, err := sqlstore.Rebind(query, args)
	if err != nil {
		return nil, err
	}
	rs, err := c.tx.QueryContext(ctx, q, a...)
	if err != nil {
		return nil, err
	}
	return rows{rs}, nil
}

func (c *conn) QueryRow(ctx context.Context, query string, args ...any) sqlstore.Row {
	q, a, err := sqlstore.Rebind(query, args)
	if err != nil {
		return errRow{err}
	}
	return row{c.tx.QueryRowContext(ctx, q, a...)}
}

func (c *conn) InsertReturningID(ctx context.Context, query, _ string, args ...any) (int64, error) {
	q, a, err := sqlstore.Rebind(query, args)
	if err != nil {
		return 0, err
	}
	res, err := c.tx.ExecContext(ctx, q, a...)
	if err != nil {
		return 0, err
	}
	return res.LastInsertId()
}

func (c *conn) Savepoint(ctx context.Context, fn func(ctx context.Context) error) error {
	return c.sp.Run(ctx, c, fn)
}

type rows struct{ *sql.Rows }

func (r rows) Close() { _ = r.Rows.Close() }

type row struct{ *sql.Row }

func (r row) Scan(dest ...any) error {
	err := r.Row.Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return sqlstore.ErrNoRows
	}
	return err
}

type errRow struct{ err error }

func (r errRow) Scan(...any) error { return r.err }
