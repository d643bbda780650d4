// Package postgres provides a Postgres-backed implementation of the
// advertisement store.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// pool is the subset of *pgxpool.Pool the store uses. pgxmock satisfies it.
type pool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// Store is a crawler.Store backed by Postgres.
type Store struct {
	db     pool
	logger *zap.Logger
}

var _ crawler.Store = (*Store)(nil)

// New connects to Postgres and migrates the schema.
func New(ctx context.Context, cfg Config, logger *zap.Logger) (*Store, error) {
	if cfg.DSN == "" {
		return nil, &crawler.ConfigurationError{Entity: "db.dsn", Err: fmt.Errorf("dsn is required for the postgres driver")}
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &crawler.ConfigurationError{Entity: "db.dsn", Err: fmt.Errorf("parse postgres dsn: %w", err)}
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, storageErr("connect", err)
	}
	st, err := NewWithPool(ctx, p, logger)
	if err != nil {
		p.Close()
		return nil, err
	}
	return st, nil
}

// NewWithPool builds a store on an existing pool and migrates the schema.
func NewWithPool(ctx context.Context, p pool, logger *zap.Logger) (*Store, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	st := &Store{db: p, logger: logger}
	if err := st.migrate(ctx); err != nil {
		return nil, storageErr("migrate", err)
	}
	return st, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return storageErr("ping", s.db.Ping(ctx))
}

// Close releases the pool.
func (s *Store) Close() error {
	s.db.Close()
	return nil
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &crawler.StorageError{Op: op, Err: err}
}

// args numbers positional parameters while a query is assembled.
type args struct {
	values []any
}

func (a *args) add(v any) string {
	a.values = append(a.values, v)
	return fmt.Sprintf("$%d", len(a.values))
}

// rangeClause renders the id bounds of r against column.
func (a *args) rangeClause(column string, r crawler.Range) string {
	var parts []string
	if r.Min > 0 {
		parts = append(parts, column+" >= "+a.add(r.Min))
	}
	if r.Max > 0 {
		parts = append(parts, column+" <= "+a.add(r.Max))
	}
	if len(parts) == 0 {
		return "TRUE"
	}
	return strings.Join(parts, " AND ")
}

// nullable maps "" to NULL.
func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
