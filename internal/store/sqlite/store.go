// Package sqlite implements the persistence surface on an embedded SQLite
// database. It is the default store and reads databases written by earlier
// schema revisions.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// Store is a crawler.Store backed by a single SQLite file.
type Store struct {
	db     *sql.DB
	logger *zap.Logger
	now    func() time.Time
}

var _ crawler.Store = (*Store)(nil)

// Open creates or opens the database at path and migrates it to the latest
// schema.
func Open(ctx context.Context, path string, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &crawler.StorageError{Op: "open", Err: fmt.Errorf("create data directory: %w", err)}
		}
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(1)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, &crawler.StorageError{Op: "open", Err: err}
	}
	// Writers serialise on the file lock anyway; one connection keeps
	// per-connection pragmas stable across the pool.
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, &crawler.StorageError{Op: "open", Err: err}
	}
	if err := migrate(ctx, db, logger); err != nil {
		_ = db.Close()
		return nil, &crawler.StorageError{Op: "migrate", Err: err}
	}
	return &Store{db: db, logger: logger, now: time.Now}, nil
}

// Ping checks that the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return &crawler.StorageError{Op: "ping", Err: err}
	}
	return nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) timestamp() string {
	return s.now().UTC().Format(time.RFC3339Nano)
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &crawler.StorageError{Op: op, Err: err}
}

// nullString maps "" to NULL.
func nullString(v string) sql.NullString {
	return sql.NullString{String: v, Valid: v != ""}
}

// sqlTime scans TEXT timestamps as well as driver-native times.
type sqlTime struct {
	Time time.Time
}

func (t *sqlTime) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		t.Time = time.Time{}
		return nil
	case time.Time:
		t.Time = v.UTC()
		return nil
	case string:
		return t.parse(v)
	case []byte:
		return t.parse(string(v))
	default:
		return fmt.Errorf("unsupported timestamp type %T", src)
	}
}

func (t *sqlTime) parse(v string) error {
	for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02 15:04:05"} {
		if parsed, err := time.Parse(layout, v); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return fmt.Errorf("parse timestamp %q", v)
}

// rangeClause renders the id bounds of r against column.
func rangeClause(column string, r crawler.Range) (string, []any) {
	var (
		parts []string
		args  []any
	)
	if r.Min > 0 {
		parts = append(parts, column+" >= ?")
		args = append(args, r.Min)
	}
	if r.Max > 0 {
		parts = append(parts, column+" <= ?")
		args = append(args, r.Max)
	}
	if len(parts) == 0 {
		return "1 = 1", nil
	}
	return strings.Join(parts, " AND "), args
}
