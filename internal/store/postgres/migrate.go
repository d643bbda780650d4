package postgres

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

type migration struct {
	Version     int
	Description string
	SQL         string
}

// The steps mirror the SQLite history so both backends expose the same
// columns. Postgres can drop and rename columns in place.
var migrations = []migration{
	{1, "base schema", `
CREATE TABLE IF NOT EXISTS advertisements (
    id BIGSERIAL PRIMARY KEY,
    title TEXT,
    description TEXT,
    company TEXT,
    location TEXT,
    url TEXT NOT NULL UNIQUE,
    html_body TEXT NOT NULL,
    status INTEGER,
    ad_type TEXT,
    harvest_date DATE,
    created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS idx_advertisements_ad_type ON advertisements(ad_type);
CREATE TABLE IF NOT EXISTS keywords (
    id BIGSERIAL PRIMARY KEY,
    title TEXT NOT NULL,
    search TEXT NOT NULL UNIQUE,
    case_sensitive BOOLEAN NOT NULL DEFAULT FALSE
);
CREATE TABLE IF NOT EXISTS keyword_advertisement (
    keyword_id BIGINT NOT NULL REFERENCES keywords(id) ON DELETE CASCADE,
    advertisement_id BIGINT NOT NULL REFERENCES advertisements(id),
    PRIMARY KEY (keyword_id, advertisement_id)
)`},
	{2, "add advertisements.filename", `ALTER TABLE advertisements ADD COLUMN IF NOT EXISTS filename TEXT`},
	{3, "drop advertisements.harvest_date", `ALTER TABLE advertisements DROP COLUMN IF EXISTS harvest_date`},
	{4, "rename advertisements.status to http_status", `
DO $$
BEGIN
    IF EXISTS (SELECT 1 FROM information_schema.columns
               WHERE table_name = 'advertisements' AND column_name = 'status') THEN
        ALTER TABLE advertisements RENAME COLUMN status TO http_status;
    END IF;
END $$`},
	{5, "analysis markers and classifications", `
CREATE TABLE IF NOT EXISTS keyword_analysis (
    advertisement_id BIGINT PRIMARY KEY REFERENCES advertisements(id),
    analyzed_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
INSERT INTO keyword_analysis (advertisement_id)
    SELECT DISTINCT advertisement_id FROM keyword_advertisement
    ON CONFLICT DO NOTHING;
CREATE TABLE IF NOT EXISTS advertisement_classification (
    advertisement_id BIGINT NOT NULL REFERENCES advertisements(id),
    category TEXT NOT NULL,
    rule TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (advertisement_id, category)
)`},
}

func (s *Store) migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, `
CREATE TABLE IF NOT EXISTS schema_migrations (
    version INTEGER PRIMARY KEY,
    description TEXT NOT NULL,
    applied_at TIMESTAMPTZ NOT NULL DEFAULT now()
)`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	var current int
	if err := s.db.QueryRow(ctx, `SELECT COALESCE(MAX(version), 0) FROM schema_migrations`).Scan(&current); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		s.logger.Info("applying migration", zap.Int("version", m.Version), zap.String("description", m.Description))
		if err := s.apply(ctx, m); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) apply(ctx context.Context, m migration) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, m.SQL); err != nil {
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO schema_migrations (version, description) VALUES ($1, $2)`,
		m.Version, m.Description); err != nil {
		return fmt.Errorf("record migration %d: %w", m.Version, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}
