package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"
)

// migration is one schema step. Up must be idempotent: the version is recorded
// after the transaction commits, so a crash in between re-runs the step.
type migration struct {
	Version     int
	Description string
	// RebuildsTables runs the step with foreign key enforcement switched off,
	// as SQLite requires for dropping and recreating a referenced table.
	RebuildsTables bool
	Up             func(ctx context.Context, tx *sql.Tx) error
}

var migrations = []migration{
	{
		Version:     1,
		Description: "base schema",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS advertisements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT,
    description TEXT,
    company TEXT,
    location TEXT,
    url TEXT NOT NULL UNIQUE,
    html_body TEXT NOT NULL,
    status INTEGER,
    ad_type TEXT,
    harvest_date TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_advertisements_ad_type ON advertisements(ad_type);

CREATE TABLE IF NOT EXISTS keywords (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    search TEXT NOT NULL UNIQUE,
    case_sensitive INTEGER NOT NULL DEFAULT 0
);

CREATE TABLE IF NOT EXISTS keyword_advertisement (
    keyword_id INTEGER NOT NULL REFERENCES keywords(id) ON DELETE CASCADE,
    advertisement_id INTEGER NOT NULL REFERENCES advertisements(id),
    PRIMARY KEY (keyword_id, advertisement_id)
);`)
			return err
		},
	},
	{
		Version:     2,
		Description: "add advertisements.filename",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			cols, err := tableColumns(ctx, tx, "advertisements")
			if err != nil || cols["filename"] {
				return err
			}
			_, err = tx.ExecContext(ctx, `ALTER TABLE advertisements ADD COLUMN filename TEXT`)
			return err
		},
	},
	{
		Version:        3,
		Description:    "drop advertisements.harvest_date",
		RebuildsTables: true,
		Up: func(ctx context.Context, tx *sql.Tx) error {
			cols, err := tableColumns(ctx, tx, "advertisements")
			if err != nil || !cols["harvest_date"] {
				return err
			}
			_, err = tx.ExecContext(ctx, `
CREATE TABLE advertisements_rebuild (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT,
    description TEXT,
    company TEXT,
    location TEXT,
    url TEXT NOT NULL UNIQUE,
    html_body TEXT NOT NULL,
    status INTEGER,
    ad_type TEXT,
    filename TEXT,
    created_at TEXT NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
INSERT INTO advertisements_rebuild (id, title, description, company, location, url, html_body, status, ad_type, filename, created_at)
    SELECT id, title, description, company, location, url, html_body, status, ad_type, filename, created_at
    FROM advertisements;
DROP TABLE advertisements;
ALTER TABLE advertisements_rebuild RENAME TO advertisements;
CREATE INDEX IF NOT EXISTS idx_advertisements_ad_type ON advertisements(ad_type);`)
			if err != nil {
				return err
			}
			return foreignKeyCheck(ctx, tx)
		},
	},
	{
		Version:     4,
		Description: "rename advertisements.status to http_status",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			cols, err := tableColumns(ctx, tx, "advertisements")
			if err != nil || !cols["status"] {
				return err
			}
			_, err = tx.ExecContext(ctx, `ALTER TABLE advertisements RENAME COLUMN status TO http_status`)
			return err
		},
	},
	{
		Version:     5,
		Description: "analysis markers and classifications",
		Up: func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS keyword_analysis (
    advertisement_id INTEGER PRIMARY KEY REFERENCES advertisements(id),
    analyzed_at TEXT NOT NULL
);
INSERT OR IGNORE INTO keyword_analysis (advertisement_id, analyzed_at)
    SELECT DISTINCT advertisement_id, strftime('%Y-%m-%dT%H:%M:%fZ', 'now') FROM keyword_advertisement;

CREATE TABLE IF NOT EXISTS advertisement_classification (
    advertisement_id INTEGER NOT NULL REFERENCES advertisements(id),
    category TEXT NOT NULL,
    rule TEXT NOT NULL,
    position INTEGER NOT NULL,
    PRIMARY KEY (advertisement_id, category)
);`)
			return err
		},
	},
}

func latestVersion() int {
	return migrations[len(migrations)-1].Version
}

func schemaVersion(ctx context.Context, db *sql.DB) (int, error) {
	var version int
	if err := db.QueryRowContext(ctx, "PRAGMA user_version").Scan(&version); err != nil {
		return 0, fmt.Errorf("read schema version: %w", err)
	}
	return version, nil
}

type queryer interface {
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
}

func tableColumns(ctx context.Context, q queryer, table string) (map[string]bool, error) {
	rows, err := q.QueryContext(ctx, fmt.Sprintf("PRAGMA table_info(%s)", table))
	if err != nil {
		return nil, fmt.Errorf("inspect %s: %w", table, err)
	}
	defer rows.Close()

	cols := make(map[string]bool)
	for rows.Next() {
		var (
			cid     int
			name    string
			ctype   string
			notNull int
			dflt    sql.NullString
			pk      int
		)
		if err := rows.Scan(&cid, &name, &ctype, &notNull, &dflt, &pk); err != nil {
			return nil, fmt.Errorf("scan %s columns: %w", table, err)
		}
		cols[name] = true
	}
	return cols, rows.Err()
}

func tableExists(ctx context.Context, db *sql.DB, table string) (bool, error) {
	var n int
	err := db.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?", table).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("check table %s: %w", table, err)
	}
	return n > 0, nil
}

// legacyVersion infers the schema version of a database created before the
// version was recorded.
func legacyVersion(ctx context.Context, db *sql.DB) (int, error) {
	cols, err := tableColumns(ctx, db, "advertisements")
	if err != nil || len(cols) == 0 {
		return 0, err
	}
	analysis, err := tableExists(ctx, db, "keyword_analysis")
	if err != nil {
		return 0, err
	}
	switch {
	case !cols["filename"]:
		// Later steps skip work that is already done, so replaying them is safe.
		return 1, nil
	case analysis:
		return 5, nil
	case cols["http_status"]:
		return 4, nil
	case !cols["harvest_date"]:
		return 3, nil
	case cols["filename"]:
		return 2, nil
	default:
		return 1, nil
	}
}

func migrate(ctx context.Context, db *sql.DB, logger *zap.Logger) error {
	current, err := schemaVersion(ctx, db)
	if err != nil {
		return err
	}
	if current == 0 {
		stamped, err := legacyVersion(ctx, db)
		if err != nil {
			return err
		}
		if stamped > 0 {
			logger.Info("stamping unversioned database", zap.Int("version", stamped))
			if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", stamped)); err != nil {
				return fmt.Errorf("stamp legacy version: %w", err)
			}
			current = stamped
		}
	}

	for _, m := range migrations {
		if m.Version <= current {
			continue
		}
		logger.Info("applying migration", zap.Int("version", m.Version), zap.String("description", m.Description))

		if err := apply(ctx, db, m); err != nil {
			return err
		}
		if _, err := db.ExecContext(ctx, fmt.Sprintf("PRAGMA user_version = %d", m.Version)); err != nil {
			return fmt.Errorf("record version %d: %w", m.Version, err)
		}
	}
	return nil
}

func apply(ctx context.Context, db *sql.DB, m migration) (err error) {
	if m.RebuildsTables {
		if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys = OFF"); err != nil {
			return fmt.Errorf("disable foreign keys for migration %d: %w", m.Version, err)
		}
		defer func() {
			if _, fkErr := db.ExecContext(ctx, "PRAGMA foreign_keys = ON"); fkErr != nil && err == nil {
				err = fmt.Errorf("enable foreign keys after migration %d: %w", m.Version, fkErr)
			}
		}()
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migration %d: %w", m.Version, err)
	}
	if err := m.Up(ctx, tx); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("migration %d (%s): %w", m.Version, m.Description, err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migration %d: %w", m.Version, err)
	}
	return nil
}

func foreignKeyCheck(ctx context.Context, tx *sql.Tx) error {
	rows, err := tx.QueryContext(ctx, "PRAGMA foreign_key_check")
	if err != nil {
		return fmt.Errorf("foreign key check: %w", err)
	}
	defer rows.Close()
	if rows.Next() {
		return fmt.Errorf("foreign key check: dangling references after table rebuild")
	}
	return rows.Err()
}
