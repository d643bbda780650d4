package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOpenCreatesLatestSchema(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	st, err := Open(ctx, filepath.Join(t.TempDir(), "data", "crawler.db"), zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	version, err := schemaVersion(ctx, st.db)
	require.NoError(t, err)
	require.Equal(t, latestVersion(), version)

	cols, err := tableColumns(ctx, st.db, "advertisements")
	require.NoError(t, err)
	require.True(t, cols["http_status"])
	require.True(t, cols["filename"])
	require.False(t, cols["status"])
	require.False(t, cols["harvest_date"])

	for _, table := range []string{"keywords", "keyword_advertisement", "keyword_analysis", "advertisement_classification"} {
		ok, err := tableExists(ctx, st.db, table)
		require.NoError(t, err)
		require.True(t, ok, table)
	}
}

func TestOpenIsIdempotent(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "crawler.db")

	st, err := Open(ctx, path, nil)
	require.NoError(t, err)
	_, _, err = st.InsertIfAbsent(ctx, newAd("https://example.com/jobs/1"))
	require.NoError(t, err)
	require.NoError(t, st.Close())

	st, err = Open(ctx, path, nil)
	require.NoError(t, err)
	defer st.Close()
	stats, err := st.Stats(ctx)
	require.NoError(t, err)
	require.EqualValues(t, 1, stats.Advertisements)
}

// A database written before versions were recorded: status and harvest_date
// columns, no filename, one keyword match.
const legacySchema = `
CREATE TABLE advertisements (
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
    created_at TEXT NOT NULL
);
CREATE INDEX idx_advertisements_ad_type ON advertisements(ad_type);
CREATE TABLE keywords (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    search TEXT NOT NULL UNIQUE,
    case_sensitive INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE keyword_advertisement (
    keyword_id INTEGER NOT NULL REFERENCES keywords(id) ON DELETE CASCADE,
    advertisement_id INTEGER NOT NULL REFERENCES advertisements(id),
    PRIMARY KEY (keyword_id, advertisement_id)
);
INSERT INTO advertisements (id, title, url, html_body, status, ad_type, harvest_date, created_at)
VALUES (7, 'Controller', 'https://example.com/jobs/7', '<html></html>', 200, 'karriere', '2021-05-01', '2021-05-01T10:00:00Z'),
       (9, NULL, 'https://example.com/jobs/9', '<html></html>', 404, 'stepstone', '2021-05-02', '2021-05-02T10:00:00Z');
INSERT INTO keywords (id, title, search) VALUES (1, 'Controlling', 'controll');
INSERT INTO keyword_advertisement (keyword_id, advertisement_id) VALUES (1, 7);
`

func TestOpenMigratesLegacyDatabase(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "legacy.db")

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, legacySchema)
	require.NoError(t, err)
	stamped, err := legacyVersion(ctx, raw)
	require.NoError(t, err)
	require.Equal(t, 1, stamped)
	require.NoError(t, raw.Close())

	st, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	version, err := schemaVersion(ctx, st.db)
	require.NoError(t, err)
	require.Equal(t, latestVersion(), version)

	ad, err := st.Get(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, "Controller", ad.Title)
	require.Equal(t, 200, ad.HTTPStatus)
	require.Equal(t, "karriere", ad.AdType)
	require.Equal(t, 2021, ad.CreatedAt.Year())

	ad, err = st.Get(ctx, 9)
	require.NoError(t, err)
	require.Equal(t, 404, ad.HTTPStatus)

	// Existing matches count as analysed; the unmatched row is still pending.
	matched, err := st.MatchedKeywords(ctx, 7)
	require.NoError(t, err)
	require.Equal(t, []string{"Controlling"}, matched)

	pending, err := st.PendingAnalysis(ctx, rangeAll, 0, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.EqualValues(t, 9, pending[0].ID)

	var indexes int
	require.NoError(t, st.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM sqlite_master WHERE type = 'index' AND name = 'idx_advertisements_ad_type'`).Scan(&indexes))
	require.Equal(t, 1, indexes)

	// New rows continue after the preserved ids.
	_, id, err := st.InsertIfAbsent(ctx, newAd("https://example.com/jobs/10"))
	require.NoError(t, err)
	require.Greater(t, id, int64(9))
}

func TestLegacyVersionInference(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		schema string
		want   int
	}{
		{"empty", ``, 0},
		{"with filename", `CREATE TABLE advertisements (id INTEGER, url TEXT, status INTEGER, harvest_date TEXT, filename TEXT);`, 2},
		{"rebuilt", `CREATE TABLE advertisements (id INTEGER, url TEXT, status INTEGER, filename TEXT);`, 3},
		{"renamed", `CREATE TABLE advertisements (id INTEGER, url TEXT, http_status INTEGER, filename TEXT);`, 4},
		{"base", `CREATE TABLE advertisements (id INTEGER, url TEXT, status INTEGER, harvest_date TEXT);`, 1},
		{"rebuilt without filename", `CREATE TABLE advertisements (id INTEGER, url TEXT, status INTEGER);`, 1},
		{"renamed without filename", `CREATE TABLE advertisements (id INTEGER, url TEXT, http_status INTEGER);`, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			db, err := sql.Open("sqlite", filepath.Join(t.TempDir(), "v.db"))
			require.NoError(t, err)
			defer db.Close()
			if tt.schema != "" {
				_, err = db.ExecContext(ctx, tt.schema)
				require.NoError(t, err)
			}
			got, err := legacyVersion(ctx, db)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestOpenAddsFilenameToPartialLegacySchema(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "partial.db")

	raw, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = raw.ExecContext(ctx, `
CREATE TABLE advertisements (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT,
    description TEXT,
    company TEXT,
    location TEXT,
    url TEXT NOT NULL UNIQUE,
    html_body TEXT NOT NULL,
    http_status INTEGER,
    ad_type TEXT,
    created_at TEXT NOT NULL
);
CREATE TABLE keywords (
    id INTEGER PRIMARY KEY AUTOINCREMENT,
    title TEXT NOT NULL,
    search TEXT NOT NULL UNIQUE,
    case_sensitive INTEGER NOT NULL DEFAULT 0
);
CREATE TABLE keyword_advertisement (
    keyword_id INTEGER NOT NULL REFERENCES keywords(id) ON DELETE CASCADE,
    advertisement_id INTEGER NOT NULL REFERENCES advertisements(id),
    PRIMARY KEY (keyword_id, advertisement_id)
);
INSERT INTO advertisements (id, title, url, html_body, http_status, ad_type, created_at)
VALUES (3, 'Buchhalter', 'https://example.com/jobs/3', '<html></html>', 200, 'karriere', '2022-01-10T09:00:00Z');`)
	require.NoError(t, err)
	require.NoError(t, raw.Close())

	st, err := Open(ctx, path, zap.NewNop())
	require.NoError(t, err)
	defer st.Close()

	cols, err := tableColumns(ctx, st.db, "advertisements")
	require.NoError(t, err)
	require.True(t, cols["filename"])

	require.NoError(t, st.SetFilename(ctx, 3, "vocational/full_time/3.html"))
	ad, err := st.Get(ctx, 3)
	require.NoError(t, err)
	require.Equal(t, "vocational/full_time/3.html", ad.Filename)
	require.Equal(t, 200, ad.HTTPStatus)
}
