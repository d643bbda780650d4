package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

const advertisementColumns = `id, title, description, company, location, url, html_body, http_status, ad_type, filename, created_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAdvertisement(row rowScanner) (crawler.Advertisement, error) {
	var (
		ad                                    crawler.Advertisement
		title, description, company, location sql.NullString
		adType, filename                      sql.NullString
		status                                sql.NullInt64
		created                               sqlTime
	)
	err := row.Scan(&ad.ID, &title, &description, &company, &location, &ad.URL, &ad.HTMLBody,
		&status, &adType, &filename, &created)
	if err != nil {
		return crawler.Advertisement{}, err
	}
	ad.Title = title.String
	ad.Description = description.String
	ad.Company = company.String
	ad.Location = location.String
	ad.HTTPStatus = int(status.Int64)
	ad.AdType = adType.String
	ad.Filename = filename.String
	ad.CreatedAt = created.Time
	return ad, nil
}

// InsertIfAbsent stores ad unless its URL is already present. The returned id
// is the row holding the URL either way.
func (s *Store) InsertIfAbsent(ctx context.Context, ad crawler.Advertisement) (bool, int64, error) {
	createdAt := s.timestamp()
	if !ad.CreatedAt.IsZero() {
		createdAt = ad.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return false, 0, storageErr("insert advertisement", err)
	}
	defer func() { _ = tx.Rollback() }()

	var id int64
	err = tx.QueryRowContext(ctx, `
INSERT INTO advertisements (title, description, company, location, url, html_body, http_status, ad_type, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(url) DO NOTHING
RETURNING id`,
		nullString(ad.Title), nullString(ad.Description), nullString(ad.Company), nullString(ad.Location),
		ad.URL, ad.HTMLBody, ad.HTTPStatus, nullString(ad.AdType), createdAt,
	).Scan(&id)

	stored := true
	if errors.Is(err, sql.ErrNoRows) {
		stored = false
		err = tx.QueryRowContext(ctx, `SELECT id FROM advertisements WHERE url = ?`, ad.URL).Scan(&id)
	}
	if err != nil {
		return false, 0, storageErr("insert advertisement", err)
	}
	if err := tx.Commit(); err != nil {
		return false, 0, storageErr("insert advertisement", err)
	}
	return stored, id, nil
}

// LookupURL returns the id of the advertisement stored under url.
func (s *Store) LookupURL(ctx context.Context, url string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRowContext(ctx, `SELECT id FROM advertisements WHERE url = ?`, url).Scan(&id)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, storageErr("lookup url", err)
	}
	return id, true, nil
}

// Get loads one advertisement.
func (s *Store) Get(ctx context.Context, id int64) (crawler.Advertisement, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+advertisementColumns+` FROM advertisements WHERE id = ?`, id)
	ad, err := scanAdvertisement(row)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		return crawler.Advertisement{}, fmt.Errorf("advertisement %d: %w", id, crawler.ErrNotFound)
	case err != nil:
		return crawler.Advertisement{}, storageErr("get advertisement", err)
	}
	return ad, nil
}

// GetRange returns every advertisement in r ordered by id.
func (s *Store) GetRange(ctx context.Context, r crawler.Range) ([]crawler.Advertisement, error) {
	where, args := rangeClause("id", r)
	return s.queryAdvertisements(ctx, "get range",
		`SELECT `+advertisementColumns+` FROM advertisements WHERE `+where+` ORDER BY id`, args...)
}

// GetBatch returns up to limit advertisements in r with an id above afterID.
func (s *Store) GetBatch(ctx context.Context, r crawler.Range, afterID int64, limit int) ([]crawler.Advertisement, error) {
	where, args := rangeClause("id", r)
	args = append(args, afterID, limit)
	return s.queryAdvertisements(ctx, "get batch",
		`SELECT `+advertisementColumns+` FROM advertisements WHERE `+where+` AND id > ? ORDER BY id LIMIT ?`, args...)
}

func (s *Store) queryAdvertisements(ctx context.Context, op, query string, args ...any) ([]crawler.Advertisement, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var ads []crawler.Advertisement
	for rows.Next() {
		ad, err := scanAdvertisement(rows)
		if err != nil {
			return nil, storageErr(op, err)
		}
		ads = append(ads, ad)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return ads, nil
}

// SetFilename records where the advertisement was exported to.
func (s *Store) SetFilename(ctx context.Context, id int64, filename string) error {
	return s.updateOne(ctx, "set filename", id,
		`UPDATE advertisements SET filename = ? WHERE id = ?`, filename, id)
}

// UpdateFetchStatus refreshes the HTTP status of a known advertisement. An
// empty adType keeps the stored value.
func (s *Store) UpdateFetchStatus(ctx context.Context, id int64, httpStatus int, adType string) error {
	return s.updateOne(ctx, "update fetch status", id,
		`UPDATE advertisements SET http_status = ?, ad_type = COALESCE(?, ad_type) WHERE id = ?`,
		httpStatus, nullString(adType), id)
}

// UpdateFields overwrites the parsed fields of an advertisement.
func (s *Store) UpdateFields(ctx context.Context, id int64, f crawler.Fields) error {
	return s.updateOne(ctx, "update fields", id,
		`UPDATE advertisements SET title = ?, description = ?, company = ?, location = ? WHERE id = ?`,
		nullString(f.Title), nullString(f.Description), nullString(f.Company), nullString(f.Location), id)
}

func (s *Store) updateOne(ctx context.Context, op string, id int64, query string, args ...any) error {
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return storageErr(op, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return storageErr(op, err)
	}
	if n == 0 {
		return fmt.Errorf("advertisement %d: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// Stats summarises the store.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	stats := crawler.Stats{ByAdType: make(map[string]int64)}
	err := s.db.QueryRowContext(ctx, `
SELECT
    (SELECT COUNT(*) FROM advertisements),
    (SELECT COUNT(*) FROM keyword_analysis),
    (SELECT COUNT(*) FROM keyword_advertisement),
    (SELECT COUNT(*) FROM advertisements WHERE filename IS NOT NULL)`,
	).Scan(&stats.Advertisements, &stats.Analyzed, &stats.Matches, &stats.Exported)
	if err != nil {
		return crawler.Stats{}, storageErr("stats", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT COALESCE(ad_type, ''), COUNT(*) FROM advertisements GROUP BY ad_type ORDER BY ad_type`)
	if err != nil {
		return crawler.Stats{}, storageErr("stats", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			adType string
			n      int64
		)
		if err := rows.Scan(&adType, &n); err != nil {
			return crawler.Stats{}, storageErr("stats", err)
		}
		stats.ByAdType[adType] += n
	}
	if err := rows.Err(); err != nil {
		return crawler.Stats{}, storageErr("stats", err)
	}
	return stats, nil
}
