package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

const advertisementColumns = `id, COALESCE(title, ''), COALESCE(description, ''), COALESCE(company, ''),
    COALESCE(location, ''), url, html_body, COALESCE(http_status, 0), COALESCE(ad_type, ''),
    COALESCE(filename, ''), created_at`

func scanAdvertisement(row pgx.Row) (crawler.Advertisement, error) {
	var ad crawler.Advertisement
	err := row.Scan(&ad.ID, &ad.Title, &ad.Description, &ad.Company, &ad.Location, &ad.URL,
		&ad.HTMLBody, &ad.HTTPStatus, &ad.AdType, &ad.Filename, &ad.CreatedAt)
	return ad, err
}

// InsertIfAbsent stores ad unless its URL is already present.
func (s *Store) InsertIfAbsent(ctx context.Context, ad crawler.Advertisement) (bool, int64, error) {
	createdAt := ad.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return false, 0, storageErr("insert advertisement", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	var id int64
	err = tx.QueryRow(ctx, `
INSERT INTO advertisements (title, description, company, location, url, html_body, http_status, ad_type, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
ON CONFLICT (url) DO NOTHING
RETURNING id`,
		nullable(ad.Title), nullable(ad.Description), nullable(ad.Company), nullable(ad.Location),
		ad.URL, ad.HTMLBody, ad.HTTPStatus, nullable(ad.AdType), createdAt,
	).Scan(&id)

	stored := true
	if errors.Is(err, pgx.ErrNoRows) {
		stored = false
		err = tx.QueryRow(ctx, `SELECT id FROM advertisements WHERE url = $1`, ad.URL).Scan(&id)
	}
	if err != nil {
		return false, 0, storageErr("insert advertisement", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return false, 0, storageErr("insert advertisement", err)
	}
	return stored, id, nil
}

// LookupURL returns the id stored under url.
func (s *Store) LookupURL(ctx context.Context, url string) (int64, bool, error) {
	var id int64
	err := s.db.QueryRow(ctx, `SELECT id FROM advertisements WHERE url = $1`, url).Scan(&id)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return 0, false, nil
	case err != nil:
		return 0, false, storageErr("lookup url", err)
	}
	return id, true, nil
}

// Get loads one advertisement.
func (s *Store) Get(ctx context.Context, id int64) (crawler.Advertisement, error) {
	ad, err := scanAdvertisement(s.db.QueryRow(ctx,
		`SELECT `+advertisementColumns+` FROM advertisements WHERE id = $1`, id))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		return crawler.Advertisement{}, fmt.Errorf("advertisement %d: %w", id, crawler.ErrNotFound)
	case err != nil:
		return crawler.Advertisement{}, storageErr("get advertisement", err)
	}
	return ad, nil
}

// GetRange returns every advertisement in r ordered by id.
func (s *Store) GetRange(ctx context.Context, r crawler.Range) ([]crawler.Advertisement, error) {
	var a args
	where := a.rangeClause("id", r)
	return s.queryAdvertisements(ctx, "get range",
		`SELECT `+advertisementColumns+` FROM advertisements WHERE `+where+` ORDER BY id`, a.values...)
}

// GetBatch returns up to limit advertisements in r with an id above afterID.
func (s *Store) GetBatch(ctx context.Context, r crawler.Range, afterID int64, limit int) ([]crawler.Advertisement, error) {
	var a args
	where := a.rangeClause("id", r)
	query := `SELECT ` + advertisementColumns + ` FROM advertisements WHERE ` + where +
		` AND id > ` + a.add(afterID) + ` ORDER BY id LIMIT ` + a.add(limit)
	return s.queryAdvertisements(ctx, "get batch", query, a.values...)
}

func (s *Store) queryAdvertisements(ctx context.Context, op, query string, values ...any) ([]crawler.Advertisement, error) {
	rows, err := s.db.Query(ctx, query, values...)
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

// SetFilename records the export location.
func (s *Store) SetFilename(ctx context.Context, id int64, filename string) error {
	return s.updateOne(ctx, "set filename", id,
		`UPDATE advertisements SET filename = $1 WHERE id = $2`, filename, id)
}

// UpdateFetchStatus refreshes the HTTP status; an empty adType keeps the
// stored value.
func (s *Store) UpdateFetchStatus(ctx context.Context, id int64, httpStatus int, adType string) error {
	return s.updateOne(ctx, "update fetch status", id,
		`UPDATE advertisements SET http_status = $1, ad_type = COALESCE($2, ad_type) WHERE id = $3`,
		httpStatus, nullable(adType), id)
}

// UpdateFields overwrites the parsed fields.
func (s *Store) UpdateFields(ctx context.Context, id int64, f crawler.Fields) error {
	return s.updateOne(ctx, "update fields", id,
		`UPDATE advertisements SET title = $1, description = $2, company = $3, location = $4 WHERE id = $5`,
		nullable(f.Title), nullable(f.Description), nullable(f.Company), nullable(f.Location), id)
}

func (s *Store) updateOne(ctx context.Context, op string, id int64, query string, values ...any) error {
	tag, err := s.db.Exec(ctx, query, values...)
	if err != nil {
		return storageErr(op, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("advertisement %d: %w", id, crawler.ErrNotFound)
	}
	return nil
}

// Stats summarises the store.
func (s *Store) Stats(ctx context.Context) (crawler.Stats, error) {
	stats := crawler.Stats{ByAdType: make(map[string]int64)}
	err := s.db.QueryRow(ctx, `
SELECT
    (SELECT COUNT(*) FROM advertisements),
    (SELECT COUNT(*) FROM keyword_analysis),
    (SELECT COUNT(*) FROM keyword_advertisement),
    (SELECT COUNT(*) FROM advertisements WHERE filename IS NOT NULL)`,
	).Scan(&stats.Advertisements, &stats.Analyzed, &stats.Matches, &stats.Exported)
	if err != nil {
		return crawler.Stats{}, storageErr("stats", err)
	}

	rows, err := s.db.Query(ctx,
		`SELECT COALESCE(ad_type, ''), COUNT(*) FROM advertisements GROUP BY 1 ORDER BY 1`)
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
		stats.ByAdType[adType] = n
	}
	if err := rows.Err(); err != nil {
		return crawler.Stats{}, storageErr("stats", err)
	}
	return stats, nil
}
