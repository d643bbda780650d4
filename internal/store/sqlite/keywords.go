package sqlite

import (
	"context"
	"database/sql"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// SyncKeywords upserts rules keyed by their search pattern.
func (s *Store) SyncKeywords(ctx context.Context, rules []crawler.KeywordRule) (map[string]int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, storageErr("sync keywords", err)
	}
	defer func() { _ = tx.Rollback() }()

	ids := make(map[string]int64, len(rules))
	for _, rule := range rules {
		var id int64
		err := tx.QueryRowContext(ctx, `
INSERT INTO keywords (title, search, case_sensitive) VALUES (?, ?, ?)
ON CONFLICT(search) DO UPDATE SET title = excluded.title, case_sensitive = excluded.case_sensitive
RETURNING id`, rule.Title, rule.Search, rule.CaseSensitive).Scan(&id)
		if err != nil {
			return nil, storageErr("sync keywords", err)
		}
		ids[rule.Search] = id
	}
	if err := tx.Commit(); err != nil {
		return nil, storageErr("sync keywords", err)
	}
	return ids, nil
}

// ResetAnalysis forgets matches and analysis markers for advertisements in r.
func (s *Store) ResetAnalysis(ctx context.Context, r crawler.Range) error {
	where, args := rangeClause("advertisement_id", r)

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("reset analysis", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, `DELETE FROM keyword_advertisement WHERE `+where, args...); err != nil {
		return storageErr("reset analysis", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM keyword_analysis WHERE `+where, args...); err != nil {
		return storageErr("reset analysis", err)
	}
	return storageErr("reset analysis", tx.Commit())
}

// PendingAnalysis returns advertisements in r that carry no analysis marker.
func (s *Store) PendingAnalysis(ctx context.Context, r crawler.Range, afterID int64, limit int) ([]crawler.Advertisement, error) {
	where, args := rangeClause("a.id", r)
	args = append(args, afterID, limit)
	return s.queryAdvertisements(ctx, "pending analysis", `
SELECT a.id, a.title, a.description, a.company, a.location, a.url, a.html_body, a.http_status, a.ad_type, a.filename, a.created_at
FROM advertisements a
WHERE `+where+` AND a.id > ?
  AND NOT EXISTS (SELECT 1 FROM keyword_analysis k WHERE k.advertisement_id = a.id)
ORDER BY a.id
LIMIT ?`, args...)
}

// RecordAnalysis stores the matches of one advertisement together with its
// analysis marker.
func (s *Store) RecordAnalysis(ctx context.Context, adID int64, keywordIDs []int64) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("record analysis", err)
	}
	defer func() { _ = tx.Rollback() }()

	for _, kw := range keywordIDs {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO keyword_advertisement (keyword_id, advertisement_id) VALUES (?, ?)`,
			kw, adID); err != nil {
			return storageErr("record analysis", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO keyword_analysis (advertisement_id, analyzed_at) VALUES (?, ?)
ON CONFLICT(advertisement_id) DO UPDATE SET analyzed_at = excluded.analyzed_at`,
		adID, s.timestamp()); err != nil {
		return storageErr("record analysis", err)
	}
	return storageErr("record analysis", tx.Commit())
}

// MatchedKeywords returns the titles of the keywords matched by an
// advertisement.
func (s *Store) MatchedKeywords(ctx context.Context, adID int64) ([]string, error) {
	return s.queryStrings(ctx, "matched keywords", `
SELECT k.title FROM keyword_advertisement ka
JOIN keywords k ON k.id = ka.keyword_id
WHERE ka.advertisement_id = ?
ORDER BY k.id`, adID)
}

func (s *Store) queryStrings(ctx context.Context, op, query string, args ...any) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, storageErr(op, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v sql.NullString
		if err := rows.Scan(&v); err != nil {
			return nil, storageErr(op, err)
		}
		out = append(out, v.String)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(op, err)
	}
	return out, nil
}
