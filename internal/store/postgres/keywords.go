package postgres

import (
	"context"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// SyncKeywords upserts rules keyed by their search pattern.
func (s *Store) SyncKeywords(ctx context.Context, rules []crawler.KeywordRule) (map[string]int64, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, storageErr("sync keywords", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	ids := make(map[string]int64, len(rules))
	for _, rule := range rules {
		var id int64
		if err := tx.QueryRow(ctx, `
INSERT INTO keywords (title, search, case_sensitive) VALUES ($1, $2, $3)
ON CONFLICT (search) DO UPDATE SET title = EXCLUDED.title, case_sensitive = EXCLUDED.case_sensitive
RETURNING id`, rule.Title, rule.Search, rule.CaseSensitive).Scan(&id); err != nil {
			return nil, storageErr("sync keywords", err)
		}
		ids[rule.Search] = id
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, storageErr("sync keywords", err)
	}
	return ids, nil
}

// ResetAnalysis forgets matches and markers for advertisements in r.
func (s *Store) ResetAnalysis(ctx context.Context, r crawler.Range) error {
	var a args
	where := a.rangeClause("advertisement_id", r)

	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storageErr("reset analysis", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM keyword_advertisement WHERE `+where, a.values...); err != nil {
		return storageErr("reset analysis", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM keyword_analysis WHERE `+where, a.values...); err != nil {
		return storageErr("reset analysis", err)
	}
	return storageErr("reset analysis", tx.Commit(ctx))
}

// PendingAnalysis returns advertisements in r without an analysis marker.
func (s *Store) PendingAnalysis(ctx context.Context, r crawler.Range, afterID int64, limit int) ([]crawler.Advertisement, error) {
	var a args
	where := a.rangeClause("id", r)
	query := `SELECT ` + advertisementColumns + ` FROM advertisements
WHERE ` + where + ` AND id > ` + a.add(afterID) + `
  AND NOT EXISTS (SELECT 1 FROM keyword_analysis k WHERE k.advertisement_id = advertisements.id)
ORDER BY id
LIMIT ` + a.add(limit)
	return s.queryAdvertisements(ctx, "pending analysis", query, a.values...)
}

// RecordAnalysis writes matches and the analysis marker in one transaction.
func (s *Store) RecordAnalysis(ctx context.Context, adID int64, keywordIDs []int64) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storageErr("record analysis", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if len(keywordIDs) > 0 {
		if _, err := tx.Exec(ctx, `
INSERT INTO keyword_advertisement (keyword_id, advertisement_id)
SELECT unnest($1::bigint[]), $2
ON CONFLICT DO NOTHING`, keywordIDs, adID); err != nil {
			return storageErr("record analysis", err)
		}
	}
	if _, err := tx.Exec(ctx, `
INSERT INTO keyword_analysis (advertisement_id, analyzed_at) VALUES ($1, now())
ON CONFLICT (advertisement_id) DO UPDATE SET analyzed_at = EXCLUDED.analyzed_at`, adID); err != nil {
		return storageErr("record analysis", err)
	}
	return storageErr("record analysis", tx.Commit(ctx))
}

// MatchedKeywords returns the titles of matched keywords.
func (s *Store) MatchedKeywords(ctx context.Context, adID int64) ([]string, error) {
	rows, err := s.db.Query(ctx, `
SELECT k.title FROM keyword_advertisement ka
JOIN keywords k ON k.id = ka.keyword_id
WHERE ka.advertisement_id = $1
ORDER BY k.id`, adID)
	if err != nil {
		return nil, storageErr("matched keywords", err)
	}
	defer rows.Close()

	var titles []string
	for rows.Next() {
		var title string
		if err := rows.Scan(&title); err != nil {
			return nil, storageErr("matched keywords", err)
		}
		titles = append(titles, title)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("matched keywords", err)
	}
	return titles, nil
}

// SaveClassification replaces the labels of one advertisement.
func (s *Store) SaveClassification(ctx context.Context, adID int64, labels []crawler.Label) error {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return storageErr("save classification", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `DELETE FROM advertisement_classification WHERE advertisement_id = $1`, adID); err != nil {
		return storageErr("save classification", err)
	}
	for pos, label := range labels {
		if _, err := tx.Exec(ctx, `
INSERT INTO advertisement_classification (advertisement_id, category, rule, position)
VALUES ($1, $2, $3, $4)`, adID, label.Category, label.Rule, pos); err != nil {
			return storageErr("save classification", err)
		}
	}
	return storageErr("save classification", tx.Commit(ctx))
}

// Classification returns the labels in category order.
func (s *Store) Classification(ctx context.Context, adID int64) ([]crawler.Label, error) {
	rows, err := s.db.Query(ctx, `
SELECT category, rule FROM advertisement_classification
WHERE advertisement_id = $1
ORDER BY position`, adID)
	if err != nil {
		return nil, storageErr("classification", err)
	}
	defer rows.Close()

	var labels []crawler.Label
	for rows.Next() {
		var l crawler.Label
		if err := rows.Scan(&l.Category, &l.Rule); err != nil {
			return nil, storageErr("classification", err)
		}
		labels = append(labels, l)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr("classification", err)
	}
	return labels, nil
}
