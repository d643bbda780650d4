package sqlite

import (
	"context"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// SaveClassification replaces the labels of one advertisement.
func (s *Store) SaveClassification(ctx context.Context, adID int64, labels []crawler.Label) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return storageErr("save classification", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM advertisement_classification WHERE advertisement_id = ?`, adID); err != nil {
		return storageErr("save classification", err)
	}
	for pos, label := range labels {
		if _, err := tx.ExecContext(ctx, `
INSERT INTO advertisement_classification (advertisement_id, category, rule, position)
VALUES (?, ?, ?, ?)`, adID, label.Category, label.Rule, pos); err != nil {
			return storageErr("save classification", err)
		}
	}
	return storageErr("save classification", tx.Commit())
}

// Classification returns the labels of an advertisement in category order.
func (s *Store) Classification(ctx context.Context, adID int64) ([]crawler.Label, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT category, rule FROM advertisement_classification
WHERE advertisement_id = ?
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
