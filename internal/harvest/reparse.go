package harvest

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/portal"
)

// ReparseStore is what Reparse reads from and writes to.
type ReparseStore interface {
	GetBatch(ctx context.Context, r crawler.Range, afterID int64, limit int) ([]crawler.Advertisement, error)
	UpdateFields(ctx context.Context, id int64, fields crawler.Fields) error
}

// ReparseOptions select the advertisements to re-parse.
type ReparseOptions struct {
	Range     crawler.Range
	BatchSize int
	// Force replaces stored fields with every value the parser yields instead
	// of only filling the missing ones.
	Force bool
}

// ReparseSummary counts the outcome per advertisement.
type ReparseSummary struct {
	Scanned   int `json:"scanned"`
	Updated   int `json:"updated"`
	Unchanged int `json:"unchanged"`
	// Unparsed counts bodies the variant could not read.
	Unparsed int `json:"unparsed"`
	// Unknown counts advertisements whose ad_type names no variant.
	Unknown int `json:"unknown"`
}

// Reparse runs the stored bodies through the parser of the variant recorded in
// ad_type, without fetching anything.
func Reparse(ctx context.Context, store ReparseStore, opts ReparseOptions, logger *zap.Logger) (ReparseSummary, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = 100
	}

	var (
		summary ReparseSummary
		afterID int64
	)
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batch, err := store.GetBatch(ctx, opts.Range, afterID, batchSize)
		if err != nil {
			return summary, fmt.Errorf("load batch after id %d: %w", afterID, err)
		}
		if len(batch) == 0 {
			break
		}
		for _, ad := range batch {
			summary.Scanned++
			engine, err := portal.Lookup(ad.AdType)
			if err != nil {
				summary.Unknown++
				logger.Debug("no variant for ad_type", zap.Int64("id", ad.ID), zap.String("ad_type", ad.AdType))
				continue
			}
			parsed, err := engine.ParseDetail(ad.URL, []byte(ad.HTMLBody))
			if err != nil {
				summary.Unparsed++
				logger.Warn("re-parse failed", zap.Int64("id", ad.ID), zap.Error(err))
				continue
			}
			current := crawler.Fields{Title: ad.Title, Description: ad.Description, Company: ad.Company, Location: ad.Location}
			merged := mergeFields(current, parsed, opts.Force)
			if merged == current {
				summary.Unchanged++
				continue
			}
			if err := store.UpdateFields(ctx, ad.ID, merged); err != nil {
				return summary, fmt.Errorf("update fields for %d: %w", ad.ID, err)
			}
			summary.Updated++
		}
		afterID = batch[len(batch)-1].ID
		logger.Info("batch re-parsed",
			zap.Int64("last_id", afterID),
			zap.Int("scanned", summary.Scanned),
			zap.Int("updated", summary.Updated),
		)
	}
	return summary, nil
}

func mergeFields(current, parsed crawler.Fields, force bool) crawler.Fields {
	pick := func(have, found string) string {
		if found == "" || (have != "" && !force) {
			return have
		}
		return found
	}
	return crawler.Fields{
		Title:       pick(current.Title, parsed.Title),
		Description: pick(current.Description, parsed.Description),
		Company:     pick(current.Company, parsed.Company),
		Location:    pick(current.Location, parsed.Location),
	}
}
