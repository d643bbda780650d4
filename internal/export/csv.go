package export

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// Header is the fixed column set of an assembled CSV.
var Header = []string{
	"id", "title", "description", "company", "location", "url",
	"http_status", "ad_type", "filename", "created_at",
}

// directoryHeader is the column set of the per-directory advertisements.csv.
var directoryHeader = []string{
	"job_title", "company_name", "location", "harvest_date", "url",
	"portal", "related_keywords", "filename",
}

// AssembleOptions select the rows of an assembled CSV.
type AssembleOptions struct {
	BatchSize int
	// MatchedOnly keeps advertisements with at least one keyword match.
	MatchedOnly bool
}

// Assemble writes one CSV row per advertisement in r, ascending by id, and
// returns the number of rows written.
func (e *Exporter) Assemble(ctx context.Context, w io.Writer, r crawler.Range, opts AssembleOptions) (int, error) {
	cw := csv.NewWriter(w)
	if err := cw.Write(Header); err != nil {
		return 0, fmt.Errorf("write header: %w", err)
	}

	rows := 0
	err := e.each(ctx, r, opts.BatchSize, func(ad crawler.Advertisement) error {
		if opts.MatchedOnly {
			ok, err := e.matched(ctx, ad.ID)
			if err != nil || !ok {
				return err
			}
		}
		if err := cw.Write(record(ad)); err != nil {
			return fmt.Errorf("write row %d: %w", ad.ID, err)
		}
		rows++
		return nil
	})
	if err != nil {
		return rows, err
	}

	cw.Flush()
	if err := cw.Error(); err != nil {
		return rows, fmt.Errorf("flush csv: %w", err)
	}
	e.logger.Info("csv assembled", zap.Int("rows", rows))
	return rows, nil
}

func record(ad crawler.Advertisement) []string {
	return []string{
		strconv.FormatInt(ad.ID, 10),
		ad.Title,
		ad.Description,
		ad.Company,
		ad.Location,
		ad.URL,
		strconv.Itoa(ad.HTTPStatus),
		ad.AdType,
		ad.Filename,
		formatTime(ad.CreatedAt),
	}
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(time.RFC3339)
}

func (e *Exporter) matched(ctx context.Context, id int64) (bool, error) {
	titles, err := e.store.MatchedKeywords(ctx, id)
	if err != nil {
		return false, fmt.Errorf("matched keywords for %d: %w", id, err)
	}
	return len(titles) > 0, nil
}

// directoryRow is one line of a per-directory advertisements.csv.
func directoryRow(ad crawler.Advertisement, keywords []string, filename string) []string {
	host := ""
	if u, err := url.Parse(ad.URL); err == nil {
		host = u.Host
	}
	return []string{
		ad.Title,
		ad.Company,
		ad.Location,
		formatTime(ad.CreatedAt),
		ad.URL,
		host,
		strings.Join(keywords, "; "),
		filename,
	}
}

func encodeCSV(header []string, rows [][]string) ([]byte, error) {
	var b strings.Builder
	cw := csv.NewWriter(&b)
	if err := cw.Write(header); err != nil {
		return nil, err
	}
	if err := cw.WriteAll(rows); err != nil {
		return nil, err
	}
	return []byte(b.String()), nil
}
