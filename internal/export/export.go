// Package export renders stored advertisements: as flat CSV, or as a directory
// tree whose levels are the filter categories.
package export

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/filter"
	"github.com/JakeFAU/jobad-crawler/internal/metrics"
)

const defaultBatchSize = 100

// Format is the document format of a tree export.
type Format string

const (
	FormatHTML Format = "html"
	FormatXML  Format = "xml"
)

// ParseFormat accepts html or xml, case-insensitively.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case FormatHTML, FormatXML:
		return f, nil
	case "":
		return FormatHTML, nil
	default:
		return "", &crawler.ConfigurationError{Entity: "export format", Err: fmt.Errorf("unsupported format %q", s)}
	}
}

// Store is the slice of the persistence surface exports need.
type Store interface {
	GetBatch(ctx context.Context, r crawler.Range, afterID int64, limit int) ([]crawler.Advertisement, error)
	SetFilename(ctx context.Context, id int64, filename string) error
	MatchedKeywords(ctx context.Context, adID int64) ([]string, error)
	SaveClassification(ctx context.Context, adID int64, labels []crawler.Label) error
}

// Exporter reads advertisements in id order and renders them.
type Exporter struct {
	store   Store
	blobs   crawler.BlobStore
	filters *filter.Set
	logger  *zap.Logger
}

// New builds an Exporter. blobs and filters are only needed by Export.
func New(store Store, blobs crawler.BlobStore, filters *filter.Set, logger *zap.Logger) *Exporter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Exporter{store: store, blobs: blobs, filters: filters, logger: logger}
}

// Options select what a tree export writes.
type Options struct {
	Range     crawler.Range
	Format    Format
	BatchSize int
	// MatchedOnly keeps advertisements with at least one keyword match.
	MatchedOnly bool
	// DirectoryCSV writes an advertisements.csv into the root and into every
	// directory level listing the documents below it.
	DirectoryCSV bool
}

// Summary describes one tree export.
type Summary struct {
	Exported int `json:"exported"`
	Failed   int `json:"failed"`
	// Categories counts advertisements per category and rule.
	Categories map[string]map[string]int `json:"categories"`
	// Directories counts advertisements.csv files written.
	Directories int `json:"directories,omitempty"`
}

// Export classifies every advertisement in opts.Range, writes its document to
// <rule>/<rule>/.../<id>.<format> through the blob store and records the
// location and the labels in the store. Re-exporting an id overwrites its
// document. A failed write is logged and counted; storage errors abort.
func (e *Exporter) Export(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{Categories: make(map[string]map[string]int)}
	if e.blobs == nil {
		return summary, errors.New("export: blob store is required")
	}
	if e.filters == nil || len(e.filters.Categories) == 0 {
		return summary, &crawler.ConfigurationError{Entity: "filters", Err: errors.New("no filter categories configured")}
	}
	format := opts.Format
	if format == "" {
		format = FormatHTML
	}
	for _, cat := range e.filters.Categories {
		summary.Categories[cat.Name] = make(map[string]int)
	}

	dirs := newDirectoryIndex()
	err := e.each(ctx, opts.Range, opts.BatchSize, func(ad crawler.Advertisement) error {
		var keywords []string
		if opts.MatchedOnly || opts.DirectoryCSV {
			var err error
			keywords, err = e.store.MatchedKeywords(ctx, ad.ID)
			if err != nil {
				return fmt.Errorf("matched keywords for %d: %w", ad.ID, err)
			}
			if opts.MatchedOnly && len(keywords) == 0 {
				return nil
			}
		}

		labels := e.filters.Labels(ad)
		dir := filter.Path(labels)
		location, err := e.write(ctx, ad, dir, format)
		if err != nil {
			summary.Failed++
			e.logger.Error("export document failed", zap.Int64("id", ad.ID), zap.Error(err))
			return nil
		}
		if err := e.store.SetFilename(ctx, ad.ID, location); err != nil {
			return fmt.Errorf("set filename for %d: %w", ad.ID, err)
		}
		if err := e.store.SaveClassification(ctx, ad.ID, labels); err != nil {
			return fmt.Errorf("save classification for %d: %w", ad.ID, err)
		}
		metrics.ObserveExport(string(format))

		for _, l := range labels {
			summary.Categories[l.Category][l.Rule]++
		}
		if opts.DirectoryCSV {
			dirs.add(dir, directoryRow(ad, keywords, location))
		}
		summary.Exported++
		if summary.Exported%100 == 0 {
			e.logger.Info("export progress", zap.Int("exported", summary.Exported), zap.Int64("last_id", ad.ID))
		}
		return nil
	})
	if err != nil {
		return summary, err
	}

	if opts.DirectoryCSV {
		n, err := e.writeDirectoryCSV(ctx, dirs)
		summary.Directories = n
		if err != nil {
			return summary, err
		}
	}

	e.logger.Info("export finished",
		zap.String("format", string(format)),
		zap.Int("exported", summary.Exported),
		zap.Int("failed", summary.Failed),
		zap.Any("categories", summary.Categories),
	)
	return summary, nil
}

// DocumentPath is the blob path of an exported document.
func DocumentPath(dir []string, id int64, format Format) string {
	parts := append(append([]string(nil), dir...), strconv.FormatInt(id, 10)+"."+string(format))
	return path.Join(parts...)
}

func (e *Exporter) write(ctx context.Context, ad crawler.Advertisement, dir []string, format Format) (string, error) {
	var (
		body        []byte
		contentType string
	)
	switch format {
	case FormatXML:
		doc, err := xmlDocument(ad)
		if err != nil {
			return "", err
		}
		body, contentType = doc, "application/xml; charset=utf-8"
	default:
		body, contentType = []byte(ad.HTMLBody), "text/html; charset=utf-8"
	}
	return e.blobs.PutObject(ctx, DocumentPath(dir, ad.ID, format), contentType, bytes.NewReader(body))
}

// each walks r in id order, batchSize rows at a time.
func (e *Exporter) each(ctx context.Context, r crawler.Range, batchSize int, fn func(crawler.Advertisement) error) error {
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		batch, err := e.store.GetBatch(ctx, r, afterID, batchSize)
		if err != nil {
			return fmt.Errorf("load batch after id %d: %w", afterID, err)
		}
		if len(batch) == 0 {
			return nil
		}
		for _, ad := range batch {
			if err := fn(ad); err != nil {
				return err
			}
		}
		afterID = batch[len(batch)-1].ID
		e.logger.Debug("batch processed", zap.Int("size", len(batch)), zap.Int64("last_id", afterID))
	}
}

// directoryIndex collects the advertisements.csv rows of every directory
// level, root included.
type directoryIndex struct {
	order []string
	rows  map[string][][]string
}

func newDirectoryIndex() *directoryIndex {
	return &directoryIndex{rows: make(map[string][][]string)}
}

func (d *directoryIndex) add(dir []string, row []string) {
	for depth := 0; depth <= len(dir); depth++ {
		key := path.Join(dir[:depth]...)
		if _, ok := d.rows[key]; !ok {
			d.order = append(d.order, key)
		}
		d.rows[key] = append(d.rows[key], row)
	}
}

func (e *Exporter) writeDirectoryCSV(ctx context.Context, dirs *directoryIndex) (int, error) {
	written := 0
	for _, dir := range dirs.order {
		data, err := encodeCSV(directoryHeader, dirs.rows[dir])
		if err != nil {
			return written, fmt.Errorf("encode %s: %w", dir, err)
		}
		if _, err := e.blobs.PutObject(ctx, path.Join(dir, "advertisements.csv"), "text/csv; charset=utf-8", bytes.NewReader(data)); err != nil {
			return written, fmt.Errorf("write advertisements.csv in %q: %w", dir, err)
		}
		written++
	}
	return written, nil
}
