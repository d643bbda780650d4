// Package keyword matches stored advertisements against the configured keyword
// rules and records the matches.
package keyword

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/metrics"
)

const defaultBatchSize = 100

// Rule is a keyword rule whose pattern compiled.
type Rule struct {
	crawler.KeywordRule
	ID int64
	re *regexp.Regexp
}

// Match reports whether the rule matches text.
func (r Rule) Match(text string) bool {
	return r.re.MatchString(text)
}

// Compile compiles the rules. Rules with an empty or invalid pattern are left
// out and reported as ConfigurationErrors; the others stay usable.
func Compile(rules []crawler.KeywordRule) ([]Rule, []error) {
	var (
		compiled []Rule
		errs     []error
	)
	for i, kr := range rules {
		re, err := compilePattern(kr.Search, kr.CaseSensitive)
		if err != nil {
			entity := fmt.Sprintf("keywords[%d]", i)
			if kr.Title != "" {
				entity = fmt.Sprintf("keyword %q", kr.Title)
			}
			errs = append(errs, &crawler.ConfigurationError{Entity: entity, Err: err})
			continue
		}
		compiled = append(compiled, Rule{KeywordRule: kr, re: re})
	}
	return compiled, errs
}

func compilePattern(pattern string, caseSensitive bool) (*regexp.Regexp, error) {
	if strings.TrimSpace(pattern) == "" {
		return nil, errors.New("search pattern is empty")
	}
	if !caseSensitive {
		pattern = "(?i)" + pattern
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid search pattern: %w", err)
	}
	return re, nil
}

// Options select what one analysis run covers.
type Options struct {
	Range     crawler.Range
	BatchSize int
	// Reset forgets earlier results in Range so every advertisement is
	// evaluated again.
	Reset   bool
	Workers int
}

// Summary describes one analysis run.
type Summary struct {
	Analyzed int            `json:"analyzed"`
	Matched  int            `json:"matched"`
	Batches  int            `json:"batches"`
	ByRule   map[string]int `json:"by_rule"`
}

// Analyzer evaluates keyword rules against stored advertisements.
type Analyzer struct {
	store  crawler.KeywordStore
	rules  []crawler.KeywordRule
	logger *zap.Logger
}

// New returns an Analyzer for the configured rules.
func New(store crawler.KeywordStore, rules []crawler.KeywordRule, logger *zap.Logger) *Analyzer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{store: store, rules: rules, logger: logger}
}

// Analyze evaluates every pending advertisement in opts.Range. Broken rules are
// skipped and returned, joined, after the run; storage failures abort it.
func (a *Analyzer) Analyze(ctx context.Context, opts Options) (Summary, error) {
	summary := Summary{ByRule: make(map[string]int)}

	rules, ruleErrs := Compile(a.rules)
	for _, err := range ruleErrs {
		a.logger.Error("skipping keyword rule", zap.Error(err))
	}
	if len(rules) == 0 {
		if len(ruleErrs) == 0 {
			a.logger.Warn("no keyword rules configured")
			return summary, nil
		}
		return summary, errors.Join(ruleErrs...)
	}

	if err := a.sync(ctx, rules); err != nil {
		return summary, err
	}

	if opts.Reset {
		if err := a.store.ResetAnalysis(ctx, opts.Range); err != nil {
			return summary, fmt.Errorf("reset analysis: %w", err)
		}
		a.logger.Info("analysis reset", zap.Int64("min_id", opts.Range.Min), zap.Int64("max_id", opts.Range.Max))
	}

	batchSize := opts.BatchSize
	if batchSize <= 0 {
		batchSize = defaultBatchSize
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}

	var afterID int64
	for {
		if err := ctx.Err(); err != nil {
			return summary, err
		}
		batch, err := a.store.PendingAnalysis(ctx, opts.Range, afterID, batchSize)
		if err != nil {
			return summary, fmt.Errorf("load batch after id %d: %w", afterID, err)
		}
		if len(batch) == 0 {
			break
		}
		if err := a.analyzeBatch(ctx, rules, batch, workers, &summary); err != nil {
			return summary, err
		}
		summary.Batches++
		afterID = batch[len(batch)-1].ID
		a.logger.Info("batch analyzed",
			zap.Int("batch", summary.Batches),
			zap.Int64("first_id", batch[0].ID),
			zap.Int64("last_id", afterID),
			zap.Int("analyzed", summary.Analyzed),
			zap.Int("matched", summary.Matched),
		)
	}

	a.logger.Info("analysis finished",
		zap.Int("analyzed", summary.Analyzed),
		zap.Int("matched", summary.Matched),
		zap.Int("batches", summary.Batches),
	)
	return summary, errors.Join(ruleErrs...)
}

func (a *Analyzer) sync(ctx context.Context, rules []Rule) error {
	plain := make([]crawler.KeywordRule, len(rules))
	for i, r := range rules {
		plain[i] = r.KeywordRule
	}
	ids, err := a.store.SyncKeywords(ctx, plain)
	if err != nil {
		return fmt.Errorf("sync keywords: %w", err)
	}
	for i := range rules {
		rules[i].ID = ids[rules[i].Search]
	}
	return nil
}

func (a *Analyzer) analyzeBatch(ctx context.Context, rules []Rule, batch []crawler.Advertisement, workers int, summary *Summary) error {
	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(workers)
	for _, ad := range batch {
		g.Go(func() error {
			ids, titles := evaluate(rules, ad.ClassifiableText())
			if err := a.store.RecordAnalysis(gctx, ad.ID, ids); err != nil {
				return fmt.Errorf("record analysis for %d: %w", ad.ID, err)
			}
			metrics.ObserveAnalysis(len(ids) > 0)

			mu.Lock()
			defer mu.Unlock()
			summary.Analyzed++
			if len(ids) > 0 {
				summary.Matched++
			}
			for _, t := range titles {
				summary.ByRule[t]++
			}
			return nil
		})
	}
	return g.Wait()
}

// evaluate returns the ids and titles of the rules matching text. Rules that
// share a pattern resolve to one keyword id.
func evaluate(rules []Rule, text string) ([]int64, []string) {
	var (
		ids    []int64
		titles []string
		seen   = make(map[int64]struct{}, len(rules))
	)
	for _, r := range rules {
		if !r.Match(text) {
			continue
		}
		if _, dup := seen[r.ID]; dup {
			continue
		}
		seen[r.ID] = struct{}{}
		ids = append(ids, r.ID)
		titles = append(titles, r.Title)
	}
	return ids, titles
}
