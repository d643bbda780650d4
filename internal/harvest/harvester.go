// Package harvest drives one crawl session per portal: listing pages are
// walked, new detail pages fetched and parsed, and advertisements stored once
// per URL. Admission control is delegated to a Gate.
package harvest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/portal"
	"github.com/JakeFAU/jobad-crawler/internal/progress"
)

// Gate admits requests to a portal. politeness.Controller implements it.
type Gate interface {
	Register(p crawler.Portal)
	AwaitSlot(ctx context.Context, portal string) error
	WaitBackoff(ctx context.Context, portal string) error
	OnServerError(portal string) time.Time
	IsAllowed(ctx context.Context, portal string, url string) bool
}

// FetcherFactory returns the fetcher used for one portal session. Sessions do
// not share fetchers so cookies stay per portal.
type FetcherFactory func(p crawler.Portal) crawler.Fetcher

// Options tune session behaviour.
type Options struct {
	// MaxAttempts caps transient failures per URL within a session.
	MaxAttempts int
	// MaxListingPages applies when the portal sets no cap of its own. Zero
	// means unlimited.
	MaxListingPages  int
	BootstrapCookies bool
	// RefreshExisting re-fetches known URLs and refreshes their status.
	RefreshExisting bool
	// Topic receives a StoredEvent per new advertisement. Empty disables
	// publishing.
	Topic string
}

// Config wires a Harvester.
type Config struct {
	Store     crawler.AdvertisementStore
	Gate      Gate
	Fetchers  FetcherFactory
	Publisher crawler.Publisher
	Progress  progress.Emitter
	Clock     crawler.Clock
	IDs       crawler.IDGenerator
	Logger    *zap.Logger
	Options   Options
}

// Harvester runs portal sessions.
type Harvester struct {
	store     crawler.AdvertisementStore
	gate      Gate
	fetchers  FetcherFactory
	publisher crawler.Publisher
	progress  progress.Emitter
	clock     crawler.Clock
	ids       crawler.IDGenerator
	logger    *zap.Logger
	opts      Options
}

type wallClock struct{}

func (wallClock) Now() time.Time { return time.Now().UTC() }

// New builds a Harvester. Store, Gate and Fetchers are required.
func New(cfg Config) (*Harvester, error) {
	if cfg.Store == nil || cfg.Gate == nil || cfg.Fetchers == nil {
		return nil, errors.New("harvest: store, gate and fetchers are required")
	}
	h := &Harvester{
		store:     cfg.Store,
		gate:      cfg.Gate,
		fetchers:  cfg.Fetchers,
		publisher: cfg.Publisher,
		progress:  cfg.Progress,
		clock:     cfg.Clock,
		ids:       cfg.IDs,
		logger:    cfg.Logger,
		opts:      cfg.Options,
	}
	if h.progress == nil {
		h.progress = progress.Discard{}
	}
	if h.clock == nil {
		h.clock = wallClock{}
	}
	if h.logger == nil {
		h.logger = zap.NewNop()
	}
	if h.opts.MaxAttempts <= 0 {
		h.opts.MaxAttempts = 3
	}
	return h, nil
}

// Report summarises one portal session.
type Report struct {
	Portal string `json:"portal"`
	RunID  string `json:"run_id"`
	// Stored counts advertisements written by this session.
	Stored int `json:"stored"`
	// Known counts candidate URLs that were already in the store.
	Known     int `json:"known"`
	Refreshed int `json:"refreshed"`
	// Skipped counts URLs dropped for the session: robots-disallowed, client
	// errors and unparseable documents.
	Skipped  int       `json:"skipped"`
	Failed   int       `json:"failed"`
	Listings int       `json:"listings"`
	Backoffs int       `json:"backoffs"`
	Started  time.Time `json:"started"`
	Finished time.Time `json:"finished"`
}

// Harvest runs one session for p until its listings are exhausted, the page
// cap is reached or ctx is cancelled. Work left in the queues is picked up by
// the next run through deduplication.
func (h *Harvester) Harvest(ctx context.Context, p crawler.Portal) (Report, error) {
	s, err := h.newSession(p, false)
	if err != nil {
		return Report{Portal: p.Name}, err
	}
	return s.run(ctx)
}

// Count walks the listing pages of p and returns the number of distinct detail
// URLs they reference. Nothing is stored.
func (h *Harvester) Count(ctx context.Context, p crawler.Portal) (int, error) {
	s, err := h.newSession(p, true)
	if err != nil {
		return 0, err
	}
	if _, err := s.run(ctx); err != nil {
		return len(s.seenDetails), err
	}
	return len(s.seenDetails), nil
}

// HarvestAll runs the portals concurrently, at most concurrency at a time. A
// failing portal does not stop the others; all failures are joined.
func (h *Harvester) HarvestAll(ctx context.Context, portals []crawler.Portal, concurrency int) ([]Report, error) {
	if concurrency <= 0 {
		concurrency = 1
	}
	reports := make([]Report, len(portals))
	var (
		mu   sync.Mutex
		errs []error
	)

	var g errgroup.Group
	g.SetLimit(concurrency)
	for i, p := range portals {
		g.Go(func() error {
			report, err := h.Harvest(ctx, p)
			reports[i] = report
			if err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("portal %s: %w", p.Name, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, errors.Join(errs...)
}

func (h *Harvester) newSession(p crawler.Portal, countOnly bool) (*session, error) {
	engine, err := portal.Lookup(p.Engine)
	if err != nil {
		return nil, err
	}
	runID, err := h.runID()
	if err != nil {
		return nil, err
	}
	maxPages := p.MaxListingPages
	if maxPages <= 0 {
		maxPages = h.opts.MaxListingPages
	}
	h.gate.Register(p)
	return &session{
		h:           h,
		portal:      p,
		engine:      engine,
		fetcher:     h.fetchers(p),
		countOnly:   countOnly,
		maxPages:    maxPages,
		runID:       runID,
		seen:        make(map[string]struct{}),
		seenDetails: make(map[string]struct{}),
		attempts:    make(map[string]int),
		knownIDs:    make(map[string]int64),
		logger:      h.logger.With(zap.String("portal", p.Name), zap.String("engine", engine.Name())),
	}, nil
}

func (h *Harvester) runID() (uuid.UUID, error) {
	if h.ids == nil {
		return uuid.NewV7()
	}
	raw, err := h.ids.NewID()
	if err != nil {
		return uuid.Nil, fmt.Errorf("run id: %w", err)
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("run id %q: %w", raw, err)
	}
	return id, nil
}
