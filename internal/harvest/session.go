package harvest

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/metrics"
	"github.com/JakeFAU/jobad-crawler/internal/portal"
	"github.com/JakeFAU/jobad-crawler/internal/progress"
)

// State is a step of the session state machine.
type State string

// Session states.
const (
	StateFetchListing State = "FETCH_LISTING"
	StateFetchDetail  State = "FETCH_DETAIL"
	StateBackoff      State = "BACKOFF"
	StateDone         State = "DONE"
)

type session struct {
	h         *Harvester
	portal    crawler.Portal
	engine    portal.Engine
	fetcher   crawler.Fetcher
	countOnly bool
	maxPages  int
	runID     uuid.UUID
	logger    *zap.Logger

	state  State
	resume State

	listings   []string
	candidates []string
	// seen holds every listing and detail URL queued this session.
	seen        map[string]struct{}
	seenDetails map[string]struct{}
	attempts    map[string]int
	// knownIDs maps stored URLs queued for a refresh to their row id.
	knownIDs map[string]int64

	report Report
}

func (s *session) run(ctx context.Context) (Report, error) {
	s.report = Report{Portal: s.portal.Name, RunID: s.runID.String(), Started: s.h.clock.Now()}
	s.emit(progress.Event{Stage: progress.StageRunStart})
	s.logger.Info("harvest started", zap.String("run_id", s.report.RunID), zap.Bool("count_only", s.countOnly))

	err := s.loop(ctx)
	s.report.Finished = s.h.clock.Now()

	if err != nil {
		s.emit(progress.Event{Stage: progress.StageRunError, Stored: int64(s.report.Stored), Note: err.Error()})
		s.logger.Warn("harvest stopped", zap.Error(err), zap.Any("report", s.report))
		return s.report, err
	}
	s.emit(progress.Event{Stage: progress.StageRunDone, Stored: int64(s.report.Stored),
		Dur: s.report.Finished.Sub(s.report.Started)})
	s.logger.Info("harvest finished",
		zap.Int("stored", s.report.Stored),
		zap.Int("known", s.report.Known),
		zap.Int("refreshed", s.report.Refreshed),
		zap.Int("skipped", s.report.Skipped),
		zap.Int("failed", s.report.Failed),
		zap.Int("listings", s.report.Listings),
	)
	return s.report, nil
}

func (s *session) loop(ctx context.Context) error {
	if s.h.opts.BootstrapCookies && !s.countOnly {
		if err := s.bootstrap(ctx); err != nil {
			return err
		}
	}
	for _, seed := range s.engine.Seeds(s.portal) {
		s.queueListing(seed)
	}

	s.state = StateFetchListing
	for s.state != StateDone {
		var err error
		switch s.state {
		case StateFetchListing:
			err = s.fetchListing(ctx)
		case StateFetchDetail:
			err = s.fetchDetail(ctx)
		case StateBackoff:
			err = s.backoff(ctx)
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// bootstrap visits the portal root so the fetcher's cookie jar holds a
// session before the first listing request. Failures are not fatal.
func (s *session) bootstrap(ctx context.Context) error {
	root := strings.TrimRight(s.portal.URL, "/") + "/"
	if !s.h.gate.IsAllowed(ctx, s.portal.Name, root) {
		return nil
	}
	if err := s.h.gate.AwaitSlot(ctx, s.portal.Name); err != nil {
		return err
	}
	resp, err := s.fetcher.Fetch(ctx, root)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if err != nil {
		s.logger.Warn("cookie bootstrap failed", zap.Error(err))
		return nil
	}
	s.logger.Debug("cookie bootstrap", zap.Int("status", resp.StatusCode))
	return nil
}

func (s *session) queueListing(u string) {
	if _, ok := s.seen[u]; ok {
		return
	}
	s.seen[u] = struct{}{}
	s.listings = append(s.listings, u)
}

// next picks the state that follows a finished step: candidates first, then
// more listings.
func (s *session) next() {
	switch {
	case len(s.candidates) > 0:
		s.state = StateFetchDetail
	case len(s.listings) > 0 && !s.capReached():
		s.state = StateFetchListing
	default:
		s.state = StateDone
	}
}

func (s *session) capReached() bool {
	return s.maxPages > 0 && s.report.Listings >= s.maxPages
}

func (s *session) fetchListing(ctx context.Context) error {
	if len(s.listings) == 0 || s.capReached() {
		s.next()
		return nil
	}
	pageURL := s.listings[0]
	if !s.h.gate.IsAllowed(ctx, s.portal.Name, pageURL) {
		s.listings = s.listings[1:]
		s.next()
		return nil
	}

	body, err := s.fetch(ctx, pageURL)
	if err != nil {
		return s.handleFetchError(ctx, pageURL, err, StateFetchListing, func() { s.listings = s.listings[1:] })
	}
	s.listings = s.listings[1:]
	s.report.Listings++

	listing, err := s.engine.ParseListing(pageURL, body)
	if err != nil {
		s.logger.Warn("listing unparseable", zap.String("url", pageURL), zap.Error(err))
		s.next()
		return nil
	}
	for _, next := range listing.Next {
		s.queueListing(next)
	}
	for _, detail := range listing.Details {
		if err := s.queueCandidate(ctx, detail); err != nil {
			return err
		}
	}
	s.logger.Debug("listing processed",
		zap.String("url", pageURL),
		zap.Int("details", len(listing.Details)),
		zap.Int("next", len(listing.Next)),
		zap.Int("queued", len(s.candidates)),
	)
	s.next()
	return nil
}

func (s *session) queueCandidate(ctx context.Context, raw string) error {
	u, err := crawler.CanonicalURL(raw)
	if err != nil {
		s.skip(raw, "invalid advertisement url")
		return nil
	}
	if _, ok := s.seen[u]; ok {
		return nil
	}
	s.seen[u] = struct{}{}
	s.seenDetails[u] = struct{}{}
	if s.countOnly {
		return nil
	}

	id, found, err := s.h.store.LookupURL(ctx, u)
	if err != nil {
		return err
	}
	if found {
		if !s.h.opts.RefreshExisting {
			s.report.Known++
			metrics.ObserveAdvertisement(s.portal.Name, "known")
			return nil
		}
		s.knownIDs[u] = id
	}
	s.candidates = append(s.candidates, u)
	return nil
}

func (s *session) fetchDetail(ctx context.Context) error {
	if len(s.candidates) == 0 {
		s.next()
		return nil
	}
	u := s.candidates[0]
	pop := func() { s.candidates = s.candidates[1:] }

	if !s.h.gate.IsAllowed(ctx, s.portal.Name, u) {
		pop()
		s.skip(u, "disallowed by robots.txt")
		s.next()
		return nil
	}

	resp, err := s.fetchResponse(ctx, u)
	if err == nil {
		err = crawler.ClassifyResponse(u, resp, nil)
	}
	if err != nil {
		if id, known := s.knownIDs[u]; known && !crawler.IsTransient(err) && resp.StatusCode > 0 {
			s.refresh(ctx, id, resp.StatusCode, "")
		}
		return s.handleFetchError(ctx, u, err, StateFetchDetail, pop)
	}
	pop()

	if id, known := s.knownIDs[u]; known {
		s.refresh(ctx, id, resp.StatusCode, s.engine.Name())
		s.next()
		return nil
	}

	fields, err := s.engine.ParseDetail(u, resp.Body)
	if err != nil {
		s.skip(u, err.Error())
		s.next()
		return nil
	}
	if err := s.store(ctx, u, resp, fields); err != nil {
		return err
	}
	s.next()
	return nil
}

// store writes a fetched advertisement. The write is detached from ctx so a
// cancellation cannot drop a document that was already fetched.
func (s *session) store(ctx context.Context, u string, resp crawler.FetchResponse, fields crawler.Fields) error {
	writeCtx := context.WithoutCancel(ctx)
	ad := crawler.Advertisement{
		Title:       fields.Title,
		Description: fields.Description,
		Company:     fields.Company,
		Location:    fields.Location,
		URL:         u,
		HTMLBody:    string(resp.Body),
		HTTPStatus:  resp.StatusCode,
		AdType:      s.engine.Name(),
		CreatedAt:   s.h.clock.Now(),
	}
	stored, id, err := s.h.store.InsertIfAbsent(writeCtx, ad)
	if err != nil {
		return err
	}
	if !stored {
		// Another session stored the URL first (cross-posted advertisement).
		s.report.Known++
		metrics.ObserveAdvertisement(s.portal.Name, "known")
		if err := s.h.store.UpdateFetchStatus(writeCtx, id, resp.StatusCode, ""); err != nil {
			s.logger.Warn("refresh after lost insert failed", zap.Int64("id", id), zap.Error(err))
		}
		return nil
	}

	s.report.Stored++
	metrics.ObserveAdvertisement(s.portal.Name, "stored")
	s.emit(progress.Event{Stage: progress.StageAdStored, URL: u, Stored: int64(s.report.Stored)})
	s.logger.Debug("advertisement stored", zap.Int64("id", id), zap.String("url", u))
	s.publish(writeCtx, id, ad)
	return nil
}

func (s *session) publish(ctx context.Context, id int64, ad crawler.Advertisement) {
	if s.h.publisher == nil || s.h.opts.Topic == "" {
		return
	}
	evt := crawler.StoredEvent{
		ID:         id,
		URL:        ad.URL,
		Portal:     s.portal.Name,
		AdType:     ad.AdType,
		HTTPStatus: ad.HTTPStatus,
		Title:      ad.Title,
		StoredAt:   ad.CreatedAt,
	}
	if _, err := s.h.publisher.Publish(ctx, s.h.opts.Topic, evt); err != nil {
		s.logger.Warn("publish stored advertisement failed", zap.Int64("id", id), zap.Error(err))
	}
}

func (s *session) refresh(ctx context.Context, id int64, status int, adType string) {
	if err := s.h.store.UpdateFetchStatus(context.WithoutCancel(ctx), id, status, adType); err != nil {
		s.logger.Warn("refresh failed", zap.Int64("id", id), zap.Error(err))
		return
	}
	if status >= http.StatusOK && status < http.StatusMultipleChoices {
		s.report.Refreshed++
		metrics.ObserveAdvertisement(s.portal.Name, "refreshed")
	}
}

// handleFetchError applies the failure policy for url. drop removes url from
// the head of its queue.
func (s *session) handleFetchError(ctx context.Context, u string, err error, resume State, drop func()) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return ctxErr
	}
	if !crawler.IsTransient(err) {
		drop()
		s.skip(u, err.Error())
		s.next()
		return nil
	}

	s.attempts[u]++
	deadline := s.h.gate.OnServerError(s.portal.Name)
	s.report.Backoffs++
	s.emit(progress.Event{Stage: progress.StageBackoff, URL: u, Note: deadline.Format(time.RFC3339)})
	s.logger.Warn("transient failure, backing off",
		zap.String("url", u),
		zap.Int("attempt", s.attempts[u]),
		zap.Time("until", deadline),
		zap.Error(err),
	)
	if s.attempts[u] >= s.h.opts.MaxAttempts {
		drop()
		s.report.Failed++
		metrics.ObserveAdvertisement(s.portal.Name, "failed")
		s.logger.Warn("giving up on url", zap.String("url", u), zap.Int("attempts", s.attempts[u]))
		s.resume = ""
	} else {
		s.resume = resume
	}
	s.state = StateBackoff
	return nil
}

func (s *session) backoff(ctx context.Context) error {
	if err := s.h.gate.WaitBackoff(ctx, s.portal.Name); err != nil {
		return err
	}
	if s.resume == "" {
		s.next()
		return nil
	}
	s.state = s.resume
	return nil
}

func (s *session) skip(u, reason string) {
	s.report.Skipped++
	metrics.ObserveAdvertisement(s.portal.Name, "skipped")
	s.logger.Info("skipping url", zap.String("url", u), zap.String("reason", reason))
}

// fetch retrieves a listing page and maps non-2xx responses to errors.
func (s *session) fetch(ctx context.Context, u string) ([]byte, error) {
	resp, err := s.fetchResponse(ctx, u)
	if err != nil {
		return nil, err
	}
	if err := crawler.ClassifyResponse(u, resp, nil); err != nil {
		return nil, err
	}
	return resp.Body, nil
}

// fetchResponse waits for a slot and issues the request. Transport errors are
// returned as TransientFetchErrors.
func (s *session) fetchResponse(ctx context.Context, u string) (crawler.FetchResponse, error) {
	if err := s.h.gate.AwaitSlot(ctx, s.portal.Name); err != nil {
		return crawler.FetchResponse{}, err
	}
	start := s.h.clock.Now()
	resp, err := s.fetcher.Fetch(ctx, u)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return crawler.FetchResponse{}, ctxErr
	}
	dur := resp.Duration
	if dur == 0 {
		dur = s.h.clock.Now().Sub(start)
	}
	if err != nil {
		s.emit(progress.Event{Stage: progress.StageFetchDone, URL: u, StatusClass: progress.StatusOther, Dur: dur, Note: err.Error()})
		return crawler.FetchResponse{}, crawler.ClassifyResponse(u, resp, err)
	}
	s.emit(progress.Event{
		Stage:       progress.StageFetchDone,
		URL:         u,
		Bytes:       int64(len(resp.Body)),
		StatusClass: progress.ClassifyStatus(resp.StatusCode),
		Dur:         dur,
	})
	return resp, nil
}

func (s *session) emit(evt progress.Event) {
	evt.RunID = progress.UUIDToBytes(s.runID)
	evt.Portal = s.portal.Name
	if evt.TS.IsZero() {
		evt.TS = s.h.clock.Now()
	}
	s.h.progress.Emit(evt)
}
