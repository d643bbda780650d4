// Package politeness implements per-portal admission control: request spacing,
// robots.txt gating and server-error backoff.
package politeness

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/metrics"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper func(ctx context.Context, d time.Duration) error

// Config wires the controller's collaborators.
type Config struct {
	// Fetcher retrieves robots.txt. When nil every path is allowed.
	Fetcher   crawler.Fetcher
	UserAgent string
	Clock     crawler.Clock
	Sleep     Sleeper
	Logger    *zap.Logger
}

// Controller holds one independent state entry per portal. It is safe for
// concurrent use.
type Controller struct {
	mu      sync.Mutex
	portals map[string]*portalState

	fetcher   crawler.Fetcher
	userAgent string
	clock     crawler.Clock
	sleep     Sleeper
	logger    *zap.Logger
}

type portalState struct {
	portal   crawler.Portal
	limiter  *rate.Limiter
	robots   *robotsCache
	mu       sync.Mutex
	deadline time.Time
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

// New builds a Controller.
func New(cfg Config) *Controller {
	c := &Controller{
		portals:   make(map[string]*portalState),
		fetcher:   cfg.Fetcher,
		userAgent: cfg.UserAgent,
		clock:     cfg.Clock,
		sleep:     cfg.Sleep,
		logger:    cfg.Logger,
	}
	if c.clock == nil {
		c.clock = systemClock{}
	}
	if c.sleep == nil {
		c.sleep = Pause
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	if c.userAgent == "" {
		c.userAgent = "Crawler"
	}
	return c
}

// Register creates the portal's state. Registering an already known portal
// keeps its existing limiter and deadline.
func (c *Controller) Register(portal crawler.Portal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.portals[portal.Name]; ok {
		return
	}
	limit := rate.Inf
	if interval := portal.Interval(); interval > 0 {
		limit = rate.Every(interval)
	}
	c.portals[portal.Name] = &portalState{
		portal:  portal,
		limiter: rate.NewLimiter(limit, 1),
		robots:  newRobotsCache(portal.URL, c.userAgent),
	}
}

func (c *Controller) state(name string) (*portalState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	st, ok := c.portals[name]
	if !ok {
		return nil, fmt.Errorf("portal %q is not registered", name)
	}
	return st, nil
}

// AwaitSlot blocks until one request to the portal may be issued. Requests are
// spaced by the portal interval; a pending backoff deadline is waited out first.
func (c *Controller) AwaitSlot(ctx context.Context, portal string) error {
	st, err := c.state(portal)
	if err != nil {
		return err
	}
	if err := c.waitDeadline(ctx, st); err != nil {
		return err
	}

	now := c.clock.Now()
	reservation := st.limiter.ReserveN(now, 1)
	if !reservation.OK() {
		return fmt.Errorf("await slot for %s: limiter refused reservation", portal)
	}
	delay := reservation.DelayFrom(now)
	if delay <= 0 {
		return nil
	}
	if err := c.sleep(ctx, delay); err != nil {
		reservation.CancelAt(c.clock.Now())
		return fmt.Errorf("await slot for %s: %w", portal, err)
	}
	metrics.ObserveRateLimitDelay(portal, delay)
	// A server error reported while this caller waited moves the deadline.
	return c.waitDeadline(ctx, st)
}

// WaitBackoff blocks until the portal's retry deadline has passed without
// consuming a request slot.
func (c *Controller) WaitBackoff(ctx context.Context, portal string) error {
	st, err := c.state(portal)
	if err != nil {
		return err
	}
	return c.waitDeadline(ctx, st)
}

func (c *Controller) waitDeadline(ctx context.Context, st *portalState) error {
	for {
		st.mu.Lock()
		deadline := st.deadline
		st.mu.Unlock()

		now := c.clock.Now()
		if !now.Before(deadline) {
			return nil
		}
		if err := c.sleep(ctx, deadline.Sub(now)); err != nil {
			return fmt.Errorf("backoff for %s: %w", st.portal.Name, err)
		}
	}
}

// OnServerError puts the portal into backoff for its retry timeout and returns
// the deadline. Other portals are not affected.
func (c *Controller) OnServerError(portal string) time.Time {
	st, err := c.state(portal)
	if err != nil {
		c.logger.Warn("server error reported for unknown portal", zap.String("portal", portal))
		return c.clock.Now()
	}
	deadline := c.clock.Now().Add(st.portal.RetryTimeout)
	st.mu.Lock()
	if deadline.After(st.deadline) {
		st.deadline = deadline
	}
	deadline = st.deadline
	st.mu.Unlock()

	metrics.ObserveBackoff(portal)
	c.logger.Warn("portal backing off",
		zap.String("portal", portal),
		zap.Duration("retry_timeout", st.portal.RetryTimeout),
		zap.Time("until", deadline),
	)
	return deadline
}

// RetryDeadline reports the portal's current backoff deadline (zero when the
// portal never failed).
func (c *Controller) RetryDeadline(portal string) time.Time {
	st, err := c.state(portal)
	if err != nil {
		return time.Time{}
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.deadline
}

// IsAllowed consults the portal's robots policy. The policy is fetched on first
// use and cached for the controller's lifetime. A robots Crawl-delay longer
// than the configured interval widens the portal's spacing.
func (c *Controller) IsAllowed(ctx context.Context, portal string, rawURL string) bool {
	st, err := c.state(portal)
	if err != nil {
		c.logger.Warn("robots check for unknown portal", zap.String("portal", portal))
		return false
	}
	if c.fetcher == nil {
		return true
	}
	allowed, crawlDelay, loaded, err := st.robots.allowed(ctx, c.fetcher, rawURL)
	if err != nil {
		c.logger.Warn("robots fetch failed; allowing access",
			zap.String("portal", portal),
			zap.Error(err),
		)
		return true
	}
	if loaded && crawlDelay > st.portal.Interval() {
		c.logger.Info("robots crawl-delay exceeds configured interval",
			zap.String("portal", portal),
			zap.Duration("crawl_delay", crawlDelay),
		)
		st.limiter.SetLimitAt(c.clock.Now(), rate.Every(crawlDelay))
	}
	if !allowed {
		c.logger.Info("robots.txt disallows path; skipping",
			zap.String("portal", portal),
			zap.String("url", rawURL),
		)
	}
	return allowed
}

// Pause waits for the delay or until the context is canceled.
func Pause(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return fmt.Errorf("pause interrupted: %w", ctx.Err())
	case <-timer.C:
		return nil
	}
}
