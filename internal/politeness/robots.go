package politeness

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// robotsCache holds the parsed robots.txt of a single portal.
type robotsCache struct {
	robotsURL string
	userAgent string

	mu   sync.Mutex
	data *robotstxt.RobotsData
}

func newRobotsCache(baseURL, userAgent string) *robotsCache {
	return &robotsCache{robotsURL: baseURL + "/robots.txt", userAgent: userAgent}
}

// allowed reports whether rawURL may be fetched. A 4xx robots.txt allows
// everything and a 5xx disallows everything. loaded is true only for the
// call that populated the cache; crawlDelay is meaningful only then. Fetch
// failures are returned and leave the cache empty so a later call retries.
func (r *robotsCache) allowed(ctx context.Context, fetcher crawler.Fetcher, rawURL string) (ok bool, crawlDelay time.Duration, loaded bool, err error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return false, 0, false, nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.data == nil {
		resp, ferr := fetcher.Fetch(ctx, r.robotsURL)
		if ferr != nil {
			return true, 0, false, fmt.Errorf("fetch robots: %w", ferr)
		}
		data, perr := robotstxt.FromStatusAndBytes(resp.StatusCode, resp.Body)
		if perr != nil {
			return true, 0, false, fmt.Errorf("parse robots: %w", perr)
		}
		r.data = data
		loaded = true
		crawlDelay = data.FindGroup(r.userAgent).CrawlDelay
	}
	return r.data.TestAgent(parsed.RequestURI(), r.userAgent), crawlDelay, loaded, nil
}
