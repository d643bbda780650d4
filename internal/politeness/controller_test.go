package politeness

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// fakeClock advances only when the controller sleeps.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	sleeps []time.Duration
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 1, 8, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func (c *fakeClock) Sleep(ctx context.Context, d time.Duration) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	c.sleeps = append(c.sleeps, d)
	c.now = c.now.Add(d)
	c.mu.Unlock()
	return nil
}

type robotsFetcher struct {
	mu     sync.Mutex
	status int
	body   string
	err    error
	calls  int
}

func (f *robotsFetcher) Fetch(_ context.Context, url string) (crawler.FetchResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return crawler.FetchResponse{}, f.err
	}
	return crawler.FetchResponse{URL: url, StatusCode: f.status, Body: []byte(f.body)}, nil
}

func portal(name string, rpm float64, retry time.Duration) crawler.Portal {
	return crawler.Portal{Name: name, URL: "https://" + name + ".example", RequestsPerMinute: rpm, RetryTimeout: retry}
}

func TestAwaitSlotSpacesRequests(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	ctrl := New(Config{Clock: clock, Sleep: clock.Sleep})
	ctrl.Register(portal("stepstone", 2, 15*time.Minute))

	ctx := context.Background()
	start := clock.Now()
	var issued []time.Time
	for i := 0; i < 4; i++ {
		require.NoError(t, ctrl.AwaitSlot(ctx, "stepstone"))
		issued = append(issued, clock.Now())
	}

	require.Equal(t, start, issued[0], "first request is immediate")
	for i := 1; i < len(issued); i++ {
		require.GreaterOrEqual(t, issued[i].Sub(issued[i-1]), 30*time.Second)
	}
}

func TestServerErrorBacksOffOnlyThatPortal(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	ctrl := New(Config{Clock: clock, Sleep: clock.Sleep})
	ctrl.Register(portal("stepstone", 2, 15*time.Minute))
	ctrl.Register(portal("karriere", 60, 15*time.Minute))

	ctx := context.Background()
	require.NoError(t, ctrl.AwaitSlot(ctx, "stepstone"))
	require.NoError(t, ctrl.AwaitSlot(ctx, "karriere"))

	failedAt := clock.Now()
	deadline := ctrl.OnServerError("stepstone")
	require.Equal(t, failedAt.Add(15*time.Minute), deadline)
	require.Equal(t, deadline, ctrl.RetryDeadline("stepstone"))
	require.True(t, ctrl.RetryDeadline("karriere").IsZero())

	// The other portal keeps its own one-second spacing.
	require.NoError(t, ctrl.AwaitSlot(ctx, "karriere"))
	require.Less(t, clock.Now().Sub(failedAt), time.Minute)

	require.NoError(t, ctrl.AwaitSlot(ctx, "stepstone"))
	require.False(t, clock.Now().Before(deadline), "retry issued before the backoff deadline")
}

func TestAwaitSlotRechecksDeadlineAfterWaiting(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	var (
		ctrl     *Controller
		deadline time.Time
		reported bool
	)
	// Another caller on the same portal hits a 5xx while this one waits for its slot.
	sleep := func(ctx context.Context, d time.Duration) error {
		if !reported {
			reported = true
			deadline = ctrl.OnServerError("stepstone")
		}
		return clock.Sleep(ctx, d)
	}
	ctrl = New(Config{Clock: clock, Sleep: sleep})
	ctrl.Register(portal("stepstone", 2, 15*time.Minute))

	ctx := context.Background()
	require.NoError(t, ctrl.AwaitSlot(ctx, "stepstone"))
	require.NoError(t, ctrl.AwaitSlot(ctx, "stepstone"))

	require.True(t, reported)
	require.False(t, clock.Now().Before(deadline), "slot granted before the backoff deadline")
}

func TestWaitBackoffDoesNotConsumeSlot(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	ctrl := New(Config{Clock: clock, Sleep: clock.Sleep})
	ctrl.Register(portal("karriere", 1, time.Minute))

	ctx := context.Background()
	deadline := ctrl.OnServerError("karriere")
	require.NoError(t, ctrl.WaitBackoff(ctx, "karriere"))
	require.Equal(t, deadline, clock.Now())

	// The limiter still holds its initial token.
	require.NoError(t, ctrl.AwaitSlot(ctx, "karriere"))
	require.Equal(t, deadline, clock.Now())
}

func TestAwaitSlotHonorsCancellation(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	ctrl := New(Config{Clock: clock, Sleep: clock.Sleep})
	ctrl.Register(portal("karriere", 1, time.Minute))
	require.NoError(t, ctrl.AwaitSlot(context.Background(), "karriere"))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := ctrl.AwaitSlot(ctx, "karriere")
	require.ErrorIs(t, err, context.Canceled)
}

func TestAwaitSlotUnknownPortal(t *testing.T) {
	t.Parallel()

	ctrl := New(Config{})
	require.Error(t, ctrl.AwaitSlot(context.Background(), "missing"))
}

func TestIsAllowedUsesRobots(t *testing.T) {
	t.Parallel()

	fetcher := &robotsFetcher{status: http.StatusOK, body: "User-agent: *\nDisallow: /private\n"}
	clock := newFakeClock()
	ctrl := New(Config{Fetcher: fetcher, UserAgent: "test-agent", Clock: clock, Sleep: clock.Sleep})
	ctrl.Register(portal("karriere", 60, time.Minute))

	ctx := context.Background()
	require.True(t, ctrl.IsAllowed(ctx, "karriere", "https://karriere.example/jobs/1"))
	require.False(t, ctrl.IsAllowed(ctx, "karriere", "https://karriere.example/private/x?y=1"))
	require.Equal(t, 1, fetcher.calls, "robots.txt is cached")
}

func TestIsAllowedFailsOpenAndRetries(t *testing.T) {
	t.Parallel()

	fetcher := &robotsFetcher{err: errors.New("connection reset")}
	ctrl := New(Config{Fetcher: fetcher})
	ctrl.Register(portal("karriere", 60, time.Minute))

	ctx := context.Background()
	require.True(t, ctrl.IsAllowed(ctx, "karriere", "https://karriere.example/private"))

	fetcher.mu.Lock()
	fetcher.err = nil
	fetcher.status = http.StatusOK
	fetcher.body = "User-agent: *\nDisallow: /private\n"
	fetcher.mu.Unlock()
	require.False(t, ctrl.IsAllowed(ctx, "karriere", "https://karriere.example/private"))
	require.Equal(t, 2, fetcher.calls)
}

func TestRobotsStatusSemantics(t *testing.T) {
	t.Parallel()

	tests := []struct {
		status int
		want   bool
	}{
		{http.StatusNotFound, true},
		{http.StatusForbidden, true},
		{http.StatusServiceUnavailable, false},
	}
	for _, tt := range tests {
		fetcher := &robotsFetcher{status: tt.status}
		ctrl := New(Config{Fetcher: fetcher})
		ctrl.Register(portal("stepstone", 60, time.Minute))
		require.Equal(t, tt.want, ctrl.IsAllowed(context.Background(), "stepstone", "https://stepstone.example/x"), "status %d", tt.status)
	}
}

func TestCrawlDelayWidensSpacing(t *testing.T) {
	t.Parallel()

	fetcher := &robotsFetcher{status: http.StatusOK, body: "User-agent: *\nCrawl-delay: 10\n"}
	clock := newFakeClock()
	ctrl := New(Config{Fetcher: fetcher, Clock: clock, Sleep: clock.Sleep})
	ctrl.Register(portal("karriere", 60, time.Minute))

	ctx := context.Background()
	require.True(t, ctrl.IsAllowed(ctx, "karriere", "https://karriere.example/jobs/1"))
	require.NoError(t, ctrl.AwaitSlot(ctx, "karriere"))
	first := clock.Now()
	require.NoError(t, ctrl.AwaitSlot(ctx, "karriere"))
	require.GreaterOrEqual(t, clock.Now().Sub(first), 10*time.Second)
}

func TestPauseHonorsContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	start := time.Now()
	err := Pause(ctx, 5*time.Second)
	require.Error(t, err)
	require.Less(t, time.Since(start), time.Second)
}
