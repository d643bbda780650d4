package crawler

import (
	"context"
	"io"
	"time"
)

// AdvertisementStore persists advertisements keyed by URL.
type AdvertisementStore interface {
	// InsertIfAbsent stores ad unless its URL is already present. It returns
	// whether a row was written and the id of the row holding the URL.
	InsertIfAbsent(ctx context.Context, ad Advertisement) (bool, int64, error)
	LookupURL(ctx context.Context, url string) (int64, bool, error)
	Get(ctx context.Context, id int64) (Advertisement, error)
	GetRange(ctx context.Context, r Range) ([]Advertisement, error)
	GetBatch(ctx context.Context, r Range, afterID int64, limit int) ([]Advertisement, error)
	SetFilename(ctx context.Context, id int64, filename string) error
	UpdateFetchStatus(ctx context.Context, id int64, httpStatus int, adType string) error
	UpdateFields(ctx context.Context, id int64, fields Fields) error
	Stats(ctx context.Context) (Stats, error)
}

// KeywordStore persists keyword rules, matches and analysis markers.
type KeywordStore interface {
	// SyncKeywords upserts the rules and returns their ids keyed by search pattern.
	SyncKeywords(ctx context.Context, rules []KeywordRule) (map[string]int64, error)
	ResetAnalysis(ctx context.Context, r Range) error
	PendingAnalysis(ctx context.Context, r Range, afterID int64, limit int) ([]Advertisement, error)
	RecordAnalysis(ctx context.Context, adID int64, keywordIDs []int64) error
	MatchedKeywords(ctx context.Context, adID int64) ([]string, error)
}

// ClassificationStore persists filter labels.
type ClassificationStore interface {
	// SaveClassification replaces the labels of one advertisement.
	SaveClassification(ctx context.Context, adID int64, labels []Label) error
	Classification(ctx context.Context, adID int64) ([]Label, error)
}

// Store is the full persistence surface.
type Store interface {
	AdvertisementStore
	KeywordStore
	ClassificationStore
	Ping(ctx context.Context) error
	Close() error
}

// BlobStore writes artifacts and returns their location.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Fetcher fetches a URL and returns the body plus metadata. Transport failures
// are returned as errors; HTTP error statuses are returned in the response.
type Fetcher interface {
	Fetch(ctx context.Context, url string) (FetchResponse, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs (UUIDs).
type IDGenerator interface {
	NewID() (string, error)
}
