package crawler

import (
	"net/http"
	"time"
)

// Portal is one configured job portal. It drives exactly one harvest session.
type Portal struct {
	Name              string
	URL               string
	Engine            string
	RequestsPerMinute float64
	RetryTimeout      time.Duration
	MaxListingPages   int
}

// Interval is the minimum spacing between two requests to the portal.
func (p Portal) Interval() time.Duration {
	if p.RequestsPerMinute <= 0 {
		return 0
	}
	return time.Duration(float64(time.Minute) / p.RequestsPerMinute)
}

// Advertisement is a stored job posting. Empty text fields are persisted as NULL.
type Advertisement struct {
	ID          int64     `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Company     string    `json:"company"`
	Location    string    `json:"location"`
	URL         string    `json:"url"`
	HTMLBody    string    `json:"-"`
	HTTPStatus  int       `json:"http_status"`
	AdType      string    `json:"ad_type"`
	Filename    string    `json:"filename,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// ClassifiableText joins the fields rules are evaluated against. The raw body is
// used only when the advertisement carries neither a title nor a description.
func (a Advertisement) ClassifiableText() string {
	switch {
	case a.Title == "" && a.Description == "":
		return a.HTMLBody
	case a.Description == "":
		return a.Title
	case a.Title == "":
		return a.Description
	default:
		return a.Title + "\n" + a.Description
	}
}

// Fields are the values a portal parser extracts from a detail page.
type Fields struct {
	Title       string
	Description string
	Company     string
	Location    string
}

// Empty reports whether no field was extracted.
func (f Fields) Empty() bool {
	return f.Title == "" && f.Description == "" && f.Company == "" && f.Location == ""
}

// Range selects advertisement ids. Min and Max are inclusive; zero means unbounded.
type Range struct {
	Min int64
	Max int64
}

// Contains reports whether id falls inside the range.
func (r Range) Contains(id int64) bool {
	if r.Min > 0 && id < r.Min {
		return false
	}
	if r.Max > 0 && id > r.Max {
		return false
	}
	return true
}

// KeywordRule is a configured keyword search.
type KeywordRule struct {
	Title         string `mapstructure:"title" json:"title"`
	Search        string `mapstructure:"search" json:"search"`
	CaseSensitive bool   `mapstructure:"case_sensitive" json:"case_sensitive"`
}

// Label is the rule an advertisement resolved to within one filter category.
type Label struct {
	Category string `json:"category"`
	Rule     string `json:"rule"`
}

// Stats summarises the store contents.
type Stats struct {
	Advertisements int64            `json:"advertisements"`
	ByAdType       map[string]int64 `json:"by_ad_type"`
	Analyzed       int64            `json:"analyzed"`
	Matches        int64            `json:"matches"`
	Exported       int64            `json:"exported"`
}

// FetchResponse is the result returned by a Fetcher implementation.
type FetchResponse struct {
	URL        string
	StatusCode int
	Headers    http.Header
	Body       []byte
	Duration   time.Duration
}

// StoredEvent is published once per newly stored advertisement.
type StoredEvent struct {
	ID         int64     `json:"id"`
	URL        string    `json:"url"`
	Portal     string    `json:"portal"`
	AdType     string    `json:"ad_type"`
	HTTPStatus int       `json:"http_status"`
	Title      string    `json:"title,omitempty"`
	StoredAt   time.Time `json:"stored_at"`
}

// Attributes are the message attributes used when the event is published.
func (e StoredEvent) Attributes() map[string]string {
	return map[string]string{"portal": e.Portal, "ad_type": e.AdType}
}
