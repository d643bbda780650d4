package portal

import (
	"regexp"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

var karriereJob = regexp.MustCompile(`/jobs/[0-9]+$`)

// Karriere reads the karriere.at job sitemap. The seed may be a urlset or an
// index of further job sitemaps.
type Karriere struct{}

// Name implements Engine.
func (Karriere) Name() string { return "karriere" }

// Seeds implements Engine.
func (Karriere) Seeds(p crawler.Portal) []string {
	return []string{p.URL + "/static/sitemaps/sitemap-jobs-https.xml"}
}

// ParseListing implements Engine.
func (Karriere) ParseListing(_ string, body []byte) (Listing, error) {
	sm, err := parseSitemap(body)
	if err != nil {
		return Listing{}, err
	}
	var out Listing
	for _, loc := range sm.Locs {
		switch {
		case sm.Index:
			out.Next = append(out.Next, loc)
		case karriereJob.MatchString(loc):
			out.Details = append(out.Details, loc)
		}
	}
	return out, nil
}

// ParseDetail implements Engine.
func (Karriere) ParseDetail(pageURL string, body []byte) (crawler.Fields, error) {
	return parseDetail(pageURL, body, selectors{
		Title:       "h1.m-jobHeader__jobTitle",
		Company:     ".m-keyfactBox__companyName",
		Location:    ".m-keyfactBox__jobLocations",
		Description: ".m-jobContent__jobDetail",
	})
}
