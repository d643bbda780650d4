package portal

import (
	"regexp"
	"strings"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

var stepstoneListingSitemap = regexp.MustCompile(`/sitemaps/.*/listings-[0-9]+\.xml$`)

// StepStone walks the stepstone sitemap index down to the listings sitemaps.
type StepStone struct{}

// Name implements Engine.
func (StepStone) Name() string { return "stepstone" }

// Seeds implements Engine.
func (StepStone) Seeds(p crawler.Portal) []string {
	return []string{p.URL + "/sitemap.xml"}
}

// ParseListing implements Engine.
func (StepStone) ParseListing(_ string, body []byte) (Listing, error) {
	sm, err := parseSitemap(body)
	if err != nil {
		return Listing{}, err
	}
	var out Listing
	for _, loc := range sm.Locs {
		switch {
		case sm.Index && stepstoneListingSitemap.MatchString(loc):
			out.Next = append(out.Next, loc)
		case !sm.Index && strings.Contains(loc, "stellenangebote--"):
			out.Details = append(out.Details, loc)
		}
	}
	return out, nil
}

// ParseDetail implements Engine.
func (StepStone) ParseDetail(pageURL string, body []byte) (crawler.Fields, error) {
	return parseDetail(pageURL, body, selectors{
		Title:       "[data-at=header-job-title]",
		Company:     "[data-at=metadata-company-name]",
		Location:    "[data-at=metadata-location]",
		Description: "article.job-description",
	})
}
