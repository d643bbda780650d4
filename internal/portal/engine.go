// Package portal holds the closed set of portal variants. Each variant knows
// where its listings start, how to read a listing page and how to extract the
// fields of a detail page.
package portal

import (
	"fmt"
	"sort"
	"strings"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// Listing is what a listing page yields: detail candidates and further listing
// pages to visit.
type Listing struct {
	Details []string
	Next    []string
}

// Engine is one portal variant.
type Engine interface {
	// Name is the canonical variant id, stored as the advertisement's ad_type.
	Name() string
	// Seeds returns the first listing URLs for the portal.
	Seeds(portal crawler.Portal) []string
	ParseListing(pageURL string, body []byte) (Listing, error)
	// ParseDetail extracts the advertisement fields. A document without a title
	// yields a PermanentFetchError.
	ParseDetail(pageURL string, body []byte) (crawler.Fields, error)
}

var registry = map[string]Engine{}

// aliases maps the engine names accepted in configuration to variant ids.
var aliases = map[string]string{}

func register(e Engine, names ...string) {
	registry[e.Name()] = e
	aliases[strings.ToLower(e.Name())] = e.Name()
	for _, n := range names {
		aliases[strings.ToLower(n)] = e.Name()
	}
}

func init() {
	register(StepStone{}, "StepStoneHarvester", "stepstone.at")
	register(Karriere{}, "KarriereAtHarvester", "KarriereHarvester", "karriere.at")
}

// Lookup resolves a configured engine name or alias.
func Lookup(name string) (Engine, error) {
	id, ok := aliases[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return nil, &crawler.ConfigurationError{
			Entity: fmt.Sprintf("engine %q", name),
			Err:    fmt.Errorf("unknown engine; known engines: %s", strings.Join(Names(), ", ")),
		}
	}
	return registry[id], nil
}

// Names lists the canonical variant ids.
func Names() []string {
	out := make([]string, 0, len(registry))
	for id := range registry {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
