package portal

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/antchfx/xmlquery"
)

// sitemap is a parsed sitemap document. Index documents list child sitemaps,
// urlset documents list pages.
type sitemap struct {
	Index bool
	Locs  []string
}

func parseSitemap(body []byte) (sitemap, error) {
	doc, err := xmlquery.Parse(bytes.NewReader(body))
	if err != nil {
		return sitemap{}, fmt.Errorf("parse sitemap: %w", err)
	}
	root := xmlquery.FindOne(doc, "/*")
	if root == nil {
		return sitemap{}, fmt.Errorf("parse sitemap: empty document")
	}

	var sm sitemap
	switch root.Data {
	case "sitemapindex":
		sm.Index = true
	case "urlset":
	default:
		return sitemap{}, fmt.Errorf("parse sitemap: unexpected root element %q", root.Data)
	}
	for _, n := range xmlquery.Find(root, "//*[local-name()='loc']") {
		if loc := strings.TrimSpace(n.InnerText()); loc != "" {
			sm.Locs = append(sm.Locs, loc)
		}
	}
	return sm, nil
}
