package portal

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	readability "github.com/go-shiori/go-readability"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
)

// selectors names the CSS selector of each detail field.
type selectors struct {
	Title       string
	Company     string
	Location    string
	Description string
}

func parseDetail(pageURL string, body []byte, sel selectors) (crawler.Fields, error) {
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return crawler.Fields{}, &crawler.PermanentFetchError{URL: pageURL, StatusCode: 200, Reason: fmt.Sprintf("parse html: %v", err)}
	}
	fields := crawler.Fields{
		Title:       selectText(doc, sel.Title),
		Company:     selectText(doc, sel.Company),
		Location:    selectText(doc, sel.Location),
		Description: selectText(doc, sel.Description),
	}
	if fields.Title == "" {
		return crawler.Fields{}, &crawler.PermanentFetchError{URL: pageURL, StatusCode: 200, Reason: "document has no title"}
	}
	if fields.Description == "" {
		fields.Description = mainContent(pageURL, body)
	}
	return fields, nil
}

func selectText(doc *goquery.Document, selector string) string {
	if selector == "" {
		return ""
	}
	return collapseSpace(doc.Find(selector).First().Text())
}

// mainContent extracts the readable body text of a page that lacks the
// variant's description element.
func mainContent(pageURL string, body []byte) string {
	u, err := url.Parse(pageURL)
	if err != nil {
		return ""
	}
	article, err := readability.FromReader(bytes.NewReader(body), u)
	if err != nil {
		return ""
	}
	return collapseSpace(article.TextContent)
}

func collapseSpace(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
