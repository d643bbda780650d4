package export

import (
	"encoding/xml"
	"fmt"

	"github.com/JakeFAU/jobad-crawler/internal/crawler"
	"github.com/JakeFAU/jobad-crawler/internal/portal"
)

type textDocument struct {
	XMLName     xml.Name `xml:"text"`
	ID          int64    `xml:"ID,attr"`
	Position    string   `xml:"position,attr"`
	Company     string   `xml:"company,attr"`
	Location    string   `xml:"location,attr"`
	URL         string   `xml:"URL,attr"`
	Accessed    string   `xml:"accessed,attr"`
	Description string   `xml:",chardata"`
}

// xmlDocument renders the corpus form of an advertisement. A missing
// description is extracted from the stored body with the advertisement's
// portal variant.
func xmlDocument(ad crawler.Advertisement) ([]byte, error) {
	doc := textDocument{
		ID:          ad.ID,
		Position:    ad.Title,
		Company:     ad.Company,
		Location:    ad.Location,
		URL:         ad.URL,
		Accessed:    formatTime(ad.CreatedAt),
		Description: ad.Description,
	}
	if doc.Description == "" {
		doc.Description = reparseDescription(ad)
	}
	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode xml for %d: %w", ad.ID, err)
	}
	return append([]byte(xml.Header), append(out, '\n')...), nil
}

func reparseDescription(ad crawler.Advertisement) string {
	engine, err := portal.Lookup(ad.AdType)
	if err != nil || ad.HTMLBody == "" {
		return ""
	}
	fields, err := engine.ParseDetail(ad.URL, []byte(ad.HTMLBody))
	if err != nil {
		return ""
	}
	return fields.Description
}
