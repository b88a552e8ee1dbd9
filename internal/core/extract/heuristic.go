package extract

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Candidates are fields pulled straight from markup before any model runs.
// They seed the extraction prompt and let the pipeline sanity-check model
// output against the page.
type Candidates struct {
	Price    string  `json:"price,omitempty"`
	Beds     float64 `json:"beds,omitempty"`
	Baths    float64 `json:"baths,omitempty"`
	AreaSqft float64 `json:"area_sqft,omitempty"`
	Address  string  `json:"address,omitempty"`
}

var (
	priceRe = regexp.MustCompile(`[$£€]\s?[\d,]+(?:\.\d{2})?[KkMm]?`)
	bedsRe  = regexp.MustCompile(`(?i)(\d+(?:\.\d)?)\s*(?:bed(?:room)?s?|bd\b|br\b)`)
	bathsRe = regexp.MustCompile(`(?i)(\d+(?:\.\d)?)\s*(?:bath(?:room)?s?|ba\b)`)
	areaRe  = regexp.MustCompile(`(?i)([\d,]+)\s*(?:sq\.?\s?ft|sqft|square feet)`)
)

// ParseCandidates scans visible text for the usual listing facts. Misses
// are fine; the model fills gaps. First match wins for each field.
func ParseCandidates(html string) Candidates {
	var c Candidates

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	text := html
	if err == nil {
		doc.Find("script, style, noscript").Each(func(_ int, s *goquery.Selection) { s.Remove() })
		text = doc.Text()
	}

	if m := priceRe.FindString(text); m != "" {
		c.Price = strings.Join(strings.Fields(m), "")
	}
	if m := bedsRe.FindStringSubmatch(text); len(m) > 1 {
		c.Beds, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := bathsRe.FindStringSubmatch(text); len(m) > 1 {
		c.Baths, _ = strconv.ParseFloat(m[1], 64)
	}
	if m := areaRe.FindStringSubmatch(text); len(m) > 1 {
		c.AreaSqft, _ = strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64)
	}

	if err == nil {
		if addr := doc.Find(`[itemprop="address"], address, [data-testid*="address"]`).First(); addr.Length() > 0 {
			c.Address = strings.Join(strings.Fields(addr.Text()), " ")
		}
	}
	return c
}
