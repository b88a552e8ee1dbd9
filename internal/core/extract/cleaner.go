// Package extract prepares scraped listing HTML for the AI pipeline:
// conservative boilerplate removal, heuristic field extraction, and the
// sufficiency check that decides whether any model call is worth making.
package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// factRe matches content no cleaner may remove. Losing a price or bedroom
// count to boilerplate filtering is worse than keeping some nav text.
var factRe = regexp.MustCompile(`(?i)\b(bed(room)?s?|bath(room)?s?|price|sq\.?\s?ft|sqft|sqm|m²|address|acre|garage)\b|[$£€]\s?\d`)

// imageURLRe spots photo URLs inside script bodies. Portals hydrate their
// galleries from JSON blobs in scripts, so those scripts survive cleaning.
var imageURLRe = regexp.MustCompile(`(?i)https?://[^\s"']+\.(jpe?g|png|webp|avif)`)

var boilerplateKeywords = []string{
	"cookie", "consent", "banner", "navbar", "nav-", "menu-",
	"pagination", "share", "search-", "signup", "signin", "login",
	"ad-", "advert", "promo", "modal", "popup", "dialog",
	"breadcrumbs", "breadcrumb", "sidebar", "newsletter", "footer",
}

// CleanHTML strips boilerplate while never touching an element whose text
// contains listing facts. Scripts are dropped unless they carry image URLs
// or listing-shaped JSON.
func CleanHTML(html string) string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}

	doc.Find("script").Each(func(_ int, s *goquery.Selection) {
		text := s.Text()
		if imageURLRe.MatchString(text) {
			return
		}
		if t, _ := s.Attr("type"); t == "application/ld+json" && factRe.MatchString(text) {
			return
		}
		s.Remove()
	})

	doc.Find("style, noscript, iframe, svg, link[rel=\"stylesheet\"]").Each(func(_ int, s *goquery.Selection) {
		s.Remove()
	})

	doc.Find("nav, header, aside, form").Each(func(_ int, s *goquery.Selection) {
		if containsFacts(s) {
			return
		}
		s.Remove()
	})

	doc.Find("[class], [id]").Each(func(_ int, sel *goquery.Selection) {
		classVal, _ := sel.Attr("class")
		idVal, _ := sel.Attr("id")
		lower := strings.ToLower(classVal + " " + idVal)
		for _, kw := range boilerplateKeywords {
			if strings.Contains(lower, kw) {
				if containsFacts(sel) {
					return
				}
				sel.Remove()
				return
			}
		}
	})

	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}

func containsFacts(sel *goquery.Selection) bool {
	if factRe.MatchString(sel.Text()) {
		return true
	}
	// Image-bearing subtrees stay too; gallery markup often sits inside
	// keyword-named containers
	return sel.Find("img").Length() > 0 && factRe.MatchString(sel.Parent().Text())
}
