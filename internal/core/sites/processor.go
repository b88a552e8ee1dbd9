// Package sites holds per-domain HTML processing: trimming portal chrome
// and pulling gallery photo URLs out of the post-interaction DOM.
package sites

import (
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// minGalleryDimension filters thumbnails and UI sprites when width/height
// attributes are present. Images without dimensions pass this check.
const minGalleryDimension = 300

var excludeNameKeywords = []string{"icon", "logo", "avatar", "placeholder", "sprite", "spacer", "pixel", "badge"}
var preferNameKeywords = []string{"photo", "image", "gallery", "listing", "property", "media"}

var imageExtRe = regexp.MustCompile(`(?i)\.(jpe?g|png|webp|avif)(\?|$)`)

// Trim removes the rule's noise subtrees from the HTML. Unknown domains
// pass through unchanged; the conservative cleaner still runs later.
func Trim(html string, rule Rule) string {
	if len(rule.RemoveSelectors) == 0 {
		return html
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return html
	}
	for _, sel := range rule.RemoveSelectors {
		doc.Find(sel).Each(func(_ int, s *goquery.Selection) { s.Remove() })
	}
	out, err := doc.Html()
	if err != nil {
		return html
	}
	return out
}

// ExtractGalleryImages pulls listing photo URLs out of an HTML snapshot.
// Layered heuristics: the rule's gallery containers first, then any img/
// source in the document filtered by size and filename. Order follows the
// document; duplicates collapse to their first occurrence.
func ExtractGalleryImages(html, baseURL string, rule Rule) []string {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil
	}

	var urls []string
	seen := map[string]bool{}
	add := func(raw string) {
		abs := absolutize(raw, baseURL)
		if abs == "" || seen[abs] {
			return
		}
		seen[abs] = true
		urls = append(urls, abs)
	}

	collect := func(sel *goquery.Selection) {
		sel.Each(func(_ int, img *goquery.Selection) {
			src := imageSource(img)
			if src == "" {
				return
			}
			if !passesSizeFilter(img) || !passesNameFilter(src) {
				return
			}
			add(src)
		})
	}

	for _, selector := range rule.GallerySelectors {
		collect(doc.Find(selector))
	}

	// Generic sweep when the rule's containers found little; portals move
	// their markup around faster than rules get updated.
	if len(urls) < 3 {
		collect(doc.Find("img"))
		doc.Find("source[srcset]").Each(func(_ int, s *goquery.Selection) {
			src := firstSrcsetURL(s.AttrOr("srcset", ""))
			if src != "" && passesNameFilter(src) {
				add(src)
			}
		})
	}

	return urls
}

func imageSource(img *goquery.Selection) string {
	for _, attr := range []string{"src", "data-src", "data-lazy-src", "data-original"} {
		if v := strings.TrimSpace(img.AttrOr(attr, "")); v != "" && !strings.HasPrefix(v, "data:") {
			return v
		}
	}
	if srcset := img.AttrOr("srcset", ""); srcset != "" {
		return firstSrcsetURL(srcset)
	}
	return ""
}

func firstSrcsetURL(srcset string) string {
	// srcset entries are "url descriptor, url descriptor"; the last entry
	// is usually the largest
	entries := strings.Split(srcset, ",")
	best := ""
	for _, e := range entries {
		fields := strings.Fields(strings.TrimSpace(e))
		if len(fields) > 0 && !strings.HasPrefix(fields[0], "data:") {
			best = fields[0]
		}
	}
	return best
}

func passesSizeFilter(img *goquery.Selection) bool {
	for _, attr := range []string{"width", "height"} {
		if v := img.AttrOr(attr, ""); v != "" {
			if n, err := strconv.Atoi(strings.TrimSuffix(v, "px")); err == nil && n > 0 && n < minGalleryDimension {
				return false
			}
		}
	}
	return true
}

func passesNameFilter(src string) bool {
	lower := strings.ToLower(src)
	for _, kw := range excludeNameKeywords {
		if strings.Contains(lower, kw) {
			return false
		}
	}
	if imageExtRe.MatchString(lower) {
		return true
	}
	// Extensionless CDN URLs pass only when their path looks like a photo
	for _, kw := range preferNameKeywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func absolutize(raw, baseURL string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	u, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return raw
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}
	return base.ResolveReference(u).String()
}
