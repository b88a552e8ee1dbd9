package extract

import (
	"errors"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// ErrEmptyContent means the scrape produced nothing an extraction model
// could work with. No model call is made for such jobs.
var ErrEmptyContent = errors.New("scraped content is empty")

// Artifact is everything extraction hands to the pipeline. Heuristic field
// candidates are recomputed from raw_content where needed, not carried here.
type Artifact struct {
	RawContent    string   `json:"raw_content"`
	Markdown      string   `json:"markdown"`
	JSON          string   `json:"json,omitempty"`
	GalleryImages []string `json:"gallery_images,omitempty"`
}

// CheckSufficiency gates the AI pipeline: structured JSON counts, non-empty
// markdown counts, and as a last resort the text of the main content area.
// Empty everything returns ErrEmptyContent.
func CheckSufficiency(a Artifact, mainSelectors []string) error {
	if strings.TrimSpace(a.JSON) != "" && a.JSON != "{}" && a.JSON != "[]" {
		return nil
	}
	if strings.TrimSpace(a.Markdown) != "" {
		return nil
	}
	if mainText(a.RawContent, mainSelectors) != "" {
		return nil
	}
	return ErrEmptyContent
}

func mainText(html string, mainSelectors []string) string {
	if strings.TrimSpace(html) == "" {
		return ""
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return ""
	}
	if len(mainSelectors) == 0 {
		mainSelectors = []string{"main"}
	}
	for _, sel := range mainSelectors {
		if node := doc.Find(sel).First(); node.Length() > 0 {
			return strings.TrimSpace(node.Text())
		}
	}
	return ""
}
