package scrape

import "strings"

// BlockDetector decides whether scraped output is an anti-bot interstitial
// rather than the listing itself. Implementations must tolerate empty input.
type BlockDetector interface {
	IsBlocked(result *Result) bool
}

// KeywordBlockDetector flags challenge pages by status code plus well-known
// markers in the title or body.
type KeywordBlockDetector struct{}

var blockedTitleMarkers = []string{
	"Just a moment",
	"Checking your browser",
	"Attention Required",
	"Access Denied",
	"Access to this page has been denied",
}

var blockedBodyMarkers = []string{
	"cf-challenge",
	"Ray ID",
	"captcha",
	"are you a human",
	"unusual traffic from your computer network",
	"please verify you are a human",
	"pardon our interruption",
}

func (KeywordBlockDetector) IsBlocked(result *Result) bool {
	if result == nil {
		return false
	}
	if result.StatusCode == 403 || result.StatusCode == 429 {
		return true
	}
	for _, marker := range blockedTitleMarkers {
		if strings.Contains(result.Title, marker) {
			return true
		}
	}
	body := strings.ToLower(result.HTML)
	for _, marker := range blockedBodyMarkers {
		if strings.Contains(body, strings.ToLower(marker)) {
			return true
		}
	}
	// A challenge page is tiny compared to any real listing
	if result.StatusCode == 200 && len(strings.TrimSpace(result.HTML)) > 0 && len(result.HTML) < 600 &&
		strings.Contains(body, "cloudflare") {
		return true
	}
	return false
}
