package scrape

import (
	"context"
	"errors"
	"time"
)

// Provider identifiers recorded on results.
const (
	ProviderStructured        = "structured"
	ProviderPlaywright        = "playwright"
	ProviderPlaywrightStealth = "playwright_stealth"
)

// Sentinel errors for failure classification. Handlers map these to the
// error_message written on the preview record.
var (
	ErrTimeout           = errors.New("scrape timed out")
	ErrBlocked           = errors.New("blocked content detected")
	ErrRobotsDisallowed  = errors.New("disallowed by robots.txt")
	ErrMissingCredential = errors.New("provider credential not configured")
)

// Result is the raw output of one scrape, whatever provider produced it.
// Structured providers fill JSON; browser providers fill HTML. GalleryHTML
// is the DOM snapshot taken after the gallery interaction, when one ran.
type Result struct {
	HTML           string        `json:"html,omitempty"`
	JSON           string        `json:"json,omitempty"`
	GalleryHTML    string        `json:"gallery_html,omitempty"`
	GalleryImages  []string      `json:"gallery_images,omitempty"`
	Provider       string        `json:"provider"`
	ActualProvider string        `json:"actual_provider"`
	ApifyScraperID string        `json:"apify_scraper_id,omitempty"`
	StatusCode     int           `json:"status_code,omitempty"`
	Title          string        `json:"title,omitempty"`
	Duration       time.Duration `json:"duration"`
}

// Provider turns a listing URL into a Result.
type Provider interface {
	Name() string
	Scrape(ctx context.Context, url string) (*Result, error)
}
