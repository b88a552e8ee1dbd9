package scrape

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"listingengine/internal/logger"

	"github.com/gocolly/colly"
)

const apifyBaseURL = "https://api.apify.com/v2"

// StructuredProvider runs an Apify actor that returns listing data as JSON.
// It is authoritative for its domains: when the actor fails the job fails,
// there is no browser fallback.
//
// Before paying for an actor run, a plain static fetch checks whether the
// portal already embeds the listing JSON in the page (JSON-LD or framework
// state blobs); if so the actor run is skipped.
type StructuredProvider struct {
	log        *logger.Logger
	ActorID    string
	token      string
	httpClient *http.Client
}

func NewStructuredProvider(actorID, token string) *StructuredProvider {
	return &StructuredProvider{
		log:        logger.New("StructuredProvider"),
		ActorID:    actorID,
		token:      token,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (p *StructuredProvider) Name() string { return ProviderStructured }

func (p *StructuredProvider) Scrape(ctx context.Context, listingURL string) (*Result, error) {
	start := time.Now()

	if embedded := p.fetchEmbeddedJSON(listingURL); embedded != "" {
		p.log.LogInfof("Found embedded listing JSON for %s, skipping actor run", listingURL)
		return &Result{
			JSON:           embedded,
			Provider:       ProviderStructured,
			ActualProvider: ProviderStructured,
			ApifyScraperID: p.ActorID,
			StatusCode:     200,
			Duration:       time.Since(start),
		}, nil
	}

	if p.token == "" {
		return nil, fmt.Errorf("%w: APIFY_TOKEN", ErrMissingCredential)
	}

	data, err := p.runActor(ctx, listingURL)
	if err != nil {
		return nil, err
	}

	return &Result{
		JSON:           data,
		Provider:       ProviderStructured,
		ActualProvider: ProviderStructured,
		ApifyScraperID: p.ActorID,
		StatusCode:     200,
		Duration:       time.Since(start),
	}, nil
}

// fetchEmbeddedJSON does a lightweight static fetch and pulls listing-shaped
// JSON out of script tags. Best effort; any failure just means the actor
// runs.
func (p *StructuredProvider) fetchEmbeddedJSON(listingURL string) string {
	c := colly.NewCollector(
		colly.UserAgent("ListingEngineBot/1.0 (+https://listingengine.dev/bot)"),
	)
	c.SetRequestTimeout(15 * time.Second)

	var found string
	c.OnHTML(`script[type="application/ld+json"]`, func(e *colly.HTMLElement) {
		if found != "" {
			return
		}
		text := strings.TrimSpace(e.Text)
		if !looksLikeListingJSON(text) {
			return
		}
		var check interface{}
		if json.Unmarshal([]byte(text), &check) == nil {
			found = text
		}
	})
	c.OnHTML(`script#__NEXT_DATA__`, func(e *colly.HTMLElement) {
		if found != "" {
			return
		}
		text := strings.TrimSpace(e.Text)
		if !looksLikeListingJSON(text) {
			return
		}
		var check interface{}
		if json.Unmarshal([]byte(text), &check) == nil {
			found = text
		}
	})

	if err := c.Visit(listingURL); err != nil {
		p.log.LogDebugf("Static prefetch failed for %s: %v", listingURL, err)
		return ""
	}
	c.Wait()
	return found
}

func looksLikeListingJSON(text string) bool {
	if len(text) < 50 {
		return false
	}
	lower := strings.ToLower(text)
	markers := []string{"price", "address", "bedroom", "bathroom", "realestate", "property"}
	hits := 0
	for _, m := range markers {
		if strings.Contains(lower, m) {
			hits++
		}
	}
	return hits >= 2
}

func (p *StructuredProvider) runActor(ctx context.Context, listingURL string) (string, error) {
	input := map[string]interface{}{
		"startUrls": []map[string]string{{"url": listingURL}},
		"maxItems":  1,
	}
	body, err := json.Marshal(input)
	if err != nil {
		return "", err
	}

	runURL := fmt.Sprintf("%s/acts/%s/run-sync-get-dataset-items?token=%s",
		apifyBaseURL, url.PathEscape(p.ActorID), url.QueryEscape(p.token))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, runURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build actor request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	p.log.LogInfof("Running actor %s for %s", p.ActorID, listingURL)
	resp, err := p.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: actor run: %v", ErrTimeout, err)
		}
		return "", fmt.Errorf("actor run failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("actor %s returned status %d: %s", p.ActorID, resp.StatusCode, truncate(string(respBody), 300))
	}

	var items []json.RawMessage
	if err := json.Unmarshal(respBody, &items); err != nil {
		return "", fmt.Errorf("failed to decode actor output: %w", err)
	}
	if len(items) == 0 {
		return "", fmt.Errorf("actor %s returned no items for %s", p.ActorID, listingURL)
	}
	return string(items[0]), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
