package scrape

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"strings"
	"time"

	"listingengine/internal/logger"

	"github.com/playwright-community/playwright-go"
)

// galleryTriggers are clicked, first match wins, to expand the photo
// gallery before the second DOM snapshot. Portal-specific selectors come
// from the site rules; these are the generic fallbacks.
var galleryTriggers = []string{
	`[data-testid*="gallery"] button`,
	`button:has-text("View all photos")`,
	`button:has-text("See all photos")`,
	`button:has-text("Show all photos")`,
	`a:has-text("View all photos")`,
	`[class*="gallery"] button[class*="more"]`,
}

// PlaywrightProvider is the generic browser scraper. A basic attempt runs
// with desktop browser headers; when the block detector fires the remaining
// strategies run with progressively stealthier launches.
type PlaywrightProvider struct {
	log      *logger.Logger
	detector BlockDetector
	// extra gallery trigger selectors for the current domain
	GalleryTriggers []string

	// runOnce and retryDelay are swappable so the retry logic is testable
	// without a browser.
	runOnce    func(ctx context.Context, url string, strategy HeaderStrategy, stealth bool) (*Result, error)
	retryDelay func() time.Duration
}

func NewPlaywrightProvider(detector BlockDetector) *PlaywrightProvider {
	if detector == nil {
		detector = KeywordBlockDetector{}
	}
	p := &PlaywrightProvider{log: logger.New("PlaywrightProvider"), detector: detector}
	p.runOnce = p.scrapeOnce
	p.retryDelay = func() time.Duration {
		return time.Duration(1500+rand.Intn(1500)) * time.Millisecond
	}
	return p
}

func (p *PlaywrightProvider) Name() string { return ProviderPlaywright }

func (p *PlaywrightProvider) Scrape(ctx context.Context, url string) (*Result, error) {
	strategies := GetAllStrategies()
	var lastErr error

	for i, strategy := range strategies {
		if err := ctx.Err(); err != nil {
			return nil, classifyCtxErr(err, lastErr)
		}

		stealth := i > 0
		p.log.LogInfof("Scraping %s (attempt %d, strategy %s, stealth=%v)", url, i+1, strategy, stealth)

		result, err := p.runOnce(ctx, url, strategy, stealth)
		if err == nil && !p.detector.IsBlocked(result) {
			result.Provider = ProviderPlaywright
			result.ActualProvider = ProviderPlaywright
			if stealth {
				result.ActualProvider = ProviderPlaywrightStealth
			}
			p.log.LogSuccessf("Scraped %s via %s", url, result.ActualProvider)
			return result, nil
		}

		if err != nil {
			lastErr = err
			p.log.LogWarnf("Attempt %d for %s failed: %v", i+1, url, err)
		} else {
			lastErr = fmt.Errorf("%w (strategy %s, status %d)", ErrBlocked, strategy, result.StatusCode)
			p.log.LogWarnf("Blocked content detected for %s with strategy %s", url, strategy)
		}

		if i < len(strategies)-1 {
			select {
			case <-ctx.Done():
				return nil, classifyCtxErr(ctx.Err(), lastErr)
			case <-time.After(p.retryDelay()):
			}
		}
	}

	return nil, fmt.Errorf("all strategies exhausted: %w", lastErr)
}

func (p *PlaywrightProvider) scrapeOnce(ctx context.Context, url string, strategy HeaderStrategy, stealth bool) (*Result, error) {
	start := time.Now()

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("playwright run: %w", err)
	}
	defer pw.Stop()

	args := []string{
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-blink-features=AutomationControlled",
		"--disable-web-security",
		"--disable-features=VizDisplayCompositor",
		"--no-first-run",
		"--disable-default-apps",
		"--disable-extensions",
	}
	if stealth {
		args = append(args, "--disable-infobars", "--window-size=1280,860")
	}

	browser, err := pw.Chromium.Launch(playwright.BrowserTypeLaunchOptions{
		Headless: playwright.Bool(true),
		Args:     args,
	})
	if err != nil {
		return nil, fmt.Errorf("launch: %w", err)
	}
	defer browser.Close()

	// The scrape deadline must abort navigation mid-flight, not at the
	// next retry boundary. Closing the browser fails the pending calls.
	watchDone := make(chan struct{})
	defer close(watchDone)
	go func() {
		select {
		case <-ctx.Done():
			browser.Close()
		case <-watchDone:
		}
	}()

	profile := GetHeaderProfile(strategy)
	headers := map[string]string{
		"Accept":                    profile.Accept,
		"Accept-Language":           profile.AcceptLanguage,
		"Accept-Encoding":           profile.AcceptEncoding,
		"Upgrade-Insecure-Requests": "1",
	}
	if profile.SecFetchDest != "" {
		headers["Sec-Fetch-Dest"] = profile.SecFetchDest
		headers["Sec-Fetch-Mode"] = profile.SecFetchMode
		headers["Sec-Fetch-Site"] = profile.SecFetchSite
		if profile.SecFetchUser != "" {
			headers["Sec-Fetch-User"] = profile.SecFetchUser
		}
	}
	if profile.SecChUa != "" {
		headers["Sec-Ch-Ua"] = profile.SecChUa
		headers["Sec-Ch-Ua-Mobile"] = profile.SecChUaMobile
		headers["Sec-Ch-Ua-Platform"] = profile.SecChUaPlatform
	}

	bctx, err := browser.NewContext(playwright.BrowserNewContextOptions{
		UserAgent:        playwright.String(profile.UserAgent),
		ExtraHttpHeaders: headers,
	})
	if err != nil {
		return nil, err
	}
	defer bctx.Close()

	if stealth {
		// Mask the webdriver flag the automation-controlled launch leaves set
		if err := bctx.AddInitScript(playwright.Script{
			Content: playwright.String(`Object.defineProperty(navigator, 'webdriver', { get: () => undefined });`),
		}); err != nil {
			p.log.LogWarnf("Failed to add stealth init script: %v", err)
		}
	}

	page, err := bctx.NewPage()
	if err != nil {
		return nil, err
	}

	resp, navErr := page.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateDomcontentloaded, Timeout: playwright.Float(timeoutMs(ctx, 15000))})
	if navErr != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		resp, navErr = page.Goto(url, playwright.PageGotoOptions{WaitUntil: playwright.WaitUntilStateLoad, Timeout: playwright.Float(timeoutMs(ctx, 25000))})
		if navErr != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if strings.Contains(strings.ToLower(navErr.Error()), "timeout") {
				return nil, fmt.Errorf("%w: %v", ErrTimeout, navErr)
			}
			return nil, fmt.Errorf("goto failed: %w", navErr)
		}
	}

	_ = page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
		State:   playwright.LoadStateNetworkidle,
		Timeout: playwright.Float(timeoutMs(ctx, 5000)),
	})

	content, err := page.Content()
	if err != nil {
		return nil, err
	}
	title, _ := page.Title()

	status := 200
	if resp != nil {
		status = resp.Status()
	}

	result := &Result{
		HTML:       content,
		Title:      title,
		StatusCode: status,
	}

	// Same session, same page: expand the gallery and take a second
	// snapshot so lazy-loaded photo URLs land in GalleryHTML.
	if gallery := p.expandGallery(page); gallery != "" {
		result.GalleryHTML = gallery
	}

	result.Duration = time.Since(start)
	return result, nil
}

// timeoutMs caps a per-step default timeout at what remains of the scrape
// deadline.
func timeoutMs(ctx context.Context, def float64) float64 {
	dl, ok := ctx.Deadline()
	if !ok {
		return def
	}
	remain := float64(time.Until(dl).Milliseconds())
	if remain <= 0 {
		return 1
	}
	if remain < def {
		return remain
	}
	return def
}

// expandGallery clicks the first matching gallery trigger and returns the
// post-interaction DOM. Empty string means no trigger matched; that is not
// an error, many portals inline the full gallery.
func (p *PlaywrightProvider) expandGallery(page playwright.Page) string {
	triggers := append(append([]string{}, p.GalleryTriggers...), galleryTriggers...)
	for _, selector := range triggers {
		locator := page.Locator(selector).First()
		visible, err := locator.IsVisible()
		if err != nil || !visible {
			continue
		}
		if err := locator.Click(playwright.LocatorClickOptions{Timeout: playwright.Float(3000)}); err != nil {
			p.log.LogDebugf("Gallery trigger %q click failed: %v", selector, err)
			continue
		}
		_ = page.WaitForLoadState(playwright.PageWaitForLoadStateOptions{
			State:   playwright.LoadStateNetworkidle,
			Timeout: playwright.Float(4000),
		})
		content, err := page.Content()
		if err != nil {
			p.log.LogWarnf("Failed to capture gallery snapshot: %v", err)
			return ""
		}
		p.log.LogInfof("Gallery expanded via %q", selector)
		return content
	}
	return ""
}

func classifyCtxErr(ctxErr, lastErr error) error {
	if errors.Is(ctxErr, context.DeadlineExceeded) {
		if lastErr != nil {
			return fmt.Errorf("%w: %v", ErrTimeout, lastErr)
		}
		return ErrTimeout
	}
	return ctxErr
}
