package scrape

import (
	"context"
	"fmt"
	"strings"
	"time"

	"listingengine/internal/core/scrape/robots"
	"listingengine/internal/logger"
	rds "listingengine/internal/platform/redis"
)

// Matcher binds a URL pattern to a structured provider. Patterns are
// case-insensitive substrings matched against the full URL, host included.
type Matcher struct {
	Pattern  string
	Provider Provider
}

// RobotsChecker gates generic scrapes on the portal's robots.txt. Satisfied
// by robots.Service; tests substitute their own.
type RobotsChecker interface {
	IsAllowed(url, agent string) bool
}

// Service routes a listing URL to its provider and enforces the per-scrape
// hard timeout. Structured matchers win over the generic browser provider
// and never fall back to it.
type Service struct {
	log      *logger.Logger
	redis    *rds.Service
	robots   RobotsChecker
	matchers []Matcher
	generic  Provider
	timeout  time.Duration
}

func NewService(redis *rds.Service, generic Provider, timeout time.Duration) *Service {
	return &Service{
		log:     logger.New("ScrapeService"),
		redis:   redis,
		robots:  robots.New(),
		generic: generic,
		timeout: timeout,
	}
}

// Register adds a structured matcher. Earlier registrations win.
func (s *Service) Register(pattern string, provider Provider) {
	s.matchers = append(s.matchers, Matcher{Pattern: strings.ToLower(pattern), Provider: provider})
}

func (s *Service) providerFor(url string) Provider {
	lower := strings.ToLower(url)
	for _, m := range s.matchers {
		if strings.Contains(lower, m.Pattern) {
			return m.Provider
		}
	}
	return s.generic
}

// Scrape fetches the listing, from cache when a fresh copy exists.
func (s *Service) Scrape(ctx context.Context, url string) (*Result, error) {
	if cached := s.getCached(ctx, url); cached != nil {
		s.log.LogInfof("Cache hit for %s", url)
		return cached, nil
	}

	provider := s.providerFor(url)
	if provider == nil {
		return nil, fmt.Errorf("no scrape provider available for %s", url)
	}

	if provider.Name() != ProviderStructured {
		if !s.robots.IsAllowed(url, "ListingEngineBot") {
			return nil, fmt.Errorf("%w: %s", ErrRobotsDisallowed, url)
		}
	}

	scrapeCtx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	start := time.Now()
	result, err := provider.Scrape(scrapeCtx, url)
	if err != nil {
		if scrapeCtx.Err() == context.DeadlineExceeded {
			return nil, fmt.Errorf("%w after %v: %v", ErrTimeout, s.timeout, err)
		}
		return nil, err
	}
	if result.Duration == 0 {
		result.Duration = time.Since(start)
	}

	s.cache(ctx, url, result)
	s.log.LogSuccessf("Scraped %s via %s in %v", url, result.ActualProvider, result.Duration)
	return result, nil
}

// Cache helpers. Raw scrapes are kept briefly so a retried pipeline does
// not hit the portal twice.

func (s *Service) getCached(ctx context.Context, url string) *Result {
	if s.redis == nil {
		return nil
	}
	var res Result
	if err := s.redis.CacheGet(ctx, cacheKey(url), &res); err != nil {
		return nil
	}
	return &res
}

func (s *Service) cache(ctx context.Context, url string, res *Result) {
	if s.redis == nil {
		return
	}
	if err := s.redis.CacheSet(ctx, cacheKey(url), res, 900); err != nil {
		s.log.LogWarnf("Failed to cache scrape for %s: %v", url, err)
	}
}

func cacheKey(url string) string {
	replacer := strings.NewReplacer(":", "_", "/", "_", "?", "_", "&", "_")
	return "scrape:" + replacer.Replace(url)
}
