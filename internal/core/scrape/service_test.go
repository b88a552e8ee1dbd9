package scrape

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name    string
	result  *Result
	err     error
	calls   int
	lastURL string
}

func (s *stubProvider) Name() string { return s.name }

func (s *stubProvider) Scrape(_ context.Context, url string) (*Result, error) {
	s.calls++
	s.lastURL = url
	return s.result, s.err
}

type stubRobots struct {
	allowed bool
	calls   int
}

func (s *stubRobots) IsAllowed(_, _ string) bool {
	s.calls++
	return s.allowed
}

func TestRouterPrefersStructuredMatcher(t *testing.T) {
	structured := &stubProvider{
		name:   ProviderStructured,
		result: &Result{JSON: `{"price": 100}`, Provider: ProviderStructured, ActualProvider: ProviderStructured},
	}
	generic := &stubProvider{
		name:   ProviderPlaywright,
		result: &Result{HTML: "<html></html>", Provider: ProviderPlaywright, ActualProvider: ProviderPlaywright},
	}

	svc := NewService(nil, generic, 30*time.Second)
	svc.Register("portal.example.com", structured)

	res, err := svc.Scrape(context.Background(), "https://portal.example.com/listing/42")
	require.NoError(t, err)
	require.Equal(t, ProviderStructured, res.Provider)
	require.Equal(t, 1, structured.calls)
	require.Equal(t, 0, generic.calls)
}

func TestRouterFallsThroughToGeneric(t *testing.T) {
	structured := &stubProvider{name: ProviderStructured}
	generic := &stubProvider{
		name:   ProviderPlaywright,
		result: &Result{HTML: "<html>listing</html>", Provider: ProviderPlaywright, ActualProvider: ProviderPlaywright},
	}

	svc := NewService(nil, generic, 30*time.Second)
	svc.robots = &stubRobots{allowed: true}
	svc.Register("portal.example.com", structured)

	res, err := svc.Scrape(context.Background(), "https://other.example.org/listing/7")
	require.NoError(t, err)
	require.Equal(t, ProviderPlaywright, res.Provider)
	require.Equal(t, 0, structured.calls)
	require.Equal(t, 1, generic.calls)
}

func TestRobotsDisallowBlocksGenericScrape(t *testing.T) {
	generic := &stubProvider{
		name:   ProviderPlaywright,
		result: &Result{HTML: "<html>listing</html>"},
	}
	robots := &stubRobots{allowed: false}

	svc := NewService(nil, generic, 30*time.Second)
	svc.robots = robots

	_, err := svc.Scrape(context.Background(), "https://other.example.org/listing/7")
	require.ErrorIs(t, err, ErrRobotsDisallowed)
	require.Equal(t, 0, generic.calls)
	require.Equal(t, 1, robots.calls)
}

func TestStructuredProviderSkipsRobotsCheck(t *testing.T) {
	structured := &stubProvider{
		name:   ProviderStructured,
		result: &Result{JSON: `{"price": 100}`, Provider: ProviderStructured, ActualProvider: ProviderStructured},
	}
	robots := &stubRobots{allowed: false}

	svc := NewService(nil, nil, 30*time.Second)
	svc.robots = robots
	svc.Register("portal.example.com", structured)

	_, err := svc.Scrape(context.Background(), "https://portal.example.com/listing/42")
	require.NoError(t, err)
	require.Equal(t, 0, robots.calls)
}

func TestStructuredFailureDoesNotFallBack(t *testing.T) {
	structured := &stubProvider{name: ProviderStructured, err: ErrMissingCredential}
	generic := &stubProvider{
		name:   ProviderPlaywright,
		result: &Result{HTML: "<html></html>"},
	}

	svc := NewService(nil, generic, 30*time.Second)
	svc.Register("portal.example.com", structured)

	_, err := svc.Scrape(context.Background(), "https://portal.example.com/listing/42")
	require.ErrorIs(t, err, ErrMissingCredential)
	require.Equal(t, 0, generic.calls)
}

func TestKeywordBlockDetector(t *testing.T) {
	d := KeywordBlockDetector{}

	require.False(t, d.IsBlocked(nil))
	require.False(t, d.IsBlocked(&Result{StatusCode: 200, Title: "3 Bed House", HTML: "<html>lots of listing content here</html>"}))

	require.True(t, d.IsBlocked(&Result{StatusCode: 403}))
	require.True(t, d.IsBlocked(&Result{StatusCode: 429}))
	require.True(t, d.IsBlocked(&Result{StatusCode: 200, Title: "Just a moment..."}))
	require.True(t, d.IsBlocked(&Result{StatusCode: 200, HTML: "<html>please complete the CAPTCHA to continue</html>"}))
	require.True(t, d.IsBlocked(&Result{StatusCode: 200, HTML: "<html>Cloudflare Ray ID: abc123</html>"}))
}

func TestLooksLikeListingJSON(t *testing.T) {
	require.True(t, looksLikeListingJSON(`{"@type":"RealEstateListing","price":"500000","address":{"streetAddress":"1 Main St"}}`))
	require.False(t, looksLikeListingJSON(`{"@type":"Organization","name":"Portal Inc"}`))
	require.False(t, looksLikeListingJSON(`{}`))
}
