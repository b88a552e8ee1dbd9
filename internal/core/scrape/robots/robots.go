// Package robots caches per-host robots.txt verdicts so repeated scrapes of
// one portal fetch the file once.
package robots

import (
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/temoto/robotstxt"
)

type entry struct {
	data    *robotstxt.RobotsData
	fetched time.Time
}

type Service struct {
	mu     sync.Mutex
	cache  map[string]entry
	client *http.Client
	ttl    time.Duration
}

func New() *Service {
	return &Service{
		cache:  map[string]entry{},
		client: &http.Client{Timeout: 10 * time.Second},
		ttl:    time.Hour,
	}
}

// IsAllowed checks robots.txt for the URL's host. Unreachable or malformed
// robots files allow the fetch; only an explicit disallow blocks it.
func (s *Service) IsAllowed(rawURL, agent string) bool {
	u, err := url.Parse(rawURL)
	if err != nil || u.Host == "" {
		return true
	}

	data := s.robotsFor(u)
	if data == nil {
		return true
	}
	return data.TestAgent(u.Path, agent)
}

func (s *Service) robotsFor(u *url.URL) *robotstxt.RobotsData {
	key := u.Scheme + "://" + u.Host

	s.mu.Lock()
	e, ok := s.cache[key]
	s.mu.Unlock()
	if ok && time.Since(e.fetched) < s.ttl {
		return e.data
	}

	resp, err := s.client.Get(fmt.Sprintf("%s/robots.txt", key))
	var data *robotstxt.RobotsData
	if err == nil {
		defer resp.Body.Close()
		data, err = robotstxt.FromResponse(resp)
		if err != nil {
			data = nil
		}
	}

	s.mu.Lock()
	s.cache[key] = entry{data: data, fetched: time.Now()}
	s.mu.Unlock()
	return data
}
