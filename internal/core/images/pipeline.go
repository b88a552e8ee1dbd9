package images

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"path"
	"strings"
	"sync"
	"time"

	"listingengine/internal/logger"
	"listingengine/internal/platform/storage"
)

const maxImageBytes = 25 * 1024 * 1024

// Service downloads source images and re-hosts them through an Uploader.
type Service struct {
	log         *logger.Logger
	uploader    storage.Uploader
	httpClient  *http.Client
	concurrency int

	// hostedPrefix marks URLs that already live in our storage. They are
	// never fetched or uploaded again.
	hostedPrefix string
}

func New(uploader storage.Uploader, concurrency int) *Service {
	if concurrency <= 0 {
		concurrency = 5
	}
	s := &Service{
		log:         logger.New("ImageService"),
		uploader:    uploader,
		httpClient:  &http.Client{Timeout: 30 * time.Second},
		concurrency: concurrency,
	}
	if b, ok := uploader.(interface{ BaseURL() string }); ok {
		s.hostedPrefix = b.BaseURL()
	}
	return s
}

// ProcessImages re-hosts the given URLs and returns old→new mappings.
// Duplicates and already-hosted URLs collapse away. A failed URL is logged,
// left out of the mapping, and never fails the batch.
func (s *Service) ProcessImages(ctx context.Context, urls []string, prefix string) map[string]string {
	unique := make([]string, 0, len(urls))
	seen := map[string]bool{}
	for _, u := range urls {
		if s.hostedPrefix != "" && strings.HasPrefix(u, s.hostedPrefix) {
			continue
		}
		if !seen[u] {
			seen[u] = true
			unique = append(unique, u)
		}
	}

	mapping := make(map[string]string, len(unique))
	var mu sync.Mutex
	var wg sync.WaitGroup
	sem := make(chan struct{}, s.concurrency)

	for _, u := range unique {
		wg.Add(1)
		go func(src string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			hosted, err := s.rehost(ctx, src, prefix)
			if err != nil {
				s.log.LogWarnf("Failed to re-host %s: %v", src, err)
				return
			}
			mu.Lock()
			mapping[src] = hosted
			mu.Unlock()
		}(u)
	}
	wg.Wait()

	s.log.LogInfof("Re-hosted %d/%d images under %s", len(mapping), len(unique), prefix)
	return mapping
}

func (s *Service) rehost(ctx context.Context, src, prefix string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, nil)
	if err != nil {
		return "", fmt.Errorf("bad image URL: %w", err)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch returned status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxImageBytes+1))
	if err != nil {
		return "", fmt.Errorf("read failed: %w", err)
	}
	if len(data) > maxImageBytes {
		return "", fmt.Errorf("image exceeds %d bytes", maxImageBytes)
	}
	if len(data) == 0 {
		return "", fmt.Errorf("empty image body")
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "image/") {
		contentType = "image/jpeg"
	}

	objectPath := prefix + "/" + objectName(src, contentType)
	return s.uploader.Upload(ctx, objectPath, data, contentType)
}

// objectName derives a stable storage key from the source URL, so retries
// of the same job overwrite rather than accumulate.
func objectName(src, contentType string) string {
	sum := sha256.Sum256([]byte(src))
	ext := strings.ToLower(path.Ext(strings.SplitN(src, "?", 2)[0]))
	if ext == "" || len(ext) > 5 {
		switch contentType {
		case "image/png":
			ext = ".png"
		case "image/webp":
			ext = ".webp"
		case "image/avif":
			ext = ".avif"
		default:
			ext = ".jpg"
		}
	}
	return hex.EncodeToString(sum[:8]) + ext
}
