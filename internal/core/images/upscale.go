package images

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"io"
	"net/http"
	"time"

	_ "image/jpeg"
	_ "image/png"

	"listingengine/internal/logger"
)

// HeroTargetWidth is the width below which the hero image gets upscaled.
const HeroTargetWidth = 1920

// Upscaler enlarges one image and returns the URL of the result.
type Upscaler interface {
	Upscale(ctx context.Context, imageURL string) (string, error)
}

// HTTPUpscaler calls an external upscaling endpoint.
type HTTPUpscaler struct {
	log        *logger.Logger
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewHTTPUpscaler(baseURL, apiKey string) *HTTPUpscaler {
	return &HTTPUpscaler{
		log:        logger.New("Upscaler"),
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: 120 * time.Second},
	}
}

func (u *HTTPUpscaler) Upscale(ctx context.Context, imageURL string) (string, error) {
	if u.baseURL == "" {
		return "", fmt.Errorf("upscaler not configured")
	}

	body, err := json.Marshal(map[string]interface{}{
		"image": imageURL,
		"scale": 2,
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.baseURL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to build upscale request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if u.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+u.apiKey)
	}

	resp, err := u.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("upscale request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("upscaler returned status %d: %s", resp.StatusCode, string(respBody))
	}

	var out struct {
		OutputURL string `json:"output_url"`
	}
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode upscaler response: %w", err)
	}
	if out.OutputURL == "" {
		return "", fmt.Errorf("upscaler returned no output URL")
	}
	return out.OutputURL, nil
}

// ProbeWidth reads just enough of the image to decode its dimensions.
// A failed probe returns 0 and no error surface; the caller skips the
// upscale rather than failing the job.
func (s *Service) ProbeWidth(ctx context.Context, imageURL string) int {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, imageURL, nil)
	if err != nil {
		return 0
	}
	// Dimensions live in the first few KB for JPEG/PNG
	req.Header.Set("Range", "bytes=0-65535")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return 0
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusPartialContent {
		return 0
	}

	cfg, _, err := image.DecodeConfig(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		s.log.LogDebugf("Width probe failed for %s: %v", imageURL, err)
		return 0
	}
	return cfg.Width
}
