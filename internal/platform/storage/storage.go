package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"listingengine/internal/config"
	"listingengine/internal/logger"

	"github.com/antoineross/supabase-go"
	storage_go "github.com/supabase-community/storage-go"
)

// Uploader stores image bytes and returns a durable URL for them.
type Uploader interface {
	Upload(ctx context.Context, path string, data []byte, contentType string) (string, error)
}

// Service uploads to a Supabase storage bucket. Buckets for listing images
// are public, so the public object URL is returned; when the bucket turns
// out to be private the signed-URL endpoint is used instead.
type Service struct {
	log    *logger.Logger
	cfg    config.Config
	client *supabase.Client
}

func New(cfg config.Config) (*Service, error) {
	s := &Service{log: logger.New("Storage"), cfg: cfg}

	if cfg.AppEnv == "production" {
		if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" || cfg.SupabaseBucket == "" {
			return nil, fmt.Errorf("production environment requires Supabase configuration: NEXT_PUBLIC_SUPABASE_URL, SUPABASE_SERVICE_ROLE_KEY, and SUPABASE_STORAGE_BUCKET must be set")
		}
	}

	if cfg.SupabaseURL != "" && cfg.SupabaseServiceKey != "" {
		client, err := supabase.NewClient(cfg.SupabaseURL, cfg.SupabaseServiceKey, nil)
		if err != nil {
			if cfg.AppEnv == "production" {
				return nil, fmt.Errorf("failed to initialize Supabase client in production: %w", err)
			}
			s.log.LogWarnf("failed to initialize Supabase client: %v", err)
		} else {
			s.client = client
		}
	}
	return s, nil
}

// signedURLTTLSeconds is how long signed object URLs stay valid when the
// bucket is private.
const signedURLTTLSeconds = 7 * 24 * 3600

func (s *Service) Upload(_ context.Context, path string, data []byte, contentType string) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("supabase storage not configured")
	}

	reader := bytes.NewReader(data)
	if _, err := s.client.Storage.UploadFile(s.cfg.SupabaseBucket, path, reader, storage_go.FileOptions{ContentType: &contentType}); err != nil {
		return "", fmt.Errorf("supabase upload failed: %w", err)
	}

	if !s.cfg.SupabaseBucketPublic {
		signed, err := s.SignedURL(s.cfg.SupabaseBucket, path, signedURLTTLSeconds)
		if err != nil {
			return "", fmt.Errorf("failed to sign uploaded object: %w", err)
		}
		return signed, nil
	}

	public := fmt.Sprintf("%s/storage/v1/object/public/%s/%s",
		strings.TrimRight(s.cfg.SupabaseURL, "/"), s.cfg.SupabaseBucket, path)
	return public, nil
}

// BaseURL is the prefix every URL this service hands out lives under, public
// and signed alike. Callers use it to recognize objects that are already
// durable.
func (s *Service) BaseURL() string {
	return strings.TrimRight(s.cfg.SupabaseURL, "/") + "/storage/v1/object/"
}

// SignedURL performs a direct REST call to sign objects with fresh headers.
// The storage-go wrapper mangles auth headers on reuse, so this goes straight
// to the storage API.
func (s *Service) SignedURL(bucket string, objectPath string, expiresIn int) (string, error) {
	if s.cfg.SupabaseURL == "" {
		return "", fmt.Errorf("supabase URL not configured")
	}
	serviceKey := s.cfg.SupabaseServiceKey
	if serviceKey == "" {
		return "", fmt.Errorf("supabase service key not configured")
	}

	signURL := fmt.Sprintf("%s/storage/v1/object/sign/%s/%s", strings.TrimRight(s.cfg.SupabaseURL, "/"), bucket, objectPath)
	body := map[string]int{"expiresIn": expiresIn}
	buf := new(bytes.Buffer)
	if err := json.NewEncoder(buf).Encode(body); err != nil {
		return "", fmt.Errorf("failed to encode sign body: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, signURL, buf)
	if err != nil {
		return "", fmt.Errorf("failed to build sign request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+serviceKey)
	req.Header.Set("apikey", serviceKey)

	httpClient := &http.Client{Timeout: 15 * time.Second}
	resp, err := httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to request signed URL: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("failed to create signed URL: status %d", resp.StatusCode)
	}

	var signed struct {
		SignedURL string `json:"signedURL"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&signed); err != nil {
		return "", fmt.Errorf("failed to decode signed URL response: %w", err)
	}

	base := strings.TrimRight(s.cfg.SupabaseURL, "/")
	path := signed.SignedURL
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	if !strings.HasPrefix(path, "/storage/v1/") {
		path = "/storage/v1" + path
	}
	finalURL := base + path
	if s.cfg.AppEnv == "local" || s.cfg.AppEnv == "development" {
		finalURL = strings.Replace(finalURL, "host.docker.internal", "127.0.0.1", 1)
	}
	return finalURL, nil
}
