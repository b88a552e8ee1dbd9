package records

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"listingengine/internal/config"
	"listingengine/internal/logger"
)

// Status values a preview record moves through.
const (
	StatusScraping  = "scraping"
	StatusPending   = "pending"
	StatusCompleted = "completed"
	StatusError     = "error"
)

// Preview is one listing preview row. Stage outputs land in their own
// columns so a poller sees progress as it happens.
type Preview struct {
	ID              string                 `json:"id"`
	SourceURL       string                 `json:"source_url"`
	Status          string                 `json:"status"`
	ErrorMessage    string                 `json:"error_message,omitempty"`
	RawContent      string                 `json:"raw_content,omitempty"`
	Markdown        string                 `json:"markdown,omitempty"`
	GalleryImages   []string               `json:"gallery_images,omitempty"`
	GeneratedConfig map[string]interface{} `json:"generated_config,omitempty"`
	UnifiedJSON     map[string]interface{} `json:"unified_json,omitempty"`
	CreatedAt       time.Time              `json:"created_at,omitempty"`
	UpdatedAt       time.Time              `json:"updated_at,omitempty"`
}

// Store is the preview record persistence surface.
type Store interface {
	Create(ctx context.Context, p *Preview) error
	Get(ctx context.Context, id string) (*Preview, error)
	Update(ctx context.Context, id string, fields map[string]interface{}) error
}

// Service talks to the Supabase PostgREST endpoint directly. The community
// postgrest wrapper builds stale auth headers on reuse, so requests are
// issued with fresh headers each time.
type Service struct {
	log        *logger.Logger
	baseURL    string
	serviceKey string
	table      string
	httpClient *http.Client
}

func New(cfg config.Config) (*Service, error) {
	if cfg.SupabaseURL == "" || cfg.SupabaseServiceKey == "" {
		if cfg.AppEnv == "production" {
			return nil, fmt.Errorf("production environment requires Supabase configuration")
		}
	}
	return &Service{
		log:        logger.New("Records"),
		baseURL:    strings.TrimRight(cfg.SupabaseURL, "/"),
		serviceKey: cfg.SupabaseServiceKey,
		table:      cfg.SupabaseTable,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

func (s *Service) restURL(id string) string {
	u := fmt.Sprintf("%s/rest/v1/%s", s.baseURL, s.table)
	if id != "" {
		u += "?id=eq." + url.QueryEscape(id)
	}
	return u
}

func (s *Service) do(ctx context.Context, method, rawURL string, body interface{}, headers map[string]string) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		buf := new(bytes.Buffer)
		if err := json.NewEncoder(buf).Encode(body); err != nil {
			return nil, fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = buf
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+s.serviceKey)
	req.Header.Set("apikey", s.serviceKey)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	b, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("postgrest returned status %d: %s", resp.StatusCode, string(b))
	}
	return b, nil
}

func (s *Service) Create(ctx context.Context, p *Preview) error {
	_, err := s.do(ctx, http.MethodPost, s.restURL(""), p, map[string]string{
		"Prefer": "resolution=merge-duplicates",
	})
	if err != nil {
		return fmt.Errorf("failed to create preview record %s: %w", p.ID, err)
	}
	return nil
}

func (s *Service) Get(ctx context.Context, id string) (*Preview, error) {
	b, err := s.do(ctx, http.MethodGet, s.restURL(id), nil, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch preview record %s: %w", id, err)
	}
	var rows []Preview
	if err := json.Unmarshal(b, &rows); err != nil {
		return nil, fmt.Errorf("failed to decode preview record: %w", err)
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("preview record %s not found", id)
	}
	return &rows[0], nil
}

// Update patches only the given columns. Earlier stage output is never
// touched, so a failing later stage leaves partial progress visible.
func (s *Service) Update(ctx context.Context, id string, fields map[string]interface{}) error {
	if len(fields) == 0 {
		return nil
	}
	fields["updated_at"] = time.Now().UTC().Format(time.RFC3339)
	_, err := s.do(ctx, http.MethodPatch, s.restURL(id), fields, nil)
	if err != nil {
		return fmt.Errorf("failed to update preview record %s: %w", id, err)
	}
	return nil
}

// MemoryStore is an in-process Store used in development when Supabase is
// not configured, and by tests.
type MemoryStore struct {
	mu      sync.Mutex
	records map[string]*Preview
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{records: map[string]*Preview{}}
}

func (m *MemoryStore) Create(_ context.Context, p *Preview) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *p
	m.records[p.ID] = &cp
	return nil
}

func (m *MemoryStore) Get(_ context.Context, id string) (*Preview, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return nil, fmt.Errorf("preview record %s not found", id)
	}
	cp := *p
	return &cp, nil
}

func (m *MemoryStore) Update(_ context.Context, id string, fields map[string]interface{}) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.records[id]
	if !ok {
		return fmt.Errorf("preview record %s not found", id)
	}
	for k, v := range fields {
		switch k {
		case "status":
			p.Status, _ = v.(string)
		case "error_message":
			p.ErrorMessage, _ = v.(string)
		case "raw_content":
			p.RawContent, _ = v.(string)
		case "markdown":
			p.Markdown, _ = v.(string)
		case "gallery_images":
			if imgs, ok := v.([]string); ok {
				p.GalleryImages = imgs
			}
		case "generated_config":
			if cfg, ok := v.(map[string]interface{}); ok {
				p.GeneratedConfig = cfg
			}
		case "unified_json":
			if uj, ok := v.(map[string]interface{}); ok {
				p.UnifiedJSON = uj
			}
		}
	}
	p.UpdatedAt = time.Now().UTC()
	return nil
}
