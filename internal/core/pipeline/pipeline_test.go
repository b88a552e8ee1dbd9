package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"listingengine/internal/core/extract"
	"listingengine/internal/core/images"
	"listingengine/internal/platform/eino"
	"listingengine/internal/platform/records"
)

// stubBackend routes on the system prompt so one backend can serve the
// extraction, copy and vision calls of a single run.
type stubBackend struct {
	calls int64
	reply func(system string) (string, error)

	mu    sync.Mutex
	temps map[string]float32
}

func (b *stubBackend) ModelName() string { return "stub-model" }

func (b *stubBackend) Generate(_ context.Context, msgs []*schema.Message, opts ...model.Option) (*schema.Message, *eino.TokenUsage, error) {
	atomic.AddInt64(&b.calls, 1)
	if o := model.GetCommonOptions(&model.Options{}, opts...); o.Temperature != nil {
		b.mu.Lock()
		if b.temps == nil {
			b.temps = map[string]float32{}
		}
		b.temps[callName(msgs[0].Content)] = *o.Temperature
		b.mu.Unlock()
	}
	content, err := b.reply(msgs[0].Content)
	if err != nil {
		return nil, nil, err
	}
	return &schema.Message{Role: schema.Assistant, Content: content},
		&eino.TokenUsage{InputTokens: 100, OutputTokens: 50, TotalTokens: 150}, nil
}

func callName(system string) string {
	switch {
	case strings.Contains(system, "data extraction engine"):
		return "extraction"
	case strings.Contains(system, "copywriter"):
		return "creative"
	case strings.Contains(system, "photo editor"):
		return "vision"
	default:
		return "unknown"
	}
}

const extractionReply = `{
	"title": "12 Harbor Rd, Portsmouth",
	"address": {"line": "12 Harbor Rd", "city": "Portsmouth"},
	"price": {"amount": 1250000, "currency": "USD", "period": "sale"},
	"bedrooms": 4,
	"bathrooms": 2.5,
	"area_sqft": 2340,
	"property_type": "Detached house",
	"photos": ["https://ext.example.com/photos/1.jpg", "https://ext.example.com/photos/2.jpg"],
	"completeness": 150
}`

const copyReply = `{
	"title": "Harborside Family Home",
	"subtitle": "Four bedrooms a short walk from the water",
	"highlights": [
		{"title": "Bedrooms", "value": "4 spacious rooms", "icon": "bed"},
		{"title": "Bathrooms", "value": "2.5 baths", "icon": "bath"},
		{"title": "Living space", "value": "2,340 sqft", "icon": "area"},
		{"title": "Price", "value": "$1.25M", "icon": "price"},
		{"title": "Location", "value": "Portsmouth harborside", "icon": "location"},
		{"title": "Type", "value": "Detached house", "icon": "feature"}
	]
}`

const visionReply = `{
	"rankings": [
		{"index": 0, "composition": 6, "lighting": 7, "wow_factor": 6, "quality": 9, "overall": 7},
		{"index": 1, "composition": 9, "lighting": 8, "wow_factor": 9, "quality": 10, "overall": 9},
		{"index": 2, "overall": 4}
	],
	"best_index": 1,
	"reasoning": "Photo 1 is a bright exterior shot with straight verticals."
}`

func routed(extractionErr, copyErr, visionErr error) *stubBackend {
	return &stubBackend{reply: func(system string) (string, error) {
		switch {
		case strings.Contains(system, "data extraction engine"):
			return extractionReply, extractionErr
		case strings.Contains(system, "copywriter"):
			return copyReply, copyErr
		case strings.Contains(system, "photo editor"):
			return visionReply, visionErr
		default:
			return "", fmt.Errorf("unexpected prompt: %s", system)
		}
	}}
}

func newTestService(backend *stubBackend, store records.Store) *Service {
	llm := eino.NewServiceWithBackends(eino.Config{Provider: "gemini", Model: "stub-model"}, backend, nil)
	return NewService(llm, nil, nil, store, 5*time.Second)
}

func seedPreview(t *testing.T, store records.Store) string {
	t.Helper()
	err := store.Create(context.Background(), &records.Preview{
		ID:        "p1",
		SourceURL: "https://portal.example.com/listing/42",
		Status:    records.StatusPending,
		Markdown:  "# 12 Harbor Rd\n\n4 beds, 2.5 baths, $1,250,000, 2,340 sqft",
		GalleryImages: []string{
			"https://ext.example.com/photos/2.jpg",
			"https://ext.example.com/photos/3.jpg",
		},
	})
	require.NoError(t, err)
	return "p1"
}

func TestRunHappyPath(t *testing.T) {
	store := records.NewMemoryStore()
	id := seedPreview(t, store)
	backend := routed(nil, nil, nil)

	require.NoError(t, newTestService(backend, store).Run(context.Background(), id))

	p, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, records.StatusCompleted, p.Status)

	// Model photos first, then gallery captures, deduped
	photos := p.GeneratedConfig["photos"].([]interface{})
	require.Equal(t, []interface{}{
		"https://ext.example.com/photos/1.jpg",
		"https://ext.example.com/photos/2.jpg",
		"https://ext.example.com/photos/3.jpg",
	}, photos)
	assert.Equal(t, float64(100), p.GeneratedConfig["completeness"])

	assert.Equal(t, "Harborside Family Home", p.UnifiedJSON["title"])
	assert.Len(t, p.UnifiedJSON["highlights"], 6)
	assert.Equal(t, "https://ext.example.com/photos/2.jpg", p.UnifiedJSON["hero_image"])

	analysis := p.UnifiedJSON["photo_analysis"].(*VisionResult)
	assert.Equal(t, 3, analysis.AnalyzedCount)
	assert.Equal(t, 3, analysis.TotalImages)
	assert.Equal(t, 1, analysis.BestIndex)
	assert.NotEmpty(t, analysis.Reasoning)

	meta := p.UnifiedJSON["_metadata"].(*Metadata)
	require.Contains(t, meta.Calls, "extraction")
	require.Contains(t, meta.Calls, "creative")
	require.Contains(t, meta.Calls, "vision")
	assert.Equal(t, "stub-model", meta.Calls["extraction"].Model)
	assert.Equal(t, int32(150), meta.Calls["extraction"].TotalTokens)
	assert.Equal(t, int64(3), atomic.LoadInt64(&backend.calls))
}

func TestRunCreativeFailureIsIsolated(t *testing.T) {
	store := records.NewMemoryStore()
	id := seedPreview(t, store)
	backend := routed(nil, errors.New("copy model unavailable"), nil)

	require.NoError(t, newTestService(backend, store).Run(context.Background(), id))

	p, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, records.StatusCompleted, p.Status)
	// Failed creative call leaves the extracted headline in place
	assert.Equal(t, "12 Harbor Rd, Portsmouth", p.UnifiedJSON["title"])
	assert.NotContains(t, p.UnifiedJSON, "highlights")
	assert.Contains(t, p.UnifiedJSON, "photo_analysis")
	assert.Equal(t, "https://ext.example.com/photos/2.jpg", p.UnifiedJSON["hero_image"])

	meta := p.UnifiedJSON["_metadata"].(*Metadata)
	assert.NotEmpty(t, meta.Calls["creative"].Error)
	assert.Empty(t, meta.Calls["vision"].Error)
}

func TestRunVisionFailureFallsBackToFirstPhoto(t *testing.T) {
	store := records.NewMemoryStore()
	id := seedPreview(t, store)
	backend := routed(nil, nil, errors.New("vision model unavailable"))

	require.NoError(t, newTestService(backend, store).Run(context.Background(), id))

	p, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, records.StatusCompleted, p.Status)
	assert.Equal(t, "Harborside Family Home", p.UnifiedJSON["title"])
	assert.Equal(t, "https://ext.example.com/photos/1.jpg", p.UnifiedJSON["hero_image"])
	assert.NotContains(t, p.UnifiedJSON, "photo_analysis")
}

func TestRunExtractionFailureIsFatal(t *testing.T) {
	store := records.NewMemoryStore()
	id := seedPreview(t, store)
	backend := routed(errors.New("extraction model unavailable"), nil, nil)

	err := newTestService(backend, store).Run(context.Background(), id)
	require.Error(t, err)

	p, getErr := store.Get(context.Background(), id)
	require.NoError(t, getErr)
	assert.Equal(t, records.StatusError, p.Status)
	assert.Contains(t, p.ErrorMessage, "extraction model unavailable")
	// Only the extraction call happened; copy and vision never started
	assert.Equal(t, int64(1), atomic.LoadInt64(&backend.calls))
}

func TestRunEmptyContentSkipsModelCalls(t *testing.T) {
	store := records.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &records.Preview{
		ID:        "empty",
		SourceURL: "https://portal.example.com/listing/0",
		Status:    records.StatusPending,
	}))
	backend := routed(nil, nil, nil)

	err := newTestService(backend, store).Run(context.Background(), "empty")
	require.ErrorIs(t, err, extract.ErrEmptyContent)

	p, getErr := store.Get(context.Background(), "empty")
	require.NoError(t, getErr)
	assert.Equal(t, records.StatusError, p.Status)
	assert.Equal(t, int64(0), atomic.LoadInt64(&backend.calls))
}

func TestNormalizeVision(t *testing.T) {
	v := VisionResult{
		Rankings: []PhotoScore{
			{Index: 0, Composition: 12, Lighting: -3, WowFactor: 8, Quality: 8, Overall: 99},
			{Index: 1, Composition: 6, Lighting: 6, WowFactor: 6, Quality: 6, Overall: 0},
			{Index: 7, Composition: 10, Lighting: 10, WowFactor: 10, Quality: 10},
		},
		BestIndex: 7,
	}
	normalizeVision(&v, 2)

	require.Len(t, v.Rankings, 2)
	assert.Equal(t, float64(10), v.Rankings[0].Composition)
	assert.Equal(t, float64(0), v.Rankings[0].Lighting)
	assert.InDelta(t, 6.5, v.Rankings[0].Overall, 0.001)
	assert.Equal(t, float64(6), v.Rankings[1].Overall)
	assert.Equal(t, 2, v.AnalyzedCount)
	assert.Equal(t, 2, v.TotalImages)
	// Out-of-range best index falls back to the highest surviving score
	assert.Equal(t, 0, v.BestIndex)
}

func TestPhotoScoreDefaultsMissingSubScores(t *testing.T) {
	var p PhotoScore
	require.NoError(t, json.Unmarshal([]byte(`{"index": 0, "overall": 9}`), &p))
	assert.Equal(t, float64(9), p.Composition)
	assert.Equal(t, float64(9), p.Lighting)
	assert.Equal(t, float64(9), p.WowFactor)
	assert.Equal(t, float64(9), p.Quality)

	// A sparse ranking keeps its reported overall instead of zeroing out
	v := VisionResult{Rankings: []PhotoScore{p}}
	normalizeVision(&v, 1)
	assert.Equal(t, float64(9), v.Rankings[0].Overall)

	var mixed PhotoScore
	require.NoError(t, json.Unmarshal([]byte(`{"index": 1, "composition": 3, "overall": 7}`), &mixed))
	assert.Equal(t, float64(3), mixed.Composition)
	assert.Equal(t, float64(7), mixed.Lighting)
}

func TestRunTunesCreativeTemperatureHigher(t *testing.T) {
	store := records.NewMemoryStore()
	id := seedPreview(t, store)
	backend := routed(nil, nil, nil)

	require.NoError(t, newTestService(backend, store).Run(context.Background(), id))

	backend.mu.Lock()
	defer backend.mu.Unlock()
	require.Contains(t, backend.temps, "extraction")
	require.Contains(t, backend.temps, "creative")
	assert.Greater(t, backend.temps["creative"], backend.temps["extraction"])
}

type countingUploader struct {
	mu      sync.Mutex
	uploads int
}

func (u *countingUploader) Upload(_ context.Context, path string, _ []byte, _ string) (string, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.uploads++
	return "https://cdn.internal.example.com/" + path, nil
}

func (u *countingUploader) BaseURL() string { return "https://cdn.internal.example.com/" }

func TestRunRehostsEachPhotoOnce(t *testing.T) {
	var fetches int64
	origin := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		atomic.AddInt64(&fetches, 1)
		w.Header().Set("Content-Type", "image/jpeg")
		_, _ = w.Write([]byte("jpegdata"))
	}))
	defer origin.Close()

	store := records.NewMemoryStore()
	require.NoError(t, store.Create(context.Background(), &records.Preview{
		ID:        "p1",
		SourceURL: "https://portal.example.com/listing/42",
		Status:    records.StatusPending,
		Markdown:  "# 12 Harbor Rd\n\n4 beds, 2.5 baths, $1,250,000",
	}))

	extraction := fmt.Sprintf(`{"title": "12 Harbor Rd, Portsmouth", "photos": [%q, %q], "completeness": 80}`,
		origin.URL+"/photos/1.jpg", origin.URL+"/photos/2.jpg")
	backend := &stubBackend{reply: func(system string) (string, error) {
		switch callName(system) {
		case "extraction":
			return extraction, nil
		case "creative":
			return copyReply, nil
		case "vision":
			return visionReply, nil
		default:
			return "", fmt.Errorf("unexpected prompt: %s", system)
		}
	}}

	uploader := &countingUploader{}
	llm := eino.NewServiceWithBackends(eino.Config{Provider: "gemini", Model: "stub-model"}, backend, nil)
	svc := NewService(llm, images.New(uploader, 2), nil, store, 5*time.Second)
	require.NoError(t, svc.Run(context.Background(), "p1"))

	// Two source photos, one fetch and one upload each; the second image
	// pass leaves the hosted copies alone.
	assert.Equal(t, int64(2), atomic.LoadInt64(&fetches))
	assert.Equal(t, 2, uploader.uploads)

	p, err := store.Get(context.Background(), "p1")
	require.NoError(t, err)
	for _, ph := range p.UnifiedJSON["photos"].([]interface{}) {
		assert.True(t, strings.HasPrefix(ph.(string), "https://cdn.internal.example.com/"), ph)
	}
	assert.True(t, strings.HasPrefix(p.UnifiedJSON["hero_image"].(string), "https://cdn.internal.example.com/"))
}

func TestMergePhotosCapsAtTwenty(t *testing.T) {
	var many []string
	for i := 0; i < 30; i++ {
		many = append(many, fmt.Sprintf("https://ext.example.com/photos/%d.jpg", i))
	}
	merged := mergePhotos(many[:15], many[10:])
	assert.Len(t, merged, 20)
	assert.Equal(t, many[0], merged[0])
	assert.Equal(t, many[19], merged[19])
}
