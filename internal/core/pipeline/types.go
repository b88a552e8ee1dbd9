package pipeline

import (
	"encoding/json"

	"listingengine/internal/platform/eino"
)

const (
	// maxPhotos caps how many photos one preview carries.
	maxPhotos = 20

	// maxVisionPhotos caps how many photos the ranking call is shown.
	maxVisionPhotos = 10

	// factualTemperature keeps extraction and ranking deterministic;
	// creativeTemperature gives the copy call room to vary.
	factualTemperature  float32 = 0.2
	creativeTemperature float32 = 0.9

	maxOutputTokens = 8192
)

// Highlight is one marketing bullet on the preview page.
type Highlight struct {
	Title string `json:"title"`
	Value string `json:"value"`
	Icon  string `json:"icon"`
}

// Copy is the creative output: title, subtitle and highlights.
type Copy struct {
	Title      string      `json:"title"`
	Subtitle   string      `json:"subtitle"`
	Highlights []Highlight `json:"highlights"`
}

// PhotoScore is the vision model's verdict on one photo.
type PhotoScore struct {
	Index       int     `json:"index"`
	Composition float64 `json:"composition"`
	Lighting    float64 `json:"lighting"`
	WowFactor   float64 `json:"wow_factor"`
	Quality     float64 `json:"quality"`
	Overall     float64 `json:"overall"`
}

// UnmarshalJSON defaults any sub-score the model left out to its reported
// overall score, so a sparse ranking still carries signal instead of
// collapsing to zero.
func (p *PhotoScore) UnmarshalJSON(data []byte) error {
	var aux struct {
		Index       int      `json:"index"`
		Composition *float64 `json:"composition"`
		Lighting    *float64 `json:"lighting"`
		WowFactor   *float64 `json:"wow_factor"`
		Quality     *float64 `json:"quality"`
		Overall     float64  `json:"overall"`
	}
	if err := json.Unmarshal(data, &aux); err != nil {
		return err
	}
	p.Index = aux.Index
	p.Overall = aux.Overall
	p.Composition = scoreOr(aux.Composition, aux.Overall)
	p.Lighting = scoreOr(aux.Lighting, aux.Overall)
	p.WowFactor = scoreOr(aux.WowFactor, aux.Overall)
	p.Quality = scoreOr(aux.Quality, aux.Overall)
	return nil
}

func scoreOr(v *float64, def float64) float64 {
	if v != nil {
		return *v
	}
	return def
}

// VisionResult is the full ranking for a photo set.
type VisionResult struct {
	Rankings      []PhotoScore `json:"rankings"`
	BestIndex     int          `json:"best_index"`
	Reasoning     string       `json:"reasoning,omitempty"`
	AnalyzedCount int          `json:"analyzed_count"`
	TotalImages   int          `json:"total_images"`
}

// CallStats records what one model call cost.
type CallStats struct {
	Model        string `json:"model,omitempty"`
	DurationMs   int64  `json:"duration_ms"`
	InputTokens  int32  `json:"input_tokens,omitempty"`
	OutputTokens int32  `json:"output_tokens,omitempty"`
	TotalTokens  int32  `json:"total_tokens,omitempty"`
	Error        string `json:"error,omitempty"`
}

func (c *CallStats) record(usage *eino.TokenUsage, modelUsed string, err error) {
	c.Model = modelUsed
	if usage != nil {
		c.InputTokens = usage.InputTokens
		c.OutputTokens = usage.OutputTokens
		c.TotalTokens = usage.TotalTokens
	}
	if err != nil {
		c.Error = err.Error()
	}
}

// Metadata is persisted under "_metadata" in the generated config so cost
// and latency per preview stay inspectable.
type Metadata struct {
	SourceURL       string                `json:"source_url,omitempty"`
	Calls           map[string]*CallStats `json:"calls"`
	TotalDurationMs int64                 `json:"total_duration_ms"`
	GeneratedAt     string                `json:"generated_at"`
}

func newMetadata(sourceURL string) *Metadata {
	return &Metadata{
		SourceURL: sourceURL,
		Calls:     map[string]*CallStats{},
	}
}

func (m *Metadata) call(name string) *CallStats {
	if m.Calls[name] == nil {
		m.Calls[name] = &CallStats{}
	}
	return m.Calls[name]
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// normalizeVision makes the ranking safe to act on: sub-scores clamped to
// 0-10, overall recomputed as their mean, best index forced into range.
func normalizeVision(v *VisionResult, photoCount int) {
	kept := v.Rankings[:0]
	for _, r := range v.Rankings {
		if r.Index < 0 || r.Index >= photoCount {
			continue
		}
		r.Composition = clamp(r.Composition, 0, 10)
		r.Lighting = clamp(r.Lighting, 0, 10)
		r.WowFactor = clamp(r.WowFactor, 0, 10)
		r.Quality = clamp(r.Quality, 0, 10)
		r.Overall = (r.Composition + r.Lighting + r.WowFactor + r.Quality) / 4
		kept = append(kept, r)
	}
	v.Rankings = kept
	v.AnalyzedCount = len(kept)
	v.TotalImages = photoCount

	if v.BestIndex >= 0 && v.BestIndex < photoCount {
		return
	}
	v.BestIndex = 0
	best := -1.0
	for _, r := range v.Rankings {
		if r.Overall > best {
			best = r.Overall
			v.BestIndex = r.Index
		}
	}
}
