// Package pipeline turns a scraped preview record into a finished listing:
// structured extraction, marketing copy and photo ranking via the LLM, photo
// re-hosting, and an optional hero upscale.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"listingengine/internal/core/extract"
	"listingengine/internal/core/images"
	"listingengine/internal/logger"
	"listingengine/internal/platform/eino"
	"listingengine/internal/platform/records"
	"listingengine/prompts"
)

// maxContentChars bounds how much page content one extraction prompt carries.
const maxContentChars = 120_000

// Service orchestrates the model calls for one preview.
type Service struct {
	log         *logger.Logger
	llm         *eino.Service
	prompts     *prompts.SystemPrompts
	images      *images.Service
	upscaler    images.Upscaler
	store       records.Store
	callTimeout time.Duration
}

func NewService(llm *eino.Service, imgs *images.Service, upscaler images.Upscaler, store records.Store, callTimeout time.Duration) *Service {
	if callTimeout <= 0 {
		callTimeout = 60 * time.Second
	}
	return &Service{
		log:         logger.New("Pipeline"),
		llm:         llm,
		prompts:     prompts.NewSystemPrompts(),
		images:      imgs,
		upscaler:    upscaler,
		store:       store,
		callTimeout: callTimeout,
	}
}

// Run executes the full pipeline for one preview record. Extraction failing
// is fatal; copy, vision and upscale failures degrade the result instead.
func (s *Service) Run(ctx context.Context, previewID string) error {
	started := time.Now()

	preview, err := s.store.Get(ctx, previewID)
	if err != nil {
		return fmt.Errorf("failed to load preview %s: %w", previewID, err)
	}

	meta := newMetadata(preview.SourceURL)

	artifact := extract.Artifact{
		RawContent:    preview.RawContent,
		Markdown:      preview.Markdown,
		GalleryImages: preview.GalleryImages,
	}
	// Structured scrapes store their payload in raw_content
	if trimmed := strings.TrimSpace(preview.RawContent); strings.HasPrefix(trimmed, "{") || strings.HasPrefix(trimmed, "[") {
		artifact.JSON = trimmed
	}
	if err := extract.CheckSufficiency(artifact, nil); err != nil {
		s.failPreview(ctx, previewID, meta, started, err)
		return err
	}

	// Call 1: structured extraction. Everything downstream needs this.
	listing, err := s.extractListing(ctx, preview, meta)
	if err != nil {
		s.failPreview(ctx, previewID, meta, started, err)
		return fmt.Errorf("listing extraction failed for %s: %w", previewID, err)
	}

	photos := mergePhotos(listingPhotos(listing), preview.GalleryImages)
	listing["photos"] = toInterfaceSlice(photos)
	clampCompleteness(listing)

	if err := s.store.Update(ctx, previewID, map[string]interface{}{
		"generated_config": listing,
	}); err != nil {
		s.log.LogWarnf("Failed to persist extraction for %s: %v", previewID, err)
	}

	// First image pass: re-host everything the extraction references so the
	// vision call and the final config point at our storage.
	if s.images != nil && len(photos) > 0 {
		mapping := s.images.ProcessImages(ctx, photos, "previews/"+previewID)
		listing = images.ReplaceImageURLs(listing, mapping).(map[string]interface{})
		photos = replaceAll(photos, mapping)
	}

	// Calls 2 and 3 run concurrently and fail independently.
	var (
		wg          sync.WaitGroup
		creative    *Copy
		creativeErr error
		vision      *VisionResult
		visionErr   error
	)

	// Metadata entries are created up front; the goroutines only touch
	// their own entry.
	meta.call("creative")
	wg.Add(1)
	go func() {
		defer wg.Done()
		creative, creativeErr = s.generateCopy(ctx, listing, meta)
	}()

	visionPhotos := photos
	if len(visionPhotos) > maxVisionPhotos {
		visionPhotos = visionPhotos[:maxVisionPhotos]
	}
	if len(visionPhotos) > 0 {
		meta.call("vision")
		wg.Add(1)
		go func() {
			defer wg.Done()
			vision, visionErr = s.rankPhotos(ctx, listing, visionPhotos, meta)
		}()
	}
	wg.Wait()

	if creativeErr != nil {
		s.log.LogWarnf("Creative copy failed for %s, preview ships without it: %v", previewID, creativeErr)
	}
	if visionErr != nil {
		s.log.LogWarnf("Photo ranking failed for %s, using first photo as hero: %v", previewID, visionErr)
	}

	heroURL := ""
	if len(photos) > 0 {
		heroIdx := 0
		if vision != nil {
			heroIdx = vision.BestIndex
		}
		heroURL = photos[heroIdx]
	}

	// Call 4: upscale the hero only when it is too small to fill the page.
	heroURL = s.maybeUpscaleHero(ctx, heroURL, meta)

	unified := s.assemble(listing, creative, vision, photos, heroURL)

	// Second image pass catches anything new: the upscaler output and any
	// URL the models surfaced that the first pass never saw.
	if s.images != nil {
		if pending := images.ExtractImageURLs(unified); len(pending) > 0 {
			mapping := s.images.ProcessImages(ctx, pending, "previews/"+previewID)
			unified = images.ReplaceImageURLs(unified, mapping).(map[string]interface{})
		}
	}

	meta.TotalDurationMs = time.Since(started).Milliseconds()
	meta.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	unified["_metadata"] = meta

	if err := s.store.Update(ctx, previewID, map[string]interface{}{
		"unified_json": unified,
		"status":       records.StatusCompleted,
	}); err != nil {
		return fmt.Errorf("failed to persist result for %s: %w", previewID, err)
	}

	s.log.LogSuccessf("Pipeline finished for %s in %dms (%d photos)", previewID, meta.TotalDurationMs, len(photos))
	return nil
}

func (s *Service) failPreview(ctx context.Context, previewID string, meta *Metadata, started time.Time, cause error) {
	meta.TotalDurationMs = time.Since(started).Milliseconds()
	meta.GeneratedAt = time.Now().UTC().Format(time.RFC3339)
	if err := s.store.Update(ctx, previewID, map[string]interface{}{
		"status":        records.StatusError,
		"error_message": cause.Error(),
		"unified_json":  map[string]interface{}{"_metadata": meta},
	}); err != nil {
		s.log.LogErrorf("Failed to record pipeline failure for %s: %v", previewID, err)
	}
}

// extractListing runs the first model call against the scraped content.
func (s *Service) extractListing(ctx context.Context, preview *records.Preview, meta *Metadata) (map[string]interface{}, error) {
	stats := meta.call("extraction")
	started := time.Now()
	defer func() { stats.DurationMs = time.Since(started).Milliseconds() }()

	hints, _ := json.Marshal(extract.ParseCandidates(preview.RawContent))

	msgs, err := s.prompts.ListingExtraction.Format(ctx, map[string]any{
		"source_url": preview.SourceURL,
		"content":    buildContent(preview),
		"hints":      string(hints),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to format extraction prompt: %w", err)
	}

	var listing map[string]interface{}
	usage, modelUsed, err := s.llm.GenerateJSON(ctx, msgs, s.callTimeout, &listing,
		model.WithTemperature(factualTemperature), model.WithMaxTokens(maxOutputTokens))
	stats.record(usage, modelUsed, err)
	if err != nil {
		return nil, err
	}
	return listing, nil
}

// generateCopy runs the second model call.
func (s *Service) generateCopy(ctx context.Context, listing map[string]interface{}, meta *Metadata) (*Copy, error) {
	stats := meta.call("creative")
	started := time.Now()
	defer func() { stats.DurationMs = time.Since(started).Milliseconds() }()

	listingJSON, err := json.MarshalIndent(listing, "", "  ")
	if err != nil {
		return nil, err
	}

	msgs, err := s.prompts.CreativeCopy.Format(ctx, map[string]any{
		"listing": string(listingJSON),
	})
	if err != nil {
		return nil, fmt.Errorf("failed to format copy prompt: %w", err)
	}

	// Higher temperature here on purpose: the copy should vary, the facts
	// backing it may not.
	var out Copy
	usage, modelUsed, err := s.llm.GenerateJSON(ctx, msgs, s.callTimeout, &out,
		model.WithTemperature(creativeTemperature), model.WithMaxTokens(maxOutputTokens))
	stats.record(usage, modelUsed, err)
	if err != nil {
		return nil, err
	}
	if len(out.Highlights) > 6 {
		out.Highlights = out.Highlights[:6]
	}
	return &out, nil
}

// rankPhotos runs the third model call with the photos attached as image
// parts.
func (s *Service) rankPhotos(ctx context.Context, listing map[string]interface{}, photos []string, meta *Metadata) (*VisionResult, error) {
	stats := meta.call("vision")
	started := time.Now()
	defer func() { stats.DurationMs = time.Since(started).Milliseconds() }()

	title, _ := listing["title"].(string)
	if title == "" {
		title, _ = listing["property_type"].(string)
	}
	if title == "" {
		title = "property"
	}

	msgs, err := s.prompts.VisionRanking.Format(ctx, map[string]any{
		"photo_count":   len(photos),
		"listing_title": title,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to format vision prompt: %w", err)
	}

	// Attach the photos to the user message as multimodal parts.
	user := msgs[len(msgs)-1]
	parts := []schema.ChatMessagePart{{Type: schema.ChatMessagePartTypeText, Text: user.Content}}
	for _, p := range photos {
		parts = append(parts, schema.ChatMessagePart{
			Type:     schema.ChatMessagePartTypeImageURL,
			ImageURL: &schema.ChatMessageImageURL{URL: p},
		})
	}
	user.Content = ""
	user.MultiContent = parts

	var out VisionResult
	usage, modelUsed, err := s.llm.GenerateJSON(ctx, msgs, s.callTimeout, &out,
		model.WithTemperature(factualTemperature), model.WithMaxTokens(maxOutputTokens))
	stats.record(usage, modelUsed, err)
	if err != nil {
		return nil, err
	}
	normalizeVision(&out, len(photos))
	return &out, nil
}

// maybeUpscaleHero runs the fourth call when the hero is narrower than the
// target width. Nothing here can fail the pipeline.
func (s *Service) maybeUpscaleHero(ctx context.Context, heroURL string, meta *Metadata) string {
	if heroURL == "" || s.upscaler == nil || s.images == nil {
		return heroURL
	}

	width := s.images.ProbeWidth(ctx, heroURL)
	if width == 0 || width >= images.HeroTargetWidth {
		return heroURL
	}

	stats := meta.call("upscale")
	started := time.Now()
	upscaled, err := s.upscaler.Upscale(ctx, heroURL)
	stats.DurationMs = time.Since(started).Milliseconds()
	if err != nil {
		stats.Error = err.Error()
		s.log.LogWarnf("Hero upscale failed, keeping original (%dpx): %v", width, err)
		return heroURL
	}
	s.log.LogInfof("Hero upscaled from %dpx", width)
	return upscaled
}

// assemble merges the stage outputs into the unified preview document.
func (s *Service) assemble(listing map[string]interface{}, creative *Copy, vision *VisionResult, photos []string, heroURL string) map[string]interface{} {
	unified := map[string]interface{}{
		"listing": listing,
		"photos":  toInterfaceSlice(photos),
	}
	if heroURL != "" {
		unified["hero_image"] = heroURL
	}
	// The page's own headline survives a failed creative call
	if title, ok := listing["title"].(string); ok && title != "" {
		unified["title"] = title
	}
	if creative != nil {
		unified["title"] = creative.Title
		unified["subtitle"] = creative.Subtitle
		unified["highlights"] = creative.Highlights
	}
	if vision != nil {
		unified["photo_analysis"] = vision
	}
	return unified
}

// buildContent picks what the extraction model reads: markdown when the
// generic scraper produced it, otherwise the raw payload, flattened when it
// is structured JSON.
func buildContent(preview *records.Preview) string {
	content := strings.TrimSpace(preview.Markdown)
	if content == "" {
		content = strings.TrimSpace(preview.RawContent)
		if strings.HasPrefix(content, "{") || strings.HasPrefix(content, "[") {
			content = flattenJSON(content)
		}
	}
	if len(content) > maxContentChars {
		content = content[:maxContentChars]
	}
	return content
}

// flattenJSON renders structured scrape output as indented key/value lines.
// Models extract more reliably from that than from dense JSON.
func flattenJSON(raw string) string {
	var doc interface{}
	if err := json.Unmarshal([]byte(raw), &doc); err != nil {
		return raw
	}
	var b strings.Builder
	flattenNode(&b, "", doc)
	return b.String()
}

func flattenNode(b *strings.Builder, path string, node interface{}) {
	switch v := node.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			flattenNode(b, joinPath(path, k), v[k])
		}
	case []interface{}:
		for i, item := range v {
			flattenNode(b, fmt.Sprintf("%s[%d]", path, i), item)
		}
	case nil:
		// skip empty leaves
	default:
		fmt.Fprintf(b, "%s: %v\n", path, v)
	}
}

func joinPath(path, key string) string {
	if path == "" {
		return key
	}
	return path + "." + key
}

// listingPhotos pulls the photo list out of the untyped extraction output.
func listingPhotos(listing map[string]interface{}) []string {
	raw, _ := listing["photos"].([]interface{})
	out := make([]string, 0, len(raw))
	for _, item := range raw {
		if s, ok := item.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out
}

// mergePhotos unions model photos with gallery captures, first occurrence
// wins, capped at maxPhotos.
func mergePhotos(modelPhotos, gallery []string) []string {
	seen := map[string]bool{}
	var out []string
	for _, group := range [][]string{modelPhotos, gallery} {
		for _, p := range group {
			if p == "" || seen[p] {
				continue
			}
			seen[p] = true
			out = append(out, p)
			if len(out) == maxPhotos {
				return out
			}
		}
	}
	return out
}

func clampCompleteness(listing map[string]interface{}) {
	if v, ok := listing["completeness"].(float64); ok {
		listing["completeness"] = clamp(v, 0, 100)
	}
}

func toInterfaceSlice(in []string) []interface{} {
	out := make([]interface{}, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func replaceAll(urls []string, mapping map[string]string) []string {
	out := make([]string, len(urls))
	for i, u := range urls {
		if hosted, ok := mapping[u]; ok {
			out[i] = hosted
		} else {
			out[i] = u
		}
	}
	return out
}
