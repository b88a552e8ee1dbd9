package prompts

import (
	"github.com/cloudwego/eino/components/prompt"
)

// SystemPrompts contains all the prompt templates organized by pipeline stage
type SystemPrompts struct {
	// Call 1: structured listing extraction from flattened page content
	ListingExtraction prompt.ChatTemplate

	// Call 2: marketing title, subtitle and highlights
	CreativeCopy prompt.ChatTemplate

	// Call 3: photo quality ranking (vision)
	VisionRanking prompt.ChatTemplate
}

// NewSystemPrompts creates and initializes all prompt templates
func NewSystemPrompts() *SystemPrompts {
	sp := &SystemPrompts{}
	sp.ListingExtraction = sp.createListingExtractionTemplate()
	sp.CreativeCopy = sp.createCreativeCopyTemplate()
	sp.VisionRanking = sp.createVisionRankingTemplate()
	return sp
}
