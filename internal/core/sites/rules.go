package sites

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule is the per-domain processing configuration: which DOM subtrees to
// drop, where the listing content lives, and where the gallery hides.
type Rule struct {
	Domain           string   `yaml:"domain"`
	MainSelectors    []string `yaml:"main_selectors,omitempty"`
	RemoveSelectors  []string `yaml:"remove_selectors,omitempty"`
	GallerySelectors []string `yaml:"gallery_selectors,omitempty"`
	GalleryTriggers  []string `yaml:"gallery_triggers,omitempty"`
	ApifyScraperID   string   `yaml:"apify_scraper_id,omitempty"`
}

type rulesFile struct {
	Sites []Rule `yaml:"sites"`
}

// defaultRules cover the portals the engine sees most. A rules file extends
// or overrides them.
var defaultRules = []Rule{
	{
		Domain:           "zillow.com",
		MainSelectors:    []string{"[data-testid=\"home-details-content\"]", "main"},
		RemoveSelectors:  []string{"[data-testid=\"hollywood-ad\"]", "[id*=\"nav\"]", "footer"},
		GallerySelectors: []string{"[data-testid=\"gallery\"] img", "ul.media-stream img"},
		GalleryTriggers:  []string{"[data-testid=\"gallery-see-all-photos\"]"},
		ApifyScraperID:   "maxcopell/zillow-detail-scraper",
	},
	{
		Domain:           "realtor.com",
		MainSelectors:    []string{"[data-testid=\"ldp-main\"]", "main"},
		RemoveSelectors:  []string{"[data-testid=\"branding\"]", "footer", "[class*=\"nav\"]"},
		GallerySelectors: []string{"[data-testid=\"gallery\"] img"},
	},
	{
		Domain:           "rightmove.co.uk",
		MainSelectors:    []string{"main", "#root"},
		RemoveSelectors:  []string{"footer", "[class*=\"cookie\"]"},
		GallerySelectors: []string{"[data-testid=\"photo-collage\"] img", "[class*=\"gallery\"] img"},
	},
}

// Load merges the optional YAML rules file over the built-in defaults.
func Load(path string) ([]Rule, error) {
	rules := append([]Rule{}, defaultRules...)
	if path == "" {
		return rules, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return rules, nil
		}
		return nil, fmt.Errorf("failed to read site rules %s: %w", path, err)
	}

	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("failed to parse site rules %s: %w", path, err)
	}

	for _, r := range f.Sites {
		replaced := false
		for i := range rules {
			if rules[i].Domain == r.Domain {
				rules[i] = r
				replaced = true
				break
			}
		}
		if !replaced {
			rules = append(rules, r)
		}
	}
	return rules, nil
}

// RuleFor finds the rule whose domain the URL contains.
func RuleFor(rules []Rule, url string) (Rule, bool) {
	lower := strings.ToLower(url)
	for _, r := range rules {
		if strings.Contains(lower, strings.ToLower(r.Domain)) {
			return r, true
		}
	}
	return Rule{}, false
}
