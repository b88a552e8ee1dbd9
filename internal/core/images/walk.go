// Package images re-hosts listing photos: it finds every image reference in
// an untyped config tree, uploads each to durable storage once, and rewrites
// the references in place.
package images

import (
	"regexp"
	"sort"
	"strings"
)

var imageURLRe = regexp.MustCompile(`(?i)^https?://\S+\.(jpe?g|png|webp|avif|gif)(\?\S*)?$`)

var imagePathHints = []string{"photo", "image", "picture", "media", "gallery"}

// IsImageURL reports whether a string is an image reference worth
// re-hosting. Extensionless CDN URLs qualify when their path says photo.
func IsImageURL(s string) bool {
	if !strings.HasPrefix(s, "http://") && !strings.HasPrefix(s, "https://") {
		return false
	}
	if imageURLRe.MatchString(s) {
		return true
	}
	lower := strings.ToLower(s)
	for _, hint := range imagePathHints {
		if strings.Contains(lower, hint) {
			return true
		}
	}
	return false
}

// ExtractImageURLs walks the config tree depth-first and returns image URLs
// in document order, first occurrence only. Map keys are visited sorted so
// the order is stable across runs.
func ExtractImageURLs(doc interface{}) []string {
	var urls []string
	seen := map[string]bool{}
	walk(doc, func(s string) {
		if IsImageURL(s) && !seen[s] {
			seen[s] = true
			urls = append(urls, s)
		}
	})
	return urls
}

func walk(node interface{}, visit func(string)) {
	switch v := node.(type) {
	case string:
		visit(v)
	case []interface{}:
		for _, item := range v {
			walk(item, visit)
		}
	case map[string]interface{}:
		keys := make([]string, 0, len(v))
		for k := range v {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			walk(v[k], visit)
		}
	}
}

// ReplaceImageURLs returns a deep copy of the tree with every mapped URL
// swapped for its replacement. Strings without a mapping are left alone, so
// failed uploads keep their original reference.
func ReplaceImageURLs(doc interface{}, mapping map[string]string) interface{} {
	switch v := doc.(type) {
	case string:
		if replacement, ok := mapping[v]; ok {
			return replacement
		}
		return v
	case []interface{}:
		out := make([]interface{}, len(v))
		for i, item := range v {
			out[i] = ReplaceImageURLs(item, mapping)
		}
		return out
	case map[string]interface{}:
		out := make(map[string]interface{}, len(v))
		for k, item := range v {
			out[k] = ReplaceImageURLs(item, mapping)
		}
		return out
	default:
		return doc
	}
}
