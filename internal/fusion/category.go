package fusion

import "strings"

// UnknownCategory is the scene category of a frame without scene labels.
const UnknownCategory = "Unknown"

var sceneCategories = []struct {
	name     string
	keywords []string
}{
	{"Person/People", []string{"person", "face", "people", "human"}},
	{"Animal", []string{"animal", "dog", "cat", "bird"}},
	{"Nature", []string{"plant", "flower", "tree", "leaf"}},
	{"Architecture", []string{"building", "architecture", "house"}},
	{"Food", []string{"food", "meal", "dish"}},
	{"Vehicle", []string{"vehicle", "car", "bike", "transport"}},
	{"Document", []string{"document", "text", "paper"}},
}

// Categorize maps scene labels, best first, onto a coarse category.
// The first category with a keyword equal to any label (ignoring case)
// wins; otherwise the best label itself is the category.
func Categorize(labels []string) string {
	if len(labels) == 0 {
		return UnknownCategory
	}
	seen := make(map[string]bool, len(labels))
	for _, l := range labels {
		seen[strings.ToLower(l)] = true
	}
	for _, c := range sceneCategories {
		for _, kw := range c.keywords {
			if seen[kw] {
				return c.name
			}
		}
	}
	return labels[0]
}
