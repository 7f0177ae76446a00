package categories

import (
	"regexp"
	"strings"
)

var nonSlugRE = regexp.MustCompile(`[^a-z0-9]+`)

// Slugify lowercases a raw ontology term and collapses every run of
// non-alphanumeric characters into a single hyphen. "Image annotation" and
// "image_annotation" key the same vocabulary rows.
func Slugify(term string) string {
	slug := nonSlugRE.ReplaceAllString(strings.ToLower(term), "-")
	return strings.Trim(slug, "-")
}
