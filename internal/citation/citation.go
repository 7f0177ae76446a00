// Package citation parses CITATION.cff files (Citation File Format) fetched
// from plugin repositories. A malformed or empty file yields a nil Citation,
// never an error: citation data is optional enrichment and its absence must
// not disturb metadata collection.
package citation

import (
	"log/slog"
	"strings"

	"gopkg.in/yaml.v3"
)

// Citation holds the subset of CFF fields surfaced on plugin pages.
type Citation struct {
	Title   string   `yaml:"title" json:"title,omitempty"`
	DOI     string   `yaml:"doi" json:"doi,omitempty"`
	Version string   `yaml:"version" json:"version,omitempty"`
	URL     string   `yaml:"url" json:"url,omitempty"`
	Authors []Author `yaml:"authors" json:"authors,omitempty"`
}

// Author is one CFF author entry.
type Author struct {
	GivenNames  string `yaml:"given-names" json:"given_names,omitempty"`
	FamilyNames string `yaml:"family-names" json:"family_names,omitempty"`
	ORCID       string `yaml:"orcid" json:"orcid,omitempty"`
}

// Parse decodes CITATION.cff contents. Returns nil for empty input, YAML that
// does not parse, or a document without a title (the one field CFF requires).
func Parse(data []byte) *Citation {
	if len(data) == 0 {
		return nil
	}

	var c Citation
	if err := yaml.Unmarshal(data, &c); err != nil {
		slog.Warn("unparseable citation file", "error", err)
		return nil
	}

	if strings.TrimSpace(c.Title) == "" {
		return nil
	}
	return &c
}

// DisplayNames renders the author list as "Given Family" strings, skipping
// entries with no name at all.
func (c *Citation) DisplayNames() []string {
	var names []string
	for _, a := range c.Authors {
		name := strings.TrimSpace(strings.TrimSpace(a.GivenNames) + " " + strings.TrimSpace(a.FamilyNames))
		if name != "" {
			names = append(names, name)
		}
	}
	return names
}
