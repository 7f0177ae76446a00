// Package models - fragment.go defines the metadata fragment model: one partial
// view of a plugin version as reported by a single provider (the package index,
// the curated metadata channel, or the distribution manifest).
package models

import (
	"encoding/json"
	"time"
)

// FragmentType identifies which provider produced a metadata fragment.
type FragmentType string

const (
	FragmentPyPI         FragmentType = "PYPI"
	FragmentMetadata     FragmentType = "METADATA"
	FragmentDistribution FragmentType = "DISTRIBUTION"
)

// Valid reports whether t is one of the known fragment types.
func (t FragmentType) Valid() bool {
	switch t {
	case FragmentPyPI, FragmentMetadata, FragmentDistribution:
		return true
	}
	return false
}

// PluginMetadataFragment is one provider's view of a plugin version. Fragments
// are keyed by (name, version, type); the aggregator merges all fragments for
// a version into a canonical Plugin record. Data may be nil when the provider
// responded but had nothing for this version.
type PluginMetadataFragment struct {
	Name      string          `json:"name" db:"name"`
	Version   string          `json:"version" db:"version"`
	Type      FragmentType    `json:"type" db:"type"`
	Data      json.RawMessage `json:"data,omitempty" db:"data"`
	IsLatest  bool            `json:"is_latest" db:"is_latest"`
	UpdatedAt time.Time       `json:"updated_at" db:"updated_at"`
}

// Fields decodes the fragment payload into a generic map. A nil or empty
// payload decodes to an empty map rather than an error.
func (f *PluginMetadataFragment) Fields() (map[string]any, error) {
	if len(f.Data) == 0 {
		return map[string]any{}, nil
	}
	var m map[string]any
	if err := json.Unmarshal(f.Data, &m); err != nil {
		return nil, err
	}
	if m == nil {
		m = map[string]any{}
	}
	return m, nil
}
