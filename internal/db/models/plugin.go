// Package models - plugin.go defines the canonical plugin record produced by
// the aggregator, plus the visibility states that govern whether a plugin is
// served publicly.
package models

import (
	"encoding/json"
	"time"
)

// Visibility controls how a plugin is exposed by the public API.
type Visibility string

const (
	// VisibilityPublic plugins appear in listings and detail pages.
	VisibilityPublic Visibility = "PUBLIC"
	// VisibilityHidden plugins are resolvable by direct URL but absent from
	// listings. Chosen by the plugin author.
	VisibilityHidden Visibility = "HIDDEN"
	// VisibilityDisabled plugins are temporarily withdrawn by their author.
	VisibilityDisabled Visibility = "DISABLED"
	// VisibilityBlocked plugins are administratively removed via the
	// blocklist. Blocked always wins over any author-chosen state.
	VisibilityBlocked Visibility = "BLOCKED"
)

// ParseVisibility normalises a raw visibility string. Unknown or empty values
// fall back to PUBLIC, matching the behaviour for plugins that never set one.
func ParseVisibility(s string) Visibility {
	switch Visibility(s) {
	case VisibilityHidden:
		return VisibilityHidden
	case VisibilityDisabled:
		return VisibilityDisabled
	case VisibilityBlocked:
		return VisibilityBlocked
	default:
		return VisibilityPublic
	}
}

// Plugin is the canonical merged record for one plugin version. Promoted
// columns are lifted out of the merged document for cheap filtering; Data
// holds the complete merged document served on detail pages.
//
// Excluded carries the resolved visibility tag (HIDDEN, DISABLED or BLOCKED)
// when the plugin's latest version is non-PUBLIC, and is nil otherwise. It
// clears again if a later public version appears.
type Plugin struct {
	Name           string          `json:"name" db:"name"`
	Version        string          `json:"version" db:"version"`
	DisplayName    string          `json:"display_name" db:"display_name"`
	Summary        string          `json:"summary" db:"summary"`
	Description    string          `json:"description" db:"description"`
	Authors        json.RawMessage `json:"authors,omitempty" db:"authors"`
	License        string          `json:"license" db:"license"`
	PythonVersion  string          `json:"python_version" db:"python_version"`
	CodeRepository string          `json:"code_repository" db:"code_repository"`
	ReleaseDate    *time.Time      `json:"release_date,omitempty" db:"release_date"`
	FirstReleased  *time.Time      `json:"first_released,omitempty" db:"first_released"`
	Visibility     Visibility      `json:"visibility" db:"visibility"`
	IsLatest       bool            `json:"is_latest" db:"is_latest"`
	Excluded       *Visibility     `json:"excluded,omitempty" db:"excluded"`
	Data           json.RawMessage `json:"data,omitempty" db:"data"`
	UpdatedAt      time.Time       `json:"updated_at" db:"updated_at"`
}

// IsExcluded reports whether the record carries an exclusion tag.
func (p *Plugin) IsExcluded() bool {
	return p.Excluded != nil
}

// BlocklistEntry is a hard administrative exclusion. Presence of a plugin
// name here forces visibility BLOCKED during aggregation.
type BlocklistEntry struct {
	Name      string    `json:"name" db:"name"`
	Reason    string    `json:"reason" db:"reason"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
