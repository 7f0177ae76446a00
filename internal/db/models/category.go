// Package models - category.go defines the category vocabulary row used to map
// free-form ontology labels onto hub dimensions and hierarchies.
package models

import "time"

// Category is one placement of a vocabulary label. A label can map to several
// dimension placements, so rows are keyed by (name, version_hash) where
// VersionHash is a content hash of the row itself; re-seeding identical data
// produces identical keys and is idempotent.
//
// Hierarchy always ends with the label itself; ancestors precede it in order.
type Category struct {
	Name        string    `json:"name" db:"name"`
	VersionHash string    `json:"version_hash" db:"version_hash"`
	Version     string    `json:"version" db:"version"`
	Dimension   string    `json:"dimension" db:"dimension"`
	Label       string    `json:"label" db:"label"`
	Hierarchy   []string  `json:"hierarchy" db:"-"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}
