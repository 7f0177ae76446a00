// Package categories maps raw ontology terms onto the hub's controlled
// category vocabulary and reconciles category sets arriving from the two
// independent metadata sources (package-index metadata and the distribution
// manifest).
//
// Vocabulary rows live in the categories table keyed by (slug, content hash),
// one row per placement: a single ontology term may legitimately map into
// several dimensions at once ("Workflow step" and "Operation", for example).
package categories

import (
	"context"
	"log/slog"

	"github.com/napari-hub/hub-backend/internal/db/models"
)

// Metadata keys owned by the category merge.
const (
	KeyCategory  = "category"
	KeyHierarchy = "category_hierarchy"
)

// Source looks up vocabulary rows for one slugified term.
type Source interface {
	GetByName(ctx context.Context, name, version string) ([]models.Category, error)
}

// Resolver maps raw ontology terms to category labels and hierarchies.
type Resolver struct {
	source  Source
	version string
	logger  *slog.Logger
}

// NewResolver creates a resolver bound to one ontology version.
func NewResolver(source Source, version string) *Resolver {
	return &Resolver{
		source:  source,
		version: version,
		logger:  slog.Default().With("component", "categories"),
	}
}

// ProcessForCategories resolves raw ontology terms into labels grouped by
// dimension and hierarchy paths grouped by dimension. Unmapped terms are
// silently dropped; a lookup failure drops the term for this pass after a
// warning, matching the skip-and-retry policy of the callers.
//
// Every returned hierarchy ends with its resolved label, even when the stored
// ontology path had a different leaf.
func (r *Resolver) ProcessForCategories(ctx context.Context, rawLabels []string) (map[string][]string, map[string][][]string) {
	byDimension := make(map[string][]string)
	hierarchies := make(map[string][][]string)

	for _, raw := range rawLabels {
		slug := Slugify(raw)
		if slug == "" {
			continue
		}

		rows, err := r.source.GetByName(ctx, slug, r.version)
		if err != nil {
			r.logger.Warn("category lookup failed, dropping term for this pass",
				"term", raw, "version", r.version, "error", err)
			continue
		}

		for _, row := range rows {
			if !contains(byDimension[row.Dimension], row.Label) {
				byDimension[row.Dimension] = append(byDimension[row.Dimension], row.Label)
			}

			hierarchy := make([]string, len(row.Hierarchy))
			copy(hierarchy, row.Hierarchy)
			if len(hierarchy) == 0 {
				hierarchy = []string{row.Label}
			} else {
				hierarchy[len(hierarchy)-1] = row.Label
			}
			hierarchies[row.Dimension] = append(hierarchies[row.Dimension], hierarchy)
		}
	}

	return byDimension, hierarchies
}

// MergeMetadataManifestCategories folds the manifest's category contributions
// into the metadata map and strips the category keys from the manifest, which
// hands ownership of categorisation to the metadata side.
//
// Labels are unioned per dimension. Manifest hierarchies are added only when
// no metadata hierarchy for that dimension already ends in the same leaf, so
// duplicate paths to one label collapse while genuinely different paths
// coexist.
func MergeMetadataManifestCategories(metadata, manifest map[string]any) map[string]any {
	if metadata == nil {
		metadata = make(map[string]any)
	}

	manifestCats := toCategoryMap(manifest[KeyCategory])
	manifestHiers := toHierarchyMap(manifest[KeyHierarchy])
	delete(manifest, KeyCategory)
	delete(manifest, KeyHierarchy)

	if len(manifestCats) == 0 && len(manifestHiers) == 0 {
		return metadata
	}

	merged := toCategoryMap(metadata[KeyCategory])
	for dimension, labels := range manifestCats {
		for _, label := range labels {
			if !contains(merged[dimension], label) {
				merged[dimension] = append(merged[dimension], label)
			}
		}
	}

	mergedHiers := toHierarchyMap(metadata[KeyHierarchy])
	for dimension, paths := range manifestHiers {
		for _, path := range paths {
			if len(path) == 0 {
				continue
			}
			if !hasLeaf(mergedHiers[dimension], path[len(path)-1]) {
				mergedHiers[dimension] = append(mergedHiers[dimension], path)
			}
		}
	}

	if len(merged) > 0 {
		metadata[KeyCategory] = merged
	}
	if len(mergedHiers) > 0 {
		metadata[KeyHierarchy] = mergedHiers
	}
	return metadata
}

func contains(labels []string, label string) bool {
	for _, l := range labels {
		if l == label {
			return true
		}
	}
	return false
}

func hasLeaf(paths [][]string, leaf string) bool {
	for _, p := range paths {
		if len(p) > 0 && p[len(p)-1] == leaf {
			return true
		}
	}
	return false
}

// toCategoryMap normalises a category value that may be a native
// map[string][]string or the map[string]any/[]any shape produced by a JSON
// round trip.
func toCategoryMap(v any) map[string][]string {
	out := make(map[string][]string)
	switch val := v.(type) {
	case map[string][]string:
		for dim, labels := range val {
			out[dim] = append(out[dim], labels...)
		}
	case map[string]any:
		for dim, raw := range val {
			items, ok := raw.([]any)
			if !ok {
				continue
			}
			for _, item := range items {
				if s, ok := item.(string); ok {
					out[dim] = append(out[dim], s)
				}
			}
		}
	}
	return out
}

func toHierarchyMap(v any) map[string][][]string {
	out := make(map[string][][]string)
	switch val := v.(type) {
	case map[string][][]string:
		for dim, paths := range val {
			out[dim] = append(out[dim], paths...)
		}
	case map[string]any:
		for dim, raw := range val {
			paths, ok := raw.([]any)
			if !ok {
				continue
			}
			for _, rawPath := range paths {
				items, ok := rawPath.([]any)
				if !ok {
					continue
				}
				var path []string
				for _, item := range items {
					if s, ok := item.(string); ok {
						path = append(path, s)
					}
				}
				if len(path) > 0 {
					out[dim] = append(out[dim], path)
				}
			}
		}
	}
	return out
}
