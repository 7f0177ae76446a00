// Package services holds the composition layer between providers and storage:
// logic that consults several external sources and shapes their output into
// fragment payloads, without owning persistence itself.
package services

import (
	"context"
	"log/slog"

	"github.com/napari-hub/hub-backend/internal/categories"
	"github.com/napari-hub/hub-backend/internal/citation"
	"github.com/napari-hub/hub-backend/internal/scm"
)

// citationPaths are tried in order when looking for a citation file in the
// plugin's repository.
var citationPaths = []string{"CITATION.cff", "citation.cff", "CITATION.CFF"}

// IndexSource fetches formatted package metadata from the package index.
type IndexSource interface {
	GetMetadata(ctx context.Context, name, version string) map[string]any
}

// RepoSource fetches enrichment data from source-control hosting. All methods
// degrade to zero values on failure.
type RepoSource interface {
	GetLicense(ctx context.Context, repo string) string
	GetFirstAvailable(ctx context.Context, repo string, paths []string) []byte
}

// CategorySource resolves raw ontology terms into the category vocabulary.
type CategorySource interface {
	ProcessForCategories(ctx context.Context, rawLabels []string) (map[string][]string, map[string][][]string)
}

// Enricher assembles the METADATA fragment payload for one plugin version:
// index metadata as the base, source-control license and citation on top,
// raw ontology labels resolved into categories.
type Enricher struct {
	index      IndexSource
	repos      RepoSource
	categories CategorySource
	logger     *slog.Logger
}

// NewEnricher creates an enricher over the given providers.
func NewEnricher(index IndexSource, repos RepoSource, categories CategorySource) *Enricher {
	return &Enricher{
		index:      index,
		repos:      repos,
		categories: categories,
		logger:     slog.Default().With("component", "enricher"),
	}
}

// FetchMetadata builds the enriched metadata document for a plugin version.
// Returns nil when the index lookup itself yields nothing usable; callers
// must then skip the fragment write entirely rather than persist an empty
// document.
func (e *Enricher) FetchMetadata(ctx context.Context, name, version string) map[string]any {
	meta := e.index.GetMetadata(ctx, name, version)
	if len(meta) == 0 {
		e.logger.Warn("index returned no metadata, skipping enrichment",
			"plugin", name, "version", version)
		return nil
	}

	e.enrichFromRepo(ctx, meta, name)
	e.resolveCategories(ctx, meta)
	return meta
}

func (e *Enricher) enrichFromRepo(ctx context.Context, meta map[string]any, name string) {
	repoURL, _ := meta["code_repository"].(string)
	if repoURL == "" {
		return
	}
	repo, err := scm.ParseRepoURL(repoURL)
	if err != nil {
		e.logger.Warn("unsupported repository URL, skipping repo enrichment",
			"plugin", name, "url", repoURL)
		return
	}

	if _, ok := meta["license"]; !ok {
		if license := e.repos.GetLicense(ctx, repo); license != "" {
			meta["license"] = license
		}
	}

	if raw := e.repos.GetFirstAvailable(ctx, repo, citationPaths); raw != nil {
		if cff := citation.Parse(raw); cff != nil {
			meta["citations"] = map[string]any{
				"citation": string(raw),
				"title":    cff.Title,
				"doi":      cff.DOI,
				"version":  cff.Version,
				"url":      cff.URL,
			}
			if _, ok := meta["authors"]; !ok {
				if names := cff.DisplayNames(); len(names) > 0 {
					authors := make([]map[string]string, 0, len(names))
					for _, n := range names {
						authors = append(authors, map[string]string{"name": n})
					}
					meta["authors"] = authors
				}
			}
		}
	}
}

// resolveCategories maps the document's raw ontology labels into the hub
// vocabulary and replaces the labels key with the resolved category fields.
func (e *Enricher) resolveCategories(ctx context.Context, meta map[string]any) {
	labels := stringList(meta["labels"])
	if len(labels) == 0 {
		return
	}
	delete(meta, "labels")

	cats, hiers := e.categories.ProcessForCategories(ctx, labels)
	if len(cats) > 0 {
		meta[categories.KeyCategory] = cats
	}
	if len(hiers) > 0 {
		meta[categories.KeyHierarchy] = hiers
	}
}

func stringList(v any) []string {
	switch val := v.(type) {
	case []string:
		return val
	case []any:
		var out []string
		for _, item := range val {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
