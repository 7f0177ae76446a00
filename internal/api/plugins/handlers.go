// Package plugins implements the public read API for canonical plugin
// records. These endpoints are intentionally unauthenticated; the hub
// frontend and third-party tooling resolve plugin metadata without
// credentials. All writes happen through the background pipeline, never
// through this API.
package plugins

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/napari-hub/hub-backend/internal/cache"
	"github.com/napari-hub/hub-backend/internal/db/models"
	"github.com/napari-hub/hub-backend/internal/validation"
)

// Store reads canonical plugin records.
type Store interface {
	ListPublic(ctx context.Context) ([]models.Plugin, error)
	GetLatest(ctx context.Context, name string) (*models.Plugin, error)
	Get(ctx context.Context, name, version string) (*models.Plugin, error)
	ListVersions(ctx context.Context, name string) ([]models.Plugin, error)
}

// ActivityReader reads aggregate activity for plugin detail responses.
type ActivityReader interface {
	Totals(ctx context.Context, name string) (int64, *time.Time, error)
}

// indexEntry is the trimmed listing view of a plugin. Detail pages serve the
// full merged document; the index serves only the promoted columns.
type indexEntry struct {
	Name           string          `json:"name"`
	Version        string          `json:"version"`
	DisplayName    string          `json:"display_name"`
	Summary        string          `json:"summary"`
	Authors        json.RawMessage `json:"authors,omitempty"`
	License        string          `json:"license"`
	PythonVersion  string          `json:"python_version"`
	CodeRepository string          `json:"code_repository"`
	ReleaseDate    *time.Time      `json:"release_date,omitempty"`
	FirstReleased  *time.Time      `json:"first_released,omitempty"`
}

// ListHandler serves GET /plugins: the latest public version of every
// servable plugin. The response is cached whole under cache.KeyIndex; the
// update job invalidates it after every merge batch.
func ListHandler(store Store, responseCache cache.Cache) gin.HandlerFunc {
	logger := slog.Default().With("component", "api")

	return func(c *gin.Context) {
		ctx := c.Request.Context()

		if body, ok := responseCache.Get(ctx, cache.KeyIndex); ok {
			c.Data(http.StatusOK, "application/json", body)
			return
		}

		records, err := store.ListPublic(ctx)
		if err != nil {
			logger.Error("failed to list plugins", "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list plugins"})
			return
		}

		entries := make([]indexEntry, 0, len(records))
		for _, p := range records {
			entries = append(entries, indexEntry{
				Name:           p.Name,
				Version:        p.Version,
				DisplayName:    p.DisplayName,
				Summary:        p.Summary,
				Authors:        p.Authors,
				License:        p.License,
				PythonVersion:  p.PythonVersion,
				CodeRepository: p.CodeRepository,
				ReleaseDate:    p.ReleaseDate,
				FirstReleased:  p.FirstReleased,
			})
		}

		body, err := json.Marshal(entries)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode plugins"})
			return
		}
		responseCache.Set(ctx, cache.KeyIndex, body)
		c.Data(http.StatusOK, "application/json", body)
	}
}

// GetLatestHandler serves GET /plugins/:name: the merged document of the
// latest version, augmented with activity totals. HIDDEN plugins resolve
// here even though they are absent from the index; DISABLED and BLOCKED
// plugins are served as 404.
func GetLatestHandler(store Store, activity ActivityReader, responseCache cache.Cache) gin.HandlerFunc {
	logger := slog.Default().With("component", "api")

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		name := strings.ToLower(c.Param("name"))
		key := cache.PluginKey(name)

		if body, ok := responseCache.Get(ctx, key); ok {
			c.Data(http.StatusOK, "application/json", body)
			return
		}

		p, err := store.GetLatest(ctx, name)
		if err != nil {
			logger.Error("failed to get plugin", "plugin", name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get plugin"})
			return
		}
		if p == nil || !servable(p) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plugin not found"})
			return
		}

		doc := detailDocument(p)
		installs, latestCommit, err := activity.Totals(ctx, name)
		if err != nil {
			logger.Warn("failed to read activity totals", "plugin", name, "error", err)
		} else {
			doc["total_installs"] = installs
			if latestCommit != nil {
				doc["latest_commit"] = latestCommit.UTC().Format(time.RFC3339)
			}
		}

		body, err := json.Marshal(doc)
		if err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to encode plugin"})
			return
		}
		responseCache.Set(ctx, key, body)
		c.Data(http.StatusOK, "application/json", body)
	}
}

// GetVersionHandler serves GET /plugins/:name/versions/:version: the merged
// document of one specific version, without activity totals.
func GetVersionHandler(store Store) gin.HandlerFunc {
	logger := slog.Default().With("component", "api")

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		name := strings.ToLower(c.Param("name"))
		version := c.Param("version")

		p, err := store.Get(ctx, name, version)
		if err != nil {
			logger.Error("failed to get plugin version", "plugin", name, "version", version, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to get plugin"})
			return
		}
		if p == nil || !servable(p) {
			c.JSON(http.StatusNotFound, gin.H{"error": "plugin not found"})
			return
		}

		c.JSON(http.StatusOK, detailDocument(p))
	}
}

// ListVersionsHandler serves GET /plugins/:name/versions: every stored
// version of a plugin with its release date, newest first.
func ListVersionsHandler(store Store) gin.HandlerFunc {
	logger := slog.Default().With("component", "api")

	return func(c *gin.Context) {
		ctx := c.Request.Context()
		name := strings.ToLower(c.Param("name"))

		records, err := store.ListVersions(ctx, name)
		if err != nil {
			logger.Error("failed to list plugin versions", "plugin", name, "error", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list versions"})
			return
		}

		// Release dates can be missing on old fragments, so order by the
		// version strings themselves, newest first.
		sort.Slice(records, func(i, j int) bool {
			return validation.CompareVersions(records[i].Version, records[j].Version) > 0
		})

		versions := make([]gin.H, 0, len(records))
		for _, p := range records {
			if !servable(&p) {
				continue
			}
			v := gin.H{"version": p.Version, "is_latest": p.IsLatest}
			if p.ReleaseDate != nil {
				v["release_date"] = p.ReleaseDate.UTC().Format(time.RFC3339)
			}
			versions = append(versions, v)
		}
		if len(versions) == 0 {
			c.JSON(http.StatusNotFound, gin.H{"error": "plugin not found"})
			return
		}

		c.JSON(http.StatusOK, versions)
	}
}

// servable reports whether a record may be returned from detail endpoints.
// HIDDEN records stay resolvable by direct URL; DISABLED and BLOCKED do not.
func servable(p *models.Plugin) bool {
	if p.IsExcluded() && p.Visibility != models.VisibilityHidden {
		return false
	}
	switch p.Visibility {
	case models.VisibilityPublic, models.VisibilityHidden:
		return true
	default:
		return false
	}
}

// detailDocument decodes the merged document, falling back to the promoted
// columns when the stored document is unreadable.
func detailDocument(p *models.Plugin) map[string]any {
	doc := map[string]any{}
	if len(p.Data) > 0 {
		if err := json.Unmarshal(p.Data, &doc); err != nil {
			doc = map[string]any{}
		}
	}
	if _, ok := doc["name"]; !ok {
		doc["name"] = p.Name
	}
	if _, ok := doc["version"]; !ok {
		doc["version"] = p.Version
	}
	doc["visibility"] = string(p.Visibility)
	return doc
}
