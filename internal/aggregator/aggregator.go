// Package aggregator merges the per-provider metadata fragments of a plugin
// version into one canonical record: it reconciles categories between the
// index metadata and the distribution manifest, resolves visibility against
// the blocklist, and promotes the columns the public API filters on.
//
// Aggregation is eventually consistent. A missing distribution fragment is
// "not yet available", not an error; the version is written with what exists
// and rewritten once the remaining fragments land. Only the index-derived
// METADATA fragment is mandatory, because without it there is nothing worth
// serving.
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/napari-hub/hub-backend/internal/categories"
	"github.com/napari-hub/hub-backend/internal/db/models"
	"github.com/napari-hub/hub-backend/internal/manifest"
	"github.com/napari-hub/hub-backend/internal/telemetry"
)

// Aggregation outcome labels for the plugins_aggregated_total counter.
const (
	outcomeMerged            = "merged"
	outcomeSkippedNoVersion  = "skipped_no_version"
	outcomeSkippedNoMetadata = "skipped_no_metadata"
	outcomeFailed            = "failed"
)

// FragmentSource reads stored metadata fragments.
type FragmentSource interface {
	Get(ctx context.Context, name, version string, typ models.FragmentType) (*models.PluginMetadataFragment, error)
	GetLatestVersion(ctx context.Context, name string) (string, error)
}

// PluginSink persists canonical plugin records.
type PluginSink interface {
	Upsert(ctx context.Context, plugin *models.Plugin) error
}

// BlocklistSource reads the administrative blocklist.
type BlocklistSource interface {
	Names(ctx context.Context) (map[string]bool, error)
}

// Target names one plugin version to aggregate. An empty Version means
// "whatever version is currently flagged latest".
type Target struct {
	Name    string
	Version string
}

// Aggregator builds canonical plugin records from stored fragments.
type Aggregator struct {
	fragments FragmentSource
	plugins   PluginSink
	blocklist BlocklistSource
	logger    *slog.Logger
}

// New creates an aggregator over the given stores.
func New(fragments FragmentSource, plugins PluginSink, blocklist BlocklistSource) *Aggregator {
	return &Aggregator{
		fragments: fragments,
		plugins:   plugins,
		blocklist: blocklist,
		logger:    slog.Default().With("component", "aggregator"),
	}
}

// AggregatePlugins processes each target independently: a target that cannot
// be aggregated this pass is logged and skipped, never failing the batch, and
// is picked up again on the next update cycle.
func (a *Aggregator) AggregatePlugins(ctx context.Context, targets []Target) error {
	blocked, err := a.blocklist.Names(ctx)
	if err != nil {
		return fmt.Errorf("failed to load blocklist: %w", err)
	}

	for _, target := range targets {
		outcome := a.aggregateOne(ctx, target, blocked)
		telemetry.PluginsAggregatedTotal.WithLabelValues(outcome).Inc()
	}
	return nil
}

func (a *Aggregator) aggregateOne(ctx context.Context, target Target, blocked map[string]bool) string {
	name := strings.ToLower(target.Name)
	logger := a.logger.With("plugin", name)

	version := target.Version
	if version == "" {
		latest, err := a.fragments.GetLatestVersion(ctx, name)
		if err != nil {
			logger.Error("failed to resolve latest version", "error", err)
			return outcomeFailed
		}
		if latest == "" {
			logger.Warn("no known version, skipping until next update cycle")
			return outcomeSkippedNoVersion
		}
		version = latest
	}
	logger = logger.With("version", version)

	pypi, metadata, distribution, err := a.loadFragments(ctx, name, version)
	if err != nil {
		logger.Error("failed to load fragments", "error", err)
		return outcomeFailed
	}
	if metadata == nil {
		logger.Warn("metadata fragment not yet available, skipping")
		return outcomeSkippedNoMetadata
	}

	aggregate, err := metadata.Fields()
	if err != nil {
		logger.Error("metadata fragment payload is unreadable", "error", err)
		return outcomeFailed
	}

	var manifestDoc map[string]any
	if distribution != nil {
		if manifestDoc, err = distribution.Fields(); err != nil {
			logger.Warn("distribution fragment payload is unreadable, using default manifest", "error", err)
			manifestDoc = nil
		}
	}
	formatted := manifest.Format(manifestDoc, name, version)

	aggregate = categories.MergeMetadataManifestCategories(aggregate, formatted)
	for key, value := range formatted {
		if _, exists := aggregate[key]; !exists {
			aggregate[key] = value
		}
	}

	visibility := resolveVisibility(aggregate, blocked[name])
	aggregate["visibility"] = string(visibility)

	plugin, err := buildRecord(name, version, aggregate, visibility, pypi)
	if err != nil {
		logger.Error("failed to build canonical record", "error", err)
		return outcomeFailed
	}

	if err := a.plugins.Upsert(ctx, plugin); err != nil {
		logger.Error("failed to write canonical record", "error", err)
		return outcomeFailed
	}

	logger.Info("plugin aggregated",
		"visibility", visibility, "is_latest", plugin.IsLatest, "excluded", plugin.IsExcluded())
	return outcomeMerged
}

func (a *Aggregator) loadFragments(ctx context.Context, name, version string) (pypi, metadata, distribution *models.PluginMetadataFragment, err error) {
	if pypi, err = a.fragments.Get(ctx, name, version, models.FragmentPyPI); err != nil {
		return nil, nil, nil, err
	}
	if metadata, err = a.fragments.Get(ctx, name, version, models.FragmentMetadata); err != nil {
		return nil, nil, nil, err
	}
	if distribution, err = a.fragments.Get(ctx, name, version, models.FragmentDistribution); err != nil {
		return nil, nil, nil, err
	}
	return pypi, metadata, distribution, nil
}

// resolveVisibility applies the blocklist override, then the aggregate's own
// declared visibility. Blocked always wins; unknown declarations fall back to
// PUBLIC.
func resolveVisibility(aggregate map[string]any, isBlocked bool) models.Visibility {
	if isBlocked {
		return models.VisibilityBlocked
	}
	declared, _ := aggregate["visibility"].(string)
	return models.ParseVisibility(strings.ToUpper(declared))
}

// buildRecord promotes the filterable columns out of the merged document.
// The latest flag carries over from the index fragment; a latest version that
// is not publicly visible carries its visibility tag in excluded.
func buildRecord(name, version string, aggregate map[string]any, visibility models.Visibility, pypi *models.PluginMetadataFragment) (*models.Plugin, error) {
	data, err := json.Marshal(aggregate)
	if err != nil {
		return nil, fmt.Errorf("failed to encode merged document: %w", err)
	}

	plugin := &models.Plugin{
		Name:           name,
		Version:        version,
		DisplayName:    stringField(aggregate, "display_name"),
		Summary:        stringField(aggregate, "summary"),
		Description:    stringField(aggregate, "description"),
		License:        stringField(aggregate, "license"),
		PythonVersion:  stringField(aggregate, "python_version"),
		CodeRepository: stringField(aggregate, "code_repository"),
		ReleaseDate:    timeField(aggregate, "release_date"),
		FirstReleased:  timeField(aggregate, "first_released"),
		Visibility:     visibility,
		Data:           data,
	}

	if authors, ok := aggregate["authors"]; ok {
		if encoded, err := json.Marshal(authors); err == nil {
			plugin.Authors = encoded
		}
	}

	if pypi != nil && pypi.IsLatest {
		plugin.IsLatest = true
		if visibility != models.VisibilityPublic {
			tag := visibility
			plugin.Excluded = &tag
		}
	}
	return plugin, nil
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func timeField(m map[string]any, key string) *time.Time {
	s, _ := m[key].(string)
	if s == "" {
		return nil
	}
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		return nil
	}
	return &t
}
