// Package jobs contains the background workers that keep the hub current:
// the plugin update job diffs the package index against stored state and
// drives fragment collection, and the activity aggregation job rolls raw
// analytics events into bucketed counters.
// Jobs are idempotent; re-running after a crash produces the same result as
// a clean run.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/napari-hub/hub-backend/internal/aggregator"
	"github.com/napari-hub/hub-backend/internal/cache"
	"github.com/napari-hub/hub-backend/internal/db/models"
	"github.com/napari-hub/hub-backend/internal/manifest"
	"github.com/napari-hub/hub-backend/internal/notify"
	"github.com/napari-hub/hub-backend/internal/scm"
	"github.com/napari-hub/hub-backend/internal/telemetry"
)

const updateJobName = "plugin_update"

// IndexLister is the package index surface the update job needs.
type IndexLister interface {
	ListAllPlugins(ctx context.Context) (map[string]string, error)
	IsLive(ctx context.Context, name string) bool
}

// FragmentStore reads and writes metadata fragments.
type FragmentStore interface {
	Upsert(ctx context.Context, f *models.PluginMetadataFragment) error
	Get(ctx context.Context, name, version string, typ models.FragmentType) (*models.PluginMetadataFragment, error)
	ListLatestVersions(ctx context.Context) (map[string]string, error)
	SetLatestVersion(ctx context.Context, name, version string) error
	ClearLatest(ctx context.Context, name string) error
}

// MetadataFetcher builds the enriched metadata document for one version.
type MetadataFetcher interface {
	FetchMetadata(ctx context.Context, name, version string) map[string]any
}

// ManifestSource reads deposited manifest blobs.
type ManifestSource interface {
	Get(ctx context.Context, name, version string) (map[string]any, error)
	ListDeposited(ctx context.Context) ([]manifest.Key, error)
}

// DiscoveryTrigger requests manifest discovery for a version.
type DiscoveryTrigger interface {
	RequestAsync(name, version string)
}

// ReleaseNotesSource looks up release notes from source control.
type ReleaseNotesSource interface {
	GetReleaseNotes(ctx context.Context, repo, version string) string
}

// PluginAggregator merges fragments into canonical records.
type PluginAggregator interface {
	AggregatePlugins(ctx context.Context, targets []aggregator.Target) error
}

// RunRecorder records job executions for the health endpoint.
type RunRecorder interface {
	Start(ctx context.Context, job string) (uuid.UUID, error)
	Finish(ctx context.Context, id uuid.UUID, status, detail string) error
}

// PluginUpdateJob polls the package index, writes fragments for new and
// updated versions, ingests deposited manifests, demotes removed plugins,
// and hands the touched set to the aggregator.
type PluginUpdateJob struct {
	index     IndexLister
	fragments FragmentStore
	enricher  MetadataFetcher
	manifests ManifestSource
	discovery DiscoveryTrigger
	notes     ReleaseNotesSource
	notifier  notify.Notifier
	agg       PluginAggregator
	runs      RunRecorder
	cache     cache.Cache
	workers   int
	logger    *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewPluginUpdateJob wires the update job. workers bounds how many plugins
// are processed concurrently within one cycle.
func NewPluginUpdateJob(
	idx IndexLister,
	fragments FragmentStore,
	enricher MetadataFetcher,
	manifests ManifestSource,
	discovery DiscoveryTrigger,
	notes ReleaseNotesSource,
	notifier notify.Notifier,
	agg PluginAggregator,
	runs RunRecorder,
	responseCache cache.Cache,
	workers int,
) *PluginUpdateJob {
	if workers <= 0 {
		workers = 4
	}
	return &PluginUpdateJob{
		index:     idx,
		fragments: fragments,
		enricher:  enricher,
		manifests: manifests,
		discovery: discovery,
		notes:     notes,
		notifier:  notifier,
		agg:       agg,
		runs:      runs,
		cache:     responseCache,
		workers:   workers,
		logger:    slog.Default().With("component", "plugin_update"),
		stopCh:    make(chan struct{}),
	}
}

// Start runs the job on the given interval, with an immediate first cycle.
func (j *PluginUpdateJob) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("starting plugin update job", "interval", interval)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		j.runCycle(ctx)

		for {
			select {
			case <-ticker.C:
				j.runCycle(ctx)
			case <-j.stopCh:
				j.logger.Info("plugin update job stopped")
				return
			case <-ctx.Done():
				j.logger.Info("plugin update job context cancelled")
				return
			}
		}
	}()
}

// Stop terminates the job and waits for an in-flight cycle to finish.
func (j *PluginUpdateJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *PluginUpdateJob) runCycle(ctx context.Context) {
	started := time.Now()
	runID, err := j.runs.Start(ctx, updateJobName)
	if err != nil {
		j.logger.Error("failed to record job start", "error", err)
	}

	detail, err := j.RunOnce(ctx)
	telemetry.PluginUpdateCycleDuration.Observe(time.Since(started).Seconds())

	status := models.RunStatusCompleted
	if err != nil {
		status = models.RunStatusFailed
		detail = err.Error()
		j.logger.Error("plugin update cycle failed", "error", err)
	}
	if runID != uuid.Nil {
		if err := j.runs.Finish(ctx, runID, status, detail); err != nil {
			j.logger.Error("failed to record job finish", "error", err)
		}
	}
}

// RunOnce executes one full update cycle and returns a human-readable
// summary. A listing failure aborts the cycle: an empty index response is
// indistinguishable from a mass unpublish, so nothing may be demoted on it.
func (j *PluginUpdateJob) RunOnce(ctx context.Context) (string, error) {
	indexLatest, err := j.index.ListAllPlugins(ctx)
	if err != nil {
		return "", fmt.Errorf("index listing failed, skipping cycle: %w", err)
	}

	storedLatest, err := j.fragments.ListLatestVersions(ctx)
	if err != nil {
		return "", fmt.Errorf("failed to load stored versions: %w", err)
	}

	var (
		mu      sync.Mutex
		targets []aggregator.Target
		touched []string
	)
	addTarget := func(name, version string) {
		mu.Lock()
		targets = append(targets, aggregator.Target{Name: name, Version: version})
		touched = append(touched, name)
		mu.Unlock()
	}

	updated := j.processNewAndUpdated(ctx, indexLatest, storedLatest, addTarget)
	ingested := j.ingestManifests(ctx, addTarget)
	removed := j.processRemoved(ctx, indexLatest, storedLatest, addTarget)

	if len(targets) > 0 {
		if err := j.agg.AggregatePlugins(ctx, targets); err != nil {
			return "", fmt.Errorf("aggregation failed: %w", err)
		}
		j.invalidate(ctx, touched)
	}

	return fmt.Sprintf("updated=%d manifests=%d removed=%d", updated, ingested, removed), nil
}

// processNewAndUpdated diffs the index against stored state and processes
// each changed plugin on a bounded worker pool, joining before return.
func (j *PluginUpdateJob) processNewAndUpdated(ctx context.Context, indexLatest, storedLatest map[string]string, addTarget func(name, version string)) int {
	type change struct {
		name        string
		version     string
		prevVersion string
	}

	var changes []change
	for name, version := range indexLatest {
		if storedLatest[name] != version {
			changes = append(changes, change{name: name, version: version, prevVersion: storedLatest[name]})
		}
	}
	if len(changes) == 0 {
		return 0
	}

	jobs := make(chan change)
	var wg sync.WaitGroup
	for i := 0; i < j.workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for c := range jobs {
				if j.processPlugin(ctx, c.name, c.version, c.prevVersion) {
					addTarget(c.name, c.version)
				}
			}
		}()
	}
	for _, c := range changes {
		jobs <- c
	}
	close(jobs)
	wg.Wait()

	return len(changes)
}

// processPlugin handles one new or updated plugin version. Returns whether
// the version should be aggregated this cycle.
func (j *PluginUpdateJob) processPlugin(ctx context.Context, name, version, prevVersion string) bool {
	logger := j.logger.With("plugin", name, "version", version)

	if err := j.fragments.Upsert(ctx, &models.PluginMetadataFragment{
		Name:     name,
		Version:  version,
		Type:     models.FragmentPyPI,
		IsLatest: true,
	}); err != nil {
		logger.Error("failed to write index fragment", "error", err)
		return false
	}
	if err := j.fragments.SetLatestVersion(ctx, name, version); err != nil {
		logger.Error("failed to flag latest version", "error", err)
		return false
	}
	telemetry.FragmentWritesTotal.WithLabelValues("pypi").Inc()

	meta := j.ensureMetadata(ctx, name, version, logger)
	j.ensureManifest(ctx, name, version, logger)

	kind := notify.KindUpdated
	if prevVersion == "" {
		kind = notify.KindCreated
	}
	j.notifier.Notify(ctx, kind, name, version, j.releaseNotes(ctx, meta, version))
	return true
}

// ensureMetadata writes the METADATA fragment when it is missing. Returns the
// metadata document when one is known this cycle, for release-notes lookup.
func (j *PluginUpdateJob) ensureMetadata(ctx context.Context, name, version string, logger *slog.Logger) map[string]any {
	existing, err := j.fragments.Get(ctx, name, version, models.FragmentMetadata)
	if err != nil {
		logger.Error("failed to check metadata fragment", "error", err)
		return nil
	}
	if existing != nil {
		fields, _ := existing.Fields()
		return fields
	}

	meta := j.enricher.FetchMetadata(ctx, name, version)
	if meta == nil {
		logger.Warn("no usable metadata this cycle, fragment write skipped")
		return nil
	}

	data, err := json.Marshal(meta)
	if err != nil {
		logger.Error("failed to encode metadata fragment", "error", err)
		return meta
	}
	if err := j.fragments.Upsert(ctx, &models.PluginMetadataFragment{
		Name:    name,
		Version: version,
		Type:    models.FragmentMetadata,
		Data:    data,
	}); err != nil {
		logger.Error("failed to write metadata fragment", "error", err)
		return meta
	}
	telemetry.FragmentWritesTotal.WithLabelValues("metadata").Inc()
	return meta
}

// ensureManifest requests discovery when no distribution fragment exists yet.
// The request is fire-and-forget; the deposited blob is ingested on a later
// cycle.
func (j *PluginUpdateJob) ensureManifest(ctx context.Context, name, version string, logger *slog.Logger) {
	existing, err := j.fragments.Get(ctx, name, version, models.FragmentDistribution)
	if err != nil {
		logger.Error("failed to check distribution fragment", "error", err)
		return
	}
	if existing == nil {
		j.discovery.RequestAsync(name, version)
	}
}

// ingestManifests promotes deposited manifest blobs that have no distribution
// fragment yet, and queues the affected versions for re-aggregation.
func (j *PluginUpdateJob) ingestManifests(ctx context.Context, addTarget func(name, version string)) int {
	keys, err := j.manifests.ListDeposited(ctx)
	if err != nil {
		j.logger.Warn("manifest listing failed, skipping ingest this cycle", "error", err)
		return 0
	}

	var ingested int
	for _, key := range keys {
		logger := j.logger.With("plugin", key.Name, "version", key.Version)

		existing, err := j.fragments.Get(ctx, key.Name, key.Version, models.FragmentDistribution)
		if err != nil {
			logger.Error("failed to check distribution fragment", "error", err)
			continue
		}
		if existing != nil {
			continue
		}

		doc, err := j.manifests.Get(ctx, key.Name, key.Version)
		if err != nil || doc == nil {
			logger.Warn("deposited manifest unreadable, will retry next cycle", "error", err)
			continue
		}
		data, err := json.Marshal(doc)
		if err != nil {
			logger.Error("failed to encode manifest document", "error", err)
			continue
		}
		if err := j.fragments.Upsert(ctx, &models.PluginMetadataFragment{
			Name:    key.Name,
			Version: key.Version,
			Type:    models.FragmentDistribution,
			Data:    data,
		}); err != nil {
			logger.Error("failed to write distribution fragment", "error", err)
			continue
		}
		telemetry.FragmentWritesTotal.WithLabelValues("distribution").Inc()
		addTarget(key.Name, key.Version)
		ingested++
	}
	return ingested
}

// processRemoved demotes plugins that are gone from the index. The liveness
// probe is a hedge against index flakiness: only a confirmed-dead plugin is
// demoted, anything else is left alone until the next cycle.
func (j *PluginUpdateJob) processRemoved(ctx context.Context, indexLatest, storedLatest map[string]string, addTarget func(name, version string)) int {
	var removed int
	for name, version := range storedLatest {
		if _, listed := indexLatest[name]; listed {
			continue
		}
		if j.index.IsLive(ctx, name) {
			j.logger.Warn("plugin missing from listing but still live, keeping", "plugin", name)
			continue
		}

		logger := j.logger.With("plugin", name, "version", version)
		if err := j.fragments.ClearLatest(ctx, name); err != nil {
			logger.Error("failed to demote removed plugin", "error", err)
			continue
		}
		if err := j.fragments.Upsert(ctx, &models.PluginMetadataFragment{
			Name:    name,
			Version: version,
			Type:    models.FragmentPyPI,
		}); err != nil {
			logger.Error("failed to rewrite index fragment", "error", err)
			continue
		}
		telemetry.FragmentWritesTotal.WithLabelValues("pypi").Inc()

		j.notifier.Notify(ctx, notify.KindRemoved, name, version, "")
		addTarget(name, version)
		removed++
		logger.Info("plugin demoted, no longer live on the index")
	}
	return removed
}

// releaseNotes resolves the repository from the metadata document and fetches
// notes for the released tag. Best effort; an empty string is fine.
func (j *PluginUpdateJob) releaseNotes(ctx context.Context, meta map[string]any, version string) string {
	if meta == nil {
		return ""
	}
	repoURL, _ := meta["code_repository"].(string)
	if repoURL == "" {
		return ""
	}
	repo, err := scm.ParseRepoURL(repoURL)
	if err != nil {
		return ""
	}
	return j.notes.GetReleaseNotes(ctx, repo, version)
}

func (j *PluginUpdateJob) invalidate(ctx context.Context, names []string) {
	keys := make([]string, 0, len(names)+1)
	keys = append(keys, cache.KeyIndex)
	seen := make(map[string]bool, len(names))
	for _, name := range names {
		if !seen[name] {
			seen[name] = true
			keys = append(keys, cache.PluginKey(name))
		}
	}
	j.cache.Delete(ctx, keys...)
}
