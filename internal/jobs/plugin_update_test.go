package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/napari-hub/hub-backend/internal/aggregator"
	"github.com/napari-hub/hub-backend/internal/cache"
	"github.com/napari-hub/hub-backend/internal/db/models"
	"github.com/napari-hub/hub-backend/internal/manifest"
	"github.com/napari-hub/hub-backend/internal/notify"
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

type fakeIndexLister struct {
	plugins map[string]string
	live    map[string]bool
	listErr error
}

func (f *fakeIndexLister) ListAllPlugins(context.Context) (map[string]string, error) {
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.plugins, nil
}

func (f *fakeIndexLister) IsLive(_ context.Context, name string) bool {
	return f.live[name]
}

type fragKey struct {
	name    string
	version string
	typ     models.FragmentType
}

type fakeFragmentStore struct {
	mu        sync.Mutex
	fragments map[fragKey]*models.PluginMetadataFragment
	latest    map[string]string
	cleared   []string
}

func newFakeFragmentStore() *fakeFragmentStore {
	return &fakeFragmentStore{
		fragments: make(map[fragKey]*models.PluginMetadataFragment),
		latest:    make(map[string]string),
	}
}

func (f *fakeFragmentStore) Upsert(_ context.Context, frag *models.PluginMetadataFragment) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	copied := *frag
	f.fragments[fragKey{frag.Name, frag.Version, frag.Type}] = &copied
	return nil
}

func (f *fakeFragmentStore) Get(_ context.Context, name, version string, typ models.FragmentType) (*models.PluginMetadataFragment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fragments[fragKey{name, version, typ}], nil
}

func (f *fakeFragmentStore) ListLatestVersions(context.Context) (map[string]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make(map[string]string, len(f.latest))
	for k, v := range f.latest {
		out[k] = v
	}
	return out, nil
}

func (f *fakeFragmentStore) SetLatestVersion(_ context.Context, name, version string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.latest[name] = version
	return nil
}

func (f *fakeFragmentStore) ClearLatest(_ context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.latest, name)
	f.cleared = append(f.cleared, name)
	return nil
}

func (f *fakeFragmentStore) has(name, version string, typ models.FragmentType) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.fragments[fragKey{name, version, typ}]
	return ok
}

type fakeEnricher struct {
	mu    sync.Mutex
	meta  map[string]map[string]any
	calls []string
}

func (f *fakeEnricher) FetchMetadata(_ context.Context, name, _ string) map[string]any {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, name)
	return f.meta[name]
}

type fakeManifests struct {
	deposited map[manifest.Key]map[string]any
}

func (f *fakeManifests) Get(_ context.Context, name, version string) (map[string]any, error) {
	return f.deposited[manifest.Key{Name: name, Version: version}], nil
}

func (f *fakeManifests) ListDeposited(context.Context) ([]manifest.Key, error) {
	var keys []manifest.Key
	for k := range f.deposited {
		keys = append(keys, k)
	}
	return keys, nil
}

type fakeDiscovery struct {
	mu        sync.Mutex
	requested []string
}

func (f *fakeDiscovery) RequestAsync(name, version string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requested = append(f.requested, name+"@"+version)
}

type fakeNotes struct{ notes string }

func (f *fakeNotes) GetReleaseNotes(context.Context, string, string) string { return f.notes }

type notified struct {
	kind    notify.Kind
	plugin  string
	version string
	notes   string
}

type fakeNotifier struct {
	mu     sync.Mutex
	events []notified
}

func (f *fakeNotifier) Notify(_ context.Context, kind notify.Kind, plugin, version, releaseNotes string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, notified{kind, plugin, version, releaseNotes})
}

type fakeAggregator struct {
	targets []aggregator.Target
}

func (f *fakeAggregator) AggregatePlugins(_ context.Context, targets []aggregator.Target) error {
	f.targets = append(f.targets, targets...)
	return nil
}

type fakeRuns struct {
	started  []string
	statuses []string
}

func (f *fakeRuns) Start(_ context.Context, job string) (uuid.UUID, error) {
	f.started = append(f.started, job)
	return uuid.New(), nil
}

func (f *fakeRuns) Finish(_ context.Context, _ uuid.UUID, status, _ string) error {
	f.statuses = append(f.statuses, status)
	return nil
}

type updateFixture struct {
	index     *fakeIndexLister
	fragments *fakeFragmentStore
	enricher  *fakeEnricher
	manifests *fakeManifests
	discovery *fakeDiscovery
	notifier  *fakeNotifier
	agg       *fakeAggregator
	runs      *fakeRuns
	job       *PluginUpdateJob
}

func newUpdateFixture() *updateFixture {
	f := &updateFixture{
		index:     &fakeIndexLister{plugins: map[string]string{}, live: map[string]bool{}},
		fragments: newFakeFragmentStore(),
		enricher:  &fakeEnricher{meta: map[string]map[string]any{}},
		manifests: &fakeManifests{deposited: map[manifest.Key]map[string]any{}},
		discovery: &fakeDiscovery{},
		notifier:  &fakeNotifier{},
		agg:       &fakeAggregator{},
		runs:      &fakeRuns{},
	}
	f.job = NewPluginUpdateJob(
		f.index, f.fragments, f.enricher, f.manifests, f.discovery,
		&fakeNotes{notes: "Release notes"}, f.notifier, f.agg, f.runs,
		&cache.NullCache{}, 2,
	)
	return f
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestRunOnce_NewPlugin(t *testing.T) {
	f := newUpdateFixture()
	f.index.plugins["napari-svg"] = "0.1.6"
	f.enricher.meta["napari-svg"] = map[string]any{
		"summary":         "SVG export",
		"code_repository": "https://github.com/napari/napari-svg",
	}

	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	frag, _ := f.fragments.Get(context.Background(), "napari-svg", "0.1.6", models.FragmentPyPI)
	if frag == nil || !frag.IsLatest {
		t.Errorf("index fragment = %+v, want latest-flagged", frag)
	}
	if !f.fragments.has("napari-svg", "0.1.6", models.FragmentMetadata) {
		t.Error("metadata fragment was not written")
	}
	if len(f.discovery.requested) != 1 || f.discovery.requested[0] != "napari-svg@0.1.6" {
		t.Errorf("discovery requests = %v", f.discovery.requested)
	}
	if len(f.notifier.events) != 1 {
		t.Fatalf("notifications = %+v", f.notifier.events)
	}
	if e := f.notifier.events[0]; e.kind != notify.KindCreated || e.notes != "Release notes" {
		t.Errorf("notification = %+v", e)
	}
	if len(f.agg.targets) != 1 || f.agg.targets[0].Name != "napari-svg" {
		t.Errorf("aggregation targets = %v", f.agg.targets)
	}
}

func TestRunOnce_UpdatedPluginNotifiesUpdated(t *testing.T) {
	f := newUpdateFixture()
	f.index.plugins["napari-svg"] = "0.1.7"
	f.fragments.latest["napari-svg"] = "0.1.6"

	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].kind != notify.KindUpdated {
		t.Errorf("notifications = %+v", f.notifier.events)
	}
	if f.fragments.latest["napari-svg"] != "0.1.7" {
		t.Errorf("latest = %q, want 0.1.7", f.fragments.latest["napari-svg"])
	}
}

func TestRunOnce_NoChangesIsIdempotent(t *testing.T) {
	f := newUpdateFixture()
	f.index.plugins["napari-svg"] = "0.1.6"
	f.fragments.latest["napari-svg"] = "0.1.6"

	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(f.fragments.fragments) != 0 {
		t.Errorf("wrote %d fragments on a no-change cycle", len(f.fragments.fragments))
	}
	if len(f.notifier.events) != 0 {
		t.Errorf("sent %d notifications on a no-change cycle", len(f.notifier.events))
	}
	if len(f.agg.targets) != 0 {
		t.Errorf("aggregated %d targets on a no-change cycle", len(f.agg.targets))
	}
}

func TestRunOnce_ListingFailureAbortsCycle(t *testing.T) {
	f := newUpdateFixture()
	f.index.listErr = errors.New("search page returned 500")
	f.fragments.latest["napari-svg"] = "0.1.6"

	if _, err := f.job.RunOnce(context.Background()); err == nil {
		t.Fatal("expected error when the index listing fails")
	}
	if len(f.fragments.cleared) != 0 || len(f.notifier.events) != 0 {
		t.Error("a failed listing must not demote or notify anything")
	}
}

func TestRunOnce_RemovedPluginDemotedWhenNotLive(t *testing.T) {
	f := newUpdateFixture()
	f.fragments.latest["napari-gone"] = "1.0.0"
	// Index no longer lists it and the liveness probe confirms.

	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}

	if len(f.fragments.cleared) != 1 || f.fragments.cleared[0] != "napari-gone" {
		t.Errorf("cleared = %v", f.fragments.cleared)
	}
	frag, _ := f.fragments.Get(context.Background(), "napari-gone", "1.0.0", models.FragmentPyPI)
	if frag == nil || frag.IsLatest {
		t.Errorf("demoted fragment = %+v, want non-latest", frag)
	}
	if len(f.notifier.events) != 1 || f.notifier.events[0].kind != notify.KindRemoved {
		t.Errorf("notifications = %+v", f.notifier.events)
	}
}

func TestRunOnce_StillLivePluginKept(t *testing.T) {
	f := newUpdateFixture()
	f.fragments.latest["napari-svg"] = "0.1.6"
	f.index.live["napari-svg"] = true

	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(f.fragments.cleared) != 0 || len(f.notifier.events) != 0 {
		t.Error("a live plugin must not be demoted on listing flakiness")
	}
}

func TestRunOnce_EmptyMetadataSkipsFragmentWrite(t *testing.T) {
	f := newUpdateFixture()
	f.index.plugins["napari-svg"] = "0.1.6"
	// Enricher has nothing for this plugin.

	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !f.fragments.has("napari-svg", "0.1.6", models.FragmentPyPI) {
		t.Error("index fragment must be written regardless")
	}
	if f.fragments.has("napari-svg", "0.1.6", models.FragmentMetadata) {
		t.Error("empty metadata must not produce a fragment row")
	}
}

func TestRunOnce_ExistingMetadataNotRefetched(t *testing.T) {
	f := newUpdateFixture()
	f.index.plugins["napari-svg"] = "0.1.7"
	f.fragments.latest["napari-svg"] = "0.1.6"
	data, _ := json.Marshal(map[string]any{"summary": "already here"})
	f.fragments.Upsert(context.Background(), &models.PluginMetadataFragment{
		Name: "napari-svg", Version: "0.1.7", Type: models.FragmentMetadata, Data: data,
	})

	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(f.enricher.calls) != 0 {
		t.Errorf("enricher called %v times for a version with stored metadata", f.enricher.calls)
	}
}

func TestRunOnce_DepositedManifestIngested(t *testing.T) {
	f := newUpdateFixture()
	f.manifests.deposited[manifest.Key{Name: "napari-svg", Version: "0.1.6"}] = map[string]any{
		"display_name": "napari SVG",
	}

	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if !f.fragments.has("napari-svg", "0.1.6", models.FragmentDistribution) {
		t.Error("deposited manifest was not promoted to a distribution fragment")
	}
	if len(f.agg.targets) != 1 {
		t.Errorf("aggregation targets = %v", f.agg.targets)
	}
}

func TestRunOnce_IngestedManifestNotReingested(t *testing.T) {
	f := newUpdateFixture()
	f.manifests.deposited[manifest.Key{Name: "napari-svg", Version: "0.1.6"}] = map[string]any{
		"display_name": "napari SVG",
	}
	data, _ := json.Marshal(map[string]any{"display_name": "napari SVG"})
	f.fragments.Upsert(context.Background(), &models.PluginMetadataFragment{
		Name: "napari-svg", Version: "0.1.6", Type: models.FragmentDistribution, Data: data,
	})

	if _, err := f.job.RunOnce(context.Background()); err != nil {
		t.Fatalf("RunOnce() error = %v", err)
	}
	if len(f.agg.targets) != 0 {
		t.Errorf("aggregation targets = %v, want none for an already-ingested manifest", f.agg.targets)
	}
}

func TestRunCycle_RecordsRun(t *testing.T) {
	f := newUpdateFixture()
	f.job.runCycle(context.Background())

	if len(f.runs.started) != 1 || f.runs.started[0] != updateJobName {
		t.Errorf("runs started = %v", f.runs.started)
	}
	if len(f.runs.statuses) != 1 || f.runs.statuses[0] != models.RunStatusCompleted {
		t.Errorf("run statuses = %v", f.runs.statuses)
	}
}
