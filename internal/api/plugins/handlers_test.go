package plugins

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/napari-hub/hub-backend/internal/cache"
	"github.com/napari-hub/hub-backend/internal/db/models"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type fakeStore struct {
	plugins []models.Plugin
	err     error
}

func (f *fakeStore) ListPublic(_ context.Context) ([]models.Plugin, error) {
	if f.err != nil {
		return nil, f.err
	}
	var out []models.Plugin
	for _, p := range f.plugins {
		if p.IsLatest && p.Excluded == nil && p.Visibility == models.VisibilityPublic {
			out = append(out, p)
		}
	}
	return out, nil
}

func (f *fakeStore) GetLatest(_ context.Context, name string) (*models.Plugin, error) {
	if f.err != nil {
		return nil, f.err
	}
	for i, p := range f.plugins {
		if p.Name == name && p.IsLatest {
			return &f.plugins[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) Get(_ context.Context, name, version string) (*models.Plugin, error) {
	for i, p := range f.plugins {
		if p.Name == name && p.Version == version {
			return &f.plugins[i], nil
		}
	}
	return nil, nil
}

func (f *fakeStore) ListVersions(_ context.Context, name string) ([]models.Plugin, error) {
	var out []models.Plugin
	for _, p := range f.plugins {
		if p.Name == name {
			out = append(out, p)
		}
	}
	return out, nil
}

type fakeActivity struct {
	installs     int64
	latestCommit *time.Time
	err          error
}

func (f *fakeActivity) Totals(_ context.Context, _ string) (int64, *time.Time, error) {
	return f.installs, f.latestCommit, f.err
}

// mapCache is an in-memory cache.Cache for handler tests.
type mapCache struct {
	entries map[string][]byte
}

func newMapCache() *mapCache { return &mapCache{entries: map[string][]byte{}} }

func (m *mapCache) Get(_ context.Context, key string) ([]byte, bool) {
	b, ok := m.entries[key]
	return b, ok
}
func (m *mapCache) Set(_ context.Context, key string, value []byte) { m.entries[key] = value }
func (m *mapCache) Delete(_ context.Context, keys ...string) {
	for _, k := range keys {
		delete(m.entries, k)
	}
}
func (m *mapCache) Close() error { return nil }

func publicPlugin(name, version string) models.Plugin {
	doc, _ := json.Marshal(map[string]any{
		"name":         name,
		"version":      version,
		"display_name": "Display " + name,
		"summary":      "segment things",
		"authors":      []map[string]string{{"name": "Ada"}},
		"plugin_types": []string{"reader"},
	})
	return models.Plugin{
		Name:        name,
		Version:     version,
		DisplayName: "Display " + name,
		Summary:     "segment things",
		License:     "MIT",
		Visibility:  models.VisibilityPublic,
		IsLatest:    true,
		Data:        doc,
	}
}

func excludeAs(tag models.Visibility) *models.Visibility {
	return &tag
}

func newPluginsRouter(store Store, activity ActivityReader, c cache.Cache) *gin.Engine {
	r := gin.New()
	r.GET("/plugins", ListHandler(store, c))
	r.GET("/plugins/:name", GetLatestHandler(store, activity, c))
	r.GET("/plugins/:name/versions", ListVersionsHandler(store))
	r.GET("/plugins/:name/versions/:version", GetVersionHandler(store))
	return r
}

func doGet(r *gin.Engine, path string) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	r.ServeHTTP(w, req)
	return w
}

func TestListPlugins(t *testing.T) {
	store := &fakeStore{plugins: []models.Plugin{
		publicPlugin("napari-svg", "1.0.0"),
		publicPlugin("cellpose", "2.1.0"),
	}}
	r := newPluginsRouter(store, &fakeActivity{}, newMapCache())

	w := doGet(r, "/plugins")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var entries []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &entries); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("len(entries) = %d, want 2", len(entries))
	}
	if _, ok := entries[0]["data"]; ok {
		t.Error("index entries must not carry the full merged document")
	}
	if entries[0]["display_name"] != "Display napari-svg" {
		t.Errorf("display_name = %v, want promoted column in the index", entries[0]["display_name"])
	}
}

func TestListPluginsCachesResponse(t *testing.T) {
	store := &fakeStore{plugins: []models.Plugin{publicPlugin("napari-svg", "1.0.0")}}
	c := newMapCache()
	r := newPluginsRouter(store, &fakeActivity{}, c)

	doGet(r, "/plugins")
	if _, ok := c.entries[cache.KeyIndex]; !ok {
		t.Fatal("expected index response to be cached")
	}

	// Break the store; the cached body must still be served.
	store.err = errors.New("db down")
	w := doGet(r, "/plugins")
	if w.Code != http.StatusOK {
		t.Errorf("status = %d, want 200 from cache", w.Code)
	}
}

func TestGetLatestPlugin(t *testing.T) {
	lc := time.Date(2023, 5, 2, 10, 0, 0, 0, time.UTC)
	store := &fakeStore{plugins: []models.Plugin{publicPlugin("napari-svg", "1.0.0")}}
	r := newPluginsRouter(store, &fakeActivity{installs: 1234, latestCommit: &lc}, newMapCache())

	w := doGet(r, "/plugins/napari-svg")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}

	var doc map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &doc); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if doc["summary"] != "segment things" {
		t.Errorf("summary = %v, want merged document field", doc["summary"])
	}
	if doc["total_installs"] != float64(1234) {
		t.Errorf("total_installs = %v, want 1234", doc["total_installs"])
	}
	if doc["latest_commit"] != "2023-05-02T10:00:00Z" {
		t.Errorf("latest_commit = %v", doc["latest_commit"])
	}
}

func TestGetLatestPluginUnknownReturns404(t *testing.T) {
	r := newPluginsRouter(&fakeStore{}, &fakeActivity{}, newMapCache())
	if w := doGet(r, "/plugins/nope"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHiddenPluginResolvableByDirectURL(t *testing.T) {
	p := publicPlugin("secret-tool", "0.1.0")
	p.Visibility = models.VisibilityHidden
	p.Excluded = excludeAs(models.VisibilityHidden)
	store := &fakeStore{plugins: []models.Plugin{p}}
	r := newPluginsRouter(store, &fakeActivity{}, newMapCache())

	if w := doGet(r, "/plugins"); w.Code == http.StatusOK {
		var entries []map[string]any
		json.Unmarshal(w.Body.Bytes(), &entries)
		if len(entries) != 0 {
			t.Error("hidden plugin must not appear in the index")
		}
	}
	if w := doGet(r, "/plugins/secret-tool"); w.Code != http.StatusOK {
		t.Errorf("detail status = %d, want 200 for hidden plugin", w.Code)
	}
}

func TestBlockedPluginNotServed(t *testing.T) {
	p := publicPlugin("bad-actor", "0.1.0")
	p.Visibility = models.VisibilityBlocked
	p.Excluded = excludeAs(models.VisibilityBlocked)
	store := &fakeStore{plugins: []models.Plugin{p}}
	r := newPluginsRouter(store, &fakeActivity{}, newMapCache())

	if w := doGet(r, "/plugins/bad-actor"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for blocked plugin", w.Code)
	}
	if w := doGet(r, "/plugins/bad-actor/versions/0.1.0"); w.Code != http.StatusNotFound {
		t.Errorf("version status = %d, want 404 for blocked plugin", w.Code)
	}
}

func TestGetSpecificVersion(t *testing.T) {
	older := publicPlugin("napari-svg", "0.9.0")
	older.IsLatest = false
	store := &fakeStore{plugins: []models.Plugin{older, publicPlugin("napari-svg", "1.0.0")}}
	r := newPluginsRouter(store, &fakeActivity{}, newMapCache())

	w := doGet(r, "/plugins/napari-svg/versions/0.9.0")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var doc map[string]any
	json.Unmarshal(w.Body.Bytes(), &doc)
	if doc["version"] != "0.9.0" {
		t.Errorf("version = %v, want 0.9.0", doc["version"])
	}
	if _, ok := doc["total_installs"]; ok {
		t.Error("version detail must not carry activity totals")
	}
}

func TestListVersions(t *testing.T) {
	rd := time.Date(2023, 1, 15, 0, 0, 0, 0, time.UTC)
	older := publicPlugin("napari-svg", "0.9.0")
	older.IsLatest = false
	older.ReleaseDate = &rd
	store := &fakeStore{plugins: []models.Plugin{older, publicPlugin("napari-svg", "1.0.0")}}
	r := newPluginsRouter(store, &fakeActivity{}, newMapCache())

	w := doGet(r, "/plugins/napari-svg/versions")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	var versions []map[string]any
	if err := json.Unmarshal(w.Body.Bytes(), &versions); err != nil {
		t.Fatalf("response not valid JSON: %v", err)
	}
	if len(versions) != 2 {
		t.Fatalf("len(versions) = %d, want 2", len(versions))
	}
	if versions[0]["version"] != "1.0.0" || versions[1]["version"] != "0.9.0" {
		t.Errorf("versions not ordered newest first: %v", versions)
	}

	if w := doGet(r, "/plugins/unknown/versions"); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404 for unknown plugin", w.Code)
	}
}

func TestActivityTotalsFailureStillServesDetail(t *testing.T) {
	store := &fakeStore{plugins: []models.Plugin{publicPlugin("napari-svg", "1.0.0")}}
	r := newPluginsRouter(store, &fakeActivity{err: errors.New("warehouse down")}, newMapCache())

	w := doGet(r, "/plugins/napari-svg")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200 when totals unavailable", w.Code)
	}
	var doc map[string]any
	json.Unmarshal(w.Body.Bytes(), &doc)
	if _, ok := doc["total_installs"]; ok {
		t.Error("total_installs must be absent when the activity read fails")
	}
}
