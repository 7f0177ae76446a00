package manifest

import (
	"context"
	"testing"

	"github.com/napari-hub/hub-backend/internal/config"
	"github.com/napari-hub/hub-backend/internal/storage/local"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	backend, err := local.New(&config.LocalStorageConfig{BasePath: t.TempDir()})
	if err != nil {
		t.Fatalf("failed to create local backend: %v", err)
	}
	return NewStore(backend)
}

func TestStore_PutAndGet(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	doc := map[string]any{
		"display_name": "napari SVG",
		"npe1_shim":    false,
	}
	if err := store.Put(ctx, "napari-svg", "0.1.6", doc); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	got, err := store.Get(ctx, "napari-svg", "0.1.6")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got["display_name"] != "napari SVG" || got["npe1_shim"] != false {
		t.Errorf("round-tripped doc = %v", got)
	}
}

func TestStore_GetMissingReturnsNil(t *testing.T) {
	store := newTestStore(t)

	got, err := store.Get(context.Background(), "napari-svg", "9.9.9")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got != nil {
		t.Errorf("Get() = %v, want nil for missing manifest", got)
	}
}

func TestStore_PutErrorRoundTripsMarker(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	if err := store.PutError(ctx, "napari-svg", "0.1.6", "introspection timed out"); err != nil {
		t.Fatalf("PutError() error = %v", err)
	}

	got, err := store.Get(ctx, "napari-svg", "0.1.6")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got[ErrorKey] != "introspection timed out" {
		t.Errorf("marker doc = %v", got)
	}

	// The formatter treats a marker like a missing manifest.
	assertDefault(t, Format(got, "napari-svg", "0.1.6"))
}

func TestStore_ListDeposited(t *testing.T) {
	store := newTestStore(t)
	ctx := context.Background()

	deposits := []Key{
		{Name: "napari-svg", Version: "0.1.6"},
		{Name: "napari-svg", Version: "0.1.7"},
		{Name: "cellpose-napari", Version: "0.2.0"},
	}
	for _, d := range deposits {
		if err := store.Put(ctx, d.Name, d.Version, map[string]any{"display_name": d.Name}); err != nil {
			t.Fatalf("Put(%v) error = %v", d, err)
		}
	}

	keys, err := store.ListDeposited(ctx)
	if err != nil {
		t.Fatalf("ListDeposited() error = %v", err)
	}
	if len(keys) != len(deposits) {
		t.Fatalf("ListDeposited() returned %d keys, want %d", len(keys), len(deposits))
	}
	found := make(map[Key]bool, len(keys))
	for _, k := range keys {
		found[k] = true
	}
	for _, d := range deposits {
		if !found[d] {
			t.Errorf("deposit %v missing from listing", d)
		}
	}
}
