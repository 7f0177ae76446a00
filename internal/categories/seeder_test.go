package categories

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/napari-hub/hub-backend/internal/db/models"
)

type recordingSink struct {
	rows []*models.Category
	err  error
}

func (r *recordingSink) Upsert(_ context.Context, c *models.Category) error {
	if r.err != nil {
		return r.err
	}
	r.rows = append(r.rows, c)
	return nil
}

const seedJSON = `{
  "Image annotation": [
    {"dimension": "Workflow step", "label": "Image annotation", "hierarchy": ["Image processing", "Annotation"]},
    {"dimension": "Operation", "label": "Image annotation", "hierarchy": ["Annotation"]}
  ],
  "Segmentation": [
    {"dimension": "Workflow step", "label": "Segmentation", "hierarchy": ["Image processing", "Image segmentation"]}
  ]
}`

func writeSeedFile(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "edam_mapping.json")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write seed file: %v", err)
	}
	return path
}

func TestSeed_WritesOneRowPerPlacement(t *testing.T) {
	sink := &recordingSink{}
	seeder := NewSeeder(sink, "EDAM-BIOIMAGING:alpha06", writeSeedFile(t, seedJSON))

	written, err := seeder.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if written != 3 || len(sink.rows) != 3 {
		t.Fatalf("rows written = %d (sink has %d), want 3", written, len(sink.rows))
	}

	for _, row := range sink.rows {
		if row.Name != Slugify(row.Label) && row.Name != "image-annotation" && row.Name != "segmentation" {
			t.Errorf("unexpected slug %q", row.Name)
		}
		if row.Version != "EDAM-BIOIMAGING:alpha06" {
			t.Errorf("row version = %q", row.Version)
		}
		if !strings.HasPrefix(row.VersionHash, "EDAM-BIOIMAGING:alpha06:") {
			t.Errorf("version hash %q is not version-qualified", row.VersionHash)
		}
	}
}

func TestSeed_HashKeysAreStableAcrossRuns(t *testing.T) {
	path := writeSeedFile(t, seedJSON)

	first := &recordingSink{}
	if _, err := NewSeeder(first, "v1", path).Seed(context.Background()); err != nil {
		t.Fatalf("first Seed() error = %v", err)
	}
	second := &recordingSink{}
	if _, err := NewSeeder(second, "v1", path).Seed(context.Background()); err != nil {
		t.Fatalf("second Seed() error = %v", err)
	}

	keys := func(rows []*models.Category) map[string]bool {
		out := make(map[string]bool, len(rows))
		for _, r := range rows {
			out[r.Name+"/"+r.VersionHash] = true
		}
		return out
	}
	firstKeys, secondKeys := keys(first.rows), keys(second.rows)
	if len(firstKeys) != len(secondKeys) {
		t.Fatalf("key counts differ: %d vs %d", len(firstKeys), len(secondKeys))
	}
	for k := range firstKeys {
		if !secondKeys[k] {
			t.Errorf("key %q missing from second run", k)
		}
	}
}

func TestSeed_SkipsUnslugifiableTerms(t *testing.T) {
	sink := &recordingSink{}
	seeder := NewSeeder(sink, "v1", writeSeedFile(t,
		`{"---": [{"dimension": "Operation", "label": "X", "hierarchy": []}]}`))

	written, err := seeder.Seed(context.Background())
	if err != nil {
		t.Fatalf("Seed() error = %v", err)
	}
	if written != 0 {
		t.Errorf("rows written = %d, want 0", written)
	}
}

func TestSeed_MissingFile(t *testing.T) {
	seeder := NewSeeder(&recordingSink{}, "v1", filepath.Join(t.TempDir(), "absent.json"))
	if _, err := seeder.Seed(context.Background()); err == nil {
		t.Fatal("expected error for missing source file")
	}
}

func TestSeed_InvalidJSON(t *testing.T) {
	seeder := NewSeeder(&recordingSink{}, "v1", writeSeedFile(t, "{not json"))
	if _, err := seeder.Seed(context.Background()); err == nil {
		t.Fatal("expected error for malformed source file")
	}
}
