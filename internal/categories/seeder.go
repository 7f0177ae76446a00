package categories

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/napari-hub/hub-backend/internal/db/models"
	"github.com/napari-hub/hub-backend/pkg/contenthash"
)

// Sink persists vocabulary rows.
type Sink interface {
	Upsert(ctx context.Context, category *models.Category) error
}

// placement is one dimension assignment of an ontology term in the seed file.
type placement struct {
	Dimension string   `json:"dimension"`
	Label     string   `json:"label"`
	Hierarchy []string `json:"hierarchy"`
}

// Seeder loads the ontology mapping file and writes vocabulary rows. Rows are
// keyed by (slug, version-qualified content hash), so seeding the same file
// twice inserts nothing new and a revised mapping adds rows without touching
// the old ones.
type Seeder struct {
	sink       Sink
	version    string
	sourceFile string
	logger     *slog.Logger
}

// NewSeeder creates a seeder for one ontology version.
func NewSeeder(sink Sink, version, sourceFile string) *Seeder {
	return &Seeder{
		sink:       sink,
		version:    version,
		sourceFile: sourceFile,
		logger:     slog.Default().With("component", "categories"),
	}
}

// Seed reads the mapping file ({raw term: [placements]}) and upserts one row
// per placement. Returns the number of rows written.
func (s *Seeder) Seed(ctx context.Context) (int, error) {
	raw, err := os.ReadFile(s.sourceFile)
	if err != nil {
		return 0, fmt.Errorf("failed to read category source file: %w", err)
	}

	var mapping map[string][]placement
	if err := json.Unmarshal(raw, &mapping); err != nil {
		return 0, fmt.Errorf("failed to parse category source file: %w", err)
	}

	var written int
	for term, placements := range mapping {
		slug := Slugify(term)
		if slug == "" {
			s.logger.Warn("skipping unslugifiable ontology term", "term", term)
			continue
		}

		for _, p := range placements {
			hash, err := contenthash.Hash(p)
			if err != nil {
				return written, fmt.Errorf("failed to hash placement for %q: %w", term, err)
			}

			row := &models.Category{
				Name:        slug,
				VersionHash: s.version + ":" + hash,
				Version:     s.version,
				Dimension:   p.Dimension,
				Label:       p.Label,
				Hierarchy:   p.Hierarchy,
			}
			if err := s.sink.Upsert(ctx, row); err != nil {
				return written, fmt.Errorf("failed to upsert category %q: %w", slug, err)
			}
			written++
		}
	}

	s.logger.Info("category vocabulary seeded",
		"version", s.version, "terms", len(mapping), "rows", written)
	return written, nil
}
