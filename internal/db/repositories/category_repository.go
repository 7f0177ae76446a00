// category_repository.go implements CategoryRepository, providing database
// queries for the content-hash keyed category vocabulary.
package repositories

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/napari-hub/hub-backend/internal/db/models"

	"github.com/jmoiron/sqlx"
)

// CategoryRepository handles database operations for category vocabulary rows
type CategoryRepository struct {
	db *sqlx.DB
}

// NewCategoryRepository creates a new category repository
func NewCategoryRepository(db *sqlx.DB) *CategoryRepository {
	return &CategoryRepository{db: db}
}

// categoryRow mirrors the categories table with the hierarchy kept as raw
// JSONB for scanning.
type categoryRow struct {
	Name        string          `db:"name"`
	VersionHash string          `db:"version_hash"`
	Version     string          `db:"version"`
	Dimension   string          `db:"dimension"`
	Label       string          `db:"label"`
	Hierarchy   json.RawMessage `db:"hierarchy"`
}

func (row *categoryRow) toModel() (*models.Category, error) {
	c := &models.Category{
		Name:        row.Name,
		VersionHash: row.VersionHash,
		Version:     row.Version,
		Dimension:   row.Dimension,
		Label:       row.Label,
	}
	if len(row.Hierarchy) > 0 {
		if err := json.Unmarshal(row.Hierarchy, &c.Hierarchy); err != nil {
			return nil, fmt.Errorf("failed to decode hierarchy for %s: %w", row.Name, err)
		}
	}
	return c, nil
}

// Upsert writes one category row. The content-hash key makes re-seeding the
// same vocabulary idempotent.
func (r *CategoryRepository) Upsert(ctx context.Context, c *models.Category) error {
	hierarchy, err := json.Marshal(c.Hierarchy)
	if err != nil {
		return fmt.Errorf("failed to encode hierarchy: %w", err)
	}
	query := `
		INSERT INTO categories (name, version_hash, version, dimension, label, hierarchy)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (name, version_hash) DO NOTHING
	`
	if _, err := r.db.ExecContext(ctx, query,
		c.Name, c.VersionHash, c.Version, c.Dimension, c.Label, hierarchy); err != nil {
		return fmt.Errorf("failed to upsert category: %w", err)
	}
	return nil
}

// GetByName retrieves every placement of a vocabulary label within one
// vocabulary version.
func (r *CategoryRepository) GetByName(ctx context.Context, name, version string) ([]models.Category, error) {
	query := `
		SELECT name, version_hash, version, dimension, label, hierarchy
		FROM categories
		WHERE name = $1 AND version = $2
		ORDER BY version_hash
	`
	var rows []categoryRow
	if err := r.db.SelectContext(ctx, &rows, query, name, version); err != nil {
		return nil, fmt.Errorf("failed to get categories: %w", err)
	}
	return rowsToModels(rows)
}

// ListAll retrieves the full vocabulary for one version.
func (r *CategoryRepository) ListAll(ctx context.Context, version string) ([]models.Category, error) {
	query := `
		SELECT name, version_hash, version, dimension, label, hierarchy
		FROM categories
		WHERE version = $1
		ORDER BY name, version_hash
	`
	var rows []categoryRow
	if err := r.db.SelectContext(ctx, &rows, query, version); err != nil {
		return nil, fmt.Errorf("failed to list categories: %w", err)
	}
	return rowsToModels(rows)
}

func rowsToModels(rows []categoryRow) ([]models.Category, error) {
	categories := make([]models.Category, 0, len(rows))
	for i := range rows {
		c, err := rows[i].toModel()
		if err != nil {
			return nil, err
		}
		categories = append(categories, *c)
	}
	return categories, nil
}
