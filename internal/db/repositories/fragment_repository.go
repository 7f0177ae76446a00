// fragment_repository.go implements FragmentRepository, providing database
// queries for the per-provider metadata fragments that feed the aggregator.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/napari-hub/hub-backend/internal/db/models"

	"github.com/jmoiron/sqlx"
)

// FragmentRepository handles database operations for plugin metadata fragments
type FragmentRepository struct {
	db *sqlx.DB
}

// NewFragmentRepository creates a new fragment repository
func NewFragmentRepository(db *sqlx.DB) *FragmentRepository {
	return &FragmentRepository{db: db}
}

// Upsert writes one fragment, replacing any existing row for the same
// (name, version, type) key.
func (r *FragmentRepository) Upsert(ctx context.Context, f *models.PluginMetadataFragment) error {
	if !f.Type.Valid() {
		return fmt.Errorf("invalid fragment type: %s", f.Type)
	}
	query := `
		INSERT INTO plugin_metadata (name, version, type, data, is_latest, updated_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
		ON CONFLICT (name, version, type) DO UPDATE
		SET data = EXCLUDED.data, is_latest = EXCLUDED.is_latest, updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query, f.Name, f.Version, f.Type, f.Data, f.IsLatest)
	if err != nil {
		return fmt.Errorf("failed to upsert fragment: %w", err)
	}
	return nil
}

// Get retrieves a single fragment by its full key. Returns (nil, nil) when no
// fragment exists.
func (r *FragmentRepository) Get(ctx context.Context, name, version string, typ models.FragmentType) (*models.PluginMetadataFragment, error) {
	query := `
		SELECT name, version, type, data, is_latest, updated_at
		FROM plugin_metadata
		WHERE name = $1 AND version = $2 AND type = $3
	`
	var f models.PluginMetadataFragment
	err := r.db.GetContext(ctx, &f, query, name, version, typ)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get fragment: %w", err)
	}
	return &f, nil
}

// GetLatestVersion returns the version whose index fragment carries the
// latest flag, or "" when the plugin has none.
func (r *FragmentRepository) GetLatestVersion(ctx context.Context, name string) (string, error) {
	query := `SELECT version FROM plugin_metadata WHERE name = $1 AND type = $2 AND is_latest LIMIT 1`
	var version string
	err := r.db.GetContext(ctx, &version, query, name, models.FragmentPyPI)
	if err == sql.ErrNoRows {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to get latest version: %w", err)
	}
	return version, nil
}

// ListLatestVersions returns the stored latest version of every plugin, the
// baseline the update job diffs the package index against.
func (r *FragmentRepository) ListLatestVersions(ctx context.Context) (map[string]string, error) {
	query := `SELECT name, version FROM plugin_metadata WHERE type = $1 AND is_latest`
	var rows []struct {
		Name    string `db:"name"`
		Version string `db:"version"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, models.FragmentPyPI); err != nil {
		return nil, fmt.Errorf("failed to list latest versions: %w", err)
	}
	latest := make(map[string]string, len(rows))
	for _, row := range rows {
		latest[row.Name] = row.Version
	}
	return latest, nil
}

// ClearLatest drops the latest flag from every fragment of a plugin. Used to
// demote a plugin that is gone from the package index.
func (r *FragmentRepository) ClearLatest(ctx context.Context, name string) error {
	query := `UPDATE plugin_metadata SET is_latest = FALSE WHERE name = $1 AND is_latest`
	if _, err := r.db.ExecContext(ctx, query, name); err != nil {
		return fmt.Errorf("failed to clear latest flag: %w", err)
	}
	return nil
}

// SetLatestVersion marks version as the latest for the plugin across all of
// its fragments, clearing the flag everywhere else, in one transaction.
func (r *FragmentRepository) SetLatestVersion(ctx context.Context, name, version string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE plugin_metadata SET is_latest = FALSE WHERE name = $1 AND is_latest`, name); err != nil {
		return fmt.Errorf("failed to clear latest flag: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE plugin_metadata SET is_latest = TRUE WHERE name = $1 AND version = $2`, name, version); err != nil {
		return fmt.Errorf("failed to set latest flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit latest flag update: %w", err)
	}
	return nil
}
