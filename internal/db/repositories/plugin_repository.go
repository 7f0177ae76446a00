// plugin_repository.go implements PluginRepository, providing database queries
// for canonical merged plugin records and the administrative blocklist.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/napari-hub/hub-backend/internal/db/models"

	"github.com/jmoiron/sqlx"
)

// PluginRepository handles database operations for canonical plugin records
type PluginRepository struct {
	db *sqlx.DB
}

// NewPluginRepository creates a new plugin repository
func NewPluginRepository(db *sqlx.DB) *PluginRepository {
	return &PluginRepository{db: db}
}

// Upsert writes one canonical plugin version record.
func (r *PluginRepository) Upsert(ctx context.Context, p *models.Plugin) error {
	query := `
		INSERT INTO plugins (
			name, version, display_name, summary, description, authors, license,
			python_version, code_repository, release_date, first_released,
			visibility, is_latest, excluded, data, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, NOW())
		ON CONFLICT (name, version) DO UPDATE SET
			display_name = EXCLUDED.display_name,
			summary = EXCLUDED.summary,
			description = EXCLUDED.description,
			authors = EXCLUDED.authors,
			license = EXCLUDED.license,
			python_version = EXCLUDED.python_version,
			code_repository = EXCLUDED.code_repository,
			release_date = EXCLUDED.release_date,
			first_released = EXCLUDED.first_released,
			visibility = EXCLUDED.visibility,
			is_latest = EXCLUDED.is_latest,
			excluded = EXCLUDED.excluded,
			data = EXCLUDED.data,
			updated_at = NOW()
	`
	_, err := r.db.ExecContext(ctx, query,
		p.Name, p.Version, p.DisplayName, p.Summary, p.Description, p.Authors,
		p.License, p.PythonVersion, p.CodeRepository, p.ReleaseDate, p.FirstReleased,
		p.Visibility, p.IsLatest, p.Excluded, p.Data,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert plugin: %w", err)
	}
	return nil
}

const pluginColumns = `
	name, version, display_name, summary, description, authors, license,
	python_version, code_repository, release_date, first_released, visibility,
	is_latest, excluded, data, updated_at
`

// Get retrieves one plugin version. Returns (nil, nil) when not found.
func (r *PluginRepository) Get(ctx context.Context, name, version string) (*models.Plugin, error) {
	query := `SELECT ` + pluginColumns + ` FROM plugins WHERE name = $1 AND version = $2`
	var p models.Plugin
	err := r.db.GetContext(ctx, &p, query, name, version)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get plugin: %w", err)
	}
	return &p, nil
}

// GetLatest retrieves the version currently flagged latest for a plugin.
// Returns (nil, nil) when the plugin is unknown.
func (r *PluginRepository) GetLatest(ctx context.Context, name string) (*models.Plugin, error) {
	query := `SELECT ` + pluginColumns + ` FROM plugins WHERE name = $1 AND is_latest`
	var p models.Plugin
	err := r.db.GetContext(ctx, &p, query, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest plugin: %w", err)
	}
	return &p, nil
}

// ListVersions retrieves every stored version of a plugin, newest write first.
func (r *PluginRepository) ListVersions(ctx context.Context, name string) ([]models.Plugin, error) {
	query := `SELECT ` + pluginColumns + ` FROM plugins WHERE name = $1 ORDER BY release_date DESC NULLS LAST, version`
	var plugins []models.Plugin
	if err := r.db.SelectContext(ctx, &plugins, query, name); err != nil {
		return nil, fmt.Errorf("failed to list plugin versions: %w", err)
	}
	return plugins, nil
}

// ListPublic retrieves the latest version of every servable plugin: latest,
// not excluded, and visibility PUBLIC.
func (r *PluginRepository) ListPublic(ctx context.Context) ([]models.Plugin, error) {
	query := `
		SELECT ` + pluginColumns + `
		FROM plugins
		WHERE is_latest AND excluded IS NULL AND visibility = 'PUBLIC'
		ORDER BY name
	`
	var plugins []models.Plugin
	if err := r.db.SelectContext(ctx, &plugins, query); err != nil {
		return nil, fmt.Errorf("failed to list public plugins: %w", err)
	}
	return plugins, nil
}

// SetLatestVersion flags version as latest for the plugin and clears the flag
// on every other version, in one transaction.
func (r *PluginRepository) SetLatestVersion(ctx context.Context, name, version string) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE plugins SET is_latest = FALSE WHERE name = $1 AND is_latest`, name); err != nil {
		return fmt.Errorf("failed to clear latest flag: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE plugins SET is_latest = TRUE WHERE name = $1 AND version = $2`, name, version); err != nil {
		return fmt.Errorf("failed to set latest flag: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit latest flag update: %w", err)
	}
	return nil
}

// SetExcluded stamps an exclusion tag on every version of a plugin, or clears
// it when tag is nil.
func (r *PluginRepository) SetExcluded(ctx context.Context, name string, tag *models.Visibility) error {
	if _, err := r.db.ExecContext(ctx,
		`UPDATE plugins SET excluded = $2, updated_at = NOW() WHERE name = $1`, name, tag); err != nil {
		return fmt.Errorf("failed to set excluded tag: %w", err)
	}
	return nil
}

// Delete removes every version of a plugin.
func (r *PluginRepository) Delete(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM plugins WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to delete plugin: %w", err)
	}
	return nil
}

// BlocklistRepository handles database operations for the administrative
// plugin blocklist.
type BlocklistRepository struct {
	db *sqlx.DB
}

// NewBlocklistRepository creates a new blocklist repository
func NewBlocklistRepository(db *sqlx.DB) *BlocklistRepository {
	return &BlocklistRepository{db: db}
}

// List retrieves all blocklist entries.
func (r *BlocklistRepository) List(ctx context.Context) ([]models.BlocklistEntry, error) {
	var entries []models.BlocklistEntry
	query := `SELECT name, reason, created_at FROM plugin_blocklist ORDER BY name`
	if err := r.db.SelectContext(ctx, &entries, query); err != nil {
		return nil, fmt.Errorf("failed to list blocklist: %w", err)
	}
	return entries, nil
}

// Names retrieves the blocked plugin names as a set.
func (r *BlocklistRepository) Names(ctx context.Context) (map[string]bool, error) {
	entries, err := r.List(ctx)
	if err != nil {
		return nil, err
	}
	set := make(map[string]bool, len(entries))
	for _, e := range entries {
		set[e.Name] = true
	}
	return set, nil
}

// Add inserts or updates a blocklist entry.
func (r *BlocklistRepository) Add(ctx context.Context, name, reason string) error {
	query := `
		INSERT INTO plugin_blocklist (name, reason) VALUES ($1, $2)
		ON CONFLICT (name) DO UPDATE SET reason = EXCLUDED.reason
	`
	if _, err := r.db.ExecContext(ctx, query, name, reason); err != nil {
		return fmt.Errorf("failed to add blocklist entry: %w", err)
	}
	return nil
}

// Remove deletes a blocklist entry.
func (r *BlocklistRepository) Remove(ctx context.Context, name string) error {
	if _, err := r.db.ExecContext(ctx, `DELETE FROM plugin_blocklist WHERE name = $1`, name); err != nil {
		return fmt.Errorf("failed to remove blocklist entry: %w", err)
	}
	return nil
}
