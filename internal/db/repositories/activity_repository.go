// activity_repository.go implements ActivityRepository, providing writes for
// pre-aggregated activity buckets and the timeline read used by the API.
//
// Aggregation passes commit their rows and the advanced job checkpoint in a
// single transaction, so a pass that fails part-way leaves the checkpoint
// untouched and is re-run in full on the next tick.
package repositories

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/napari-hub/hub-backend/internal/db/models"

	"github.com/jmoiron/sqlx"
)

// ActivityRepository handles database operations for activity buckets
type ActivityRepository struct {
	db *sqlx.DB
}

// NewActivityRepository creates a new activity repository
func NewActivityRepository(db *sqlx.DB) *ActivityRepository {
	return &ActivityRepository{db: db}
}

// CommitInstallPass writes one full install aggregation pass atomically:
// all rows plus the new checkpoint for job, or nothing.
func (r *ActivityRepository) CommitInstallPass(ctx context.Context, rows []models.InstallActivity, job string, checkpoint time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO install_activity (name, granularity, period, install_count, updated_at)
		VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (name, granularity, period) DO UPDATE
		SET install_count = EXCLUDED.install_count, updated_at = NOW()
	`
	for i := range rows {
		row := &rows[i]
		if _, err := tx.ExecContext(ctx, query, row.Name, row.Granularity, row.Period.UTC(), row.InstallCount); err != nil {
			return fmt.Errorf("failed to upsert install bucket: %w", err)
		}
	}

	if err := advanceCheckpoint(ctx, tx, job, checkpoint); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit install pass: %w", err)
	}
	return nil
}

// CommitGitHubPass writes one full commit-activity aggregation pass
// atomically, expiring stale MONTH buckets as part of the same transaction.
func (r *ActivityRepository) CommitGitHubPass(ctx context.Context, rows []models.GitHubActivity, job string, checkpoint time.Time) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `
		INSERT INTO github_activity (name, granularity, period, commit_count, latest_commit, expires_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, NOW())
		ON CONFLICT (name, granularity, period) DO UPDATE
		SET commit_count = EXCLUDED.commit_count,
		    latest_commit = EXCLUDED.latest_commit,
		    expires_at = EXCLUDED.expires_at,
		    updated_at = NOW()
	`
	for i := range rows {
		row := &rows[i]
		if _, err := tx.ExecContext(ctx, query,
			row.Name, row.Granularity, row.Period.UTC(), row.CommitCount, row.LatestCommit, row.ExpiresAt); err != nil {
			return fmt.Errorf("failed to upsert commit bucket: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM github_activity WHERE expires_at IS NOT NULL AND expires_at < NOW()`); err != nil {
		return fmt.Errorf("failed to expire commit buckets: %w", err)
	}

	if err := advanceCheckpoint(ctx, tx, job, checkpoint); err != nil {
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit github pass: %w", err)
	}
	return nil
}

func advanceCheckpoint(ctx context.Context, tx *sqlx.Tx, job string, checkpoint time.Time) error {
	query := `
		INSERT INTO job_checkpoints (job, checkpoint, updated_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (job) DO UPDATE SET checkpoint = EXCLUDED.checkpoint, updated_at = NOW()
	`
	if _, err := tx.ExecContext(ctx, query, job, checkpoint.UTC()); err != nil {
		return fmt.Errorf("failed to advance checkpoint: %w", err)
	}
	return nil
}

// GetCheckpoint retrieves the high-water mark for a job. Returns (nil, nil)
// for a job that has never completed a pass.
func (r *ActivityRepository) GetCheckpoint(ctx context.Context, job string) (*models.JobCheckpoint, error) {
	query := `SELECT job, checkpoint, updated_at FROM job_checkpoints WHERE job = $1`
	var cp models.JobCheckpoint
	err := r.db.GetContext(ctx, &cp, query, job)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get checkpoint: %w", err)
	}
	return &cp, nil
}

// TotalInstalls returns the all-time install count for a plugin, zero when no
// TOTAL row exists yet.
func (r *ActivityRepository) TotalInstalls(ctx context.Context, name string) (int64, error) {
	query := `SELECT install_count FROM install_activity WHERE name = $1 AND granularity = 'TOTAL'`
	var count int64
	err := r.db.GetContext(ctx, &count, query, name)
	if err == sql.ErrNoRows {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("failed to get total installs: %w", err)
	}
	return count, nil
}

// RecentInstalls returns the install count over the trailing number of days,
// summed from DAY buckets.
func (r *ActivityRepository) RecentInstalls(ctx context.Context, name string, days int) (int64, error) {
	query := `
		SELECT COALESCE(SUM(install_count), 0)
		FROM install_activity
		WHERE name = $1 AND granularity = 'DAY' AND period >= NOW() - ($2 || ' days')::interval
	`
	var count int64
	if err := r.db.GetContext(ctx, &count, query, name, days); err != nil {
		return 0, fmt.Errorf("failed to get recent installs: %w", err)
	}
	return count, nil
}

// MonthBuckets retrieves the MONTH install and commit buckets for a plugin
// between from and to inclusive. Months with no stored bucket are simply
// absent; the timeline service zero-fills.
func (r *ActivityRepository) MonthBuckets(ctx context.Context, name string, from, to time.Time) ([]models.InstallActivity, []models.GitHubActivity, error) {
	installQuery := `
		SELECT name, granularity, period, install_count, updated_at
		FROM install_activity
		WHERE name = $1 AND granularity = 'MONTH' AND period BETWEEN $2 AND $3
		ORDER BY period
	`
	var installs []models.InstallActivity
	if err := r.db.SelectContext(ctx, &installs, installQuery, name, from.UTC(), to.UTC()); err != nil {
		return nil, nil, fmt.Errorf("failed to get install buckets: %w", err)
	}

	commitQuery := `
		SELECT name, granularity, period, commit_count, latest_commit, expires_at, updated_at
		FROM github_activity
		WHERE name = $1 AND granularity = 'MONTH' AND period BETWEEN $2 AND $3
		  AND (expires_at IS NULL OR expires_at >= NOW())
		ORDER BY period
	`
	var commits []models.GitHubActivity
	if err := r.db.SelectContext(ctx, &commits, commitQuery, name, from.UTC(), to.UTC()); err != nil {
		return nil, nil, fmt.Errorf("failed to get commit buckets: %w", err)
	}

	return installs, commits, nil
}

// LatestCommit returns the most recent commit timestamp recorded for a
// plugin's repository, nil when none is known.
func (r *ActivityRepository) LatestCommit(ctx context.Context, name string) (*time.Time, error) {
	query := `
		SELECT latest_commit FROM github_activity
		WHERE name = $1 AND granularity = 'TOTAL' AND latest_commit IS NOT NULL
	`
	var ts time.Time
	err := r.db.GetContext(ctx, &ts, query, name)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest commit: %w", err)
	}
	return &ts, nil
}
