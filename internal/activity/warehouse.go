// Package activity turns raw event streams from the analytics warehouse into
// the pre-aggregated buckets stored in the primary database, and serves the
// zero-filled monthly timelines built from those buckets.
//
// The warehouse is a separate read-only Postgres database holding one row per
// raw event: install_events(plugin, occurred_at) and
// commit_events(plugin, repo, committed_at). It may lag or be unreachable;
// aggregation passes simply retry the same window on the next tick.
package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"

	"github.com/napari-hub/hub-backend/internal/config"
	"github.com/napari-hub/hub-backend/internal/db/models"
)

// monthExpiryMonths is how long a MONTH commit bucket stays queryable before
// it ages out of timeline reads.
const monthExpiryMonths = 14

// Warehouse queries the analytics database for raw install and commit events.
type Warehouse struct {
	db      *sqlx.DB
	timeout time.Duration
}

// NewWarehouse connects to the analytics database. The connection is lazy;
// a warehouse that is down surfaces as query errors, not a startup failure.
func NewWarehouse(cfg *config.AnalyticsConfig) (*Warehouse, error) {
	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open analytics connection: %w", err)
	}
	db.SetMaxOpenConns(4)
	return &Warehouse{db: db, timeout: cfg.QueryTimeout}, nil
}

// Close releases the warehouse connection pool.
func (w *Warehouse) Close() error {
	return w.db.Close()
}

func (w *Warehouse) queryCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	if w.timeout <= 0 {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, w.timeout)
}

// PluginsWithNewInstalls returns the plugins that have install events after
// the checkpoint, the working set for one install aggregation pass.
func (w *Warehouse) PluginsWithNewInstalls(ctx context.Context, since time.Time) ([]string, error) {
	ctx, cancel := w.queryCtx(ctx)
	defer cancel()

	var names []string
	query := `SELECT DISTINCT plugin FROM install_events WHERE occurred_at > $1 ORDER BY plugin`
	if err := w.db.SelectContext(ctx, &names, query, since); err != nil {
		return nil, fmt.Errorf("failed to list plugins with new installs: %w", err)
	}
	return names, nil
}

// PluginsWithNewCommits returns the plugins that have commit events after the
// checkpoint.
func (w *Warehouse) PluginsWithNewCommits(ctx context.Context, since time.Time) ([]string, error) {
	ctx, cancel := w.queryCtx(ctx)
	defer cancel()

	var names []string
	query := `SELECT DISTINCT plugin FROM commit_events WHERE committed_at > $1 ORDER BY plugin`
	if err := w.db.SelectContext(ctx, &names, query, since); err != nil {
		return nil, fmt.Errorf("failed to list plugins with new commits: %w", err)
	}
	return names, nil
}

// InstallBuckets aggregates a plugin's install events at the given
// granularity. DAY and MONTH buckets cover events after since; TOTAL covers
// all time, so re-running a pass overwrites the cumulative count rather than
// incrementing it.
func (w *Warehouse) InstallBuckets(ctx context.Context, name string, granularity models.Granularity, since time.Time) ([]models.InstallActivity, error) {
	ctx, cancel := w.queryCtx(ctx)
	defer cancel()

	var rows []models.InstallActivity
	switch granularity {
	case models.GranularityTotal:
		query := `SELECT COUNT(*) AS install_count FROM install_events WHERE plugin = $1`
		var total int64
		if err := w.db.GetContext(ctx, &total, query, name); err != nil {
			return nil, fmt.Errorf("failed to count total installs: %w", err)
		}
		rows = append(rows, models.InstallActivity{
			Name:         name,
			Granularity:  models.GranularityTotal,
			InstallCount: total,
		})
	case models.GranularityDay, models.GranularityMonth:
		unit := "day"
		if granularity == models.GranularityMonth {
			unit = "month"
		}
		query := `
			SELECT date_trunc($1, occurred_at) AS period, COUNT(*) AS install_count
			FROM install_events
			WHERE plugin = $2 AND occurred_at > $3
			GROUP BY 1 ORDER BY 1`
		var buckets []struct {
			Period       time.Time `db:"period"`
			InstallCount int64     `db:"install_count"`
		}
		if err := w.db.SelectContext(ctx, &buckets, query, unit, name, since); err != nil {
			return nil, fmt.Errorf("failed to bucket installs by %s: %w", unit, err)
		}
		for _, b := range buckets {
			rows = append(rows, models.InstallActivity{
				Name:         name,
				Granularity:  granularity,
				Period:       b.Period,
				InstallCount: b.InstallCount,
			})
		}
	default:
		return nil, fmt.Errorf("unknown granularity %q", granularity)
	}
	return rows, nil
}

// CommitBuckets aggregates a plugin's commit events at the given granularity.
// MONTH buckets carry an expiry so stale buckets age out; TOTAL rows carry
// the plugin's latest commit timestamp for the maintenance signal.
func (w *Warehouse) CommitBuckets(ctx context.Context, name string, granularity models.Granularity, since time.Time) ([]models.GitHubActivity, error) {
	ctx, cancel := w.queryCtx(ctx)
	defer cancel()

	var rows []models.GitHubActivity
	switch granularity {
	case models.GranularityTotal:
		query := `
			SELECT COUNT(*) AS commit_count, MAX(committed_at) AS latest_commit
			FROM commit_events WHERE plugin = $1`
		var total struct {
			CommitCount  int64      `db:"commit_count"`
			LatestCommit *time.Time `db:"latest_commit"`
		}
		if err := w.db.GetContext(ctx, &total, query, name); err != nil {
			return nil, fmt.Errorf("failed to count total commits: %w", err)
		}
		rows = append(rows, models.GitHubActivity{
			Name:         name,
			Granularity:  models.GranularityTotal,
			CommitCount:  total.CommitCount,
			LatestCommit: total.LatestCommit,
		})
	case models.GranularityDay, models.GranularityMonth:
		unit := "day"
		if granularity == models.GranularityMonth {
			unit = "month"
		}
		query := `
			SELECT date_trunc($1, committed_at) AS period, COUNT(*) AS commit_count
			FROM commit_events
			WHERE plugin = $2 AND committed_at > $3
			GROUP BY 1 ORDER BY 1`
		var buckets []struct {
			Period      time.Time `db:"period"`
			CommitCount int64     `db:"commit_count"`
		}
		if err := w.db.SelectContext(ctx, &buckets, query, unit, name, since); err != nil {
			return nil, fmt.Errorf("failed to bucket commits by %s: %w", unit, err)
		}
		for _, b := range buckets {
			row := models.GitHubActivity{
				Name:        name,
				Granularity: granularity,
				Period:      b.Period,
				CommitCount: b.CommitCount,
			}
			if granularity == models.GranularityMonth {
				expiry := b.Period.AddDate(0, monthExpiryMonths, 0)
				row.ExpiresAt = &expiry
			}
			rows = append(rows, row)
		}
	default:
		return nil, fmt.Errorf("unknown granularity %q", granularity)
	}
	return rows, nil
}
