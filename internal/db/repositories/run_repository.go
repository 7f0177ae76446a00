// run_repository.go implements RunRepository, recording background job
// executions for the health endpoint and operational queries.
package repositories

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/napari-hub/hub-backend/internal/db/models"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// RunRepository handles database operations for aggregation run records
type RunRepository struct {
	db *sqlx.DB
}

// NewRunRepository creates a new run repository
func NewRunRepository(db *sqlx.DB) *RunRepository {
	return &RunRepository{db: db}
}

// Start records the beginning of a job execution and returns its id.
func (r *RunRepository) Start(ctx context.Context, job string) (uuid.UUID, error) {
	id := uuid.New()
	query := `
		INSERT INTO aggregation_runs (id, job, status, started_at)
		VALUES ($1, $2, 'running', NOW())
	`
	if _, err := r.db.ExecContext(ctx, query, id, job); err != nil {
		return uuid.Nil, fmt.Errorf("failed to start run record: %w", err)
	}
	return id, nil
}

// Finish marks a run completed or failed with an optional detail message.
func (r *RunRepository) Finish(ctx context.Context, id uuid.UUID, status, detail string) error {
	query := `
		UPDATE aggregation_runs
		SET status = $2, detail = $3, finished_at = NOW()
		WHERE id = $1
	`
	if _, err := r.db.ExecContext(ctx, query, id, status, detail); err != nil {
		return fmt.Errorf("failed to finish run record: %w", err)
	}
	return nil
}

// Latest retrieves the most recently started run for a job. Returns
// (nil, nil) when the job has never run.
func (r *RunRepository) Latest(ctx context.Context, job string) (*models.AggregationRun, error) {
	query := `
		SELECT id, job, status, detail, started_at, finished_at
		FROM aggregation_runs
		WHERE job = $1
		ORDER BY started_at DESC
		LIMIT 1
	`
	var run models.AggregationRun
	err := r.db.GetContext(ctx, &run, query, job)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get latest run: %w", err)
	}
	return &run, nil
}

// History retrieves the most recent runs for a job, newest first.
func (r *RunRepository) History(ctx context.Context, job string, limit int) ([]models.AggregationRun, error) {
	query := `
		SELECT id, job, status, detail, started_at, finished_at
		FROM aggregation_runs
		WHERE job = $1
		ORDER BY started_at DESC
		LIMIT $2
	`
	var runs []models.AggregationRun
	if err := r.db.SelectContext(ctx, &runs, query, job, limit); err != nil {
		return nil, fmt.Errorf("failed to get run history: %w", err)
	}
	return runs, nil
}
