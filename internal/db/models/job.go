// Package models - job.go defines background job bookkeeping records.
package models

import (
	"time"

	"github.com/google/uuid"
)

// Job run statuses recorded in aggregation_runs.
const (
	RunStatusRunning   = "running"
	RunStatusCompleted = "completed"
	RunStatusFailed    = "failed"
)

// AggregationRun is one execution of a background job, recorded for the
// health endpoint and operational queries.
type AggregationRun struct {
	ID         uuid.UUID  `json:"id" db:"id"`
	Job        string     `json:"job" db:"job"`
	Status     string     `json:"status" db:"status"`
	Detail     string     `json:"detail" db:"detail"`
	StartedAt  time.Time  `json:"started_at" db:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// JobCheckpoint is the high-water mark of event time a job has fully
// processed. It only advances when every write in the pass committed.
type JobCheckpoint struct {
	Job        string    `json:"job" db:"job"`
	Checkpoint time.Time `json:"checkpoint" db:"checkpoint"`
	UpdatedAt  time.Time `json:"updated_at" db:"updated_at"`
}
