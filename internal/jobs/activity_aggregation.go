package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/napari-hub/hub-backend/internal/db/models"
	"github.com/napari-hub/hub-backend/internal/telemetry"
)

// Checkpoint keys for the two analytics sources. Each pass advances its own
// checkpoint only when every row of the pass committed.
const (
	installsJobName = "activity_installs"
	githubJobName   = "activity_github"

	activityJobName = "activity_aggregation"
)

var granularities = []models.Granularity{
	models.GranularityDay,
	models.GranularityMonth,
	models.GranularityTotal,
}

// EventSource queries the analytics warehouse for raw events.
type EventSource interface {
	PluginsWithNewInstalls(ctx context.Context, since time.Time) ([]string, error)
	PluginsWithNewCommits(ctx context.Context, since time.Time) ([]string, error)
	InstallBuckets(ctx context.Context, name string, granularity models.Granularity, since time.Time) ([]models.InstallActivity, error)
	CommitBuckets(ctx context.Context, name string, granularity models.Granularity, since time.Time) ([]models.GitHubActivity, error)
}

// BucketStore persists aggregated buckets and pass checkpoints.
type BucketStore interface {
	CommitInstallPass(ctx context.Context, rows []models.InstallActivity, job string, checkpoint time.Time) error
	CommitGitHubPass(ctx context.Context, rows []models.GitHubActivity, job string, checkpoint time.Time) error
	GetCheckpoint(ctx context.Context, job string) (*models.JobCheckpoint, error)
}

// defaultWindowMonths is the recompute window used when the configured value
// is missing or invalid. 14 months keeps a full year of MONTH buckets plus
// slack for late-arriving events.
const defaultWindowMonths = 14

// ActivityAggregationJob rolls raw install and commit events into bucketed
// counters. The install and commit passes are independent: one failing leaves
// the other's checkpoint untouched and is retried on the next tick over the
// same window.
//
// Checkpoints only pick the working set of plugins; bucket counts are always
// recomputed over the month-aligned rolling window so a checkpoint landing
// mid-bucket never commits a partial count.
type ActivityAggregationJob struct {
	source       EventSource
	store        BucketStore
	runs         RunRecorder
	windowMonths int
	logger       *slog.Logger
	now          func() time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewActivityAggregationJob wires the activity job. windowMonths is the width
// of the rolling recompute window.
func NewActivityAggregationJob(source EventSource, store BucketStore, runs RunRecorder, windowMonths int) *ActivityAggregationJob {
	if windowMonths < 1 {
		windowMonths = defaultWindowMonths
	}
	return &ActivityAggregationJob{
		source:       source,
		store:        store,
		runs:         runs,
		windowMonths: windowMonths,
		logger:       slog.Default().With("component", "activity_aggregation"),
		now:          time.Now,
		stopCh:       make(chan struct{}),
	}
}

// windowStart is the month-aligned lower bound for bucket recomputation.
func (j *ActivityAggregationJob) windowStart() time.Time {
	now := j.now().UTC()
	monthStart := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	return monthStart.AddDate(0, -(j.windowMonths - 1), 0)
}

// Start runs the job on the given interval, with an immediate first pass.
func (j *ActivityAggregationJob) Start(ctx context.Context, interval time.Duration) {
	j.logger.Info("starting activity aggregation job", "interval", interval)

	j.wg.Add(1)
	go func() {
		defer j.wg.Done()

		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		j.runCycle(ctx)

		for {
			select {
			case <-ticker.C:
				j.runCycle(ctx)
			case <-j.stopCh:
				j.logger.Info("activity aggregation job stopped")
				return
			case <-ctx.Done():
				j.logger.Info("activity aggregation job context cancelled")
				return
			}
		}
	}()
}

// Stop terminates the job and waits for an in-flight pass to finish.
func (j *ActivityAggregationJob) Stop() {
	close(j.stopCh)
	j.wg.Wait()
}

func (j *ActivityAggregationJob) runCycle(ctx context.Context) {
	runID, err := j.runs.Start(ctx, activityJobName)
	if err != nil {
		j.logger.Error("failed to record job start", "error", err)
	}

	detail, err := j.RunOnce(ctx)
	status := models.RunStatusCompleted
	if err != nil {
		status = models.RunStatusFailed
		detail = err.Error()
		j.logger.Error("activity aggregation cycle failed", "error", err)
	}
	if runID != uuid.Nil {
		if err := j.runs.Finish(ctx, runID, status, detail); err != nil {
			j.logger.Error("failed to record job finish", "error", err)
		}
	}
}

// RunOnce executes the install pass and the commit pass. Both are attempted
// even when the first fails; the error reports every failed pass.
func (j *ActivityAggregationJob) RunOnce(ctx context.Context) (string, error) {
	var failures []string

	installRows, err := j.runInstallPass(ctx)
	if err != nil {
		failures = append(failures, fmt.Sprintf("installs: %v", err))
	}
	commitRows, err := j.runGitHubPass(ctx)
	if err != nil {
		failures = append(failures, fmt.Sprintf("github: %v", err))
	}

	if len(failures) > 0 {
		return "", fmt.Errorf("%s", strings.Join(failures, "; "))
	}
	return fmt.Sprintf("install_rows=%d commit_rows=%d", installRows, commitRows), nil
}

func (j *ActivityAggregationJob) runInstallPass(ctx context.Context) (int, error) {
	started := j.now()
	defer func() {
		telemetry.ActivityRunDuration.WithLabelValues("installs").Observe(time.Since(started).Seconds())
	}()

	since, err := j.checkpoint(ctx, installsJobName)
	if err != nil {
		return 0, err
	}
	checkpoint := j.now()

	names, err := j.source.PluginsWithNewInstalls(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to find plugins with new installs: %w", err)
	}

	window := j.windowStart()
	var rows []models.InstallActivity
	counts := make(map[models.Granularity]int)
	for _, name := range names {
		for _, granularity := range granularities {
			buckets, err := j.source.InstallBuckets(ctx, name, granularity, window)
			if err != nil {
				return 0, fmt.Errorf("failed to bucket installs for %s: %w", name, err)
			}
			rows = append(rows, buckets...)
			counts[granularity] += len(buckets)
		}
	}

	if err := j.store.CommitInstallPass(ctx, rows, installsJobName, checkpoint); err != nil {
		return 0, fmt.Errorf("failed to commit install pass: %w", err)
	}
	for granularity, count := range counts {
		telemetry.ActivityRowsWrittenTotal.
			WithLabelValues("installs", strings.ToLower(string(granularity))).
			Add(float64(count))
	}
	j.logger.Info("install pass committed", "plugins", len(names), "rows", len(rows))
	return len(rows), nil
}

func (j *ActivityAggregationJob) runGitHubPass(ctx context.Context) (int, error) {
	started := j.now()
	defer func() {
		telemetry.ActivityRunDuration.WithLabelValues("github").Observe(time.Since(started).Seconds())
	}()

	since, err := j.checkpoint(ctx, githubJobName)
	if err != nil {
		return 0, err
	}
	checkpoint := j.now()

	names, err := j.source.PluginsWithNewCommits(ctx, since)
	if err != nil {
		return 0, fmt.Errorf("failed to find plugins with new commits: %w", err)
	}

	window := j.windowStart()
	var rows []models.GitHubActivity
	counts := make(map[models.Granularity]int)
	for _, name := range names {
		for _, granularity := range granularities {
			buckets, err := j.source.CommitBuckets(ctx, name, granularity, window)
			if err != nil {
				return 0, fmt.Errorf("failed to bucket commits for %s: %w", name, err)
			}
			rows = append(rows, buckets...)
			counts[granularity] += len(buckets)
		}
	}

	if err := j.store.CommitGitHubPass(ctx, rows, githubJobName, checkpoint); err != nil {
		return 0, fmt.Errorf("failed to commit github pass: %w", err)
	}
	for granularity, count := range counts {
		telemetry.ActivityRowsWrittenTotal.
			WithLabelValues("github", strings.ToLower(string(granularity))).
			Add(float64(count))
	}
	j.logger.Info("github pass committed", "plugins", len(names), "rows", len(rows))
	return len(rows), nil
}

// checkpoint returns the last fully-processed event time for a pass, the
// zero time on first run.
func (j *ActivityAggregationJob) checkpoint(ctx context.Context, job string) (time.Time, error) {
	cp, err := j.store.GetCheckpoint(ctx, job)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to load checkpoint: %w", err)
	}
	if cp == nil {
		return time.Time{}, nil
	}
	return cp.Checkpoint, nil
}
