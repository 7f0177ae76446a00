package activity

import (
	"context"
	"fmt"
	"time"

	"github.com/napari-hub/hub-backend/internal/db/models"
)

// BucketReader reads stored month buckets for timeline assembly.
type BucketReader interface {
	MonthBuckets(ctx context.Context, name string, from, to time.Time) ([]models.InstallActivity, []models.GitHubActivity, error)
	TotalInstalls(ctx context.Context, name string) (int64, error)
	LatestCommit(ctx context.Context, name string) (*time.Time, error)
}

// TimelineService serves plugin activity timelines from pre-aggregated
// buckets.
type TimelineService struct {
	buckets BucketReader
	now     func() time.Time
}

// NewTimelineService creates a timeline service.
func NewTimelineService(buckets BucketReader) *TimelineService {
	return &TimelineService{buckets: buckets, now: time.Now}
}

// Timeline returns exactly months points covering the months ending at, but
// excluding, the current month. Months with no stored bucket are explicit
// zero points, so consumers always chart a full window.
func (s *TimelineService) Timeline(ctx context.Context, name string, months int) ([]models.TimelinePoint, error) {
	if months <= 0 {
		return nil, fmt.Errorf("months must be positive, got %d", months)
	}

	now := s.now().UTC()
	currentMonth := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, time.UTC)
	from := currentMonth.AddDate(0, -months, 0)
	to := currentMonth.AddDate(0, -1, 0)

	installs, commits, err := s.buckets.MonthBuckets(ctx, name, from, to)
	if err != nil {
		return nil, err
	}

	installByMonth := make(map[time.Time]int64, len(installs))
	for _, row := range installs {
		installByMonth[monthKey(row.Period)] = row.InstallCount
	}
	commitByMonth := make(map[time.Time]int64, len(commits))
	for _, row := range commits {
		commitByMonth[monthKey(row.Period)] = row.CommitCount
	}

	points := make([]models.TimelinePoint, 0, months)
	for month := from; month.Before(currentMonth); month = month.AddDate(0, 1, 0) {
		points = append(points, models.TimelinePoint{
			Period:   month,
			Installs: installByMonth[month],
			Commits:  commitByMonth[month],
		})
	}
	return points, nil
}

// Totals returns the cumulative install count and latest known commit for a
// plugin's detail page.
func (s *TimelineService) Totals(ctx context.Context, name string) (int64, *time.Time, error) {
	installs, err := s.buckets.TotalInstalls(ctx, name)
	if err != nil {
		return 0, nil, err
	}
	latest, err := s.buckets.LatestCommit(ctx, name)
	if err != nil {
		return 0, nil, err
	}
	return installs, latest, nil
}

func monthKey(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}
