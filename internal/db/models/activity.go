// Package models - activity.go defines the pre-aggregated activity rows
// produced by the activity aggregation job and served on plugin timelines.
package models

import "time"

// Granularity is the time bucket width of an activity row.
type Granularity string

const (
	GranularityDay   Granularity = "DAY"
	GranularityMonth Granularity = "MONTH"
	GranularityTotal Granularity = "TOTAL"
)

// InstallActivity is an install count bucket for one plugin. TOTAL rows carry
// the zero period.
type InstallActivity struct {
	Name         string      `json:"name" db:"name"`
	Granularity  Granularity `json:"granularity" db:"granularity"`
	Period       time.Time   `json:"period" db:"period"`
	InstallCount int64       `json:"install_count" db:"install_count"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// GitHubActivity is a repository commit count bucket for one plugin.
// MONTH rows expire fourteen months after their period so stale buckets age
// out of timeline queries.
type GitHubActivity struct {
	Name         string      `json:"name" db:"name"`
	Granularity  Granularity `json:"granularity" db:"granularity"`
	Period       time.Time   `json:"period" db:"period"`
	CommitCount  int64       `json:"commit_count" db:"commit_count"`
	LatestCommit *time.Time  `json:"latest_commit,omitempty" db:"latest_commit"`
	ExpiresAt    *time.Time  `json:"expires_at,omitempty" db:"expires_at"`
	UpdatedAt    time.Time   `json:"updated_at" db:"updated_at"`
}

// TimelinePoint is one month of a plugin activity timeline. Months with no
// recorded activity are served as explicit zero points.
type TimelinePoint struct {
	Period   time.Time `json:"timestamp"`
	Installs int64     `json:"installs"`
	Commits  int64     `json:"commits"`
}
