package models

import (
	"math"
	"time"
)

// JobProgress summarizes recorded outcomes for one job.
// Percentage counts every recorded directory, whatever its status, against
// the package's directory limit, capped at 100.
type JobProgress struct {
	Percentage int `json:"percentage"`
	Completed  int `json:"completed"`
	Failed     int `json:"failed"`
}

// OutcomeCounts tallies the recorded outcomes of one job. Recorded covers
// every stored row regardless of status; Submitted and Failed are the two
// decided subsets.
type OutcomeCounts struct {
	Recorded  int
	Submitted int
	Failed    int
}

// ComputeProgress derives progress from outcome counts and the package size.
// The percentage counts every recorded directory, so a directory sitting in
// retry or pending still advances the bar. A zero directory limit yields
// zero percent rather than dividing by zero.
func ComputeProgress(counts OutcomeCounts, directoryLimit int) JobProgress {
	p := JobProgress{Completed: counts.Submitted, Failed: counts.Failed}
	if directoryLimit <= 0 {
		return p
	}
	pct := int(math.Round(float64(counts.Recorded) / float64(directoryLimit) * 100))
	if pct > 100 {
		pct = 100
	}
	p.Percentage = pct
	return p
}

// CompletionSummary is returned by the finalizer. SuccessRate is always
// recomputed from stored outcomes, never trusted from the caller.
type CompletionSummary struct {
	JobID          string    `json:"job_id"`
	Status         JobStatus `json:"status"`
	DirectoryLimit int       `json:"directory_limit"`
	Submitted      int       `json:"submitted"`
	Failed         int       `json:"failed"`
	SuccessRate    int       `json:"success_rate"` // percent of recorded outcomes that submitted
	CompletedAt    time.Time `json:"completed_at"`
}

// JobSnapshot is one job plus its derived progress, as served to dashboards.
type JobSnapshot struct {
	Job      *Job        `json:"job"`
	Progress JobProgress `json:"progress"`
}

// QueueStats aggregates counts across all jobs.
type QueueStats struct {
	TotalJobs      int `json:"total_jobs"`
	Pending        int `json:"pending"`
	InProgress     int `json:"in_progress"`
	Complete       int `json:"complete"`
	Failed         int `json:"failed"`
	TotalUnits     int `json:"total_units"`
	SubmittedUnits int `json:"submitted_units"`
	FailedUnits    int `json:"failed_units"`

	// SuccessRate is submitted units over all recorded units, in percent
	SuccessRate int `json:"success_rate"`
}

// QueueSnapshot is the point-in-time aggregate view across all jobs.
// Derived on read from jobs and outcomes; never stored.
type QueueSnapshot struct {
	Jobs        []JobSnapshot `json:"jobs"`
	Stats       QueueStats    `json:"stats"`
	GeneratedAt time.Time     `json:"generated_at"`
}
