package interfaces

import (
	"context"

	"github.com/ternarybob/dirigo/internal/models"
)

// JobListOptions filters and pages job listings.
type JobListOptions struct {
	Status     models.JobStatus
	CustomerID string
	Limit      int
	Offset     int
}

// JobStorage - durable persistence for submission jobs.
//
// ClaimNextJob and CompleteJob are status-guarded conditional updates: they
// succeed only when the record is still in the expected state, so concurrent
// workers cannot double-claim or double-complete a job.
type JobStorage interface {
	SaveJob(ctx context.Context, job *models.Job) error
	GetJob(ctx context.Context, jobID string) (*models.Job, error)
	ListJobs(ctx context.Context, opts *JobListOptions) ([]*models.Job, error)

	// ClaimNextJob atomically transitions the oldest highest-priority
	// pending job to in_progress and returns it. Returns (nil, nil) when no
	// pending job exists; models.ErrQueueContended when every candidate was
	// lost to a concurrent claimant within the attempt budget.
	ClaimNextJob(ctx context.Context) (*models.Job, error)

	// UpdateJobStatus applies a status (with optional error message) without
	// a state guard. Used by the result recorder when the worker reports a
	// terminal status alongside its final batch.
	UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errorMsg string) error

	// CompleteJob conditionally moves in_progress -> terminal. A job in any
	// other state returns models.ErrInvalidTransition and is left untouched.
	CompleteJob(ctx context.Context, jobID string, status models.JobStatus, errorMsg string) (*models.Job, error)

	// ResetJob returns a job to pending, clearing claim/completion markers.
	ResetJob(ctx context.Context, jobID string) (*models.Job, error)

	// ResetStaleJobs re-pends in_progress jobs not updated within the
	// threshold (worker died mid-job). Returns the number reset.
	ResetStaleJobs(ctx context.Context, staleThresholdMinutes int) (int, error)

	CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error)
	DeleteJob(ctx context.Context, jobID string) error
}

// OutcomeStorage - persistence for per-directory submission outcomes.
type OutcomeStorage interface {
	// UpsertOutcome writes an outcome keyed by (jobID, directory); replays
	// of the same outcome update in place.
	UpsertOutcome(ctx context.Context, outcome *models.UnitOutcome) error
	UpsertOutcomes(ctx context.Context, outcomes []*models.UnitOutcome) error

	GetOutcomes(ctx context.Context, jobID string) ([]*models.UnitOutcome, error)

	// GetAllOutcomes returns every outcome in one read for snapshot
	// aggregation; callers group by job ID in memory.
	GetAllOutcomes(ctx context.Context) ([]*models.UnitOutcome, error)

	// CountOutcomes tallies one job's recorded outcomes: every stored row
	// plus the submitted/failed breakdown.
	CountOutcomes(ctx context.Context, jobID string) (models.OutcomeCounts, error)

	DeleteOutcomes(ctx context.Context, jobID string) error
}
