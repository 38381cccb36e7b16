package badger

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/models"
)

// errClaimLost signals that a candidate's status changed between candidate
// selection and the guarded update. Never escapes ClaimNextJob.
var errClaimLost = errors.New("claim lost to concurrent worker")

// JobStorage implements the JobStorage interface for Badger.
//
// Claim and completion run inside Badger managed transactions: the status
// check and the write commit together or not at all, and a conflicting
// concurrent commit surfaces as badger.ErrConflict. That conflict is the
// Badger equivalent of a zero-row guarded UPDATE.
type JobStorage struct {
	db               *BadgerDB
	logger           arbor.ILogger
	maxClaimAttempts int
}

// NewJobStorage creates a new JobStorage instance
func NewJobStorage(db *BadgerDB, logger arbor.ILogger, maxClaimAttempts int) interfaces.JobStorage {
	if maxClaimAttempts <= 0 {
		maxClaimAttempts = 5
	}
	return &JobStorage{
		db:               db,
		logger:           logger,
		maxClaimAttempts: maxClaimAttempts,
	}
}

func (s *JobStorage) SaveJob(ctx context.Context, job *models.Job) error {
	if job == nil {
		return fmt.Errorf("job cannot be nil")
	}
	if err := job.Validate(); err != nil {
		return err
	}

	// Store the value type; badgerhold keys records by type name and storing
	// *Job vs Job would create a different prefix than Find expects
	if err := s.db.Store().Upsert(job.ID, *job); err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *JobStorage) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var job models.Job
	if err := s.db.Store().Get(jobID, &job); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil, models.NotFoundError("job", jobID)
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return &job, nil
}

func (s *JobStorage) ListJobs(ctx context.Context, opts *interfaces.JobListOptions) ([]*models.Job, error) {
	query := badgerhold.Where("ID").Ne("")

	if opts != nil {
		if opts.Status != "" {
			query = query.And("Status").Eq(opts.Status)
		}
		if opts.CustomerID != "" {
			query = query.And("CustomerID").Eq(opts.CustomerID)
		}
		if opts.Limit > 0 {
			query = query.Limit(opts.Limit)
		}
		if opts.Offset > 0 {
			query = query.Skip(opts.Offset)
		}
	}
	query = query.SortBy("CreatedAt").Reverse()

	var jobs []models.Job
	if err := s.db.Store().Find(&jobs, query); err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}

	result := make([]*models.Job, len(jobs))
	for i := range jobs {
		result[i] = &jobs[i]
	}
	return result, nil
}

// ClaimNextJob selects the oldest highest-priority pending job and
// transitions it to in_progress, guarded against concurrent claimants.
// Each attempt re-selects candidates, so a lost race moves on to the next
// distinct pending job rather than the same one.
func (s *JobStorage) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	for attempt := 0; attempt < s.maxClaimAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		candidate, err := s.nextPendingCandidate()
		if err != nil {
			return nil, err
		}
		if candidate == nil {
			// Empty queue is a normal condition, not an error, even when
			// every prior attempt lost its race
			return nil, nil
		}

		claimed, err := s.claimCandidate(candidate.ID)
		if err == nil {
			s.logger.Debug().
				Str("job_id", claimed.ID).
				Int("attempt", attempt+1).
				Msg("Job claimed")
			return claimed, nil
		}
		if errors.Is(err, errClaimLost) || errors.Is(err, badgerdb.ErrConflict) {
			// Another worker won this candidate; try the next one
			continue
		}
		return nil, fmt.Errorf("claim failed: %w", err)
	}

	// Attempt budget exhausted while pending candidates still exist
	return nil, models.ErrQueueContended
}

// nextPendingCandidate returns the best pending job by (priority desc,
// created asc), or nil when the queue is empty.
func (s *JobStorage) nextPendingCandidate() (*models.Job, error) {
	var pending []models.Job
	if err := s.db.Store().Find(&pending, badgerhold.Where("Status").Eq(models.JobStatusPending)); err != nil {
		return nil, fmt.Errorf("failed to query pending jobs: %w", err)
	}
	if len(pending) == 0 {
		return nil, nil
	}

	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Priority != pending[j].Priority {
			return pending[i].Priority > pending[j].Priority
		}
		return pending[i].CreatedAt.Before(pending[j].CreatedAt)
	})

	return &pending[0], nil
}

// claimCandidate performs the status-guarded compare-and-swap for one job.
func (s *JobStorage) claimCandidate(jobID string) (*models.Job, error) {
	var claimed models.Job

	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return errClaimLost
			}
			return err
		}

		// The guard: only a still-pending job may be claimed
		if job.Status != models.JobStatusPending {
			return errClaimLost
		}

		job.MarkClaimed()
		if err := s.db.Store().TxUpdate(txn, job.ID, job); err != nil {
			return err
		}

		claimed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &claimed, nil
}

func (s *JobStorage) UpdateJobStatus(ctx context.Context, jobID string, status models.JobStatus, errorMsg string) error {
	return s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.NotFoundError("job", jobID)
			}
			return err
		}

		if status.IsTerminal() {
			job.MarkTerminal(status, errorMsg)
		} else {
			job.Status = status
			job.UpdatedAt = time.Now()
			if errorMsg != "" {
				job.ErrorMessage = errorMsg
			}
		}

		return s.db.Store().TxUpdate(txn, job.ID, job)
	})
}

// CompleteJob conditionally finalizes an in_progress job. The guard runs in
// the same transaction as the write, so double completion surfaces as
// ErrInvalidTransition on the second caller rather than a silent overwrite.
func (s *JobStorage) CompleteJob(ctx context.Context, jobID string, status models.JobStatus, errorMsg string) (*models.Job, error) {
	if !status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is not a terminal status", models.ErrInvalidTransition, status)
	}

	var completed models.Job

	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.NotFoundError("job", jobID)
			}
			return err
		}

		if job.Status != models.JobStatusInProgress {
			return fmt.Errorf("%w: job %s is %s, not in_progress", models.ErrInvalidTransition, jobID, job.Status)
		}

		job.MarkTerminal(status, errorMsg)
		if err := s.db.Store().TxUpdate(txn, job.ID, job); err != nil {
			return err
		}

		completed = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &completed, nil
}

// ResetJob re-pends a finalized job so it can be claimed again. Only
// terminal jobs may be reset; a live job still belongs to its claimant and
// goes back to pending through the stale sweep, never through retry.
func (s *JobStorage) ResetJob(ctx context.Context, jobID string) (*models.Job, error) {
	var reset models.Job

	err := s.db.Store().Badger().Update(func(txn *badgerdb.Txn) error {
		var job models.Job
		if err := s.db.Store().TxGet(txn, jobID, &job); err != nil {
			if err == badgerhold.ErrNotFound {
				return models.NotFoundError("job", jobID)
			}
			return err
		}

		if !job.Status.IsTerminal() {
			return fmt.Errorf("%w: job %s is %s, only complete or failed jobs can be retried", models.ErrInvalidTransition, jobID, job.Status)
		}

		job.ResetForRetry()
		if err := s.db.Store().TxUpdate(txn, job.ID, job); err != nil {
			return err
		}

		reset = job
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &reset, nil
}

// ResetStaleJobs re-pends in_progress jobs whose last update is older than
// the threshold. Covers workers that died mid-job without completing.
func (s *JobStorage) ResetStaleJobs(ctx context.Context, staleThresholdMinutes int) (int, error) {
	threshold := time.Now().Add(-time.Duration(staleThresholdMinutes) * time.Minute)

	var stale []models.Job
	err := s.db.Store().Find(&stale, badgerhold.Where("Status").Eq(models.JobStatusInProgress).And("UpdatedAt").Lt(threshold))
	if err != nil {
		return 0, fmt.Errorf("failed to find stale jobs: %w", err)
	}

	count := 0
	for i := range stale {
		if err := ctx.Err(); err != nil {
			return count, err
		}
		job := stale[i]
		job.ResetForRetry()
		if err := s.db.Store().Upsert(job.ID, job); err != nil {
			s.logger.Warn().Err(err).Str("job_id", job.ID).Msg("Failed to reset stale job")
			continue
		}
		count++
	}

	if count > 0 {
		s.logger.Info().Int("count", count).Msg("Reset stale in_progress jobs to pending")
	}
	return count, nil
}

func (s *JobStorage) CountJobsByStatus(ctx context.Context, status models.JobStatus) (int, error) {
	count, err := s.db.Store().Count(&models.Job{}, badgerhold.Where("Status").Eq(status))
	if err != nil {
		return 0, fmt.Errorf("failed to count jobs: %w", err)
	}
	return int(count), nil
}

func (s *JobStorage) DeleteJob(ctx context.Context, jobID string) error {
	if err := s.db.Store().Delete(jobID, &models.Job{}); err != nil {
		if err == badgerhold.ErrNotFound {
			return nil
		}
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}
