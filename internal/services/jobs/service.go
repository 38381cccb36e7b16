// -----------------------------------------------------------------------
// Job Orchestrator - claim, record, progress, completion, retry, snapshot
// -----------------------------------------------------------------------

package jobs

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/models"
)

// OutcomeReport is one per-directory result as reported by a worker. Status
// arrives as free text and is normalized at this boundary.
type OutcomeReport struct {
	Directory   string `json:"directory" validate:"required"`
	Status      string `json:"status" validate:"required"`
	ResponseLog string `json:"response_log,omitempty"`
	RetryCount  int    `json:"retry_count,omitempty"`
}

// Service coordinates the job lifecycle across the job and outcome stores.
// Every store call runs under an explicit timeout so a hung request aborts
// rather than blocking a worker's poll loop.
type Service struct {
	jobStorage     interfaces.JobStorage
	outcomeStorage interfaces.OutcomeStorage
	eventService   interfaces.EventService
	logger         arbor.ILogger
	opTimeout      time.Duration
}

// NewService creates the orchestrator service.
func NewService(jobStorage interfaces.JobStorage, outcomeStorage interfaces.OutcomeStorage, eventService interfaces.EventService, logger arbor.ILogger, opTimeout time.Duration) *Service {
	if opTimeout <= 0 {
		opTimeout = 10 * time.Second
	}
	return &Service{
		jobStorage:     jobStorage,
		outcomeStorage: outcomeStorage,
		eventService:   eventService,
		logger:         logger,
		opTimeout:      opTimeout,
	}
}

func (s *Service) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

// CreateJob accepts an intake job and persists it pending.
func (s *Service) CreateJob(ctx context.Context, job *models.Job) error {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	if err := job.Validate(); err != nil {
		return err
	}
	if job.Status == "" {
		job.Status = models.JobStatusPending
	}

	if err := s.jobStorage.SaveJob(ctx, job); err != nil {
		return err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("customer_id", job.CustomerID).
		Int("directory_limit", job.DirectoryLimit).
		Msg("Job created")

	s.publish(interfaces.EventJobCreated, s.updatePayload(job, models.JobProgress{}))
	return nil
}

// ClaimNextJob hands exactly one pending job to the calling worker.
// Returns (nil, nil) when no pending job is available, including when the
// last candidate was lost to a concurrent claimant; models.ErrQueueContended
// only when the attempt budget runs out with candidates still pending.
func (s *Service) ClaimNextJob(ctx context.Context) (*models.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	job, err := s.jobStorage.ClaimNextJob(ctx)
	if err != nil || job == nil {
		return job, err
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("business", job.BusinessName).
		Msg("Job claimed by worker")

	s.publish(interfaces.EventJobClaimed, s.updatePayload(job, models.JobProgress{}))
	return job, nil
}

// RecordResults upserts a batch of per-directory outcomes for a job.
// Replays of the same outcome are safe. If terminalStatus is non-empty it is
// normalized and applied to the job in the same call.
func (s *Service) RecordResults(ctx context.Context, jobID string, reports []OutcomeReport, terminalStatus, errorMsg string) (models.JobProgress, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	job, err := s.jobStorage.GetJob(ctx, jobID)
	if err != nil {
		return models.JobProgress{}, err
	}

	// Results only land on live jobs; a finalized job's outcomes are frozen
	if job.Status != models.JobStatusPending && job.Status != models.JobStatusInProgress {
		return models.JobProgress{}, fmt.Errorf("%w: cannot record results on %s job %s", models.ErrInvalidTransition, job.Status, jobID)
	}

	outcomes := make([]*models.UnitOutcome, 0, len(reports))
	for _, report := range reports {
		status, ok := models.ParseOutcomeStatus(report.Status)
		if !ok {
			return models.JobProgress{}, fmt.Errorf("%w: unknown outcome status %q for directory %s", models.ErrInvalidInput, report.Status, report.Directory)
		}

		outcome := models.NewUnitOutcome(jobID, report.Directory, status, report.ResponseLog)
		outcome.RetryCount = report.RetryCount
		outcomes = append(outcomes, outcome)
	}

	if err := s.outcomeStorage.UpsertOutcomes(ctx, outcomes); err != nil {
		return models.JobProgress{}, err
	}

	if terminalStatus != "" {
		status, ok := models.ParseJobStatus(terminalStatus)
		if !ok || !status.IsTerminal() {
			return models.JobProgress{}, fmt.Errorf("%w: terminal status %q must normalize to complete or failed", models.ErrInvalidInput, terminalStatus)
		}
		if err := s.jobStorage.UpdateJobStatus(ctx, jobID, status, errorMsg); err != nil {
			return models.JobProgress{}, err
		}
		job.Status = status
	}

	progress, err := s.ComputeProgress(ctx, jobID)
	if err != nil {
		return models.JobProgress{}, err
	}

	s.logger.Debug().
		Str("job_id", jobID).
		Int("batch", len(outcomes)).
		Int("percentage", progress.Percentage).
		Msg("Results recorded")

	s.publish(interfaces.EventJobProgress, s.updatePayload(job, progress))
	return progress, nil
}

// ComputeProgress derives outcome counts and percentage from recorded
// outcomes. Recomputed on demand, never cached.
func (s *Service) ComputeProgress(ctx context.Context, jobID string) (models.JobProgress, error) {
	job, err := s.jobStorage.GetJob(ctx, jobID)
	if err != nil {
		return models.JobProgress{}, err
	}

	counts, err := s.outcomeStorage.CountOutcomes(ctx, jobID)
	if err != nil {
		return models.JobProgress{}, err
	}

	return models.ComputeProgress(counts, job.DirectoryLimit), nil
}

// CompleteJob finalizes an in_progress job exactly once. The final status is
// normalized into {complete, failed}; statistics are recomputed from stored
// outcomes rather than trusted from the caller.
func (s *Service) CompleteJob(ctx context.Context, jobID, finalStatus, errorMsg string) (*models.CompletionSummary, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	status, ok := models.ParseJobStatus(finalStatus)
	if !ok || !status.IsTerminal() {
		return nil, fmt.Errorf("%w: final status %q must normalize to complete or failed", models.ErrInvalidInput, finalStatus)
	}

	job, err := s.jobStorage.CompleteJob(ctx, jobID, status, errorMsg)
	if err != nil {
		return nil, err
	}

	counts, err := s.outcomeStorage.CountOutcomes(ctx, jobID)
	if err != nil {
		return nil, err
	}

	summary := &models.CompletionSummary{
		JobID:          job.ID,
		Status:         job.Status,
		DirectoryLimit: job.DirectoryLimit,
		Submitted:      counts.Submitted,
		Failed:         counts.Failed,
		SuccessRate:    successRate(counts.Submitted, counts.Failed),
		CompletedAt:    *job.CompletedAt,
	}

	s.logger.Info().
		Str("job_id", job.ID).
		Str("status", string(job.Status)).
		Int("success_rate", summary.SuccessRate).
		Msg("Job finalized")

	s.publish(interfaces.EventJobCompleted, s.updatePayload(job, models.ComputeProgress(counts, job.DirectoryLimit)))
	return summary, nil
}

// RetryJob resets a job to pending for reprocessing. Prior outcomes are kept;
// skipping already-submitted directories is the worker's call.
func (s *Service) RetryJob(ctx context.Context, jobID string) (*models.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	job, err := s.jobStorage.ResetJob(ctx, jobID)
	if err != nil {
		return nil, err
	}

	s.logger.Info().Str("job_id", job.ID).Msg("Job reset for retry")

	s.publish(interfaces.EventJobRetried, s.updatePayload(job, models.JobProgress{}))
	return job, nil
}

// GetJob returns one job by ID.
func (s *Service) GetJob(ctx context.Context, jobID string) (*models.Job, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.jobStorage.GetJob(ctx, jobID)
}

// ResetStaleJobs re-pends in_progress jobs that stopped updating. Run from
// the scheduled sweep.
func (s *Service) ResetStaleJobs(ctx context.Context, staleThresholdMinutes int) (int, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()
	return s.jobStorage.ResetStaleJobs(ctx, staleThresholdMinutes)
}

func (s *Service) publish(eventType interfaces.EventType, payload models.JobUpdatePayload) {
	if s.eventService == nil {
		return
	}
	if err := s.eventService.Publish(context.Background(), interfaces.Event{Type: eventType, Payload: payload}); err != nil {
		s.logger.Warn().Err(err).Str("event_type", string(eventType)).Msg("Failed to publish job event")
	}
}

func (s *Service) updatePayload(job *models.Job, progress models.JobProgress) models.JobUpdatePayload {
	return models.JobUpdatePayload{
		JobID:      job.ID,
		CustomerID: job.CustomerID,
		Status:     job.Status,
		Progress:   progress,
		Error:      job.ErrorMessage,
	}
}

// successRate is the percentage of recorded outcomes that submitted.
func successRate(submitted, failed int) int {
	total := submitted + failed
	if total == 0 {
		return 0
	}
	return int(math.Round(float64(submitted) / float64(total) * 100))
}
