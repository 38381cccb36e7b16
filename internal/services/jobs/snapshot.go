package jobs

import (
	"context"
	"time"

	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/models"
)

// Snapshot assembles the full queue view for dashboards: every job with its
// derived progress plus aggregate counts. Built from exactly one bulk job
// read and one bulk outcome read, grouped in memory, regardless of queue
// size.
func (s *Service) Snapshot(ctx context.Context, opts *interfaces.JobListOptions) (*models.QueueSnapshot, error) {
	ctx, cancel := s.withTimeout(ctx)
	defer cancel()

	allJobs, err := s.jobStorage.ListJobs(ctx, opts)
	if err != nil {
		return nil, err
	}

	allOutcomes, err := s.outcomeStorage.GetAllOutcomes(ctx)
	if err != nil {
		return nil, err
	}

	tallies := make(map[string]models.OutcomeCounts, len(allJobs))
	for _, outcome := range allOutcomes {
		t := tallies[outcome.JobID]
		t.Recorded++
		switch outcome.Status {
		case models.OutcomeStatusSubmitted:
			t.Submitted++
		case models.OutcomeStatusFailed:
			t.Failed++
		}
		tallies[outcome.JobID] = t
	}

	snapshot := &models.QueueSnapshot{
		Jobs:        make([]models.JobSnapshot, 0, len(allJobs)),
		GeneratedAt: time.Now(),
	}
	for _, job := range allJobs {
		t := tallies[job.ID]
		snapshot.Jobs = append(snapshot.Jobs, models.JobSnapshot{
			Job:      job,
			Progress: models.ComputeProgress(t, job.DirectoryLimit),
		})

		switch job.Status {
		case models.JobStatusPending:
			snapshot.Stats.Pending++
		case models.JobStatusInProgress:
			snapshot.Stats.InProgress++
		case models.JobStatusComplete:
			snapshot.Stats.Complete++
		case models.JobStatusFailed:
			snapshot.Stats.Failed++
		}
		snapshot.Stats.TotalJobs++
		snapshot.Stats.TotalUnits += t.Recorded
		snapshot.Stats.SubmittedUnits += t.Submitted
		snapshot.Stats.FailedUnits += t.Failed
	}

	snapshot.Stats.SuccessRate = successRate(snapshot.Stats.SubmittedUnits, snapshot.Stats.FailedUnits)

	return snapshot, nil
}

// QueueStats returns just the aggregate counters, used by the periodic
// realtime broadcast.
func (s *Service) QueueStats(ctx context.Context) (models.QueueStats, error) {
	snapshot, err := s.Snapshot(ctx, nil)
	if err != nil {
		return models.QueueStats{}, err
	}
	return snapshot.Stats, nil
}
