package badger

import (
	"context"
	"fmt"

	"github.com/ternarybob/arbor"
	"github.com/timshannon/badgerhold/v4"

	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/models"
)

// OutcomeStorage implements the OutcomeStorage interface for Badger.
// Records are keyed by (jobID, directory); writing the same pair again
// replaces the record, which is what makes result recording idempotent.
type OutcomeStorage struct {
	db     *BadgerDB
	logger arbor.ILogger
}

// NewOutcomeStorage creates a new OutcomeStorage instance
func NewOutcomeStorage(db *BadgerDB, logger arbor.ILogger) interfaces.OutcomeStorage {
	return &OutcomeStorage{
		db:     db,
		logger: logger,
	}
}

func (s *OutcomeStorage) UpsertOutcome(ctx context.Context, outcome *models.UnitOutcome) error {
	if outcome == nil {
		return fmt.Errorf("outcome cannot be nil")
	}
	if err := outcome.Validate(); err != nil {
		return err
	}
	if outcome.Key == "" {
		outcome.Key = models.OutcomeKey(outcome.JobID, outcome.Directory)
	}

	if err := s.db.Store().Upsert(outcome.Key, *outcome); err != nil {
		return fmt.Errorf("failed to upsert outcome: %w", err)
	}
	return nil
}

// UpsertOutcomes writes a batch one record at a time, checking the context
// between writes so a cancelled request stops mid-batch instead of running
// to the end.
func (s *OutcomeStorage) UpsertOutcomes(ctx context.Context, outcomes []*models.UnitOutcome) error {
	for _, outcome := range outcomes {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.UpsertOutcome(ctx, outcome); err != nil {
			return err
		}
	}
	return nil
}

func (s *OutcomeStorage) GetOutcomes(ctx context.Context, jobID string) ([]*models.UnitOutcome, error) {
	var outcomes []models.UnitOutcome
	if err := s.db.Store().Find(&outcomes, badgerhold.Where("JobID").Eq(jobID).SortBy("Directory")); err != nil {
		return nil, fmt.Errorf("failed to get outcomes: %w", err)
	}

	result := make([]*models.UnitOutcome, len(outcomes))
	for i := range outcomes {
		result[i] = &outcomes[i]
	}
	return result, nil
}

// GetAllOutcomes returns every outcome in a single read. The snapshot
// service groups them by job in memory instead of issuing one query per job.
func (s *OutcomeStorage) GetAllOutcomes(ctx context.Context) ([]*models.UnitOutcome, error) {
	var outcomes []models.UnitOutcome
	if err := s.db.Store().Find(&outcomes, badgerhold.Where("Key").Ne("")); err != nil {
		return nil, fmt.Errorf("failed to get all outcomes: %w", err)
	}

	result := make([]*models.UnitOutcome, len(outcomes))
	for i := range outcomes {
		result[i] = &outcomes[i]
	}
	return result, nil
}

// CountOutcomes tallies every recorded row; retry and pending rows count as
// recorded without landing in either decided bucket.
func (s *OutcomeStorage) CountOutcomes(ctx context.Context, jobID string) (models.OutcomeCounts, error) {
	outcomes, err := s.GetOutcomes(ctx, jobID)
	if err != nil {
		return models.OutcomeCounts{}, err
	}

	counts := models.OutcomeCounts{Recorded: len(outcomes)}
	for _, o := range outcomes {
		switch o.Status {
		case models.OutcomeStatusSubmitted:
			counts.Submitted++
		case models.OutcomeStatusFailed:
			counts.Failed++
		}
	}
	return counts, nil
}

func (s *OutcomeStorage) DeleteOutcomes(ctx context.Context, jobID string) error {
	if err := s.db.Store().DeleteMatching(&models.UnitOutcome{}, badgerhold.Where("JobID").Eq(jobID)); err != nil {
		return fmt.Errorf("failed to delete outcomes: %w", err)
	}
	return nil
}
