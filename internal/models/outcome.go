// -----------------------------------------------------------------------
// Unit Outcome - per-directory result of one submission attempt
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strings"
	"time"
)

// OutcomeStatus represents the state of a single directory submission
type OutcomeStatus string

const (
	OutcomeStatusPending   OutcomeStatus = "pending"
	OutcomeStatusSubmitted OutcomeStatus = "submitted"
	OutcomeStatusFailed    OutcomeStatus = "failed"
	OutcomeStatusRetry     OutcomeStatus = "retry"
)

// outcomeStatusAliases maps the vocabulary worker scripts have reported over
// time onto the canonical outcome set.
var outcomeStatusAliases = map[string]OutcomeStatus{
	"pending":       OutcomeStatusPending,
	"submitted":     OutcomeStatusSubmitted,
	"success":       OutcomeStatusSubmitted,
	"successful":    OutcomeStatusSubmitted,
	"ok":            OutcomeStatusSubmitted,
	"complete":      OutcomeStatusSubmitted,
	"completed":     OutcomeStatusSubmitted,
	"failed":        OutcomeStatusFailed,
	"failure":       OutcomeStatusFailed,
	"error":         OutcomeStatusFailed,
	"rejected":      OutcomeStatusFailed,
	"retry":         OutcomeStatusRetry,
	"pending_retry": OutcomeStatusRetry,
	"requeue":       OutcomeStatusRetry,
}

// ParseOutcomeStatus normalizes an external status string to a canonical
// OutcomeStatus. Unknown values return false rather than being stored as-is.
func ParseOutcomeStatus(s string) (OutcomeStatus, bool) {
	status, ok := outcomeStatusAliases[strings.ToLower(strings.TrimSpace(s))]
	return status, ok
}

// UnitOutcome records the result of one submission attempt against one
// directory within a job. Unique per (JobID, Directory) - re-recording the
// same directory updates the existing record in place, which makes result
// delivery safe under at-least-once semantics.
type UnitOutcome struct {
	// Key is JobID + "|" + Directory, assigned by OutcomeKey
	Key       string        `json:"-" badgerhold:"key"`
	JobID     string        `json:"job_id" badgerhold:"index"`
	Directory string        `json:"directory"`
	Status    OutcomeStatus `json:"status" badgerhold:"index"`

	// ResponseLog holds whatever the worker captured from the directory
	// (confirmation text, error body); opaque to this layer
	ResponseLog string     `json:"response_log,omitempty"`
	SubmittedAt *time.Time `json:"submitted_at,omitempty"`
	RetryCount  int        `json:"retry_count"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// OutcomeKey builds the composite storage key for a (job, directory) pair.
func OutcomeKey(jobID, directory string) string {
	return jobID + "|" + directory
}

// NewUnitOutcome creates an outcome record for one directory attempt.
func NewUnitOutcome(jobID, directory string, status OutcomeStatus, responseLog string) *UnitOutcome {
	now := time.Now()
	o := &UnitOutcome{
		Key:         OutcomeKey(jobID, directory),
		JobID:       jobID,
		Directory:   directory,
		Status:      status,
		ResponseLog: responseLog,
		UpdatedAt:   now,
	}
	if status == OutcomeStatusSubmitted {
		o.SubmittedAt = &now
	}
	return o
}

// Validate checks the outcome before it is written.
func (o *UnitOutcome) Validate() error {
	if o.JobID == "" {
		return fmt.Errorf("outcome job ID is required")
	}
	if o.Directory == "" {
		return fmt.Errorf("outcome directory is required")
	}
	switch o.Status {
	case OutcomeStatusPending, OutcomeStatusSubmitted, OutcomeStatusFailed, OutcomeStatusRetry:
		return nil
	default:
		return fmt.Errorf("unknown outcome status: %s", o.Status)
	}
}
