// -----------------------------------------------------------------------
// Submission Job - durable record of one customer's directory package
// -----------------------------------------------------------------------

package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// JobStatus represents the lifecycle state of a submission job
type JobStatus string

const (
	JobStatusPending    JobStatus = "pending"
	JobStatusInProgress JobStatus = "in_progress"
	JobStatusComplete   JobStatus = "complete"
	JobStatusFailed     JobStatus = "failed"
)

// jobStatusAliases maps external status vocabulary onto the canonical set.
// Callers (worker scripts, older dashboards) have used several spellings for
// the same state; the boundary normalizes them exactly once, here.
var jobStatusAliases = map[string]JobStatus{
	"pending":     JobStatusPending,
	"queued":      JobStatusPending,
	"in_progress": JobStatusInProgress,
	"in-progress": JobStatusInProgress,
	"processing":  JobStatusInProgress,
	"running":     JobStatusInProgress,
	"complete":    JobStatusComplete,
	"completed":   JobStatusComplete,
	"done":        JobStatusComplete,
	"success":     JobStatusComplete,
	"failed":      JobStatusFailed,
	"failure":     JobStatusFailed,
	"error":       JobStatusFailed,
}

// ParseJobStatus normalizes an external status string to a canonical
// JobStatus. Returns false if the value maps to nothing known.
func ParseJobStatus(s string) (JobStatus, bool) {
	status, ok := jobStatusAliases[strings.ToLower(strings.TrimSpace(s))]
	return status, ok
}

// IsTerminal returns true for statuses that end a job's lifecycle.
func (s JobStatus) IsTerminal() bool {
	return s == JobStatusComplete || s == JobStatusFailed
}

// Job represents one customer's request to submit a business listing to a
// bounded set of directories.
//
// Lifecycle: created pending by the intake endpoint, claimed by exactly one
// worker (pending -> in_progress), outcomes recorded while processing, then
// finalized exactly once (in_progress -> complete/failed). The retry
// controller may reset a terminal job back to pending; recorded outcomes
// survive the reset.
//
// Invariants:
//   - StartedAt is set iff Status != pending
//   - CompletedAt is set iff Status is terminal
type Job struct {
	ID         string `json:"id" badgerhold:"key"`
	CustomerID string `json:"customer_id" badgerhold:"index"`

	// Business listing data submitted to each directory (opaque to this
	// layer; workers map it onto directory forms)
	BusinessName string `json:"business_name"`
	Email        string `json:"email"`
	Phone        string `json:"phone,omitempty"`
	Website      string `json:"website,omitempty"`
	Address      string `json:"address,omitempty"`
	City         string `json:"city,omitempty"`
	State        string `json:"state,omitempty"`
	Zip          string `json:"zip,omitempty"`
	Description  string `json:"description,omitempty"`
	Category     string `json:"category,omitempty"`

	// PackageType names the purchased tier; DirectoryLimit is the number of
	// directories the package pays for (progress denominator)
	PackageType    string `json:"package_type"`
	DirectoryLimit int    `json:"directory_limit"`
	Priority       int    `json:"priority"`

	Status       JobStatus  `json:"status" badgerhold:"index"`
	CreatedAt    time.Time  `json:"created_at"`
	UpdatedAt    time.Time  `json:"updated_at"`
	StartedAt    *time.Time `json:"started_at,omitempty"`
	CompletedAt  *time.Time `json:"completed_at,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`

	Metadata map[string]interface{} `json:"metadata,omitempty"`
}

// NewJob creates a pending job with a generated ID.
func NewJob(customerID, businessName, email, packageType string, directoryLimit int) *Job {
	now := time.Now()
	return &Job{
		ID:             "job_" + uuid.New().String(),
		CustomerID:     customerID,
		BusinessName:   businessName,
		Email:          email,
		PackageType:    packageType,
		DirectoryLimit: directoryLimit,
		Status:         JobStatusPending,
		CreatedAt:      now,
		UpdatedAt:      now,
		Metadata:       make(map[string]interface{}),
	}
}

// MarkClaimed transitions the job to in_progress and stamps StartedAt.
func (j *Job) MarkClaimed() {
	now := time.Now()
	j.Status = JobStatusInProgress
	j.StartedAt = &now
	j.UpdatedAt = now
}

// MarkTerminal stamps CompletedAt and applies a terminal status.
func (j *Job) MarkTerminal(status JobStatus, errorMsg string) {
	now := time.Now()
	j.Status = status
	j.CompletedAt = &now
	j.UpdatedAt = now
	if errorMsg != "" {
		j.ErrorMessage = errorMsg
	}
}

// ResetForRetry returns the job to pending, clearing the claim and
// completion markers. Recorded outcomes are untouched; skipping
// already-submitted directories is the worker's responsibility.
func (j *Job) ResetForRetry() {
	j.Status = JobStatusPending
	j.StartedAt = nil
	j.CompletedAt = nil
	j.ErrorMessage = ""
	j.UpdatedAt = time.Now()
}

// Validate checks required fields before the job is accepted for intake.
func (j *Job) Validate() error {
	if j.ID == "" {
		return fmt.Errorf("job ID is required")
	}
	if j.CustomerID == "" {
		return fmt.Errorf("customer ID is required")
	}
	if j.BusinessName == "" {
		return fmt.Errorf("business name is required")
	}
	if j.DirectoryLimit < 0 {
		return fmt.Errorf("directory limit cannot be negative")
	}
	return nil
}
