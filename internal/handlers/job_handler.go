// -----------------------------------------------------------------------
// Job Handler - intake, claim, results, completion, retry, queue snapshot
// -----------------------------------------------------------------------

package handlers

import (
	"errors"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/interfaces"
	"github.com/ternarybob/dirigo/internal/models"
	"github.com/ternarybob/dirigo/internal/services/jobs"
)

// JobHandler exposes the job lifecycle over HTTP.
type JobHandler struct {
	jobService *jobs.Service
	logger     arbor.ILogger
	validate   *validator.Validate
}

// NewJobHandler creates a new JobHandler instance
func NewJobHandler(jobService *jobs.Service, logger arbor.ILogger) *JobHandler {
	return &JobHandler{
		jobService: jobService,
		logger:     logger,
		validate:   validator.New(),
	}
}

// writeServiceError maps service errors onto HTTP status codes.
func (h *JobHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, models.ErrNotFound):
		WriteError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, models.ErrInvalidTransition):
		WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, models.ErrQueueContended):
		WriteError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, models.ErrInvalidInput):
		WriteError(w, http.StatusBadRequest, err.Error())
	default:
		h.logger.Error().Err(err).Msg("Job operation failed")
		WriteError(w, http.StatusInternalServerError, "internal error")
	}
}

// CreateJobRequest is the intake payload for a purchased submission package.
type CreateJobRequest struct {
	CustomerID     string                 `json:"customer_id" validate:"required"`
	BusinessName   string                 `json:"business_name" validate:"required"`
	Email          string                 `json:"email" validate:"omitempty,email"`
	PackageType    string                 `json:"package_type"`
	DirectoryLimit int                    `json:"directory_limit" validate:"required,gt=0"`
	Priority       int                    `json:"priority" validate:"gte=0"`
	Metadata       map[string]interface{} `json:"metadata"`
}

// CreateJobHandler handles POST /api/jobs
func (h *JobHandler) CreateJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req CreateJobRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	job := models.NewJob(req.CustomerID, req.BusinessName, req.Email, req.PackageType, req.DirectoryLimit)
	job.Priority = req.Priority
	job.Metadata = req.Metadata

	if err := h.jobService.CreateJob(r.Context(), job); err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusCreated, job)
}

// ClaimJobHandler handles POST /api/jobs/claim. An empty queue returns 204 so
// polling workers can tell "nothing to do" from an error.
func (h *JobHandler) ClaimJobHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	job, err := h.jobService.ClaimNextJob(r.Context())
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	if job == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// RecordResultsRequest carries a batch of per-directory outcomes. Status (and
// ErrorMessage) are optional: the worker's final batch may finalize the job
// in the same request.
type RecordResultsRequest struct {
	Results      []jobs.OutcomeReport `json:"results" validate:"required,min=1,dive"`
	Status       string               `json:"status,omitempty"`
	ErrorMessage string               `json:"error_message,omitempty"`
}

// RecordResultsHandler handles POST /api/jobs/{id}/results
func (h *JobHandler) RecordResultsHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req RecordResultsRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if err := h.validate.Struct(&req); err != nil {
		WriteError(w, http.StatusBadRequest, "validation failed: "+err.Error())
		return
	}

	progress, err := h.jobService.RecordResults(r.Context(), jobID, req.Results, req.Status, req.ErrorMessage)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":   jobID,
		"recorded": len(req.Results),
		"progress": progress,
	})
}

// CompleteJobRequest finalizes a job.
type CompleteJobRequest struct {
	Status       string `json:"status" validate:"required"`
	ErrorMessage string `json:"error_message,omitempty"`
}

// CompleteJobHandler handles POST /api/jobs/{id}/complete
func (h *JobHandler) CompleteJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	var req CompleteJobRequest
	if err := DecodeJSON(r, &req); err != nil {
		WriteError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	summary, err := h.jobService.CompleteJob(r.Context(), jobID, req.Status, req.ErrorMessage)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, summary)
}

// RetryJobHandler handles POST /api/jobs/{id}/retry
func (h *JobHandler) RetryJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodPost) {
		return
	}

	job, err := h.jobService.RetryJob(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// GetProgressHandler handles GET /api/jobs/{id}/progress
func (h *JobHandler) GetProgressHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	progress, err := h.jobService.ComputeProgress(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"job_id":   jobID,
		"progress": progress,
	})
}

// GetJobHandler handles GET /api/jobs/{id}
func (h *JobHandler) GetJobHandler(w http.ResponseWriter, r *http.Request, jobID string) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	job, err := h.jobService.GetJob(r.Context(), jobID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, job)
}

// GetQueueHandler handles GET /api/queue
func (h *JobHandler) GetQueueHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	opts := &interfaces.JobListOptions{}
	if status := r.URL.Query().Get("status"); status != "" {
		parsed, ok := models.ParseJobStatus(status)
		if !ok {
			WriteError(w, http.StatusBadRequest, "unknown status filter: "+status)
			return
		}
		opts.Status = parsed
	}
	if customerID := r.URL.Query().Get("customer_id"); customerID != "" {
		opts.CustomerID = customerID
	}

	snapshot, err := h.jobService.Snapshot(r.Context(), opts)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	WriteJSON(w, http.StatusOK, snapshot)
}
