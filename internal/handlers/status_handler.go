package handlers

import (
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/dirigo/internal/services/jobs"
)

// StatusHandler serves the health/stats endpoint.
type StatusHandler struct {
	jobService       *jobs.Service
	logger           arbor.ILogger
	version          string
	serverInstanceID string
	startedAt        time.Time
}

// NewStatusHandler creates a new StatusHandler instance
func NewStatusHandler(jobService *jobs.Service, logger arbor.ILogger, version, serverInstanceID string) *StatusHandler {
	return &StatusHandler{
		jobService:       jobService,
		logger:           logger,
		version:          version,
		serverInstanceID: serverInstanceID,
		startedAt:        time.Now(),
	}
}

// GetStatusHandler handles GET /api/status
func (h *StatusHandler) GetStatusHandler(w http.ResponseWriter, r *http.Request) {
	if !RequireMethod(w, r, http.MethodGet) {
		return
	}

	status := map[string]interface{}{
		"service":            "dirigo",
		"status":             "ONLINE",
		"version":            h.version,
		"server_instance_id": h.serverInstanceID,
		"uptime_seconds":     int(time.Since(h.startedAt).Seconds()),
	}

	if stats, err := h.jobService.QueueStats(r.Context()); err == nil {
		status["queue"] = stats
	} else {
		h.logger.Warn().Err(err).Msg("Failed to read queue stats for status endpoint")
		status["queue"] = nil
	}

	WriteJSON(w, http.StatusOK, status)
}
