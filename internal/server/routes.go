package server

import (
	"net/http"
	"strings"

	"github.com/ternarybob/dirigo/internal/handlers"
)

// setupRoutes configures all HTTP routes
func (s *Server) setupRoutes() *http.ServeMux {
	mux := http.NewServeMux()

	// WebSocket route (performs its own auth handshake after upgrade)
	mux.HandleFunc("/ws", s.app.WSHandler.HandleWebSocket)

	// API routes - Authentication
	mux.HandleFunc("/api/auth/login", s.app.AuthHandler.LoginHandler)   // POST - create session
	mux.HandleFunc("/api/auth/logout", s.app.AuthHandler.LogoutHandler) // POST - destroy session

	// API routes - Jobs
	mux.HandleFunc("/api/jobs", s.app.JobHandler.CreateJobHandler) // POST - enqueue job
	mux.HandleFunc("/api/jobs/", s.handleJobRoutes)                // Handles /api/jobs/{id} and subpaths

	// API routes - Queue snapshot
	mux.HandleFunc("/api/queue", s.app.JobHandler.GetQueueHandler) // GET - full queue view

	// API routes - System
	mux.HandleFunc("/api/status", s.app.StatusHandler.GetStatusHandler) // GET - application status

	// 404 handler for unmatched API routes
	mux.HandleFunc("/api/", s.notFoundHandler)

	return mux
}

// handleJobRoutes routes job-related requests to the appropriate handler
func (s *Server) handleJobRoutes(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/jobs/")
	if path == "" {
		s.notFoundHandler(w, r)
		return
	}

	if r.Method == "POST" {
		// POST /api/jobs/claim
		if path == "claim" {
			s.app.JobHandler.ClaimJobHandler(w, r)
			return
		}

		// POST /api/jobs/{id}/results
		if jobID, ok := strings.CutSuffix(path, "/results"); ok && jobID != "" {
			s.app.JobHandler.RecordResultsHandler(w, r, jobID)
			return
		}

		// POST /api/jobs/{id}/complete
		if jobID, ok := strings.CutSuffix(path, "/complete"); ok && jobID != "" {
			s.app.JobHandler.CompleteJobHandler(w, r, jobID)
			return
		}

		// POST /api/jobs/{id}/retry
		if jobID, ok := strings.CutSuffix(path, "/retry"); ok && jobID != "" {
			s.app.JobHandler.RetryJobHandler(w, r, jobID)
			return
		}
	}

	if r.Method == "GET" {
		// GET /api/jobs/{id}/progress
		if jobID, ok := strings.CutSuffix(path, "/progress"); ok && jobID != "" {
			s.app.JobHandler.GetProgressHandler(w, r, jobID)
			return
		}

		// GET /api/jobs/{id}
		if !strings.Contains(path, "/") {
			s.app.JobHandler.GetJobHandler(w, r, path)
			return
		}
	}

	s.notFoundHandler(w, r)
}

// notFoundHandler returns a JSON 404 for unmatched API routes
func (s *Server) notFoundHandler(w http.ResponseWriter, r *http.Request) {
	handlers.WriteError(w, http.StatusNotFound, "not found: "+r.URL.Path)
}
