package gateway

import (
	"fmt"
	"time"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/session"
)

const (
	maxPromptLen     = 5000
	maxChatPromptLen = 10000
	minTimeoutSec    = 300
	maxTimeoutSec    = 7200
)

var validEnvironments = map[string]bool{
	"node":         true,
	"python":       true,
	"full-stack":   true,
	"data-science": true,
}

// CreateSessionRequest is the POST /session body.
type CreateSessionRequest struct {
	InitialPrompt string `json:"initial_prompt"`
	Timeout       int    `json:"timeout,omitempty"`
	Environment   string `json:"environment,omitempty"`
}

// Validate enforces the request contract.
func (r *CreateSessionRequest) Validate() error {
	if len(r.InitialPrompt) == 0 || len(r.InitialPrompt) > maxPromptLen {
		return apperr.Wrap(apperr.ErrValidation, "initial_prompt must be 1..%d characters", maxPromptLen)
	}
	if r.Timeout != 0 && (r.Timeout < minTimeoutSec || r.Timeout > maxTimeoutSec) {
		return apperr.Wrap(apperr.ErrValidation, "timeout must be in [%d, %d] seconds", minTimeoutSec, maxTimeoutSec)
	}
	if r.Environment != "" && !validEnvironments[r.Environment] {
		return apperr.Wrap(apperr.ErrValidation, "environment %q is not supported", r.Environment)
	}
	return nil
}

// SessionResponse is the public view of a session.
type SessionResponse struct {
	SessionID     string    `json:"session_id"`
	Status        string    `json:"status"`
	DesktopURL    string    `json:"desktop_url"`
	ChatURL       string    `json:"chat_url"`
	CreatedAt     time.Time `json:"created_at"`
	ExpiresAt     time.Time `json:"expires_at"`
	InitialPrompt string    `json:"initial_prompt,omitempty"`
}

// ListSessionsResponse is the GET /session body.
type ListSessionsResponse struct {
	Sessions []SessionResponse `json:"sessions"`
	Total    int               `json:"total"`
	Limit    int               `json:"limit"`
	Offset   int               `json:"offset"`
}

// LogsResponse is the GET /session/:id/logs body.
type LogsResponse struct {
	SessionID string             `json:"session_id"`
	Logs      []session.LogEntry `json:"logs"`
}

// TerminateResponse is the DELETE /session/:id body.
type TerminateResponse struct {
	Message   string `json:"message"`
	SessionID string `json:"session_id"`
}

// ErrorResponse is every error body.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// HealthResponse is the GET /health body.
type HealthResponse struct {
	Status    string         `json:"status"`
	Version   string         `json:"version"`
	UptimeS   int64          `json:"uptime_s"`
	Services  HealthServices `json:"services"`
	Timestamp time.Time      `json:"timestamp"`
}

// HealthServices reports per-dependency health.
type HealthServices struct {
	Store          bool `json:"store"`
	SandboxRuntime bool `json:"sandbox_runtime"`
	Workers        int  `json:"workers"`
}

// MetricsResponse is the GET /health/metrics body.
type MetricsResponse struct {
	ActiveSessions int64          `json:"active_sessions"`
	TotalSessions  int64          `json:"total_sessions"`
	QueueLength    int64          `json:"queue_length"`
	WorkerStatus   []WorkerStatus `json:"worker_status"`
	Timestamp      time.Time      `json:"timestamp"`
}

// WorkerStatus is one worker's entry in the metrics body.
type WorkerStatus struct {
	ID          string `json:"id"`
	Active      bool   `json:"active"`
	CurrentJobs int64  `json:"current_jobs"`
}

// urls builds the public desktop and chat URLs for a session.
func (h *Handler) sessionResponse(sess *session.Session) SessionResponse {
	return SessionResponse{
		SessionID:     sess.ID,
		Status:        string(sess.Status),
		DesktopURL:    fmt.Sprintf("http://%s:%d/vnc.html", h.publicHost, sess.DesktopPort),
		ChatURL:       fmt.Sprintf("ws://%s:%d/session/%s/chat", h.publicHost, h.apiPort, sess.ID),
		CreatedAt:     sess.CreatedAt,
		ExpiresAt:     sess.ExpiresAt,
		InitialPrompt: sess.InitialPrompt,
	}
}
