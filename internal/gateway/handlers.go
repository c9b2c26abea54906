// Package gateway is the HTTP and WebSocket face of the control plane. It is
// a thin layer: validate, consult the registry, enqueue, answer.
package gateway

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/config"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/fabric"
	"github.com/ottobot/ottobot/internal/ports"
	"github.com/ottobot/ottobot/internal/queue"
	"github.com/ottobot/ottobot/internal/session"
	"github.com/ottobot/ottobot/internal/store"
	"github.com/ottobot/ottobot/internal/worker"
)

// Version is stamped at build time.
var Version = "dev"

const (
	defaultListLimit = 50
	defaultLogLimit  = 100
	replayCount      = 50
)

// Handler serves the public API.
type Handler struct {
	registry    *session.Registry
	queue       *queue.Queue
	fabric      *fabric.Fabric
	desktop     *ports.Allocator
	store       store.Store
	sandboxPing func() error
	publicHost  string
	sandboxHost string
	apiPort     int
	startedAt   time.Time
	httpClient  *http.Client
	logger      *logger.Logger
}

// Params wires a Handler.
type Params struct {
	Registry    *session.Registry
	Queue       *queue.Queue
	Fabric      *fabric.Fabric
	Desktop     *ports.Allocator
	Store       store.Store
	SandboxPing func() error // nil when this process has no container engine
	Server      config.ServerConfig
	Logger      *logger.Logger
}

// NewHandler creates the gateway handler.
func NewHandler(p Params) *Handler {
	return &Handler{
		registry:    p.Registry,
		queue:       p.Queue,
		fabric:      p.Fabric,
		desktop:     p.Desktop,
		store:       p.Store,
		sandboxPing: p.SandboxPing,
		publicHost:  p.Server.PublicHost,
		sandboxHost: p.Server.PublicHost,
		apiPort:     p.Server.Port,
		startedAt:   time.Now(),
		httpClient:  &http.Client{Timeout: 60 * time.Second},
		logger:      p.Logger.WithFields(zap.String("component", "gateway")),
	}
}

// RegisterRoutes mounts every endpoint on the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.POST("/session", h.createSession)
	router.GET("/session", h.listSessions)
	router.GET("/session/:id", h.getSession)
	router.DELETE("/session/:id", h.terminateSession)
	router.GET("/session/:id/logs", h.getSessionLogs)
	router.GET("/session/:id/chat", h.chatSocket)
	router.GET("/download/:id", h.downloadWorkspace)
	router.GET("/health", h.health)
	router.GET("/health/metrics", h.metrics)
}

func (h *Handler) createSession(c *gin.Context) {
	var req CreateSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Message: "invalid JSON body"})
		return
	}
	if err := req.Validate(); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Message: err.Error()})
		return
	}

	ctx := c.Request.Context()
	sess, err := h.registry.Create(ctx, session.CreateParams{
		InitialPrompt: req.InitialPrompt,
		Environment:   req.Environment,
		Timeout:       time.Duration(req.Timeout) * time.Second,
	})
	if err != nil {
		h.logger.Error("Failed to create session record", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not create session"})
		return
	}

	// The desktop port is the scarce resource; claim it before committing.
	desktopPort, err := h.desktop.Allocate(ctx, sess.ID)
	if err != nil {
		_, _ = h.registry.Delete(ctx, sess.ID)
		if errors.Is(err, apperr.ErrResourceExhausted) {
			c.JSON(http.StatusServiceUnavailable, ErrorResponse{
				Error:   "Service Unavailable",
				Message: "No available desktop ports, try again later",
			})
			return
		}
		h.logger.Error("Desktop port allocation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not allocate desktop port"})
		return
	}

	sess, err = h.registry.Update(ctx, sess.ID, func(s *session.Session) {
		s.DesktopPort = desktopPort
	})
	if err == nil {
		_, err = h.queue.Enqueue(ctx, queue.Job{
			Kind:      queue.KindCreateSession,
			SessionID: sess.ID,
		})
	}
	if err != nil {
		h.logger.Error("Failed to commit session", zap.Error(err))
		_ = h.desktop.Release(ctx, desktopPort)
		_, _ = h.registry.Delete(ctx, sess.ID)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not queue session"})
		return
	}

	h.logger.Info("Session accepted",
		zap.String("session_id", sess.ID),
		zap.Int("desktop_port", desktopPort),
		zap.String("environment", sess.Environment),
	)
	c.JSON(http.StatusCreated, h.sessionResponse(sess))
}

func (h *Handler) listSessions(c *gin.Context) {
	limit := intQuery(c, "limit", defaultListLimit)
	offset := intQuery(c, "offset", 0)

	sessions, total, err := h.registry.ListActive(c.Request.Context(), limit, offset)
	if err != nil {
		h.logger.Error("Failed to list sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not list sessions"})
		return
	}

	resp := ListSessionsResponse{
		Sessions: make([]SessionResponse, 0, len(sessions)),
		Total:    total,
		Limit:    limit,
		Offset:   offset,
	}
	for _, sess := range sessions {
		resp.Sessions = append(resp.Sessions, h.sessionResponse(sess))
	}
	c.JSON(http.StatusOK, resp)
}

func (h *Handler) getSession(c *gin.Context) {
	sess, err := h.registry.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		h.notFoundOrError(c, err)
		return
	}
	c.JSON(http.StatusOK, h.sessionResponse(sess))
}

func (h *Handler) terminateSession(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	sess, err := h.registry.Get(ctx, sessionID)
	if err != nil {
		h.notFoundOrError(c, err)
		return
	}

	if sess.Status != session.StatusTerminated && sess.Status != session.StatusTerminating {
		if _, err := h.registry.SetStatus(ctx, sessionID, session.StatusTerminating, ""); err != nil {
			h.logger.Error("Failed to mark session terminating", zap.Error(err))
			c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not terminate session"})
			return
		}
	}
	if _, err := h.queue.Enqueue(ctx, queue.Job{
		Kind:      queue.KindTerminateSession,
		SessionID: sessionID,
	}); err != nil {
		h.logger.Error("Failed to enqueue terminate", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not terminate session"})
		return
	}

	c.JSON(http.StatusAccepted, TerminateResponse{
		Message:   "Session termination initiated",
		SessionID: sessionID,
	})
}

func (h *Handler) getSessionLogs(c *gin.Context) {
	ctx := c.Request.Context()
	sessionID := c.Param("id")

	if _, err := h.registry.Get(ctx, sessionID); err != nil {
		h.notFoundOrError(c, err)
		return
	}

	limit := intQuery(c, "limit", defaultLogLimit)
	logs, err := h.registry.ReadLogs(ctx, sessionID, limit)
	if err != nil {
		h.logger.Error("Failed to read logs", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not read logs"})
		return
	}
	if logs == nil {
		logs = []session.LogEntry{}
	}
	c.JSON(http.StatusOK, LogsResponse{SessionID: sessionID, Logs: logs})
}

// downloadWorkspace streams the sandbox's workspace archive through, keeping
// the upstream content headers intact.
func (h *Handler) downloadWorkspace(c *gin.Context) {
	ctx := c.Request.Context()

	sess, err := h.registry.Get(ctx, c.Param("id"))
	if err != nil {
		h.notFoundOrError(c, err)
		return
	}
	if sess.ToolPort == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Error: "Bad Request", Message: "session has no tool endpoint yet"})
		return
	}

	url := fmt.Sprintf("http://%s:%d/download", h.sandboxHost, sess.ToolPort)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not build download request"})
		return
	}
	resp, err := h.httpClient.Do(req)
	if err != nil {
		h.logger.Warn("Workspace download failed", zap.String("session_id", sess.ID), zap.Error(err))
		c.JSON(http.StatusBadGateway, ErrorResponse{Error: "Bad Gateway", Message: "sandbox did not answer"})
		return
	}
	defer resp.Body.Close()

	for _, header := range []string{"Content-Type", "Content-Disposition", "Content-Length"} {
		if v := resp.Header.Get(header); v != "" {
			c.Header(header, v)
		}
	}
	c.Status(resp.StatusCode)
	if _, err := io.Copy(c.Writer, resp.Body); err != nil {
		h.logger.Warn("Workspace download interrupted", zap.String("session_id", sess.ID), zap.Error(err))
	}
}

func (h *Handler) health(c *gin.Context) {
	ctx := c.Request.Context()

	storeOK := h.store.Ping(ctx) == nil
	sandboxOK := h.sandboxPing != nil && h.sandboxPing() == nil
	workers := 0
	if keys, err := h.store.Keys(ctx, "worker:*:status"); err == nil {
		workers = len(keys)
	}

	status := "degraded"
	switch {
	case !storeOK:
		status = "unhealthy"
	case sandboxOK && workers > 0:
		status = "healthy"
	}

	c.JSON(http.StatusOK, HealthResponse{
		Status:  status,
		Version: Version,
		UptimeS: int64(time.Since(h.startedAt).Seconds()),
		Services: HealthServices{
			Store:          storeOK,
			SandboxRuntime: sandboxOK,
			Workers:        workers,
		},
		Timestamp: time.Now().UTC(),
	})
}

func (h *Handler) metrics(c *gin.Context) {
	ctx := c.Request.Context()

	active, err := h.registry.CountActive(ctx)
	if err != nil {
		h.logger.Error("Failed to count sessions", zap.Error(err))
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not read metrics"})
		return
	}
	total, err := h.registry.TotalSessions(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not read metrics"})
		return
	}
	pending, inflight, delayed, err := h.queue.Len(ctx)
	if err != nil {
		c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "could not read metrics"})
		return
	}

	workerStatus := []WorkerStatus{}
	if keys, err := h.store.Keys(ctx, "worker:*:status"); err == nil {
		for _, key := range keys {
			raw, ok, err := h.store.Get(ctx, key)
			if err != nil || !ok {
				continue
			}
			var ws worker.Status
			if err := json.Unmarshal([]byte(raw), &ws); err != nil {
				continue
			}
			workerStatus = append(workerStatus, WorkerStatus{
				ID:          ws.WorkerID,
				Active:      true,
				CurrentJobs: ws.ActiveJobs,
			})
		}
	}

	c.JSON(http.StatusOK, MetricsResponse{
		ActiveSessions: int64(active),
		TotalSessions:  total,
		QueueLength:    pending + inflight + delayed,
		WorkerStatus:   workerStatus,
		Timestamp:      time.Now().UTC(),
	})
}

func (h *Handler) notFoundOrError(c *gin.Context, err error) {
	if apperr.IsNotFound(err) {
		c.JSON(http.StatusNotFound, ErrorResponse{Error: "Not Found", Message: "session not found"})
		return
	}
	h.logger.Error("Registry lookup failed", zap.Error(err))
	c.JSON(http.StatusInternalServerError, ErrorResponse{Error: "Internal Server Error", Message: "store unavailable"})
}

func intQuery(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return fallback
	}
	return n
}
