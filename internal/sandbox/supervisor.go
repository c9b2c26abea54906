package sandbox

import (
	"context"
	"fmt"
	"net/http"
	"path/filepath"
	"strconv"
	"time"

	"github.com/docker/go-units"
	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/config"
	"github.com/ottobot/ottobot/internal/common/logger"
)

// Labels stamped on every sandbox so stale ones can be found after a crash.
const (
	LabelManaged   = "ottobot.managed"
	LabelSessionID = "ottobot.session_id"
)

const (
	// Fixed ports inside the container; the allocator picks the host side.
	desktopContainerPort = 6080
	toolContainerPort    = 8080

	workspaceTarget = "/workspace"

	stopGrace          = 10 * time.Second
	stopFlushPause     = 2 * time.Second
	probeInterval      = time.Second
	probeTimeout       = 30 * time.Second
	probeRequestBudget = 2 * time.Second
)

// CreateParams describes the sandbox for one session.
type CreateParams struct {
	SessionID   string
	Environment string
	DesktopPort int
	ToolPort    int
	ExtraEnv    []string
}

// SessionActiveFunc reports whether a session still exists and is not
// terminated. ReapStale uses it to spare live sandboxes.
type SessionActiveFunc func(ctx context.Context, sessionID string) (bool, error)

// Supervisor owns sandbox containers: creation, teardown, readiness, and
// crash-orphan cleanup.
type Supervisor struct {
	runtime    Runtime
	cfg        config.ContainerConfig
	memory     int64
	nanoCPUs   int64
	httpClient *http.Client
	probeEvery time.Duration
	probeLimit time.Duration
	stopPause  time.Duration
	logger     *logger.Logger
}

// NewSupervisor builds a supervisor over the given runtime. The configured
// memory limit string (e.g. "2g") is parsed once here.
func NewSupervisor(rt Runtime, cfg config.ContainerConfig, log *logger.Logger) (*Supervisor, error) {
	memory, err := units.RAMInBytes(cfg.MemoryLimit)
	if err != nil {
		return nil, fmt.Errorf("parse memory limit %q: %w", cfg.MemoryLimit, err)
	}

	return &Supervisor{
		runtime:    rt,
		cfg:        cfg,
		memory:     memory,
		nanoCPUs:   int64(cfg.CPULimit * 1e9),
		httpClient: &http.Client{Timeout: probeRequestBudget},
		probeEvery: probeInterval,
		probeLimit: probeTimeout,
		stopPause:  stopFlushPause,
		logger:     log.WithFields(zap.String("component", "sandbox-supervisor")),
	}, nil
}

// ContainerName returns the deterministic sandbox name for a session.
func ContainerName(sessionID string) string {
	return "ottobot-session-" + sessionID
}

// Create creates and starts the session's sandbox, publishing the desktop and
// tool ports on the allocated host ports.
func (s *Supervisor) Create(ctx context.Context, params CreateParams) (string, error) {
	env := []string{
		"SESSION_ID=" + params.SessionID,
		"ENVIRONMENT=" + params.Environment,
		"DESKTOP_PORT=" + strconv.Itoa(desktopContainerPort),
		"TOOL_PORT=" + strconv.Itoa(toolContainerPort),
	}
	env = append(env, params.ExtraEnv...)

	spec := ContainerSpec{
		Name:  ContainerName(params.SessionID),
		Image: s.cfg.AgentImage,
		Env:   env,
		Labels: map[string]string{
			LabelManaged:   "true",
			LabelSessionID: params.SessionID,
		},
		Mounts: []BindMount{{
			Source: filepath.Join(s.cfg.DataDir, "ottobot-session-data", params.SessionID),
			Target: workspaceTarget,
		}},
		Ports: []PortMapping{
			{HostPort: params.DesktopPort, ContainerPort: desktopContainerPort},
			{HostPort: params.ToolPort, ContainerPort: toolContainerPort},
		},
		NetworkMode: s.cfg.Network,
		Memory:      s.memory,
		NanoCPUs:    s.nanoCPUs,
	}

	containerID, err := s.runtime.Create(ctx, spec)
	if err != nil {
		return "", err
	}
	if err := s.runtime.Start(ctx, containerID); err != nil {
		// Do not leak a created-but-unstartable container.
		_ = s.runtime.Remove(ctx, containerID, true)
		return "", err
	}

	s.logger.Info("Sandbox started",
		zap.String("session_id", params.SessionID),
		zap.String("container_id", containerID),
		zap.Int("desktop_port", params.DesktopPort),
		zap.Int("tool_port", params.ToolPort),
	)
	return containerID, nil
}

// Teardown stops then removes the sandbox. Both steps tolerate the container
// already being gone.
func (s *Supervisor) Teardown(ctx context.Context, containerID string) error {
	if err := s.runtime.Stop(ctx, containerID, stopGrace); err != nil {
		return err
	}
	// The desktop stack inside flushes state on SIGTERM; give it a moment
	// before the filesystem disappears.
	if s.stopPause > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.stopPause):
		}
	}
	return s.runtime.Remove(ctx, containerID, true)
}

// Status returns the sandbox's runtime state.
func (s *Supervisor) Status(ctx context.Context, containerID string) (*Info, error) {
	return s.runtime.Inspect(ctx, containerID)
}

// Running reports whether the sandbox container is currently running.
func (s *Supervisor) Running(ctx context.Context, containerID string) (bool, error) {
	info, err := s.runtime.Inspect(ctx, containerID)
	if apperr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.Running, nil
}

// WaitForDesktop polls the noVNC endpoint on the published desktop port until
// it answers or the probe window closes.
func (s *Supervisor) WaitForDesktop(ctx context.Context, host string, desktopPort int) error {
	url := fmt.Sprintf("http://%s:%d/vnc.html", host, desktopPort)
	deadline := time.Now().Add(s.probeLimit)
	ticker := time.NewTicker(s.probeEvery)
	defer ticker.Stop()

	for {
		if s.probe(ctx, url) {
			s.logger.Info("Desktop ready", zap.String("url", url))
			return nil
		}
		if time.Now().After(deadline) {
			return apperr.Wrap(apperr.ErrReadinessTimeout, "desktop at %s not ready after %s", url, s.probeLimit)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (s *Supervisor) probe(ctx context.Context, url string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, nil)
	if err != nil {
		return false
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	// Any answer proves the desktop proxy is listening.
	return true
}

// Ping checks that the container engine is reachable.
func (s *Supervisor) Ping(ctx context.Context) error {
	return s.runtime.Ping(ctx)
}

// ReapStale removes managed sandboxes whose session is gone or which outlived
// the stale age. Returns how many were removed.
func (s *Supervisor) ReapStale(ctx context.Context, active SessionActiveFunc) (int, error) {
	infos, err := s.runtime.List(ctx, map[string]string{LabelManaged: "true"})
	if err != nil {
		return 0, err
	}

	maxAge := s.cfg.StaleAgeDuration()
	removed := 0
	for _, info := range infos {
		sessionID := info.Labels[LabelSessionID]
		stale := maxAge > 0 && !info.CreatedAt.IsZero() && time.Since(info.CreatedAt) > maxAge
		if !stale && sessionID != "" {
			alive, err := active(ctx, sessionID)
			if err != nil {
				s.logger.Warn("Could not resolve sandbox owner",
					zap.String("container_id", info.ID),
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
				continue
			}
			if alive {
				continue
			}
		}

		if err := s.Teardown(ctx, info.ID); err != nil {
			s.logger.Warn("Failed to remove stale sandbox",
				zap.String("container_id", info.ID),
				zap.Error(err),
			)
			continue
		}
		removed++
		s.logger.Info("Stale sandbox removed",
			zap.String("container_id", info.ID),
			zap.String("session_id", sessionID),
		)
	}
	return removed, nil
}
