package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/session"
)

// ScriptedOptions tune the built-in collaborator.
type ScriptedOptions struct {
	ConnectTimeout  time.Duration // how long to wait for the tool server
	ConnectInterval time.Duration
}

func (o *ScriptedOptions) fill() {
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.ConnectInterval <= 0 {
		o.ConnectInterval = time.Second
	}
}

// scriptedContext is the persisted conversation state of the scripted agent.
type scriptedContext struct {
	Turns int `json:"turns"`
}

// scriptedAgent is the built-in collaborator. It drives the sandbox tool
// server with a fixed plan per prompt; real LLM-backed agents replace it via
// the Factory seam.
type scriptedAgent struct {
	cfg    Config
	client *http.Client
	logger *logger.Logger

	mu    sync.Mutex
	state scriptedContext
}

// NewScriptedFactory returns the Factory for the built-in agent. Spawning
// blocks until the sandbox tool server answers, so a freshly started
// container gets its boot window.
func NewScriptedFactory(opts ScriptedOptions) Factory {
	opts.fill()
	return func(ctx context.Context, cfg Config) (Agent, error) {
		a := &scriptedAgent{
			cfg:    cfg,
			client: &http.Client{Timeout: 2 * time.Second},
			logger: cfg.Logger.WithFields(
				zap.String("component", "scripted-agent"),
				zap.String("session_id", cfg.SessionID),
			),
		}
		if len(cfg.Context) > 0 {
			if err := json.Unmarshal(cfg.Context, &a.state); err != nil {
				a.logger.Warn("Discarding undecodable agent context", zap.Error(err))
			}
		}
		if err := a.connect(ctx, opts); err != nil {
			return nil, err
		}
		return a, nil
	}
}

// connect polls the tool server until it answers or the window closes.
func (a *scriptedAgent) connect(ctx context.Context, opts ScriptedOptions) error {
	deadline := time.Now().Add(opts.ConnectTimeout)
	ticker := time.NewTicker(opts.ConnectInterval)
	defer ticker.Stop()

	for {
		if a.toolReachable(ctx) {
			a.logger.Info("Connected to tool server", zap.String("endpoint", a.cfg.ToolEndpoint))
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("tool server %s unreachable after %s", a.cfg.ToolEndpoint, opts.ConnectTimeout)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (a *scriptedAgent) toolReachable(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.ToolEndpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := a.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode < 500
}

// Prompt runs one scripted turn: announce thinking, touch the tool server,
// answer.
func (a *scriptedAgent) Prompt(ctx context.Context, content string) error {
	a.mu.Lock()
	a.state.Turns++
	turn := a.state.Turns
	a.mu.Unlock()

	a.emit(session.NewEvent(session.EventAgentThinking, "Looking at the request"))

	evt := session.NewEvent(session.EventAgentAction, "Checking the workspace").
		WithMetadata(session.EventMetadata{ToolUsed: "workspace"})
	a.emit(evt)
	if !a.toolReachable(ctx) {
		errEvt := session.NewEvent(session.EventError, "Tool server is not responding").
			WithMetadata(session.EventMetadata{Error: "tool server unreachable"})
		a.emit(errEvt)
		return fmt.Errorf("tool server %s unreachable", a.cfg.ToolEndpoint)
	}

	a.emit(session.NewEvent(session.EventAgentResponse,
		fmt.Sprintf("Acknowledged (turn %d): %s", turn, content)))

	return a.flushContext(ctx)
}

// Shutdown persists context one last time.
func (a *scriptedAgent) Shutdown(ctx context.Context) error {
	return a.flushContext(ctx)
}

func (a *scriptedAgent) emit(evt session.MessageEvent) {
	if a.cfg.OnEvent != nil {
		a.cfg.OnEvent(evt)
	}
}

func (a *scriptedAgent) flushContext(ctx context.Context) error {
	if a.cfg.OnContext == nil {
		return nil
	}
	a.mu.Lock()
	blob, err := json.Marshal(a.state)
	a.mu.Unlock()
	if err != nil {
		return err
	}
	return a.cfg.OnContext(ctx, blob)
}
