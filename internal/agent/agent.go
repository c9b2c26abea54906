// Package agent hosts the AI collaborator bound to each session. The
// orchestrator only sees the Agent interface; concrete collaborators plug in
// through a Factory.
package agent

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/session"
)

// EventSink receives the events an agent emits while working.
type EventSink func(evt session.MessageEvent)

// ContextSink persists the agent's opaque conversation context so a later
// process can rehydrate it.
type ContextSink func(ctx context.Context, blob []byte) error

// Config carries everything an agent needs to attach to its session.
type Config struct {
	SessionID    string
	Environment  string
	ToolEndpoint string // base URL of the sandbox tool server
	Context      []byte // prior conversation context, nil on first spawn
	OnEvent      EventSink
	OnContext    ContextSink
	Logger       *logger.Logger
}

// Agent is one live collaborator.
type Agent interface {
	// Prompt hands the agent a user turn. Events stream through OnEvent;
	// Prompt returns once the turn is finished.
	Prompt(ctx context.Context, content string) error
	// Shutdown ends the collaboration, flushing context first.
	Shutdown(ctx context.Context) error
}

// Factory builds an agent attached to its session's sandbox.
type Factory func(ctx context.Context, cfg Config) (Agent, error)

// Runner tracks the live agent per session within one worker process.
type Runner struct {
	factory Factory
	logger  *logger.Logger

	mu     sync.Mutex
	agents map[string]Agent
}

// NewRunner creates a runner spawning agents with factory.
func NewRunner(factory Factory, log *logger.Logger) *Runner {
	return &Runner{
		factory: factory,
		logger:  log.WithFields(zap.String("component", "agent-runner")),
		agents:  make(map[string]Agent),
	}
}

// Spawn creates the session's agent, replacing (and shutting down) any
// previous one.
func (r *Runner) Spawn(ctx context.Context, cfg Config) (Agent, error) {
	a, err := r.factory(ctx, cfg)
	if err != nil {
		return nil, apperr.WrapCause(apperr.ErrAgent, err, "spawn agent")
	}

	r.mu.Lock()
	prev := r.agents[cfg.SessionID]
	r.agents[cfg.SessionID] = a
	r.mu.Unlock()

	if prev != nil {
		if err := prev.Shutdown(ctx); err != nil {
			r.logger.Warn("Replaced agent shutdown failed",
				zap.String("session_id", cfg.SessionID),
				zap.Error(err),
			)
		}
	}

	r.logger.Info("Agent spawned", zap.String("session_id", cfg.SessionID))
	return a, nil
}

// Get returns the session's live agent, if this process has one.
func (r *Runner) Get(sessionID string) (Agent, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	a, ok := r.agents[sessionID]
	return a, ok
}

// Shutdown stops and forgets the session's agent. Missing agents are fine.
func (r *Runner) Shutdown(ctx context.Context, sessionID string) error {
	r.mu.Lock()
	a, ok := r.agents[sessionID]
	delete(r.agents, sessionID)
	r.mu.Unlock()

	if !ok {
		return nil
	}
	if err := a.Shutdown(ctx); err != nil {
		return apperr.WrapCause(apperr.ErrAgent, err, "shutdown agent")
	}
	r.logger.Info("Agent shut down", zap.String("session_id", sessionID))
	return nil
}

// CloseAll shuts every live agent down; used on worker drain.
func (r *Runner) CloseAll(ctx context.Context) {
	r.mu.Lock()
	agents := r.agents
	r.agents = make(map[string]Agent)
	r.mu.Unlock()

	for sessionID, a := range agents {
		if err := a.Shutdown(ctx); err != nil {
			r.logger.Warn("Agent shutdown failed during drain",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
}

// Count returns how many agents this process is hosting.
func (r *Runner) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.agents)
}
