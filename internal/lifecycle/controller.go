// Package lifecycle drives sessions through their states. The controller is
// the only writer of session status; everything else observes.
package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/agent"
	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/fabric"
	"github.com/ottobot/ottobot/internal/ports"
	"github.com/ottobot/ottobot/internal/queue"
	"github.com/ottobot/ottobot/internal/sandbox"
	"github.com/ottobot/ottobot/internal/session"
)

// ProcessPayload is the payload of a process_message job. Recorded means the
// enqueuer already put the user_prompt event on the session's stream, so the
// handler must not emit it again.
type ProcessPayload struct {
	Content  string `json:"content"`
	Recorded bool   `json:"recorded,omitempty"`
}

// Controller executes create, process, and terminate jobs for one worker.
type Controller struct {
	registry     *session.Registry
	fabric       *fabric.Fabric
	queue        *queue.Queue
	sandboxes    *sandbox.Supervisor
	agents       *agent.Runner
	desktopPorts *ports.Allocator
	toolPorts    *ports.Allocator
	workerID     string
	sandboxHost  string // where published container ports are reachable
	purgeDelay   time.Duration
	logger       *logger.Logger
}

// Params wires a Controller.
type Params struct {
	Registry     *session.Registry
	Fabric       *fabric.Fabric
	Queue        *queue.Queue
	Sandboxes    *sandbox.Supervisor
	Agents       *agent.Runner
	DesktopPorts *ports.Allocator
	ToolPorts    *ports.Allocator
	WorkerID     string
	SandboxHost  string
	PurgeDelay   time.Duration
	Logger       *logger.Logger
}

// New creates a controller.
func New(p Params) *Controller {
	return &Controller{
		registry:     p.Registry,
		fabric:       p.Fabric,
		queue:        p.Queue,
		sandboxes:    p.Sandboxes,
		agents:       p.Agents,
		desktopPorts: p.DesktopPorts,
		toolPorts:    p.ToolPorts,
		workerID:     p.WorkerID,
		sandboxHost:  p.SandboxHost,
		purgeDelay:   p.PurgeDelay,
		logger:       p.Logger.WithFields(zap.String("component", "lifecycle")),
	}
}

// Handle dispatches a claimed job to its handler.
func (c *Controller) Handle(ctx context.Context, job *queue.Job) error {
	switch job.Kind {
	case queue.KindCreateSession:
		return c.HandleCreate(ctx, job)
	case queue.KindProcessMessage:
		return c.HandleProcess(ctx, job)
	case queue.KindTerminateSession:
		return c.HandleTerminate(ctx, job)
	default:
		return apperr.Wrap(apperr.ErrValidation, "unknown job kind %q", job.Kind)
	}
}

// HandleCreate provisions everything a session needs: worker binding, tool
// port, sandbox, desktop readiness, agent. Every step is a no-op when a prior
// attempt already did it, so replays converge instead of double-provisioning.
func (c *Controller) HandleCreate(ctx context.Context, job *queue.Job) error {
	log := c.logger.WithSessionID(job.SessionID)

	sess, err := c.registry.Get(ctx, job.SessionID)
	if apperr.IsNotFound(err) {
		log.Warn("Create job for a vanished session")
		return nil
	}
	if err != nil {
		return err
	}
	switch sess.Status {
	case session.StatusTerminating, session.StatusTerminated:
		log.Info("Create aborted, session is terminating")
		return nil
	case session.StatusReady, session.StatusRunning:
		log.Info("Create replayed for a live session")
		c.emit(ctx, sess.ID, session.NewEvent(session.EventSystemUpdate, "Session is ready").
			WithMetadata(session.EventMetadata{SessionStatus: sess.Status}))
		return nil
	}

	// Bind the session to this worker.
	sess, err = c.registry.Update(ctx, sess.ID, func(s *session.Session) {
		s.WorkerID = c.workerID
	})
	if err != nil {
		return err
	}
	c.step(ctx, job, 10, "Claimed by worker "+c.workerID)

	// Tool port. The desktop port was reserved when the request was accepted.
	if sess.ToolPort == 0 {
		toolPort, err := c.toolPorts.Allocate(ctx, sess.ID)
		if err != nil {
			return c.failCreate(ctx, job, sess, err)
		}
		sess, err = c.registry.Update(ctx, sess.ID, func(s *session.Session) {
			s.ToolPort = toolPort
		})
		if err != nil {
			return err
		}
	}
	c.step(ctx, job, 30, fmt.Sprintf("Ports bound: desktop %d, tool %d", sess.DesktopPort, sess.ToolPort))

	if c.terminatedMeanwhile(ctx, sess.ID) {
		log.Info("Create aborted mid-flight, session is terminating")
		return nil
	}

	// Sandbox. Reuse a still-running container from a previous attempt.
	running := false
	if sess.SandboxID != "" {
		running, err = c.sandboxes.Running(ctx, sess.SandboxID)
		if err != nil {
			return c.failCreate(ctx, job, sess, err)
		}
	}
	if !running {
		containerID, err := c.sandboxes.Create(ctx, sandbox.CreateParams{
			SessionID:   sess.ID,
			Environment: sess.Environment,
			DesktopPort: sess.DesktopPort,
			ToolPort:    sess.ToolPort,
		})
		if err != nil {
			return c.failCreate(ctx, job, sess, err)
		}
		sess, err = c.registry.Update(ctx, sess.ID, func(s *session.Session) {
			s.SandboxID = containerID
		})
		if err != nil {
			return err
		}
	}
	c.step(ctx, job, 50, "Sandbox running")

	// Desktop readiness gates Ready: the user must be able to watch.
	if err := c.sandboxes.WaitForDesktop(ctx, c.sandboxHost, sess.DesktopPort); err != nil {
		return c.failCreate(ctx, job, sess, err)
	}
	c.emit(ctx, sess.ID, session.NewEvent(session.EventSystemUpdate, "Desktop is ready").
		WithMetadata(session.EventMetadata{DesktopReady: true}))
	c.step(ctx, job, 70, "Desktop ready")

	if c.terminatedMeanwhile(ctx, sess.ID) {
		log.Info("Create aborted mid-flight, session is terminating")
		return nil
	}

	if _, err := c.agents.Spawn(ctx, c.agentConfig(sess, nil)); err != nil {
		return c.failCreate(ctx, job, sess, err)
	}
	c.step(ctx, job, 90, "Agent attached")

	sess, err = c.registry.SetStatus(ctx, sess.ID, session.StatusReady, "")
	if err != nil {
		return err
	}
	c.emit(ctx, sess.ID, session.NewEvent(session.EventSystemUpdate, "Session is ready").
		WithMetadata(session.EventMetadata{SessionStatus: session.StatusReady}))
	c.step(ctx, job, 100, "Session ready")
	log.Info("Session provisioned",
		zap.Int("desktop_port", sess.DesktopPort),
		zap.Int("tool_port", sess.ToolPort),
		zap.String("sandbox_id", sess.SandboxID),
	)

	// The prompt the session was created with becomes the first turn. The
	// Ready short-circuit above keeps a replayed create from enqueueing twice.
	if sess.InitialPrompt != "" {
		payload, err := json.Marshal(ProcessPayload{Content: sess.InitialPrompt})
		if err != nil {
			return err
		}
		if _, err := c.queue.Enqueue(ctx, queue.Job{
			Kind:      queue.KindProcessMessage,
			SessionID: sess.ID,
			Payload:   payload,
		}); err != nil {
			return err
		}
	}
	return nil
}

// HandleProcess runs one user turn through the session's agent, rehydrating
// the agent first when this process has none.
func (c *Controller) HandleProcess(ctx context.Context, job *queue.Job) error {
	log := c.logger.WithSessionID(job.SessionID)

	var payload ProcessPayload
	if err := json.Unmarshal(job.Payload, &payload); err != nil {
		log.Error("Dropping process job with bad payload", zap.Error(err))
		return nil
	}

	sess, err := c.registry.Get(ctx, job.SessionID)
	if apperr.IsNotFound(err) {
		log.Warn("Process job for a vanished session")
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status.Terminal() || sess.Status == session.StatusTerminating {
		log.Info("Dropping prompt for a terminating session")
		return nil
	}
	if sess.Status == session.StatusInitializing {
		return apperr.Wrap(apperr.ErrAgent, "session %s not ready yet", sess.ID)
	}

	// The user's turn goes on the record before any agent output.
	if !payload.Recorded {
		c.emit(ctx, sess.ID, session.NewEvent(session.EventUserPrompt, payload.Content))
	}

	a, ok := c.agents.Get(sess.ID)
	if !ok {
		a, err = c.rehydrateAgent(ctx, sess)
		if err != nil {
			c.emit(ctx, sess.ID, session.NewEvent(session.EventError, "The agent could not be restored").
				WithMetadata(session.EventMetadata{Error: err.Error()}))
			if _, serr := c.registry.SetStatus(ctx, sess.ID, session.StatusError, err.Error()); serr != nil {
				log.Error("Failed to record agent error", zap.Error(serr))
			}
			return nil // unrecoverable without a sandbox; retrying won't help
		}
	}

	if _, err := c.registry.SetStatus(ctx, sess.ID, session.StatusRunning, ""); err != nil {
		return err
	}

	promptErr := a.Prompt(ctx, payload.Content)

	// Back to Ready even after a failed turn; the session itself is fine.
	if _, err := c.registry.SetStatus(ctx, sess.ID, session.StatusReady, ""); err != nil {
		return err
	}
	if promptErr != nil {
		c.emit(ctx, sess.ID, session.NewEvent(session.EventError, "The agent failed on this turn").
			WithMetadata(session.EventMetadata{Error: promptErr.Error()}))
		return apperr.WrapCause(apperr.ErrAgent, promptErr, "agent turn")
	}
	return nil
}

// rehydrateAgent re-attaches an agent to a session whose worker died. It only
// works while the sandbox is still running; without one there is nothing to
// attach to.
func (c *Controller) rehydrateAgent(ctx context.Context, sess *session.Session) (agent.Agent, error) {
	if sess.SandboxID == "" {
		return nil, apperr.Wrap(apperr.ErrAgent, "session %s has no sandbox", sess.ID)
	}
	running, err := c.sandboxes.Running(ctx, sess.SandboxID)
	if err != nil {
		return nil, err
	}
	if !running {
		return nil, apperr.Wrap(apperr.ErrAgent, "sandbox for session %s is gone", sess.ID)
	}

	blob, _, err := c.registry.GetContext(ctx, sess.ID)
	if err != nil {
		return nil, err
	}

	// The session follows its agent; rebind it to this worker.
	if _, err := c.registry.Update(ctx, sess.ID, func(s *session.Session) {
		s.WorkerID = c.workerID
	}); err != nil {
		return nil, err
	}

	c.logger.WithSessionID(sess.ID).Info("Agent rehydrated from stored context")
	return c.agents.Spawn(ctx, c.agentConfig(sess, blob))
}

// HandleTerminate winds a session down. Every step tolerates the resource
// already being gone, so terminate always converges; it never reports failure
// back to the queue.
func (c *Controller) HandleTerminate(ctx context.Context, job *queue.Job) error {
	log := c.logger.WithSessionID(job.SessionID)

	sess, err := c.registry.Get(ctx, job.SessionID)
	if apperr.IsNotFound(err) {
		return nil
	}
	if err != nil {
		return err
	}
	if sess.Status == session.StatusTerminated {
		return nil
	}

	if _, err := c.registry.SetStatus(ctx, sess.ID, session.StatusTerminating, ""); err != nil {
		return err
	}
	c.emit(ctx, sess.ID, session.NewEvent(session.EventSystemUpdate, "Session is shutting down").
		WithMetadata(session.EventMetadata{SessionStatus: session.StatusTerminating}))

	if err := c.agents.Shutdown(ctx, sess.ID); err != nil {
		log.Warn("Agent shutdown failed during terminate", zap.Error(err))
	}

	if sess.SandboxID != "" {
		if err := c.sandboxes.Teardown(ctx, sess.SandboxID); err != nil {
			log.Warn("Sandbox teardown failed during terminate", zap.Error(err))
		}
	}

	c.releasePorts(ctx, sess)

	if _, err := c.registry.SetStatus(ctx, sess.ID, session.StatusTerminated, ""); err != nil {
		return err
	}
	c.emit(ctx, sess.ID, session.NewEvent(session.EventSystemUpdate, "Session terminated").
		WithMetadata(session.EventMetadata{SessionStatus: session.StatusTerminated}))

	// Keep the record readable for a grace window, then let the store purge
	// it even if no process survives to do so.
	if err := c.registry.ExpireAll(ctx, sess.ID, c.purgeDelay); err != nil {
		log.Warn("Failed to schedule purge", zap.Error(err))
	}

	log.Info("Session terminated")
	return nil
}

// failCreate handles a provisioning failure. Intermediate attempts leave
// partial state for the retry to reuse; the final attempt tears everything
// down and marks the session failed.
func (c *Controller) failCreate(ctx context.Context, job *queue.Job, sess *session.Session, cause error) error {
	log := c.logger.WithSessionID(sess.ID).WithError(cause)

	if job.Attempts < queue.MaxAttempts {
		log.Warn("Provisioning attempt failed, leaving state for retry",
			zap.Int("attempt", job.Attempts),
		)
		return cause
	}

	log.Error("Provisioning failed for good")
	c.emit(ctx, sess.ID, session.NewEvent(session.EventError, "Session could not be provisioned").
		WithMetadata(session.EventMetadata{Error: cause.Error()}))

	if err := c.agents.Shutdown(ctx, sess.ID); err != nil {
		log.Warn("Agent cleanup failed", zap.Error(err))
	}
	if sess.SandboxID != "" {
		if err := c.sandboxes.Teardown(ctx, sess.SandboxID); err != nil {
			log.Warn("Sandbox cleanup failed", zap.Error(err))
		}
	}
	c.releasePorts(ctx, sess)

	if _, err := c.registry.SetStatus(ctx, sess.ID, session.StatusError, cause.Error()); err != nil {
		log.Error("Failed to record provisioning error", zap.Error(err))
	}
	return cause
}

// releasePorts frees both allocator claims; each release is idempotent.
func (c *Controller) releasePorts(ctx context.Context, sess *session.Session) {
	log := c.logger.WithSessionID(sess.ID)
	if sess.DesktopPort != 0 {
		if err := c.desktopPorts.Release(ctx, sess.DesktopPort); err != nil {
			log.Warn("Desktop port release failed", zap.Error(err))
		}
	}
	if sess.ToolPort != 0 {
		if err := c.toolPorts.Release(ctx, sess.ToolPort); err != nil {
			log.Warn("Tool port release failed", zap.Error(err))
		}
	}
}

// terminatedMeanwhile re-reads the record to catch a terminate that raced in.
func (c *Controller) terminatedMeanwhile(ctx context.Context, sessionID string) bool {
	sess, err := c.registry.Get(ctx, sessionID)
	if err != nil {
		return apperr.IsNotFound(err)
	}
	return sess.Status == session.StatusTerminating || sess.Status == session.StatusTerminated
}

// agentConfig builds the agent wiring for a session: events go to the fabric
// and the message stream, context goes to the registry.
func (c *Controller) agentConfig(sess *session.Session, contextBlob []byte) agent.Config {
	sessionID := sess.ID
	return agent.Config{
		SessionID:    sessionID,
		Environment:  sess.Environment,
		ToolEndpoint: fmt.Sprintf("http://%s:%d", c.sandboxHost, sess.ToolPort),
		Context:      contextBlob,
		Logger:       c.logger,
		OnEvent: func(evt session.MessageEvent) {
			c.emit(context.Background(), sessionID, evt)
		},
		OnContext: func(ctx context.Context, blob []byte) error {
			return c.registry.SetContext(ctx, sessionID, blob)
		},
	}
}

// emit appends an event to the session's durable stream and fans it out.
// Both failures are logged, not propagated: a chat hiccup must not wedge the
// lifecycle.
func (c *Controller) emit(ctx context.Context, sessionID string, evt session.MessageEvent) {
	log := c.logger.WithSessionID(sessionID)
	if err := c.registry.AppendMessage(ctx, sessionID, evt); err != nil {
		log.Warn("Failed to persist event", zap.Error(err))
	}
	if err := c.fabric.Publish(ctx, sessionID, evt); err != nil {
		log.Warn("Failed to fan out event", zap.Error(err))
	}
}

// step records job progress and a session log line.
func (c *Controller) step(ctx context.Context, job *queue.Job, progress int, message string) {
	if err := c.queue.UpdateProgress(ctx, job.ID, progress); err != nil {
		c.logger.Warn("Failed to update job progress", zap.Error(err))
	}
	if err := c.registry.AppendLog(ctx, job.SessionID, "info", message, map[string]any{
		"progress": progress,
	}); err != nil {
		c.logger.Warn("Failed to append session log", zap.Error(err))
	}
}
