// Package worker runs the job-consuming side of the control plane: register,
// heartbeat, claim jobs, drive them through the lifecycle controller, drain
// cleanly on shutdown.
package worker

import (
	"context"
	"encoding/json"
	"strconv"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/ottobot/ottobot/internal/common/config"
	"github.com/ottobot/ottobot/internal/common/id"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/queue"
	"github.com/ottobot/ottobot/internal/store"
)

// JobHandler executes one claimed job. lifecycle.Controller is the production
// implementation.
type JobHandler interface {
	Handle(ctx context.Context, job *queue.Job) error
}

// leaseRenewInterval is how often an in-flight job's claim is refreshed; it
// must stay well under the janitor's stall timeout.
const leaseRenewInterval = 10 * time.Second

// Status is the worker's registration record, refreshed by heartbeat.
type Status struct {
	WorkerID      string    `json:"worker_id"`
	StartedAt     time.Time `json:"started_at"`
	Concurrency   int       `json:"concurrency"`
	ActiveJobs    int64     `json:"active_jobs"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
}

// Runtime is one worker process.
type Runtime struct {
	id        string
	store     store.Store
	queue     *queue.Queue
	handler   JobHandler
	cfg       config.WorkerConfig
	startedAt time.Time
	active    atomic.Int64
	onDrained func(ctx context.Context)
	logger    *logger.Logger
}

// NewRuntime creates a worker with a fresh identity.
func NewRuntime(s store.Store, q *queue.Queue, handler JobHandler, cfg config.WorkerConfig, log *logger.Logger) *Runtime {
	workerID := id.NewPrefixed("worker")
	return &Runtime{
		id:      workerID,
		store:   s,
		queue:   q,
		handler: handler,
		cfg:     cfg,
		logger:  log.WithWorkerID(workerID),
	}
}

// ID returns the worker's identity, used to pin sessions.
func (r *Runtime) ID() string {
	return r.id
}

// OnDrained registers a hook run after all consumers stop, before
// deregistration. The worker drains its agents here.
func (r *Runtime) OnDrained(fn func(ctx context.Context)) {
	r.onDrained = fn
}

func (r *Runtime) statusKey() string { return "worker:" + r.id + ":status" }
func (r *Runtime) jobsKey() string   { return "worker:" + r.id + ":jobs" }

// Run registers the worker and consumes jobs until ctx is cancelled, then
// drains: no new claims, in-flight jobs get the configured drain window.
func (r *Runtime) Run(ctx context.Context) error {
	r.startedAt = time.Now().UTC()
	if err := r.register(ctx); err != nil {
		return err
	}
	r.logger.Info("Worker started",
		zap.Int("concurrency", r.cfg.Concurrency),
		zap.Duration("heartbeat", r.cfg.HeartbeatIntervalDuration()),
	)

	// Jobs keep running past ctx cancellation, bounded by the drain window.
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	go func() {
		<-ctx.Done()
		timer := time.NewTimer(r.cfg.DrainTimeoutDuration())
		defer timer.Stop()
		select {
		case <-jobCtx.Done():
		case <-timer.C:
			r.logger.Warn("Drain window elapsed, cancelling in-flight jobs")
		}
		cancelJobs()
	}()

	g, groupCtx := errgroup.WithContext(ctx)
	g.Go(func() error {
		r.heartbeatLoop(groupCtx)
		return nil
	})
	for i := 0; i < r.cfg.Concurrency; i++ {
		g.Go(func() error {
			r.consumeLoop(groupCtx, jobCtx)
			return nil
		})
	}
	_ = g.Wait()
	cancelJobs()

	if r.onDrained != nil {
		drainCtx, cancel := context.WithTimeout(context.Background(), r.cfg.DrainTimeoutDuration())
		r.onDrained(drainCtx)
		cancel()
	}
	r.deregister()
	r.logger.Info("Worker stopped")
	return nil
}

// consumeLoop claims and executes jobs until claimCtx is cancelled. Jobs
// themselves run on jobCtx so a drain does not cut them off mid-step.
func (r *Runtime) consumeLoop(claimCtx, jobCtx context.Context) {
	for {
		job, err := r.queue.Dequeue(claimCtx, r.id)
		if err != nil {
			if claimCtx.Err() != nil {
				return
			}
			r.logger.Warn("Dequeue failed", zap.Error(err))
			continue
		}
		r.runJob(jobCtx, job)
	}
}

// runJob executes one job under lease renewal and resolves it with the queue.
func (r *Runtime) runJob(ctx context.Context, job *queue.Job) {
	log := r.logger.WithFields(
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("session_id", job.SessionID),
	)
	log.Info("Job started", zap.Int("attempt", job.Attempts))

	r.setActive(ctx, r.active.Add(1))
	defer func() {
		r.setActive(ctx, r.active.Add(-1))
	}()

	renewCtx, stopRenew := context.WithCancel(ctx)
	go r.renewLoop(renewCtx, job.ID)

	err := r.handleSafely(ctx, job)
	stopRenew()

	if err != nil {
		log.Warn("Job failed", zap.Error(err))
		if ferr := r.queue.Fail(ctx, job.ID, err); ferr != nil {
			log.Error("Could not record job failure", zap.Error(ferr))
		}
		return
	}
	if cerr := r.queue.Complete(ctx, job.ID); cerr != nil {
		log.Error("Could not acknowledge job", zap.Error(cerr))
		return
	}
	log.Info("Job finished")
}

// handleSafely isolates handler panics; a panicking job is failed, not fatal
// to the worker.
func (r *Runtime) handleSafely(ctx context.Context, job *queue.Job) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("Job handler panicked",
				zap.String("job_id", job.ID),
				zap.Any("panic", rec),
			)
			err = queue.ErrHandlerPanic
		}
	}()
	return r.handler.Handle(ctx, job)
}

func (r *Runtime) renewLoop(ctx context.Context, jobID string) {
	ticker := time.NewTicker(leaseRenewInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.queue.RenewLease(ctx, jobID); err != nil {
				r.logger.Warn("Lease renewal failed",
					zap.String("job_id", jobID),
					zap.Error(err),
				)
			}
		}
	}
}

func (r *Runtime) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.HeartbeatIntervalDuration())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := r.register(ctx); err != nil {
				r.logger.Warn("Heartbeat failed", zap.Error(err))
			}
		}
	}
}

// register writes the status record with the registration TTL; a worker that
// dies silently ages out.
func (r *Runtime) register(ctx context.Context) error {
	status := Status{
		WorkerID:      r.id,
		StartedAt:     r.startedAt,
		Concurrency:   r.cfg.Concurrency,
		ActiveJobs:    r.active.Load(),
		LastHeartbeat: time.Now().UTC(),
	}
	data, err := json.Marshal(status)
	if err != nil {
		return err
	}
	return r.store.SetEx(ctx, r.statusKey(), string(data), r.cfg.RegistrationTTLDuration())
}

func (r *Runtime) setActive(ctx context.Context, n int64) {
	if err := r.store.SetEx(ctx, r.jobsKey(), strconv.FormatInt(n, 10), r.cfg.RegistrationTTLDuration()); err != nil {
		r.logger.Warn("Could not record active job count", zap.Error(err))
	}
}

func (r *Runtime) deregister() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := r.store.Del(ctx, r.statusKey(), r.jobsKey()); err != nil {
		r.logger.Warn("Deregistration failed", zap.Error(err))
	}
}
