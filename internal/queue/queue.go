// Package queue is a durable, prioritized work queue on the coordination
// store. Jobs move pending -> inflight -> done, with failed attempts parked in
// a delayed set and hopeless ones dead-lettered.
package queue

import (
	"context"
	"encoding/json"
	"math"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/id"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/store"
)

// Kind identifies the operation a job requests.
type Kind string

const (
	KindCreateSession    Kind = "create_session"
	KindProcessMessage   Kind = "process_message"
	KindTerminateSession Kind = "terminate_session"
)

// Priority levels. Lower dequeues first. Termination outranks everything so a
// stop request is never stuck behind a backlog of creates.
const (
	PriorityTerminate = 0
	PriorityNormal    = 1
)

var priorities = []int{PriorityTerminate, PriorityNormal}

// MaxAttempts is how many times a job is tried before dead-lettering.
// Handlers use it to tell "will retry" from "this was the last shot".
const MaxAttempts = 3

// ErrHandlerPanic marks a job whose handler panicked; it consumes an attempt
// like any other failure.
var ErrHandlerPanic = apperr.Wrap(apperr.ErrFatal, "job handler panicked")

const (
	maxStalls    = 3
	pollInterval = 250 * time.Millisecond
	retryBase    = 2 * time.Second
)

// Job is one unit of work. Payload is opaque to the queue; consumers decode it
// by Kind.
type Job struct {
	ID         string          `json:"job_id"`
	Kind       Kind            `json:"kind"`
	SessionID  string          `json:"session_id"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	Priority   int             `json:"priority"`
	Progress   int             `json:"progress"`
	Stalls     int             `json:"stalls,omitempty"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// inflightEntry is the hash value tracking a claimed job.
type inflightEntry struct {
	Job         Job       `json:"job"`
	WorkerID    string    `json:"worker_id"`
	ClaimedAt   time.Time `json:"claimed_at"`
	HeartbeatAt time.Time `json:"heartbeat_at"`
	Stalls      int       `json:"stalls"`
}

const (
	inflightKey = "queue:inflight"
	delayedKey  = "queue:delayed"
	deadKey     = "queue:dead"
)

func pendingKey(priority int) string {
	return "queue:pending:" + strconv.Itoa(priority)
}

// Queue is the producer/consumer handle shared by the gateway and workers.
type Queue struct {
	store  store.Store
	logger *logger.Logger
}

// New creates a queue over the coordination store.
func New(s store.Store, log *logger.Logger) *Queue {
	return &Queue{
		store:  s,
		logger: log.WithFields(zap.String("component", "queue")),
	}
}

// Enqueue makes the job durable and eligible for dequeue. A missing id and
// priority are filled in from the job's kind.
func (q *Queue) Enqueue(ctx context.Context, job Job) (string, error) {
	if job.ID == "" {
		job.ID = id.NewPrefixed("job")
	}
	if job.Kind == KindTerminateSession {
		job.Priority = PriorityTerminate
	} else {
		job.Priority = PriorityNormal
	}
	job.EnqueuedAt = time.Now().UTC()

	data, err := json.Marshal(job)
	if err != nil {
		return "", apperr.WrapCause(apperr.ErrStore, err, "encode job")
	}
	if err := q.store.RPush(ctx, pendingKey(job.Priority), string(data)); err != nil {
		return "", err
	}

	q.logger.Debug("Job enqueued",
		zap.String("job_id", job.ID),
		zap.String("kind", string(job.Kind)),
		zap.String("session_id", job.SessionID),
		zap.Int("priority", job.Priority),
	)
	return job.ID, nil
}

// Dequeue blocks until a job is available or ctx is done, claiming jobs in
// priority order. The claim is recorded in the inflight set; the caller must
// Complete or Fail it.
func (q *Queue) Dequeue(ctx context.Context, workerID string) (*Job, error) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		job, err := q.tryDequeue(ctx, workerID)
		if err != nil {
			return nil, err
		}
		if job != nil {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// TryDequeue claims the next pending job without blocking; nil means empty.
func (q *Queue) TryDequeue(ctx context.Context, workerID string) (*Job, error) {
	return q.tryDequeue(ctx, workerID)
}

func (q *Queue) tryDequeue(ctx context.Context, workerID string) (*Job, error) {
	for _, prio := range priorities {
		raw, ok, err := q.store.LPop(ctx, pendingKey(prio))
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			q.logger.Error("Dropping undecodable job", zap.Error(err))
			continue
		}
		job.Attempts++
		if err := q.markInflight(ctx, job, workerID, 0); err != nil {
			return nil, err
		}
		q.logger.Debug("Job claimed",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.String("worker_id", workerID),
			zap.Int("attempt", job.Attempts),
		)
		return &job, nil
	}
	return nil, nil
}

// Complete acknowledges a finished job.
func (q *Queue) Complete(ctx context.Context, jobID string) error {
	_, err := q.store.HDel(ctx, inflightKey, jobID)
	return err
}

// Fail releases the claim and schedules a retry with exponential delay, or
// dead-letters the job once its attempts are spent.
func (q *Queue) Fail(ctx context.Context, jobID string, cause error) error {
	entry, ok, err := q.getInflight(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		return nil // already resolved elsewhere
	}
	if _, err := q.store.HDel(ctx, inflightKey, jobID); err != nil {
		return err
	}

	job := entry.Job
	if job.Attempts >= MaxAttempts {
		q.logger.Error("Job dead-lettered",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", job.Attempts),
			zap.Error(cause),
		)
		return q.pushDead(ctx, job)
	}

	delay := retryBase << (job.Attempts - 1)
	due := time.Now().Add(delay)
	q.logger.Warn("Job scheduled for retry",
		zap.String("job_id", job.ID),
		zap.Int("attempts", job.Attempts),
		zap.Duration("delay", delay),
		zap.Error(cause),
	)
	return q.parkDelayed(ctx, job, due)
}

// UpdateProgress records coarse progress on the inflight claim.
func (q *Queue) UpdateProgress(ctx context.Context, jobID string, progress int) error {
	entry, ok, err := q.getInflight(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	entry.Job.Progress = progress
	entry.HeartbeatAt = time.Now().UTC()
	return q.putInflight(ctx, jobID, entry)
}

// RenewLease refreshes the claim heartbeat so the janitor does not treat the
// job as stalled.
func (q *Queue) RenewLease(ctx context.Context, jobID string) error {
	entry, ok, err := q.getInflight(ctx, jobID)
	if err != nil || !ok {
		return err
	}
	entry.HeartbeatAt = time.Now().UTC()
	return q.putInflight(ctx, jobID, entry)
}

// Len returns pending counts per priority plus inflight and delayed depths.
func (q *Queue) Len(ctx context.Context) (pending, inflight, delayed int64, err error) {
	for _, prio := range priorities {
		n, err := q.store.LLen(ctx, pendingKey(prio))
		if err != nil {
			return 0, 0, 0, err
		}
		pending += n
	}
	all, err := q.store.HGetAll(ctx, inflightKey)
	if err != nil {
		return 0, 0, 0, err
	}
	inflight = int64(len(all))
	members, err := q.store.ZRangeByScore(ctx, delayedKey, math.Inf(-1), math.Inf(1))
	if err != nil {
		return 0, 0, 0, err
	}
	delayed = int64(len(members))
	return pending, inflight, delayed, nil
}

func (q *Queue) markInflight(ctx context.Context, job Job, workerID string, stalls int) error {
	now := time.Now().UTC()
	return q.putInflight(ctx, job.ID, inflightEntry{
		Job:         job,
		WorkerID:    workerID,
		ClaimedAt:   now,
		HeartbeatAt: now,
		Stalls:      stalls,
	})
}

func (q *Queue) putInflight(ctx context.Context, jobID string, entry inflightEntry) error {
	data, err := json.Marshal(entry)
	if err != nil {
		return apperr.WrapCause(apperr.ErrStore, err, "encode inflight entry")
	}
	return q.store.HSet(ctx, inflightKey, jobID, string(data))
}

func (q *Queue) getInflight(ctx context.Context, jobID string) (inflightEntry, bool, error) {
	raw, ok, err := q.store.HGet(ctx, inflightKey, jobID)
	if err != nil || !ok {
		return inflightEntry{}, ok, err
	}
	var entry inflightEntry
	if err := json.Unmarshal([]byte(raw), &entry); err != nil {
		return inflightEntry{}, false, apperr.WrapCause(apperr.ErrStore, err, "decode inflight entry")
	}
	return entry, true, nil
}

func (q *Queue) parkDelayed(ctx context.Context, job Job, due time.Time) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.WrapCause(apperr.ErrStore, err, "encode delayed job")
	}
	return q.store.ZAdd(ctx, delayedKey, store.ZMember{
		Score:  float64(due.UnixMilli()),
		Member: string(data),
	})
}

func (q *Queue) pushDead(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return apperr.WrapCause(apperr.ErrStore, err, "encode dead job")
	}
	return q.store.RPush(ctx, deadKey, string(data))
}
