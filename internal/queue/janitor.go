package queue

import (
	"context"
	"encoding/json"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/store"
)

const stallTimeout = 30 * time.Second

// Janitor promotes due delayed jobs and requeues claims whose worker stopped
// heartbeating. Safe to run on every API instance: the ZRem guard makes
// promotion single-winner.
type Janitor struct {
	store    store.Store
	queue    *Queue
	interval time.Duration
	logger   *logger.Logger
}

// NewJanitor creates a janitor running each interval.
func NewJanitor(s store.Store, q *Queue, interval time.Duration, log *logger.Logger) *Janitor {
	return &Janitor{
		store:    s,
		queue:    q,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "queue-janitor")),
	}
}

// Run sweeps on the configured interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context) {
	ticker := time.NewTicker(j.interval)
	defer ticker.Stop()

	j.logger.Info("Queue janitor started", zap.Duration("interval", j.interval))
	for {
		select {
		case <-ctx.Done():
			j.logger.Info("Queue janitor stopped")
			return
		case <-ticker.C:
			if err := j.SweepOnce(ctx); err != nil {
				j.logger.Warn("Janitor sweep failed", zap.Error(err))
			}
		}
	}
}

// SweepOnce runs one promotion pass and one stall pass.
func (j *Janitor) SweepOnce(ctx context.Context) error {
	if err := j.promoteDue(ctx); err != nil {
		return err
	}
	return j.requeueStalled(ctx)
}

// promoteDue moves every delayed job whose due time has passed back to its
// pending list. Concurrent janitors race on ZRem; only the winner pushes.
func (j *Janitor) promoteDue(ctx context.Context) error {
	members, err := j.store.ZRangeByScore(ctx, delayedKey, math.Inf(-1), float64(time.Now().UnixMilli()))
	if err != nil {
		return err
	}
	for _, member := range members {
		removed, err := j.store.ZRem(ctx, delayedKey, member)
		if err != nil {
			return err
		}
		if removed == 0 {
			continue // another janitor won
		}
		var job Job
		if err := json.Unmarshal([]byte(member), &job); err != nil {
			j.logger.Error("Dropping undecodable delayed job", zap.Error(err))
			continue
		}
		if err := j.store.RPush(ctx, pendingKey(job.Priority), member); err != nil {
			return err
		}
		j.logger.Info("Delayed job promoted",
			zap.String("job_id", job.ID),
			zap.String("kind", string(job.Kind)),
			zap.Int("attempts", job.Attempts),
		)
	}
	return nil
}

// requeueStalled releases claims with a stale heartbeat. A job that stalls
// maxStalls times is dead-lettered instead of cycling forever.
func (j *Janitor) requeueStalled(ctx context.Context) error {
	entries, err := j.store.HGetAll(ctx, inflightKey)
	if err != nil {
		return err
	}
	cutoff := time.Now().Add(-stallTimeout)

	for jobID, raw := range entries {
		var entry inflightEntry
		if err := json.Unmarshal([]byte(raw), &entry); err != nil {
			j.logger.Error("Dropping undecodable inflight entry", zap.String("job_id", jobID), zap.Error(err))
			_, _ = j.store.HDel(ctx, inflightKey, jobID)
			continue
		}
		if entry.HeartbeatAt.After(cutoff) {
			continue
		}
		if _, err := j.store.HDel(ctx, inflightKey, jobID); err != nil {
			return err
		}

		job := entry.Job
		job.Stalls++
		if job.Stalls >= maxStalls {
			j.logger.Error("Stalled job dead-lettered",
				zap.String("job_id", job.ID),
				zap.String("worker_id", entry.WorkerID),
				zap.Int("stalls", job.Stalls),
			)
			if err := j.queue.pushDead(ctx, job); err != nil {
				return err
			}
			continue
		}

		data, err := json.Marshal(job)
		if err != nil {
			continue
		}
		if err := j.store.RPush(ctx, pendingKey(job.Priority), string(data)); err != nil {
			return err
		}
		j.logger.Warn("Stalled job requeued",
			zap.String("job_id", job.ID),
			zap.String("worker_id", entry.WorkerID),
			zap.Int("stalls", job.Stalls),
		)
	}
	return nil
}
