package ports

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/store"
)

// SessionActiveFunc reports whether the session holding a port claim is still
// alive (exists and is not Terminated).
type SessionActiveFunc func(ctx context.Context, sessionID string) (bool, error)

// StaleHook is invoked once per reap cycle for auxiliary cleanup, e.g. removing
// stale sandboxes. Errors are logged, never propagated.
type StaleHook func(ctx context.Context) error

// Reaper reconciles allocator claims with live session records. It closes the
// gap left by crashes that skipped explicit release; the claim TTL provides
// correctness even when no reaper runs.
type Reaper struct {
	store    store.Store
	kinds    []Kind
	active   SessionActiveFunc
	interval time.Duration
	hooks    []StaleHook
	logger   *logger.Logger
}

// NewReaper creates a reaper over the given port kinds.
func NewReaper(s store.Store, kinds []Kind, active SessionActiveFunc, interval time.Duration, log *logger.Logger) *Reaper {
	return &Reaper{
		store:    s,
		kinds:    kinds,
		active:   active,
		interval: interval,
		logger:   log.WithFields(zap.String("component", "port-reaper")),
	}
}

// AddHook registers an auxiliary cleanup step run each cycle.
func (r *Reaper) AddHook(hook StaleHook) {
	r.hooks = append(r.hooks, hook)
}

// Run reaps on the configured interval until ctx is cancelled.
func (r *Reaper) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	r.logger.Info("Port reaper started", zap.Duration("interval", r.interval))
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Port reaper stopped")
			return
		case <-ticker.C:
			if err := r.ReapOnce(ctx); err != nil {
				r.logger.Warn("Reap cycle failed", zap.Error(err))
			}
		}
	}
}

// ReapOnce scans every claim key and deletes those whose session is gone or
// Terminated. Claims whose TTL already expired vanish on their own and are
// never observed here.
func (r *Reaper) ReapOnce(ctx context.Context) error {
	for _, kind := range r.kinds {
		keys, err := r.store.Keys(ctx, "port:"+string(kind)+":*")
		if err != nil {
			return err
		}
		for _, key := range keys {
			sessionID, ok, err := r.store.Get(ctx, key)
			if err != nil {
				return err
			}
			if !ok {
				continue // expired between scan and read
			}
			alive, err := r.active(ctx, sessionID)
			if err != nil {
				r.logger.Warn("Could not resolve claim owner",
					zap.String("key", key),
					zap.Error(err),
				)
				continue
			}
			if alive {
				continue
			}
			if _, err := r.store.Del(ctx, key); err != nil {
				return err
			}
			r.logger.Info("Reclaimed orphaned port claim",
				zap.String("key", key),
				zap.String("session_id", sessionID),
			)
		}
	}

	for _, hook := range r.hooks {
		if err := hook(ctx); err != nil {
			r.logger.Warn("Reaper hook failed", zap.Error(err))
		}
	}
	return nil
}
