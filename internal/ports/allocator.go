// Package ports provides exclusive allocation of the two sandbox TCP port
// ranges on top of the coordination store's atomic claims.
package ports

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/store"
)

// Kind names a port range.
type Kind string

const (
	// KindDesktop is the remote-desktop proxy range.
	KindDesktop Kind = "desktop"
	// KindTool is the tool-endpoint range.
	KindTool Kind = "tool"
)

// Key returns the claim key for a port of this kind.
func (k Kind) Key(port int) string {
	return fmt.Sprintf("port:%s:%d", k, port)
}

// Allocator hands out ports from a single inclusive range. The claim value is
// the owning session id so the reaper can reconcile claims against records.
type Allocator struct {
	store  store.Store
	kind   Kind
	lo, hi int
	lease  time.Duration
	logger *logger.Logger
}

// NewAllocator creates an allocator over [lo, hi]. The lease is a safety TTL:
// a claim that is never explicitly released still expires on its own.
func NewAllocator(s store.Store, kind Kind, lo, hi int, lease time.Duration, log *logger.Logger) *Allocator {
	return &Allocator{
		store:  s,
		kind:   kind,
		lo:     lo,
		hi:     hi,
		lease:  lease,
		logger: log.WithFields(zap.String("component", "ports"), zap.String("kind", string(kind))),
	}
}

// Allocate claims the lowest free port in the range for sessionID.
// The scan is linear so allocation order is deterministic; a lost setnx race
// simply advances to the next port. Returns ErrResourceExhausted when every
// port in the range is claimed.
func (a *Allocator) Allocate(ctx context.Context, sessionID string) (int, error) {
	for p := a.lo; p <= a.hi; p++ {
		ok, err := a.store.SetNX(ctx, a.kind.Key(p), sessionID, a.lease)
		if err != nil {
			return 0, err
		}
		if ok {
			a.logger.Debug("Port allocated",
				zap.Int("port", p),
				zap.String("session_id", sessionID),
			)
			return p, nil
		}
	}
	return 0, apperr.Wrap(apperr.ErrResourceExhausted, "no %s port available in [%d, %d]", a.kind, a.lo, a.hi)
}

// Release frees a claimed port. Releasing an unclaimed port is a no-op.
func (a *Allocator) Release(ctx context.Context, port int) error {
	if port < a.lo || port > a.hi {
		return nil
	}
	if _, err := a.store.Del(ctx, a.kind.Key(port)); err != nil {
		return err
	}
	a.logger.Debug("Port released", zap.Int("port", port))
	return nil
}

// Holder returns the session id holding port, if any.
func (a *Allocator) Holder(ctx context.Context, port int) (string, bool, error) {
	return a.store.Get(ctx, a.kind.Key(port))
}

// Kind returns the range kind.
func (a *Allocator) Kind() Kind { return a.kind }

// Range returns the inclusive bounds of the range.
func (a *Allocator) Range() (int, int) { return a.lo, a.hi }
