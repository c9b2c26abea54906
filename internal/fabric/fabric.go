// Package fabric fans session chat events out to every interested party, in
// process and across processes. Local subscribers get each event exactly once:
// the publishing instance delivers directly, and the store leg is deduplicated
// by publisher id and sequence number.
package fabric

import (
	"context"
	"encoding/json"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/id"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/session"
	"github.com/ottobot/ottobot/internal/store"
)

// Handler receives one chat event. Handlers run on the fabric's dispatch
// goroutine and must not block.
type Handler func(evt session.MessageEvent)

// envelope is the wire form carried over the store's pub/sub leg.
type envelope struct {
	PublisherID string               `json:"publisher_id"`
	Seq         uint64               `json:"seq"`
	Event       session.MessageEvent `json:"event"`
}

type sessionHub struct {
	handlers map[int]Handler
	sub      store.Subscription
	cancel   context.CancelFunc
	lastSeq  map[string]uint64 // per-publisher, for duplicate suppression
}

// Fabric is one instance's endpoint on the session message bus.
type Fabric struct {
	store       store.Store
	publisherID string
	seq         atomic.Uint64
	logger      *logger.Logger

	mu     sync.Mutex
	nextID int
	hubs   map[string]*sessionHub
	closed bool
}

// New creates a fabric endpoint with a fresh publisher identity.
func New(s store.Store, log *logger.Logger) *Fabric {
	return &Fabric{
		store:       s,
		publisherID: id.New(),
		logger:      log.WithFields(zap.String("component", "fabric")),
		hubs:        make(map[string]*sessionHub),
	}
}

// Subscribe registers handler for a session's events and returns an
// unsubscribe function. The first subscriber for a session opens the store
// subscription; the last one leaving closes it.
func (f *Fabric) Subscribe(ctx context.Context, sessionID string, handler Handler) (func(), error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, apperr.Wrap(apperr.ErrPublish, "fabric closed")
	}

	hub, ok := f.hubs[sessionID]
	if !ok {
		sub, err := f.store.Subscribe(ctx, session.ChannelKey(sessionID))
		if err != nil {
			return nil, err
		}
		pumpCtx, cancel := context.WithCancel(context.Background())
		hub = &sessionHub{
			handlers: make(map[int]Handler),
			sub:      sub,
			cancel:   cancel,
			lastSeq:  make(map[string]uint64),
		}
		f.hubs[sessionID] = hub
		go f.pump(pumpCtx, sessionID, hub)
	}

	hid := f.nextID
	f.nextID++
	hub.handlers[hid] = handler

	return func() { f.unsubscribe(sessionID, hid) }, nil
}

// Publish delivers evt to local subscribers and then to the store channel.
// Local delivery always happens; a store failure is reported as ErrPublish so
// the caller knows remote instances may have missed the event.
func (f *Fabric) Publish(ctx context.Context, sessionID string, evt session.MessageEvent) error {
	env := envelope{
		PublisherID: f.publisherID,
		Seq:         f.seq.Add(1),
		Event:       evt,
	}

	f.dispatch(sessionID, evt)

	data, err := json.Marshal(env)
	if err != nil {
		return apperr.WrapCause(apperr.ErrPublish, err, "encode event envelope")
	}
	if err := f.store.Publish(ctx, session.ChannelKey(sessionID), data); err != nil {
		return apperr.WrapCause(apperr.ErrPublish, err, "publish to store channel")
	}
	return nil
}

// Close tears down every session hub. Registered handlers receive nothing
// afterwards.
func (f *Fabric) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for sessionID, hub := range f.hubs {
		hub.cancel()
		if err := hub.sub.Unsubscribe(); err != nil {
			f.logger.Warn("Unsubscribe failed during close",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
		}
	}
	f.hubs = make(map[string]*sessionHub)
}

// pump reads the store subscription and dispatches remote events.
func (f *Fabric) pump(ctx context.Context, sessionID string, hub *sessionHub) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-hub.sub.Messages():
			if !ok {
				return
			}
			var env envelope
			if err := json.Unmarshal([]byte(msg.Payload), &env); err != nil {
				f.logger.Warn("Dropping undecodable envelope",
					zap.String("session_id", sessionID),
					zap.Error(err),
				)
				continue
			}
			if env.PublisherID == f.publisherID {
				continue // already delivered locally at publish time
			}
			if !f.admit(sessionID, hub, env) {
				continue
			}
			f.dispatch(sessionID, env.Event)
		}
	}
}

// admit records the envelope's sequence number and rejects replays.
func (f *Fabric) admit(sessionID string, hub *sessionHub, env envelope) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.hubs[sessionID] != hub {
		return false
	}
	if last, seen := hub.lastSeq[env.PublisherID]; seen && env.Seq <= last {
		return false
	}
	hub.lastSeq[env.PublisherID] = env.Seq
	return true
}

// dispatch invokes every local handler for sessionID. A panicking handler is
// isolated from its peers.
func (f *Fabric) dispatch(sessionID string, evt session.MessageEvent) {
	f.mu.Lock()
	hub, ok := f.hubs[sessionID]
	if !ok {
		f.mu.Unlock()
		return
	}
	handlers := make([]Handler, 0, len(hub.handlers))
	for _, h := range hub.handlers {
		handlers = append(handlers, h)
	}
	f.mu.Unlock()

	for _, h := range handlers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					f.logger.Error("Subscriber panicked",
						zap.String("session_id", sessionID),
						zap.Any("panic", r),
					)
				}
			}()
			h(evt)
		}()
	}
}

func (f *Fabric) unsubscribe(sessionID string, hid int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	hub, ok := f.hubs[sessionID]
	if !ok {
		return
	}
	delete(hub.handlers, hid)
	if len(hub.handlers) > 0 {
		return
	}
	hub.cancel()
	if err := hub.sub.Unsubscribe(); err != nil {
		f.logger.Warn("Unsubscribe failed",
			zap.String("session_id", sessionID),
			zap.Error(err),
		)
	}
	delete(f.hubs, sessionID)
}
