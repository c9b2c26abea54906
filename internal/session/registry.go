package session

import (
	"context"
	"encoding/json"
	"sort"
	"time"

	"go.uber.org/zap"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/id"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/store"
)

// maxLogEntries caps a session's log stream; older entries are trimmed.
const maxLogEntries = 1000

// Registry stores session records and their derived streams in the
// coordination store. All keys carry the session TTL; Update preserves the
// residual TTL rather than resetting it.
type Registry struct {
	store      store.Store
	defaultTTL time.Duration
	logger     *logger.Logger
}

// NewRegistry creates a Registry with the given default session TTL.
func NewRegistry(s store.Store, defaultTTL time.Duration, log *logger.Logger) *Registry {
	return &Registry{
		store:      s,
		defaultTTL: defaultTTL,
		logger:     log.WithFields(zap.String("component", "session-registry")),
	}
}

// CreateParams are the caller-supplied attributes of a new session.
type CreateParams struct {
	InitialPrompt string
	Environment   string
	Timeout       time.Duration // zero means the registry default
	DesktopPort   int           // pre-reserved by the gateway, zero if not yet
}

// Create stores a new Initializing record and adds it to the index.
func (r *Registry) Create(ctx context.Context, params CreateParams) (*Session, error) {
	ttl := params.Timeout
	if ttl <= 0 {
		ttl = r.defaultTTL
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:            id.New(),
		Status:        StatusInitializing,
		InitialPrompt: params.InitialPrompt,
		Environment:   params.Environment,
		CreatedAt:     now,
		UpdatedAt:     now,
		ExpiresAt:     now.Add(ttl),
		DesktopPort:   params.DesktopPort,
	}

	if err := r.write(ctx, sess, ttl); err != nil {
		return nil, err
	}
	if err := r.store.SAdd(ctx, indexKey, sess.ID); err != nil {
		return nil, err
	}
	if _, err := r.store.Incr(ctx, totalSessionsKey); err != nil {
		return nil, err
	}

	r.logger.Info("Session created",
		zap.String("session_id", sess.ID),
		zap.String("environment", sess.Environment),
		zap.Duration("ttl", ttl),
	)
	return sess, nil
}

// Get loads a session record. Returns ErrNotFound when the record is absent
// or has expired.
func (r *Registry) Get(ctx context.Context, sessionID string) (*Session, error) {
	raw, ok, err := r.store.Get(ctx, recordKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, "session %s", sessionID)
	}
	var sess Session
	if err := json.Unmarshal([]byte(raw), &sess); err != nil {
		return nil, apperr.WrapCause(apperr.ErrStore, err, "decode session record")
	}
	return &sess, nil
}

// Update applies patch to the current record and writes it back with the
// residual TTL. When patch reassigns the worker, the by-worker index sets are
// kept consistent. The record is re-read on every call; last writer wins.
func (r *Registry) Update(ctx context.Context, sessionID string, patch func(*Session)) (*Session, error) {
	sess, err := r.Get(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	prevWorker := sess.WorkerID
	patch(sess)
	sess.UpdatedAt = time.Now().UTC()

	ttl, ok, err := r.store.TTL(ctx, recordKey(sessionID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, apperr.Wrap(apperr.ErrNotFound, "session %s expired during update", sessionID)
	}

	if err := r.write(ctx, sess, ttl); err != nil {
		return nil, err
	}

	if sess.WorkerID != prevWorker {
		if prevWorker != "" {
			if err := r.store.SRem(ctx, byWorkerKey(prevWorker), sessionID); err != nil {
				return nil, err
			}
		}
		if sess.WorkerID != "" {
			if err := r.store.SAdd(ctx, byWorkerKey(sess.WorkerID), sessionID); err != nil {
				return nil, err
			}
		}
	}

	r.syncStreamTTLs(ctx, sessionID, ttl)
	return sess, nil
}

// SetStatus is a convenience wrapper around Update. A non-empty errMsg is
// recorded on the session; Error status without a message gets a placeholder.
func (r *Registry) SetStatus(ctx context.Context, sessionID string, status Status, errMsg string) (*Session, error) {
	return r.Update(ctx, sessionID, func(s *Session) {
		s.Status = status
		if errMsg != "" {
			s.Error = errMsg
		}
		if status != StatusError {
			s.Error = ""
		}
	})
}

// Delete removes the record, its streams, the index entries, and the worker
// binding. Returns false when no record existed.
func (r *Registry) Delete(ctx context.Context, sessionID string) (bool, error) {
	sess, err := r.Get(ctx, sessionID)
	if err != nil && !apperr.IsNotFound(err) {
		return false, err
	}

	keys := []string{
		recordKey(sessionID),
		messagesKey(sessionID),
		logsKey(sessionID),
		contextKey(sessionID),
	}
	n, err := r.store.Del(ctx, keys...)
	if err != nil {
		return false, err
	}
	if err := r.store.SRem(ctx, indexKey, sessionID); err != nil {
		return false, err
	}
	if sess != nil && sess.WorkerID != "" {
		if err := r.store.SRem(ctx, byWorkerKey(sess.WorkerID), sessionID); err != nil {
			return false, err
		}
	}

	if n > 0 {
		r.logger.Info("Session deleted", zap.String("session_id", sessionID))
	}
	return n > 0, nil
}

// AppendMessage appends evt to the session's message stream and re-syncs the
// stream TTL to the record's residual TTL.
func (r *Registry) AppendMessage(ctx context.Context, sessionID string, evt MessageEvent) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return apperr.WrapCause(apperr.ErrStore, err, "encode message event")
	}
	if err := r.store.RPush(ctx, messagesKey(sessionID), string(data)); err != nil {
		return err
	}
	return r.alignStreamTTL(ctx, sessionID, messagesKey(sessionID))
}

// ReadMessages returns the last n stored events in append order; n <= 0 means all.
func (r *Registry) ReadMessages(ctx context.Context, sessionID string, n int) ([]MessageEvent, error) {
	start := int64(0)
	if n > 0 {
		start = int64(-n)
	}
	raw, err := r.store.LRange(ctx, messagesKey(sessionID), start, -1)
	if err != nil {
		return nil, err
	}
	events := make([]MessageEvent, 0, len(raw))
	for _, item := range raw {
		var evt MessageEvent
		if err := json.Unmarshal([]byte(item), &evt); err != nil {
			r.logger.Warn("Dropping undecodable message event",
				zap.String("session_id", sessionID),
				zap.Error(err),
			)
			continue
		}
		events = append(events, evt)
	}
	return events, nil
}

// AppendLog appends a log entry, trimming the stream to the last maxLogEntries.
func (r *Registry) AppendLog(ctx context.Context, sessionID, level, message string, meta map[string]any) error {
	entry := LogEntry{
		Timestamp: time.Now().UTC(),
		Level:     level,
		Message:   message,
		Metadata:  meta,
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return apperr.WrapCause(apperr.ErrStore, err, "encode log entry")
	}
	key := logsKey(sessionID)
	if err := r.store.RPush(ctx, key, string(data)); err != nil {
		return err
	}
	if err := r.store.LTrim(ctx, key, -maxLogEntries, -1); err != nil {
		return err
	}
	return r.alignStreamTTL(ctx, sessionID, key)
}

// ReadLogs returns the last limit entries in append order; limit <= 0 means all.
func (r *Registry) ReadLogs(ctx context.Context, sessionID string, limit int) ([]LogEntry, error) {
	start := int64(0)
	if limit > 0 {
		start = int64(-limit)
	}
	raw, err := r.store.LRange(ctx, logsKey(sessionID), start, -1)
	if err != nil {
		return nil, err
	}
	entries := make([]LogEntry, 0, len(raw))
	for _, item := range raw {
		var entry LogEntry
		if err := json.Unmarshal([]byte(item), &entry); err != nil {
			continue
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

// SetContext stores the agent's opaque context blob.
func (r *Registry) SetContext(ctx context.Context, sessionID string, blob []byte) error {
	if err := r.store.Set(ctx, contextKey(sessionID), string(blob)); err != nil {
		return err
	}
	return r.alignStreamTTL(ctx, sessionID, contextKey(sessionID))
}

// GetContext loads the agent's opaque context blob.
func (r *Registry) GetContext(ctx context.Context, sessionID string) ([]byte, bool, error) {
	raw, ok, err := r.store.Get(ctx, contextKey(sessionID))
	if err != nil || !ok {
		return nil, ok, err
	}
	return []byte(raw), true, nil
}

// ListActive returns non-Terminated sessions sorted by created_at descending,
// plus the total count before pagination. Index entries whose records have
// expired are pruned as a side effect.
func (r *Registry) ListActive(ctx context.Context, limit, offset int) ([]*Session, int, error) {
	ids, err := r.store.SMembers(ctx, indexKey)
	if err != nil {
		return nil, 0, err
	}

	sessions := make([]*Session, 0, len(ids))
	for _, sid := range ids {
		sess, err := r.Get(ctx, sid)
		if apperr.IsNotFound(err) {
			_ = r.store.SRem(ctx, indexKey, sid)
			continue
		}
		if err != nil {
			return nil, 0, err
		}
		if sess.Status == StatusTerminated {
			continue
		}
		sessions = append(sessions, sess)
	}

	sort.Slice(sessions, func(i, j int) bool {
		return sessions[i].CreatedAt.After(sessions[j].CreatedAt)
	})

	total := len(sessions)
	if offset >= total {
		return []*Session{}, total, nil
	}
	end := offset + limit
	if limit <= 0 || end > total {
		end = total
	}
	return sessions[offset:end], total, nil
}

// CountActive returns the number of non-Terminated sessions.
func (r *Registry) CountActive(ctx context.Context) (int, error) {
	_, total, err := r.ListActive(ctx, 0, 0)
	return total, err
}

// TotalSessions returns the monotonic created-session counter.
func (r *Registry) TotalSessions(ctx context.Context) (int64, error) {
	raw, ok, err := r.store.Get(ctx, totalSessionsKey)
	if err != nil || !ok {
		return 0, err
	}
	var n int64
	if err := json.Unmarshal([]byte(raw), &n); err != nil {
		return 0, nil
	}
	return n, nil
}

// SessionsByWorker returns the ids pinned to a worker.
func (r *Registry) SessionsByWorker(ctx context.Context, workerID string) ([]string, error) {
	return r.store.SMembers(ctx, byWorkerKey(workerID))
}

// Active reports whether sessionID names a live, non-Terminated record.
// This is the reaper's liveness predicate.
func (r *Registry) Active(ctx context.Context, sessionID string) (bool, error) {
	sess, err := r.Get(ctx, sessionID)
	if apperr.IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return sess.Status != StatusTerminated, nil
}

// ExpireAll rewrites the TTL of the record and every derived stream. Used for
// the post-terminate purge window: the store deletes everything even if no
// process survives to do it.
func (r *Registry) ExpireAll(ctx context.Context, sessionID string, ttl time.Duration) error {
	for _, key := range []string{
		recordKey(sessionID),
		messagesKey(sessionID),
		logsKey(sessionID),
		contextKey(sessionID),
	} {
		if err := r.store.Expire(ctx, key, ttl); err != nil {
			return err
		}
	}
	return nil
}

// write stores the record with the given TTL (zero = no expiry).
func (r *Registry) write(ctx context.Context, sess *Session, ttl time.Duration) error {
	data, err := json.Marshal(sess)
	if err != nil {
		return apperr.WrapCause(apperr.ErrStore, err, "encode session record")
	}
	if ttl > 0 {
		return r.store.SetEx(ctx, recordKey(sess.ID), string(data), ttl)
	}
	return r.store.Set(ctx, recordKey(sess.ID), string(data))
}

// alignStreamTTL re-syncs one stream key to the record's residual TTL.
func (r *Registry) alignStreamTTL(ctx context.Context, sessionID, streamKey string) error {
	ttl, ok, err := r.store.TTL(ctx, recordKey(sessionID))
	if err != nil {
		return err
	}
	if !ok || ttl <= 0 {
		return nil
	}
	return r.store.Expire(ctx, streamKey, ttl)
}

// syncStreamTTLs best-effort aligns all stream keys to ttl.
func (r *Registry) syncStreamTTLs(ctx context.Context, sessionID string, ttl time.Duration) {
	if ttl <= 0 {
		return
	}
	for _, key := range []string{messagesKey(sessionID), logsKey(sessionID), contextKey(sessionID)} {
		if err := r.store.Expire(ctx, key, ttl); err != nil {
			r.logger.Warn("Failed to re-sync stream TTL",
				zap.String("key", key),
				zap.Error(err),
			)
		}
	}
}
