package session_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottobot/ottobot/internal/common/apperr"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/session"
	"github.com/ottobot/ottobot/internal/store/storetest"
)

func newRegistry(t *testing.T) (*session.Registry, *miniredis.Miniredis) {
	t.Helper()
	s, mr := storetest.New(t)
	return session.NewRegistry(s, time.Hour, logger.Default()), mr
}

func TestCreateAndGet(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{
		InitialPrompt: "build me a dashboard",
		Environment:   "python",
	})
	require.NoError(t, err)
	require.NotEmpty(t, sess.ID)
	assert.Equal(t, session.StatusInitializing, sess.Status)
	assert.True(t, sess.ExpiresAt.After(sess.CreatedAt))

	got, err := reg.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, sess.ID, got.ID)
	assert.Equal(t, "build me a dashboard", got.InitialPrompt)
	assert.Equal(t, "python", got.Environment)

	total, err := reg.TotalSessions(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, total)
}

func TestGetMissingIsNotFound(t *testing.T) {
	reg, _ := newRegistry(t)

	_, err := reg.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err))
}

func TestUpdatePreservesResidualTTL(t *testing.T) {
	reg, mr := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	// Burn 30 minutes of the 1h TTL, then update. The record must not get a
	// fresh hour.
	mr.FastForward(30 * time.Minute)
	_, err = reg.Update(ctx, sess.ID, func(s *session.Session) {
		s.Status = session.StatusReady
	})
	require.NoError(t, err)

	mr.FastForward(31 * time.Minute)
	_, err = reg.Get(ctx, sess.ID)
	require.Error(t, err)
	assert.True(t, apperr.IsNotFound(err), "record should expire on original schedule")
}

func TestUpdateMovesWorkerBinding(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	_, err = reg.Update(ctx, sess.ID, func(s *session.Session) { s.WorkerID = "w1" })
	require.NoError(t, err)

	ids, err := reg.SessionsByWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, ids)

	_, err = reg.Update(ctx, sess.ID, func(s *session.Session) { s.WorkerID = "w2" })
	require.NoError(t, err)

	ids, err = reg.SessionsByWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, ids)
	ids, err = reg.SessionsByWorker(ctx, "w2")
	require.NoError(t, err)
	assert.Equal(t, []string{sess.ID}, ids)
}

func TestSetStatusClearsErrorOnRecovery(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	got, err := reg.SetStatus(ctx, sess.ID, session.StatusError, "boom")
	require.NoError(t, err)
	assert.Equal(t, "boom", got.Error)

	got, err = reg.SetStatus(ctx, sess.ID, session.StatusReady, "")
	require.NoError(t, err)
	assert.Empty(t, got.Error)
}

func TestMessagesRoundTrip(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	require.NoError(t, reg.AppendMessage(ctx, sess.ID, session.NewEvent(session.EventUserPrompt, "hi")))
	require.NoError(t, reg.AppendMessage(ctx, sess.ID, session.NewEvent(session.EventAgentThinking, "hmm")))
	require.NoError(t, reg.AppendMessage(ctx, sess.ID, session.NewEvent(session.EventAgentResponse, "done")))

	all, err := reg.ReadMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, session.EventUserPrompt, all[0].Type)
	assert.Equal(t, "done", all[2].Content)

	last, err := reg.ReadMessages(ctx, sess.ID, 2)
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, "hmm", last[0].Content)
}

func TestLogsAreCapped(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	for i := 0; i < 1005; i++ {
		require.NoError(t, reg.AppendLog(ctx, sess.ID, "info", "line", map[string]any{"i": i}))
	}

	entries, err := reg.ReadLogs(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Len(t, entries, 1000)
	// Oldest five lines trimmed.
	assert.EqualValues(t, 5, entries[0].Metadata["i"])
}

func TestContextBlobRoundTrip(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	_, ok, err := reg.GetContext(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, reg.SetContext(ctx, sess.ID, []byte(`{"turns":3}`)))
	blob, ok, err := reg.GetContext(ctx, sess.ID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.JSONEq(t, `{"turns":3}`, string(blob))
}

func TestDeleteRemovesEverything(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)
	_, err = reg.Update(ctx, sess.ID, func(s *session.Session) { s.WorkerID = "w1" })
	require.NoError(t, err)
	require.NoError(t, reg.AppendMessage(ctx, sess.ID, session.NewEvent(session.EventUserPrompt, "hi")))
	require.NoError(t, reg.AppendLog(ctx, sess.ID, "info", "line", nil))

	removed, err := reg.Delete(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, removed)

	_, err = reg.Get(ctx, sess.ID)
	assert.True(t, apperr.IsNotFound(err))
	msgs, err := reg.ReadMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
	ids, err := reg.SessionsByWorker(ctx, "w1")
	require.NoError(t, err)
	assert.Empty(t, ids)

	removed, err = reg.Delete(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, removed)
}

func TestListActiveOrdersAndFilters(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	first, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "a"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	second, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "b"})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	third, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "c"})
	require.NoError(t, err)

	_, err = reg.SetStatus(ctx, second.ID, session.StatusTerminated, "")
	require.NoError(t, err)

	list, total, err := reg.ListActive(ctx, 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, list, 2)
	assert.Equal(t, third.ID, list[0].ID, "newest first")
	assert.Equal(t, first.ID, list[1].ID)

	page, total, err := reg.ListActive(ctx, 1, 1)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, page, 1)
	assert.Equal(t, first.ID, page[0].ID)

	count, err := reg.CountActive(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, count)
}

func TestActivePredicate(t *testing.T) {
	reg, _ := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	alive, err := reg.Active(ctx, sess.ID)
	require.NoError(t, err)
	assert.True(t, alive)

	_, err = reg.SetStatus(ctx, sess.ID, session.StatusTerminated, "")
	require.NoError(t, err)
	alive, err = reg.Active(ctx, sess.ID)
	require.NoError(t, err)
	assert.False(t, alive)

	alive, err = reg.Active(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, alive)
}

func TestExpireAllPurges(t *testing.T) {
	reg, mr := newRegistry(t)
	ctx := context.Background()

	sess, err := reg.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)
	require.NoError(t, reg.AppendMessage(ctx, sess.ID, session.NewEvent(session.EventUserPrompt, "hi")))

	require.NoError(t, reg.ExpireAll(ctx, sess.ID, 5*time.Minute))
	mr.FastForward(6 * time.Minute)

	_, err = reg.Get(ctx, sess.ID)
	assert.True(t, apperr.IsNotFound(err))
	msgs, err := reg.ReadMessages(ctx, sess.ID, 0)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
