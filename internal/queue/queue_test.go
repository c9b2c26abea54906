package queue_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/queue"
	"github.com/ottobot/ottobot/internal/store"
	"github.com/ottobot/ottobot/internal/store/storetest"
)

func newQueue(t *testing.T) (*queue.Queue, *queue.Janitor, *store.RedisStore) {
	t.Helper()
	s, _ := storetest.New(t)
	log := logger.Default()
	q := queue.New(s, log)
	j := queue.NewJanitor(s, q, time.Minute, log)
	return q, j, s
}

func TestEnqueueDequeueRoundTrip(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	jobID, err := q.Enqueue(ctx, queue.Job{
		Kind:      queue.KindCreateSession,
		SessionID: "s1",
		Payload:   json.RawMessage(`{"prompt":"hi"}`),
	})
	require.NoError(t, err)
	require.NotEmpty(t, jobID)

	job, err := q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, jobID, job.ID)
	assert.Equal(t, queue.KindCreateSession, job.Kind)
	assert.Equal(t, "s1", job.SessionID)
	assert.Equal(t, 1, job.Attempts)

	require.NoError(t, q.Complete(ctx, job.ID))

	pending, inflight, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, inflight)
	assert.Zero(t, delayed)
}

func TestTerminateOutranksBacklog(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindCreateSession, SessionID: "bulk"})
		require.NoError(t, err)
	}
	termID, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindTerminateSession, SessionID: "urgent"})
	require.NoError(t, err)

	job, err := q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, termID, job.ID, "terminate job should jump the queue")
	assert.Equal(t, queue.PriorityTerminate, job.Priority)
}

func TestEnqueueDerivesPriorityFromKind(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	// Callers leave Priority at its zero value; the queue must never let a
	// create or process job share the terminate lane because of that.
	for _, kind := range []queue.Kind{queue.KindCreateSession, queue.KindProcessMessage} {
		_, err := q.Enqueue(ctx, queue.Job{Kind: kind, SessionID: "s1"})
		require.NoError(t, err)
		job, err := q.TryDequeue(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, job)
		assert.Equal(t, queue.PriorityNormal, job.Priority, string(kind))
		require.NoError(t, q.Complete(ctx, job.ID))
	}

	_, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindTerminateSession, SessionID: "s1"})
	require.NoError(t, err)
	job, err := q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.PriorityTerminate, job.Priority)
}

func TestDequeueBlocksUntilWork(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	got := make(chan *queue.Job, 1)
	go func() {
		job, err := q.Dequeue(ctx, "w1")
		if err == nil {
			got <- job
		}
	}()

	time.Sleep(100 * time.Millisecond)
	_, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindProcessMessage, SessionID: "s1"})
	require.NoError(t, err)

	select {
	case job := <-got:
		assert.Equal(t, queue.KindProcessMessage, job.Kind)
	case <-time.After(3 * time.Second):
		t.Fatal("dequeue never returned")
	}
}

func TestDequeueHonorsContext(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()

	_, err := q.Dequeue(ctx, "w1")
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestFailParksForRetry(t *testing.T) {
	q, _, _ := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindCreateSession, SessionID: "s1"})
	require.NoError(t, err)
	job, err := q.TryDequeue(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.Fail(ctx, job.ID, errors.New("sandbox exploded")))

	pending, inflight, delayed, err := q.Len(ctx)
	require.NoError(t, err)
	assert.Zero(t, pending)
	assert.Zero(t, inflight)
	assert.EqualValues(t, 1, delayed, "failed job parks in the delayed set")

	// The retry delay has not elapsed, so the job is not claimable yet.
	job, err = q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job)
}

func TestFailDeadLettersAfterMaxAttempts(t *testing.T) {
	q, j, s := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindCreateSession, SessionID: "s1"})
	require.NoError(t, err)

	// Burn three attempts; each failure except the last parks the job, which
	// we promote by rewriting its due time to the past.
	for attempt := 1; attempt <= 3; attempt++ {
		job, err := q.TryDequeue(ctx, "w1")
		require.NoError(t, err)
		require.NotNil(t, job, "attempt %d should find the job", attempt)
		assert.Equal(t, attempt, job.Attempts)
		require.NoError(t, q.Fail(ctx, job.ID, errors.New("still broken")))
		if attempt < 3 {
			promoteNow(t, s, j)
		}
	}

	job, err := q.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	assert.Nil(t, job, "dead-lettered job must not come back")

	dead, err := s.LRange(ctx, "queue:dead", 0, -1)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestJanitorRequeuesStalledClaim(t *testing.T) {
	q, j, s := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindProcessMessage, SessionID: "s1"})
	require.NoError(t, err)
	job, err := q.TryDequeue(ctx, "w-dead")
	require.NoError(t, err)

	backdateHeartbeat(t, s, job.ID, time.Now().Add(-2*time.Minute))
	require.NoError(t, j.SweepOnce(ctx))

	again, err := q.TryDequeue(ctx, "w-live")
	require.NoError(t, err)
	require.NotNil(t, again, "stalled job should be claimable again")
	assert.Equal(t, job.ID, again.ID)
	assert.Equal(t, 1, again.Stalls)
}

func TestJanitorDeadLettersChronicStaller(t *testing.T) {
	q, j, s := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindProcessMessage, SessionID: "s1"})
	require.NoError(t, err)

	for stall := 1; stall <= 3; stall++ {
		job, err := q.TryDequeue(ctx, "w-dead")
		require.NoError(t, err)
		require.NotNil(t, job, "stall %d should still find the job", stall)
		backdateHeartbeat(t, s, job.ID, time.Now().Add(-2*time.Minute))
		require.NoError(t, j.SweepOnce(ctx))
	}

	job, err := q.TryDequeue(ctx, "w-live")
	require.NoError(t, err)
	assert.Nil(t, job, "chronically stalled job must not be claimable")

	dead, err := s.LRange(ctx, "queue:dead", 0, -1)
	require.NoError(t, err)
	assert.Len(t, dead, 1)
}

func TestRenewLeaseKeepsClaimAlive(t *testing.T) {
	q, j, s := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindCreateSession, SessionID: "s1"})
	require.NoError(t, err)
	job, err := q.TryDequeue(ctx, "w1")
	require.NoError(t, err)

	backdateHeartbeat(t, s, job.ID, time.Now().Add(-2*time.Minute))
	require.NoError(t, q.RenewLease(ctx, job.ID))
	require.NoError(t, j.SweepOnce(ctx))

	_, inflight, _, err := q.Len(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, inflight, "renewed claim must survive the sweep")
}

func TestUpdateProgress(t *testing.T) {
	q, _, s := newQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, queue.Job{Kind: queue.KindCreateSession, SessionID: "s1"})
	require.NoError(t, err)
	job, err := q.TryDequeue(ctx, "w1")
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, job.ID, 70))

	raw, ok, err := s.HGet(ctx, "queue:inflight", job.ID)
	require.NoError(t, err)
	require.True(t, ok)
	var entry struct {
		Job queue.Job `json:"job"`
	}
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	assert.Equal(t, 70, entry.Job.Progress)
}

// promoteNow rewrites every delayed job's due time to the past and sweeps.
func promoteNow(t *testing.T, s *store.RedisStore, j *queue.Janitor) {
	t.Helper()
	ctx := context.Background()
	members, err := s.ZRangeByScore(ctx, "queue:delayed", mathInfNeg, mathInfPos)
	require.NoError(t, err)
	for _, m := range members {
		_, err := s.ZRem(ctx, "queue:delayed", m)
		require.NoError(t, err)
		require.NoError(t, s.ZAdd(ctx, "queue:delayed", store.ZMember{Score: 0, Member: m}))
	}
	require.NoError(t, j.SweepOnce(ctx))
}

// backdateHeartbeat rewrites an inflight claim's heartbeat timestamp.
func backdateHeartbeat(t *testing.T, s *store.RedisStore, jobID string, at time.Time) {
	t.Helper()
	ctx := context.Background()
	raw, ok, err := s.HGet(ctx, "queue:inflight", jobID)
	require.NoError(t, err)
	require.True(t, ok)
	var entry map[string]json.RawMessage
	require.NoError(t, json.Unmarshal([]byte(raw), &entry))
	stamped, err := json.Marshal(at.UTC())
	require.NoError(t, err)
	entry["heartbeat_at"] = stamped
	updated, err := json.Marshal(entry)
	require.NoError(t, err)
	require.NoError(t, s.HSet(ctx, "queue:inflight", jobID, string(updated)))
}

const (
	mathInfNeg = -1e18
	mathInfPos = 1e18
)
