package gateway_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottobot/ottobot/internal/common/config"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/fabric"
	"github.com/ottobot/ottobot/internal/gateway"
	"github.com/ottobot/ottobot/internal/ports"
	"github.com/ottobot/ottobot/internal/queue"
	"github.com/ottobot/ottobot/internal/session"
	"github.com/ottobot/ottobot/internal/store"
	"github.com/ottobot/ottobot/internal/store/storetest"
)

type fixture struct {
	store    *store.RedisStore
	registry *session.Registry
	queue    *queue.Queue
	fabric   *fabric.Fabric
	desktop  *ports.Allocator
	engine   *gin.Engine
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	s, _ := storetest.New(t)
	log := logger.Default()
	reg := session.NewRegistry(s, time.Hour, log)
	q := queue.New(s, log)
	fab := fabric.New(s, log)
	t.Cleanup(fab.Close)
	desktop := ports.NewAllocator(s, ports.KindDesktop, 6080, 6082, 2*time.Hour, log)

	h := gateway.NewHandler(gateway.Params{
		Registry: reg,
		Queue:    q,
		Fabric:   fab,
		Desktop:  desktop,
		Store:    s,
		Server:   config.ServerConfig{Port: 8000, PublicHost: "localhost"},
		Logger:   log,
	})

	engine := gin.New()
	h.RegisterRoutes(engine)

	return &fixture{store: s, registry: reg, queue: q, fabric: fab, desktop: desktop, engine: engine}
}

func (f *fixture) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	f.engine.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out), "body: %s", rec.Body.String())
	return out
}

func TestCreateSession(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodPost, "/session", gateway.CreateSessionRequest{
		InitialPrompt: "build me a todo app",
		Environment:   "node",
		Timeout:       600,
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	resp := decode[gateway.SessionResponse](t, rec)
	assert.NotEmpty(t, resp.SessionID)
	assert.Equal(t, string(session.StatusInitializing), resp.Status)
	assert.Equal(t, "http://localhost:6080/vnc.html", resp.DesktopURL)
	assert.Equal(t, "ws://localhost:8000/session/"+resp.SessionID+"/chat", resp.ChatURL)
	assert.Equal(t, "build me a todo app", resp.InitialPrompt)

	// A provisioning job is queued for the workers.
	job, err := f.queue.TryDequeue(context.Background(), "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.KindCreateSession, job.Kind)
	assert.Equal(t, resp.SessionID, job.SessionID)
}

func TestCreateSessionValidation(t *testing.T) {
	f := newFixture(t)

	cases := []gateway.CreateSessionRequest{
		{InitialPrompt: ""},
		{InitialPrompt: strings.Repeat("x", 5001)},
		{InitialPrompt: "hi", Timeout: 200},
		{InitialPrompt: "hi", Timeout: 8000},
		{InitialPrompt: "hi", Environment: "cobol"},
	}
	for i, req := range cases {
		rec := f.do(t, http.MethodPost, "/session", req)
		assert.Equal(t, http.StatusBadRequest, rec.Code, "case %d", i)
		resp := decode[gateway.ErrorResponse](t, rec)
		assert.Equal(t, "Bad Request", resp.Error)
	}
}

func TestCreateSessionPortExhaustion(t *testing.T) {
	f := newFixture(t)

	// The fixture range holds three desktop ports.
	for i := 0; i < 3; i++ {
		rec := f.do(t, http.MethodPost, "/session", gateway.CreateSessionRequest{InitialPrompt: "p"})
		require.Equal(t, http.StatusCreated, rec.Code)
	}

	rec := f.do(t, http.MethodPost, "/session", gateway.CreateSessionRequest{InitialPrompt: "p"})
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	resp := decode[gateway.ErrorResponse](t, rec)
	assert.Equal(t, "Service Unavailable", resp.Error)

	// The rejected session must not linger in the registry.
	_, total, err := f.registry.ListActive(context.Background(), 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 3, total)
}

func TestListSessions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		sess, err := f.registry.Create(ctx, session.CreateParams{InitialPrompt: "p" + strconv.Itoa(i)})
		require.NoError(t, err)
		ids = append(ids, sess.ID)
	}
	_, err := f.registry.SetStatus(ctx, ids[0], session.StatusTerminated, "")
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/session?limit=10", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[gateway.ListSessionsResponse](t, rec)
	assert.Equal(t, 2, resp.Total, "terminated sessions are excluded")
	assert.Len(t, resp.Sessions, 2)
	assert.Equal(t, 10, resp.Limit)
}

func TestGetSession(t *testing.T) {
	f := newFixture(t)
	sess, err := f.registry.Create(context.Background(), session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/session/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[gateway.SessionResponse](t, rec)
	assert.Equal(t, sess.ID, resp.SessionID)

	rec = f.do(t, http.MethodGet, "/session/sess-nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestTerminateSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.registry.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodDelete, "/session/"+sess.ID, nil)
	require.Equal(t, http.StatusAccepted, rec.Code)
	resp := decode[gateway.TerminateResponse](t, rec)
	assert.Equal(t, sess.ID, resp.SessionID)

	got, err := f.registry.Get(ctx, sess.ID)
	require.NoError(t, err)
	assert.Equal(t, session.StatusTerminating, got.Status)

	job, err := f.queue.TryDequeue(ctx, "w1")
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, queue.KindTerminateSession, job.Kind)

	rec = f.do(t, http.MethodDelete, "/session/sess-nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSessionLogs(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sess, err := f.registry.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)
	require.NoError(t, f.registry.AppendLog(ctx, sess.ID, "info", "sandbox started", nil))

	rec := f.do(t, http.MethodGet, "/session/"+sess.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[gateway.LogsResponse](t, rec)
	assert.Equal(t, sess.ID, resp.SessionID)
	require.Len(t, resp.Logs, 1)
	assert.Equal(t, "sandbox started", resp.Logs[0].Message)
}

func TestDownloadProxiesContentHeaders(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/download", r.URL.Path)
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", `attachment; filename="workspace.zip"`)
		_, _ = w.Write([]byte("PK-archive-bytes"))
	}))
	t.Cleanup(upstream.Close)
	port, err := strconv.Atoi(upstream.URL[strings.LastIndex(upstream.URL, ":")+1:])
	require.NoError(t, err)

	sess, err := f.registry.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)
	_, err = f.registry.Update(ctx, sess.ID, func(s *session.Session) { s.ToolPort = port })
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/download/"+sess.ID, nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/zip", rec.Header().Get("Content-Type"))
	assert.Equal(t, `attachment; filename="workspace.zip"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "PK-archive-bytes", rec.Body.String())
}

func TestDownloadWithoutToolPort(t *testing.T) {
	f := newFixture(t)
	sess, err := f.registry.Create(context.Background(), session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/download/"+sess.ID, nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodGet, "/download/sess-nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealthDegradedWithoutWorkers(t *testing.T) {
	f := newFixture(t)

	rec := f.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[gateway.HealthResponse](t, rec)
	assert.Equal(t, "degraded", resp.Status)
	assert.True(t, resp.Services.Store)
	assert.Zero(t, resp.Services.Workers)
}

func TestMetrics(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.registry.Create(ctx, session.CreateParams{InitialPrompt: "p"})
	require.NoError(t, err)
	_, err = f.queue.Enqueue(ctx, queue.Job{Kind: queue.KindProcessMessage, SessionID: "s1"})
	require.NoError(t, err)

	status := fmt.Sprintf(`{"worker_id":"worker-abc","started_at":%q,"concurrency":4,"active_jobs":2,"last_heartbeat":%q}`,
		time.Now().UTC().Format(time.RFC3339), time.Now().UTC().Format(time.RFC3339))
	require.NoError(t, f.store.Set(ctx, "worker:worker-abc:status", status))

	rec := f.do(t, http.MethodGet, "/health/metrics", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	resp := decode[gateway.MetricsResponse](t, rec)
	assert.Equal(t, int64(1), resp.ActiveSessions)
	assert.Equal(t, int64(1), resp.TotalSessions)
	assert.Equal(t, int64(1), resp.QueueLength)
	require.Len(t, resp.WorkerStatus, 1)
	assert.Equal(t, "worker-abc", resp.WorkerStatus[0].ID)
	assert.Equal(t, int64(2), resp.WorkerStatus[0].CurrentJobs)
}
