package agent_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottobot/ottobot/internal/agent"
	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/session"
)

type fakeAgent struct {
	mu       sync.Mutex
	prompts  []string
	shutdown bool
}

func (f *fakeAgent) Prompt(_ context.Context, content string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, content)
	return nil
}

func (f *fakeAgent) Shutdown(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	return nil
}

func fakeFactory(agents *[]*fakeAgent) agent.Factory {
	return func(_ context.Context, _ agent.Config) (agent.Agent, error) {
		a := &fakeAgent{}
		*agents = append(*agents, a)
		return a, nil
	}
}

func TestRunnerSpawnGetShutdown(t *testing.T) {
	var spawned []*fakeAgent
	r := agent.NewRunner(fakeFactory(&spawned), logger.Default())
	ctx := context.Background()

	a, err := r.Spawn(ctx, agent.Config{SessionID: "s1", Logger: logger.Default()})
	require.NoError(t, err)
	require.NotNil(t, a)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Get("s1")
	require.True(t, ok)
	assert.Same(t, a, got)

	require.NoError(t, r.Shutdown(ctx, "s1"))
	_, ok = r.Get("s1")
	assert.False(t, ok)
	assert.True(t, spawned[0].shutdown)

	// Shutting down an absent agent is a no-op.
	require.NoError(t, r.Shutdown(ctx, "s1"))
}

func TestRunnerSpawnReplacesPrevious(t *testing.T) {
	var spawned []*fakeAgent
	r := agent.NewRunner(fakeFactory(&spawned), logger.Default())
	ctx := context.Background()

	_, err := r.Spawn(ctx, agent.Config{SessionID: "s1", Logger: logger.Default()})
	require.NoError(t, err)
	second, err := r.Spawn(ctx, agent.Config{SessionID: "s1", Logger: logger.Default()})
	require.NoError(t, err)

	assert.Equal(t, 1, r.Count())
	assert.True(t, spawned[0].shutdown, "replaced agent must be shut down")
	got, _ := r.Get("s1")
	assert.Same(t, second, got)
}

func TestRunnerSpawnErrorIsWrapped(t *testing.T) {
	r := agent.NewRunner(func(context.Context, agent.Config) (agent.Agent, error) {
		return nil, errors.New("no backend")
	}, logger.Default())

	_, err := r.Spawn(context.Background(), agent.Config{SessionID: "s1", Logger: logger.Default()})
	require.Error(t, err)
	assert.Equal(t, 0, r.Count())
}

func TestRunnerCloseAll(t *testing.T) {
	var spawned []*fakeAgent
	r := agent.NewRunner(fakeFactory(&spawned), logger.Default())
	ctx := context.Background()

	for _, id := range []string{"a", "b", "c"} {
		_, err := r.Spawn(ctx, agent.Config{SessionID: id, Logger: logger.Default()})
		require.NoError(t, err)
	}

	r.CloseAll(ctx)
	assert.Equal(t, 0, r.Count())
	for _, a := range spawned {
		assert.True(t, a.shutdown)
	}
}

func newToolServer(t *testing.T, healthy bool) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !healthy {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func scriptedConfig(srv *httptest.Server, events *[]session.MessageEvent, contexts *[][]byte) agent.Config {
	var mu sync.Mutex
	return agent.Config{
		SessionID:    "s1",
		Environment:  "python",
		ToolEndpoint: srv.URL,
		Logger:       logger.Default(),
		OnEvent: func(evt session.MessageEvent) {
			mu.Lock()
			defer mu.Unlock()
			*events = append(*events, evt)
		},
		OnContext: func(_ context.Context, blob []byte) error {
			mu.Lock()
			defer mu.Unlock()
			*contexts = append(*contexts, blob)
			return nil
		},
	}
}

func TestScriptedAgentTurn(t *testing.T) {
	srv := newToolServer(t, true)
	factory := agent.NewScriptedFactory(agent.ScriptedOptions{
		ConnectTimeout:  time.Second,
		ConnectInterval: 10 * time.Millisecond,
	})

	var events []session.MessageEvent
	var contexts [][]byte
	a, err := factory(context.Background(), scriptedConfig(srv, &events, &contexts))
	require.NoError(t, err)

	require.NoError(t, a.Prompt(context.Background(), "add a README"))

	require.Len(t, events, 3)
	assert.Equal(t, session.EventAgentThinking, events[0].Type)
	assert.Equal(t, session.EventAgentAction, events[1].Type)
	require.NotNil(t, events[1].Metadata)
	assert.Equal(t, "workspace", events[1].Metadata.ToolUsed)
	assert.Equal(t, session.EventAgentResponse, events[2].Type)
	assert.Contains(t, events[2].Content, "add a README")

	require.NotEmpty(t, contexts, "context must be persisted after a turn")
	assert.JSONEq(t, `{"turns":1}`, string(contexts[len(contexts)-1]))
}

func TestScriptedAgentRehydratesContext(t *testing.T) {
	srv := newToolServer(t, true)
	factory := agent.NewScriptedFactory(agent.ScriptedOptions{
		ConnectTimeout:  time.Second,
		ConnectInterval: 10 * time.Millisecond,
	})

	var events []session.MessageEvent
	var contexts [][]byte
	cfg := scriptedConfig(srv, &events, &contexts)
	cfg.Context = []byte(`{"turns":4}`)

	a, err := factory(context.Background(), cfg)
	require.NoError(t, err)
	require.NoError(t, a.Prompt(context.Background(), "continue"))

	assert.JSONEq(t, `{"turns":5}`, string(contexts[len(contexts)-1]))
}

func TestScriptedAgentConnectTimeout(t *testing.T) {
	srv := newToolServer(t, false)
	factory := agent.NewScriptedFactory(agent.ScriptedOptions{
		ConnectTimeout:  100 * time.Millisecond,
		ConnectInterval: 10 * time.Millisecond,
	})

	var events []session.MessageEvent
	var contexts [][]byte
	_, err := factory(context.Background(), scriptedConfig(srv, &events, &contexts))
	require.Error(t, err)
}
