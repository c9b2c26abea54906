package fabric_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ottobot/ottobot/internal/common/logger"
	"github.com/ottobot/ottobot/internal/fabric"
	"github.com/ottobot/ottobot/internal/session"
	"github.com/ottobot/ottobot/internal/store"
	"github.com/ottobot/ottobot/internal/store/storetest"
)

func collect(t *testing.T, f *fabric.Fabric, sessionID string) (<-chan session.MessageEvent, func()) {
	t.Helper()
	events := make(chan session.MessageEvent, 16)
	unsub, err := f.Subscribe(context.Background(), sessionID, func(evt session.MessageEvent) {
		events <- evt
	})
	require.NoError(t, err)
	return events, unsub
}

func recv(t *testing.T, events <-chan session.MessageEvent) session.MessageEvent {
	t.Helper()
	select {
	case evt := <-events:
		return evt
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		return session.MessageEvent{}
	}
}

func assertQuiet(t *testing.T, events <-chan session.MessageEvent) {
	t.Helper()
	select {
	case evt := <-events:
		t.Fatalf("unexpected extra event: %+v", evt)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestLocalDeliveryExactlyOnce(t *testing.T) {
	s, _ := storetest.New(t)
	f := fabric.New(s, logger.Default())
	defer f.Close()

	events, unsub := collect(t, f, "sess-1")
	defer unsub()

	require.NoError(t, f.Publish(context.Background(), "sess-1", session.NewEvent(session.EventUserPrompt, "hello")))

	evt := recv(t, events)
	assert.Equal(t, session.EventUserPrompt, evt.Type)
	assert.Equal(t, "hello", evt.Content)

	// The store echoes the publish back; the own-publisher filter must drop it.
	assertQuiet(t, events)
}

func TestCrossInstanceDelivery(t *testing.T) {
	s1, mr := storetest.New(t)
	s2 := storeFor(t, mr)

	f1 := fabric.New(s1, logger.Default())
	defer f1.Close()
	f2 := fabric.New(s2, logger.Default())
	defer f2.Close()

	events, unsub := collect(t, f2, "sess-1")
	defer unsub()

	require.NoError(t, f1.Publish(context.Background(), "sess-1", session.NewEvent(session.EventAgentResponse, "done")))

	evt := recv(t, events)
	assert.Equal(t, session.EventAgentResponse, evt.Type)
	assert.Equal(t, "done", evt.Content)
	assertQuiet(t, events)
}

func TestSessionsAreIsolated(t *testing.T) {
	s, _ := storetest.New(t)
	f := fabric.New(s, logger.Default())
	defer f.Close()

	a, unsubA := collect(t, f, "sess-a")
	defer unsubA()
	b, unsubB := collect(t, f, "sess-b")
	defer unsubB()

	require.NoError(t, f.Publish(context.Background(), "sess-a", session.NewEvent(session.EventSystemUpdate, "only a")))

	evt := recv(t, a)
	assert.Equal(t, "only a", evt.Content)
	assertQuiet(t, b)
}

func TestUnsubscribeStopsDelivery(t *testing.T) {
	s, _ := storetest.New(t)
	f := fabric.New(s, logger.Default())
	defer f.Close()

	events, unsub := collect(t, f, "sess-1")
	unsub()

	require.NoError(t, f.Publish(context.Background(), "sess-1", session.NewEvent(session.EventUserPrompt, "hello")))
	assertQuiet(t, events)
}

func TestPanickingSubscriberIsIsolated(t *testing.T) {
	s, _ := storetest.New(t)
	f := fabric.New(s, logger.Default())
	defer f.Close()

	unsub, err := f.Subscribe(context.Background(), "sess-1", func(session.MessageEvent) {
		panic("handler bug")
	})
	require.NoError(t, err)
	defer unsub()

	events, unsub2 := collect(t, f, "sess-1")
	defer unsub2()

	require.NoError(t, f.Publish(context.Background(), "sess-1", session.NewEvent(session.EventUserPrompt, "hello")))
	evt := recv(t, events)
	assert.Equal(t, "hello", evt.Content)
}

func TestPublishAfterCloseFails(t *testing.T) {
	s, _ := storetest.New(t)
	f := fabric.New(s, logger.Default())
	f.Close()

	_, err := f.Subscribe(context.Background(), "sess-1", func(session.MessageEvent) {})
	assert.Error(t, err)
}

func storeFor(t *testing.T, mr *miniredis.Miniredis) *store.RedisStore {
	t.Helper()
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	s := store.NewRedisStoreFromClient(client, logger.Default())
	t.Cleanup(func() { _ = s.Close() })
	return s
}
