package mirror

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"platforminit/pkg/gate"
	"platforminit/pkg/logx"
	"platforminit/pkg/platform"
)

func startServer(t *testing.T, opts ...ServerOption) (*Server, *httptest.Server) {
	t.Helper()
	srv := NewServer(opts...)
	mux := http.NewServeMux()
	srv.RegisterRoutes(mux)
	ts := httptest.NewServer(mux)
	t.Cleanup(ts.Close)
	return srv, ts
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func snapshotFor(id string, seq uint64, status gate.Status) gate.Snapshot {
	return gate.Snapshot{
		MachineID: id,
		Seq:       seq,
		Time:      time.Now().UTC(),
		State: gate.State{
			Status: status,
			Infos:  &platform.Info{OS: platform.OSOther},
		},
	}
}

func getJSON(t *testing.T, url string, v any) int {
	t.Helper()
	resp, err := http.Get(url) //nolint:noctx // test helper
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && v != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
	}
	return resp.StatusCode
}

func TestClientMirrorsToServer(t *testing.T) {
	srv, ts := startServer(t)
	client := NewClient(wsURL(ts))
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, snapshotFor("m-1", 1, gate.StatusChecking)))
	require.NoError(t, client.Send(ctx, snapshotFor("m-1", 2, gate.StatusAwaitingGesture)))
	// A late duplicate must not win over the newer state.
	require.NoError(t, client.Send(ctx, snapshotFor("m-1", 1, gate.StatusChecking)))

	require.Eventually(t, func() bool {
		snap, ok := srv.Latest("m-1")
		return ok && snap.Seq == 2
	}, 2*time.Second, 10*time.Millisecond)

	var states []gate.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/states", &states))
	require.Len(t, states, 1)
	assert.Equal(t, gate.StatusAwaitingGesture, states[0].State.Status)

	var one gate.Snapshot
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/states/m-1", &one))
	assert.Equal(t, uint64(2), one.Seq)
	assert.Equal(t, http.StatusNotFound, getJSON(t, ts.URL+"/api/states/nope", nil))

	require.NoError(t, client.Close())
	require.Eventually(t, func() bool {
		_, ok := srv.Latest("m-1")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
}

func TestDisconnectOnlyDropsOwnGates(t *testing.T) {
	srv, ts := startServer(t)
	ctx := context.Background()

	a := NewClient(wsURL(ts))
	b := NewClient(wsURL(ts))
	defer b.Close()
	require.NoError(t, a.Send(ctx, snapshotFor("a", 1, gate.StatusChecking)))
	require.NoError(t, b.Send(ctx, snapshotFor("b", 1, gate.StatusChecking)))

	require.Eventually(t, func() bool { return len(srv.Snapshots()) == 2 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, a.Close())
	require.Eventually(t, func() bool { return len(srv.Snapshots()) == 1 }, 2*time.Second, 10*time.Millisecond)
	_, ok := srv.Latest("b")
	assert.True(t, ok)
}

type collectSink struct {
	mu  sync.Mutex
	ids []string
}

func (c *collectSink) Name() string { return "collect" }

func (c *collectSink) Send(_ context.Context, s gate.Snapshot) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.ids = append(c.ids, s.MachineID)
	return nil
}

func (c *collectSink) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.ids)
}

func TestServerForwardsSnapshots(t *testing.T) {
	forward := &collectSink{}
	_, ts := startServer(t, WithForward(forward))

	client := NewClient(wsURL(ts))
	defer client.Close()
	require.NoError(t, client.Send(context.Background(), snapshotFor("m", 1, gate.StatusChecking)))
	require.NoError(t, client.Send(context.Background(), gate.Snapshot{Seq: 9}))

	require.Eventually(t, func() bool { return forward.count() == 1 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubMirrorsThroughWebsocket(t *testing.T) {
	srv, ts := startServer(t)
	hub := NewHub(Options{Backoff: time.Millisecond})
	client := NewClient(wsURL(ts))
	defer client.Close()
	hub.Add(client)

	hub.Publish(snapshotFor("m", 1, gate.StatusChecking))
	hub.Publish(snapshotFor("m", 2, gate.StatusAwaitingGesture))
	closeHub(t, hub)

	require.Eventually(t, func() bool {
		snap, ok := srv.Latest("m")
		return ok && snap.Seq == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestClientDialFailure(t *testing.T) {
	client := NewClient("ws://127.0.0.1:1/ws")
	err := client.Send(context.Background(), snapshotFor("m", 1, gate.StatusChecking))
	assert.ErrorContains(t, err, "dial")
	assert.NoError(t, client.Close())
}

func TestHealthAndLogs(t *testing.T) {
	_, ts := startServer(t)

	var health map[string]any
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/healthz", &health))
	assert.Equal(t, "ok", health["status"])

	logx.NewLogger("observer-test").Info("hello from test")
	var logs []logx.LogEntry
	require.Equal(t, http.StatusOK, getJSON(t, ts.URL+"/api/logs?component=observer-test", &logs))
	require.NotEmpty(t, logs)
	assert.Contains(t, logs[len(logs)-1].Message, "hello from test")

	assert.Equal(t, http.StatusBadRequest, getJSON(t, ts.URL+"/api/logs?since=yesterday", nil))

	resp, err := http.Post(ts.URL+"/api/states", "application/json", nil) //nolint:noctx // test
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestResendMovesOwnership(t *testing.T) {
	srv, ts := startServer(t)
	ctx := context.Background()

	old := NewClient(wsURL(ts))
	require.NoError(t, old.Send(ctx, snapshotFor("m", 1, gate.StatusChecking)))
	require.NoError(t, old.Send(ctx, snapshotFor("old-only", 1, gate.StatusChecking)))
	require.Eventually(t, func() bool { return len(srv.Snapshots()) == 2 }, 2*time.Second, 10*time.Millisecond)

	// The reconnected client resends the seq the server already has.
	fresh := NewClient(wsURL(ts))
	defer fresh.Close()
	require.NoError(t, fresh.Send(ctx, snapshotFor("m", 1, gate.StatusChecking)))
	require.NoError(t, fresh.Send(ctx, snapshotFor("fresh-only", 1, gate.StatusChecking)))
	require.Eventually(t, func() bool { return len(srv.Snapshots()) == 3 }, 2*time.Second, 10*time.Millisecond)

	require.NoError(t, old.Close())
	require.Eventually(t, func() bool {
		_, ok := srv.Latest("old-only")
		return !ok
	}, 2*time.Second, 10*time.Millisecond)

	snap, ok := srv.Latest("m")
	require.True(t, ok)
	assert.Equal(t, uint64(1), snap.Seq)
}

func TestClientNoticesServerClose(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "bye")
		_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}))
	defer ts.Close()

	client := NewClient("ws" + strings.TrimPrefix(ts.URL, "http"))
	defer client.Close()
	ctx := context.Background()

	require.NoError(t, client.Send(ctx, snapshotFor("m", 1, gate.StatusChecking)))
	require.Eventually(t, func() bool { return !client.Connected() }, 2*time.Second, 10*time.Millisecond)

	// The next send dials again instead of failing on the dead connection.
	require.NoError(t, client.Send(ctx, snapshotFor("m", 2, gate.StatusAwaitingGesture)))
}
