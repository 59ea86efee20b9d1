package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/harun/reactor/pkg/agent"
)

func newTestGateway(t *testing.T) (*Server, *agent.StateTracker, *httptest.Server) {
	t.Helper()

	tracker := agent.NewStateTracker()
	server, err := New(Config{Tracker: tracker})
	require.NoError(t, err)

	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	// Wire the tracker feed the way Start does, without a listener
	ch, cancel := tracker.Subscribe()
	t.Cleanup(cancel)
	go func() {
		for status := range ch {
			server.broadcaster.Broadcast(status)
		}
	}()

	return server, tracker, ts
}

func dialWS(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func TestGateway_StatusEndpoint(t *testing.T) {
	_, tracker, ts := newTestGateway(t)
	tracker.Update("sending request", 2)

	resp, err := http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()

	var status agent.Status
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.True(t, status.IsRunning)
	assert.Equal(t, 2, status.Iteration)
}

func TestGateway_BroadcastsTransitionsWithSequence(t *testing.T) {
	server, tracker, ts := newTestGateway(t)
	conn := dialWS(t, ts)

	// Wait for the connection to register before publishing
	require.Eventually(t, func() bool {
		return server.broadcaster.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	tracker.Update("sending request", 1)
	tracker.Finish()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))

	var first Frame
	require.NoError(t, conn.ReadJSON(&first))
	assert.Equal(t, uint64(1), first.Seq)
	assert.True(t, first.Status.IsRunning)
	assert.Equal(t, 1, first.Status.Iteration)

	var second Frame
	require.NoError(t, conn.ReadJSON(&second))
	assert.Equal(t, uint64(2), second.Seq)
	assert.False(t, second.Status.IsRunning)
	assert.Equal(t, "completed", second.Status.CurrentStep)
}

func TestGateway_RequiresTracker(t *testing.T) {
	_, err := New(Config{})
	assert.Error(t, err)
}

func TestBroadcaster_DropsClosedClients(t *testing.T) {
	server, _, ts := newTestGateway(t)
	conn := dialWS(t, ts)

	require.Eventually(t, func() bool {
		return server.broadcaster.ClientCount() == 1
	}, time.Second, 10*time.Millisecond)

	conn.Close()

	require.Eventually(t, func() bool {
		return server.broadcaster.ClientCount() == 0
	}, time.Second, 10*time.Millisecond)
}
