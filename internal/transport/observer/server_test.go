package observer

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

	"sarswarm.ai/internal/observerproto"
)

func newTestServer(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	hub := NewHub()
	srv := NewServer(hub, func() observerproto.BootstrapResponse {
		return observerproto.BootstrapResponse{
			RunID:  "run-1",
			Params: observerproto.RunParams{Width: 2, Height: 2, Ticks: 5, Seed: 42},
			Zones:  []string{"Z0_0", "Z0_1", "Z1_0", "Z1_1"},
			Agents: []string{"search1", "relay1"},
		}
	}, nil)
	ts := httptest.NewServer(srv.Mux())
	t.Cleanup(ts.Close)
	return hub, ts
}

func dial(t *testing.T, ts *httptest.Server, sub observerproto.SubscribeMsg) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/observer/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	require.NoError(t, conn.WriteJSON(sub))
	return conn
}

func readTick(t *testing.T, conn *websocket.Conn) observerproto.TickMsg {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg observerproto.TickMsg
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func waitSessions(t *testing.T, hub *Hub, n int) {
	t.Helper()
	require.Eventually(t, func() bool { return hub.Sessions() == n }, 5*time.Second, 10*time.Millisecond)
}

func sampleTick(tick int) observerproto.TickMsg {
	return observerproto.TickMsg{
		Type:            observerproto.TypeTick,
		ProtocolVersion: observerproto.Version,
		Tick:            tick,
		Detected:        1,
		Agents: []observerproto.AgentState{
			{ID: "search1", Role: "search", Zone: "Z0_0", Keys: 6},
			{ID: "relay1", Role: "relay", Zone: "Z1_1", Keys: 5},
		},
	}
}

func TestBootstrap(t *testing.T) {
	hub, ts := newTestServer(t)
	hub.Publish(sampleTick(3))

	resp, err := http.Get(ts.URL + "/observer/bootstrap")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var got observerproto.BootstrapResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&got))
	assert.Equal(t, observerproto.Version, got.ProtocolVersion)
	assert.Equal(t, "run-1", got.RunID)
	assert.Equal(t, 3, got.Tick)
	assert.Len(t, got.Zones, 4)

	post, err := http.Post(ts.URL+"/observer/bootstrap", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestWS_SendsLatestThenStreams(t *testing.T) {
	hub, ts := newTestServer(t)
	hub.Publish(sampleTick(1))

	conn := dial(t, ts, observerproto.SubscribeMsg{Type: observerproto.TypeSubscribe, ProtocolVersion: observerproto.Version})
	first := readTick(t, conn)
	assert.Equal(t, 1, first.Tick)
	assert.Len(t, first.Agents, 2)

	waitSessions(t, hub, 1)
	hub.Publish(sampleTick(2))
	assert.Equal(t, 2, readTick(t, conn).Tick)
}

func TestWS_AgentFilter(t *testing.T) {
	hub, ts := newTestServer(t)
	conn := dial(t, ts, observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		Agents:          []string{"relay1"},
	})
	waitSessions(t, hub, 1)

	hub.Publish(sampleTick(1))
	msg := readTick(t, conn)
	require.Len(t, msg.Agents, 1)
	assert.Equal(t, "relay1", msg.Agents[0].ID)

	require.NoError(t, conn.WriteJSON(observerproto.SubscribeMsg{
		Type:            observerproto.TypeSubscribe,
		ProtocolVersion: observerproto.Version,
		NoAgents:        true,
	}))
	// The update is applied asynchronously; publish until it shows.
	for i := 0; ; i++ {
		require.Less(t, i, 100, "filter update never applied")
		hub.Publish(sampleTick(2 + i))
		if len(readTick(t, conn).Agents) == 0 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestWS_RejectsBadHandshake(t *testing.T) {
	hub, ts := newTestServer(t)
	conn := dial(t, ts, observerproto.SubscribeMsg{Type: "HELLO", ProtocolVersion: observerproto.Version})
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.ClosePolicyViolation), "err=%v", err)
	assert.Zero(t, hub.Sessions())
}

func TestHub_DropsWhenSessionQueueFull(t *testing.T) {
	hub := NewHub()
	s := &session{out: make(chan []byte, 1)}
	hub.join("O1", s)
	hub.Publish(sampleTick(1))
	hub.Publish(sampleTick(2))
	assert.Equal(t, uint64(1), hub.Dropped())
	latest, ok := hub.Latest()
	require.True(t, ok)
	assert.Equal(t, 2, latest.Tick)
	hub.leave("O1")
	assert.Zero(t, hub.Sessions())
}

func TestIsLoopbackRemote(t *testing.T) {
	assert.True(t, isLoopbackRemote("127.0.0.1:5555"))
	assert.True(t, isLoopbackRemote("[::1]:5555"))
	assert.False(t, isLoopbackRemote("10.0.0.2:5555"))
	assert.False(t, isLoopbackRemote("garbage"))
}
