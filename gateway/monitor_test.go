package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/c360/afspm/message"
	"github.com/c360/afspm/pubsub"
)

// chanSource delivers whatever is sent on msgs until killed is set.
type chanSource struct {
	msgs   chan pubsub.Received
	killed atomic.Bool
}

func newChanSource() *chanSource {
	return &chanSource{msgs: make(chan pubsub.Received, 16)}
}

func (s *chanSource) Poll(ctx context.Context, timeout time.Duration) ([]pubsub.Received, error) {
	select {
	case r := <-s.msgs:
		return []pubsub.Received{r}, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *chanSource) ShutdownRequested() bool { return s.killed.Load() }

func (s *chanSource) push(msg message.Payload) {
	s.msgs <- pubsub.Received{Envelope: msg.MessageType(), Message: msg}
}

type fixture struct {
	source  *chanSource
	monitor *Monitor
	server  *httptest.Server
	done    chan error
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{source: newChanSource(), done: make(chan error, 1)}
	f.monitor = NewMonitor(f.source, MonitorConfig{PollInterval: 5 * time.Millisecond})

	mux := http.NewServeMux()
	f.monitor.RegisterHTTPHandlers("/monitor/", mux)
	f.server = httptest.NewServer(mux)
	t.Cleanup(f.server.Close)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() { f.done <- f.monitor.Run(ctx) }()
	return f
}

func (f *fixture) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(f.server.URL, "http") + "/monitor/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func read(t *testing.T, conn *websocket.Conn) Frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var f Frame
	require.NoError(t, json.Unmarshal(data, &f))
	return f
}

// waitForwarded waits until n envelopes are in the snapshot.
func (f *fixture) waitForwarded(t *testing.T, n int) {
	t.Helper()
	require.Eventually(t, func() bool {
		f.monitor.mu.RLock()
		defer f.monitor.mu.RUnlock()
		return len(f.monitor.order) == n
	}, 2*time.Second, time.Millisecond)
}

func TestLateClientGetsSnapshotThenLive(t *testing.T) {
	f := newFixture(t)
	f.source.push(&message.ScopeStateMsg{State: message.ScopeFree})
	f.source.push(&message.ControlState{Mode: message.ModeAutomated})
	f.source.push(&message.ScopeStateMsg{State: message.ScopeMoving})
	f.waitForwarded(t, 2)

	conn := f.dial(t)
	first := read(t, conn)
	assert.Equal(t, "ScopeStateMsg", first.Envelope)
	assert.Equal(t, "ScopeStateMsg", first.Type)
	var state message.ScopeStateMsg
	require.NoError(t, json.Unmarshal(first.Payload, &state))
	assert.Equal(t, message.ScopeMoving, state.State, "only the latest per envelope")
	assert.Equal(t, "ControlState", read(t, conn).Envelope)

	require.Eventually(t, func() bool { return f.monitor.Clients() == 1 }, time.Second, time.Millisecond)
	f.source.push(&message.ScopeStateMsg{State: message.ScopeCollecting})
	live := read(t, conn)
	require.NoError(t, json.Unmarshal(live.Payload, &state))
	assert.Equal(t, message.ScopeCollecting, state.State)
}

func TestSnapshotEndpoint(t *testing.T) {
	f := newFixture(t)
	f.source.push(&message.ControlState{Mode: message.ModeProblem, Problems: []message.ExperimentProblem{"tip-damaged"}})
	f.waitForwarded(t, 1)

	resp, err := http.Get(f.server.URL + "/monitor/snapshot")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	var frames []Frame
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&frames))
	require.Len(t, frames, 1)
	var cs message.ControlState
	require.NoError(t, json.Unmarshal(frames[0].Payload, &cs))
	assert.True(t, cs.HasProblem("tip-damaged"))

	post, err := http.Post(f.server.URL+"/monitor/snapshot", "application/json", nil)
	require.NoError(t, err)
	post.Body.Close()
	assert.Equal(t, http.StatusMethodNotAllowed, post.StatusCode)
}

func TestKillClosesClients(t *testing.T) {
	f := newFixture(t)
	conn := f.dial(t)
	require.Eventually(t, func() bool { return f.monitor.Clients() == 1 }, time.Second, time.Millisecond)

	f.source.killed.Store(true)
	select {
	case err := <-f.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("monitor did not stop on kill")
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseGoingAway), err.Error())
	assert.Equal(t, 0, f.monitor.Clients())
}

func TestSlowClientIsDropped(t *testing.T) {
	source := newChanSource()
	m := NewMonitor(source, MonitorConfig{SendBuffer: 1})
	c := &wsClient{send: make(chan []byte, 1), done: make(chan struct{})}
	m.clients[c] = struct{}{}

	// forward closes the dropped client's conn; give it a real one.
	conns := make(chan *websocket.Conn, 1)
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := m.upgrader.Upgrade(w, r, nil)
		if err == nil {
			conns <- conn
		}
	}))
	defer server.Close()
	client, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(server.URL, "http"), nil)
	require.NoError(t, err)
	defer client.Close()
	select {
	case c.conn = <-conns:
	case <-time.After(time.Second):
		t.Fatal("no server-side connection")
	}

	require.NoError(t, m.forward(pubsub.Received{Envelope: "ScopeStateMsg", Message: &message.ScopeStateMsg{}}))
	assert.Equal(t, 1, m.Clients())
	require.NoError(t, m.forward(pubsub.Received{Envelope: "ScopeStateMsg", Message: &message.ScopeStateMsg{}}))
	assert.Equal(t, 0, m.Clients())
}
