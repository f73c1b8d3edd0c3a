package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/c360/afspm/errors"
	"github.com/c360/afspm/message"
	"github.com/c360/afspm/metric"
	"github.com/c360/afspm/pubsub"
)

// Source delivers broadcast messages; *pubsub.Subscriber implements it.
type Source interface {
	Poll(ctx context.Context, timeout time.Duration) ([]pubsub.Received, error)
	ShutdownRequested() bool
}

// Frame is one message as sent to websocket clients.
type Frame struct {
	Envelope  string          `json:"envelope"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Replayed  bool            `json:"replayed,omitempty"`
	Timestamp int64           `json:"timestamp"`
}

// MonitorConfig configures a Monitor.
type MonitorConfig struct {
	PollInterval time.Duration
	WriteTimeout time.Duration
	PingInterval time.Duration
	// SendBuffer bounds the frames queued per client. A client that falls
	// further behind is disconnected.
	SendBuffer int
	Component  string
	Logger     *slog.Logger
	Metrics    *metric.Metrics
}

type wsClient struct {
	conn      *websocket.Conn
	send      chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

func (c *wsClient) close() {
	c.closeOnce.Do(func() {
		close(c.done)
		_ = c.conn.Close()
	})
}

// Monitor forwards everything its Source delivers to websocket clients.
type Monitor struct {
	source    Source
	cfg       MonitorConfig
	component string
	logger    *slog.Logger
	metrics   *metric.Metrics
	upgrader  websocket.Upgrader

	mu      sync.RWMutex
	clients map[*wsClient]struct{}
	latest  map[string][]byte
	order   []string
	closed  bool
	wg      sync.WaitGroup
}

// NewMonitor creates a monitor reading from source. Call Run to start
// forwarding and RegisterHTTPHandlers to accept clients.
func NewMonitor(source Source, cfg MonitorConfig) *Monitor {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 50 * time.Millisecond
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = 30 * time.Second
	}
	if cfg.SendBuffer <= 0 {
		cfg.SendBuffer = 64
	}
	if cfg.Component == "" {
		cfg.Component = "monitor"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Monitor{
		source:    source,
		cfg:       cfg,
		component: cfg.Component,
		logger:    cfg.Logger.With("component", cfg.Component),
		metrics:   cfg.Metrics,
		upgrader: websocket.Upgrader{
			// Read-only view, any origin may watch.
			CheckOrigin:     func(*http.Request) bool { return true },
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
		},
		clients: make(map[*wsClient]struct{}),
		latest:  make(map[string][]byte),
	}
}

// RegisterHTTPHandlers adds the websocket and snapshot routes under prefix.
func (m *Monitor) RegisterHTTPHandlers(prefix string, mux *http.ServeMux) {
	mux.HandleFunc(prefix+"ws", m.handleWebSocket)
	mux.HandleFunc(prefix+"snapshot", m.handleSnapshot)
}

// Clients returns the number of connected clients.
func (m *Monitor) Clients() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// Run forwards messages until a kill signal or ctx cancellation, then
// disconnects all clients.
func (m *Monitor) Run(ctx context.Context) error {
	defer m.Close()

	for {
		msgs, err := m.source.Poll(ctx, m.cfg.PollInterval)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return err
		}
		for _, r := range msgs {
			if err := m.forward(r); err != nil {
				m.logger.Warn("Dropping message", "envelope", r.Envelope, "error", err)
			}
		}
		if m.source.ShutdownRequested() {
			m.logger.Info("Kill signal received, closing clients", "clients", m.Clients())
			return nil
		}
	}
}

// Encode renders one received message as a client frame.
func Encode(r pubsub.Received, now time.Time) ([]byte, error) {
	payload, err := json.Marshal(r.Message)
	if err != nil {
		return nil, errors.WrapInvalid(err, "Monitor", "Encode", "marshal "+r.Envelope)
	}
	return json.Marshal(Frame{
		Envelope:  r.Envelope,
		Type:      typeOf(r.Message),
		Payload:   payload,
		Replayed:  r.Replayed,
		Timestamp: now.UnixMilli(),
	})
}

func typeOf(msg message.Payload) string {
	if msg == nil {
		return ""
	}
	return msg.MessageType()
}

func (m *Monitor) forward(r pubsub.Received) error {
	data, err := Encode(r, time.Now())
	if err != nil {
		return err
	}

	m.mu.Lock()
	if _, ok := m.latest[r.Envelope]; !ok {
		m.order = append(m.order, r.Envelope)
	}
	m.latest[r.Envelope] = data
	var slow []*wsClient
	for c := range m.clients {
		select {
		case c.send <- data:
		default:
			slow = append(slow, c)
		}
	}
	for _, c := range slow {
		delete(m.clients, c)
	}
	m.mu.Unlock()

	for _, c := range slow {
		m.logger.Warn("Client too slow, disconnecting", "remote", c.conn.RemoteAddr().String())
		c.close()
	}
	m.metrics.RecordPublished(m.component, r.Envelope)
	return nil
}

// snapshotLocked returns the latest frame per envelope in first-seen order.
func (m *Monitor) snapshotLocked() [][]byte {
	out := make([][]byte, 0, len(m.order))
	for _, env := range m.order {
		out = append(out, m.latest[env])
	}
	return out
}

func (m *Monitor) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	m.mu.RLock()
	frames := m.snapshotLocked()
	m.mu.RUnlock()

	raw := make([]json.RawMessage, len(frames))
	for i, f := range frames {
		raw[i] = f
	}
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(raw); err != nil {
		m.logger.Debug("Snapshot write failed", "error", err)
	}
}

func (m *Monitor) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.logger.Debug("Upgrade failed", "error", err)
		return
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "experiment ended"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}
	snapshot := m.snapshotLocked()
	c := &wsClient{
		conn: conn,
		send: make(chan []byte, m.cfg.SendBuffer+len(snapshot)),
		done: make(chan struct{}),
	}
	for _, f := range snapshot {
		c.send <- f
	}
	m.clients[c] = struct{}{}
	m.wg.Add(2)
	m.mu.Unlock()

	m.logger.Info("Client connected", "remote", conn.RemoteAddr().String(), "snapshot", len(snapshot))
	go m.writeLoop(c)
	go m.readLoop(c)
}

func (m *Monitor) writeLoop(c *wsClient) {
	defer m.wg.Done()
	defer m.remove(c)

	ping := time.NewTicker(m.cfg.PingInterval)
	defer ping.Stop()

	for {
		select {
		case data := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ping.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(m.cfg.WriteTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}

// readLoop discards client input; it notices disconnects.
func (m *Monitor) readLoop(c *wsClient) {
	defer m.wg.Done()
	defer m.remove(c)

	c.conn.SetReadLimit(4096)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (m *Monitor) remove(c *wsClient) {
	m.mu.Lock()
	_, ok := m.clients[c]
	delete(m.clients, c)
	m.mu.Unlock()
	if ok {
		m.logger.Info("Client disconnected", "remote", c.conn.RemoteAddr().String())
	}
	c.close()
}

// Close sends a close frame to every client and waits for their
// goroutines to finish.
func (m *Monitor) Close() {
	m.mu.Lock()
	clients := make([]*wsClient, 0, len(m.clients))
	for c := range m.clients {
		clients = append(clients, c)
	}
	m.clients = make(map[*wsClient]struct{})
	m.closed = true
	m.mu.Unlock()

	deadline := time.Now().Add(time.Second)
	for _, c := range clients {
		msg := websocket.FormatCloseMessage(websocket.CloseGoingAway, "experiment ended")
		_ = c.conn.WriteControl(websocket.CloseMessage, msg, deadline)
		c.close()
	}
	m.wg.Wait()
}
