package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"ocpihub/backend/services/ocpi-service/internal/metrics"
	"ocpihub/backend/services/ocpi-service/internal/observer"
)

// Event is one message pushed to monitor clients.
type Event struct {
	Phase    string            `json:"phase"`
	Exchange observer.Exchange `json:"exchange"`
	Outcome  *observer.Outcome `json:"outcome,omitempty"`
	At       time.Time         `json:"at"`
}

// Hub streams request events to connected websocket clients. It is an observer.Observer.
type Hub struct {
	mu           sync.RWMutex
	connections  map[string]*Connection
	pingInterval time.Duration
	writeTimeout time.Duration
	logger       *zap.Logger
	upgrader     websocket.Upgrader

	ctx context.Context
}

// NewHub builds hub.
func NewHub(pingInterval, writeTimeout time.Duration, logger *zap.Logger) *Hub {
	if pingInterval <= 0 {
		pingInterval = 30 * time.Second
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Hub{
		connections:  make(map[string]*Connection),
		pingInterval: pingInterval,
		writeTimeout: writeTimeout,
		logger:       logger,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		ctx: context.Background(),
	}
}

// Add registers new connection.
func (h *Hub) Add(conn *Connection) {
	h.mu.Lock()
	h.connections[conn.ID()] = conn
	n := len(h.connections)
	h.mu.Unlock()
	metrics.MonitorClients.Set(float64(n))
}

// Remove removes connection.
func (h *Hub) Remove(id string) {
	h.mu.Lock()
	delete(h.connections, id)
	n := len(h.connections)
	h.mu.Unlock()
	metrics.MonitorClients.Set(float64(n))
}

// Len is the number of connected clients.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.connections)
}

// Run pings clients until ctx is cancelled. Connections opened afterwards are bound to ctx.
func (h *Hub) Run(ctx context.Context) error {
	h.mu.Lock()
	h.ctx = ctx
	h.mu.Unlock()

	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, conn := range h.snapshot() {
				_ = conn.Ping()
			}
		}
	}
}

// ServeHTTP upgrades the request to a websocket and subscribes it.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("monitor upgrade failed", zap.Error(err))
		return
	}

	h.mu.RLock()
	parent := h.ctx
	h.mu.RUnlock()
	ctx, cancel := context.WithCancel(parent)

	conn := NewConnection(uuid.NewString(), ws, h.writeTimeout, h.logger, func(id string) {
		h.Remove(id)
		cancel()
	})
	h.Add(conn)
	h.logger.Info("monitor client connected", zap.String("client_id", conn.ID()), zap.String("remote", r.RemoteAddr))

	go conn.Start(ctx)
}

// Broadcast sends ev to every client.
func (h *Hub) Broadcast(ev Event) {
	conns := h.snapshot()
	if len(conns) == 0 {
		return
	}
	data, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error("encode monitor event", zap.Error(err))
		return
	}
	for _, conn := range conns {
		conn.Send(data)
	}
}

func (h *Hub) OnRequest(_ context.Context, ex observer.Exchange) {
	h.Broadcast(Event{Phase: "request", Exchange: ex, At: time.Now().UTC()})
}

func (h *Hub) OnResponse(_ context.Context, ex observer.Exchange, out observer.Outcome) {
	h.Broadcast(Event{Phase: "response", Exchange: ex, Outcome: &out, At: time.Now().UTC()})
}

func (h *Hub) snapshot() []*Connection {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]*Connection, 0, len(h.connections))
	for _, c := range h.connections {
		out = append(out, c)
	}
	return out
}
