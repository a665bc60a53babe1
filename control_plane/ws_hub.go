package main

import (
	"context"
	"log/slog"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/itskum47/accountforge/control_plane/observability"
)

const defaultMaxStreamClients = 100

// StreamHub tracks status stream connections and enforces the connection
// cap. Each connection is fed by its own aggregator subscription; the hub
// only owns admission and shutdown.
type StreamHub struct {
	max    int
	logger *slog.Logger

	clients    map[*websocket.Conn]struct{}
	register   chan registration
	unregister chan *websocket.Conn
	done       chan struct{}
	closeOnce  sync.Once
	mu         sync.RWMutex
}

type registration struct {
	conn     *websocket.Conn
	accepted chan bool
}

// NewStreamHub creates a hub admitting at most max clients.
func NewStreamHub(max int, logger *slog.Logger) *StreamHub {
	if max <= 0 {
		max = defaultMaxStreamClients
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHub{
		max:        max,
		logger:     logger,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan registration),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main loop. When ctx ends every connection is closed.
func (h *StreamHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.shutdown()
			return

		case reg := <-h.register:
			h.mu.Lock()
			if len(h.clients) >= h.max {
				h.mu.Unlock()
				reg.accepted <- false
				h.logger.Warn("stream connection rejected", "max_connections", h.max)
				continue
			}
			h.clients[reg.conn] = struct{}{}
			n := len(h.clients)
			h.mu.Unlock()
			observability.WebSocketClients.Set(float64(n))
			reg.accepted <- true
			h.logger.Debug("stream client registered", "remote", reg.conn.RemoteAddr().String(), "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			observability.WebSocketClients.Set(float64(n))
			h.logger.Debug("stream client unregistered", "total", n)
		}
	}
}

// shutdown closes all client connections. Their handlers see the write
// error and return.
func (h *StreamHub) shutdown() {
	h.closeOnce.Do(func() { close(h.done) })

	h.mu.Lock()
	defer h.mu.Unlock()
	h.logger.Info("shutting down stream hub", "clients", len(h.clients))
	for conn := range h.clients {
		conn.Close()
	}
	h.clients = make(map[*websocket.Conn]struct{})
	observability.WebSocketClients.Set(0)
}

// Register admits conn unless the hub is full or stopped.
func (h *StreamHub) Register(conn *websocket.Conn) bool {
	reg := registration{conn: conn, accepted: make(chan bool, 1)}
	select {
	case h.register <- reg:
		return <-reg.accepted
	case <-h.done:
		return false
	}
}

// Unregister removes and closes conn.
func (h *StreamHub) Unregister(conn *websocket.Conn) {
	select {
	case h.unregister <- conn:
	case <-h.done:
		conn.Close()
	}
}

// ClientCount returns the number of connected clients.
func (h *StreamHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
