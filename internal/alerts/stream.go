package alerts

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const streamWriteWait = 5 * time.Second

var errHubStopped = errors.New("stream hub stopped")

// StreamHub pushes alerts to connected WebSocket clients, e.g. a review
// console showing drift and escalations live.
type StreamHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan *CloudEvent
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
	upgrader   websocket.Upgrader
	logger     *slog.Logger
	done       chan struct{}
}

// NewStreamHub creates a hub. allowOrigin nil accepts any origin.
func NewStreamHub(allowOrigin func(r *http.Request) bool, logger *slog.Logger) *StreamHub {
	if allowOrigin == nil {
		allowOrigin = func(*http.Request) bool { return true }
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan *CloudEvent, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		upgrader:   websocket.Upgrader{CheckOrigin: allowOrigin},
		logger:     logger.With("component", "alerts.stream"),
		done:       make(chan struct{}),
	}
}

// Run serves the hub until ctx is cancelled, then closes every client.
func (h *StreamHub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for c := range h.clients {
				c.Close()
				delete(h.clients, c)
			}
			h.mu.Unlock()
			return

		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("stream client connected", "clients", n)

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				c.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("stream client disconnected", "clients", n)

		case ev := <-h.broadcast:
			h.mu.Lock()
			for c := range h.clients {
				c.SetWriteDeadline(time.Now().Add(streamWriteWait))
				if err := c.WriteJSON(ev); err != nil {
					h.logger.Warn("stream write failed", "error", err)
					c.Close()
					delete(h.clients, c)
				}
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket upgrades the request and keeps the connection registered
// until the client goes away.
func (h *StreamHub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", "error", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	case <-r.Context().Done():
		conn.Close()
		return
	}

	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func (h *StreamHub) Name() string { return "stream" }

// Send queues ev for broadcast, waiting while the buffer is full.
func (h *StreamHub) Send(ctx context.Context, ev *CloudEvent) error {
	select {
	case h.broadcast <- ev:
		return nil
	case <-h.done:
		return errHubStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Clients returns the number of connected clients.
func (h *StreamHub) Clients() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
