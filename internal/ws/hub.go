// Package ws fans telemetry out to WebSocket clients. Broadcasting never
// blocks the acquisition side: when the queue is full the message is
// dropped and counted.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	pingInterval  = 20 * time.Second
	readDeadline  = 60 * time.Second
	writeDeadline = 3 * time.Second
)

// Hub manages WebSocket client connections. Register, unregister and
// broadcast all go through channels served by Run.
type Hub struct {
	log        *zap.SugaredLogger
	clients    map[*websocket.Conn]struct{}
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	broadcast  chan []byte
	upgrader   websocket.Upgrader

	connected atomic.Int64
	dropped   atomic.Int64
}

// NewHub allocates a hub. Call Run in a goroutine to start the event loop.
func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		log:        logger,
		clients:    make(map[*websocket.Conn]struct{}),
		register:   make(chan *websocket.Conn, 16),
		unregister: make(chan *websocket.Conn, 16),
		broadcast:  make(chan []byte, 256),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
	}
}

// Clients returns the number of connected clients.
func (h *Hub) Clients() int { return int(h.connected.Load()) }

// Dropped returns how many broadcasts were discarded on a full queue.
func (h *Hub) Dropped() int64 { return h.dropped.Load() }

// Run processes registrations, broadcasts and keepalive pings until ctx is
// cancelled, then closes every client.
func (h *Hub) Run(ctx context.Context) {
	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			for c := range h.clients {
				h.drop(c)
			}
			return

		case c := <-h.register:
			h.clients[c] = struct{}{}
			h.connected.Store(int64(len(h.clients)))
			h.log.Debugw("websocket client connected", "remote", c.RemoteAddr().String())

		case c := <-h.unregister:
			h.drop(c)

		case msg := <-h.broadcast:
			for c := range h.clients {
				_ = c.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := c.WriteMessage(websocket.TextMessage, msg); err != nil {
					h.drop(c)
				}
			}

		case <-ping.C:
			for c := range h.clients {
				_ = c.SetWriteDeadline(time.Now().Add(writeDeadline))
				if err := c.WriteMessage(websocket.PingMessage, nil); err != nil {
					h.drop(c)
				}
			}
		}
	}
}

func (h *Hub) drop(c *websocket.Conn) {
	if _, ok := h.clients[c]; !ok {
		return
	}
	delete(h.clients, c)
	h.connected.Store(int64(len(h.clients)))
	_ = c.Close()
}

// Handler upgrades incoming requests to WebSocket connections and registers
// them with the hub. Client messages are read and discarded.
func (h *Hub) Handler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := h.upgrader.Upgrade(w, r, nil)
		if err != nil {
			h.log.Debugw("websocket upgrade failed", "error", err)
			return
		}
		h.register <- conn

		go func() {
			defer func() { h.unregister <- conn }()
			_ = conn.SetReadDeadline(time.Now().Add(readDeadline))
			conn.SetPongHandler(func(string) error {
				return conn.SetReadDeadline(time.Now().Add(readDeadline))
			})
			for {
				if _, _, err := conn.ReadMessage(); err != nil {
					return
				}
			}
		}()
	})
}

// BroadcastJSON marshals v and queues it for every connected client.
func (h *Hub) BroadcastJSON(v any) {
	b, err := json.Marshal(v)
	if err != nil {
		h.log.Warnw("dropping unencodable telemetry", "error", err)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.dropped.Add(1)
	}
}
