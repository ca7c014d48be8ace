// Package adminws serves a secondary, read-only websocket for the
// operator-facing side panel: periodic snapshots of supervisor health
// (active sessions, active gateway connections). It deliberately uses
// gorilla/websocket rather than ChannelGateway's coder/websocket transport,
// grounded on other_examples/tarsy's pkg/api.WSHub hub-with-broadcast-channel
// idiom.
package adminws

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Snapshot is one broadcast payload: a point-in-time view of supervisor
// health, supplied by the caller (normally a ticker in cmd/sessioncore).
type Snapshot struct {
	ActiveSessions          int       `json:"active_sessions"`
	ActiveGatewayConnections int64    `json:"active_gateway_connections"`
	At                      time.Time `json:"at"`
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(_ *http.Request) bool { return true },
}

// Hub fans a stream of Snapshots out to every connected admin client.
type Hub struct {
	logger *slog.Logger

	mu      sync.RWMutex
	clients map[*websocket.Conn]struct{}

	broadcast chan Snapshot
}

// New constructs an idle Hub. Call Run to start the broadcast loop.
func New(logger *slog.Logger) *Hub {
	if logger == nil {
		logger = slog.Default()
	}
	return &Hub{
		logger:    logger,
		clients:   make(map[*websocket.Conn]struct{}),
		broadcast: make(chan Snapshot, 16),
	}
}

// Publish queues snap for delivery to every connected client. Non-blocking:
// a full queue drops the oldest pending snapshot, since only the latest
// state matters to a dashboard.
func (h *Hub) Publish(snap Snapshot) {
	select {
	case h.broadcast <- snap:
	default:
		select {
		case <-h.broadcast:
		default:
		}
		select {
		case h.broadcast <- snap:
		default:
		}
	}
}

// Run drains the broadcast queue and fans each snapshot out to every
// connected client, dropping any client whose write fails. Blocks until ctx
// is cancelled.
func (h *Hub) Run(ctx context.Context) {
	for {
		select {
		case snap := <-h.broadcast:
			h.fanOut(snap)
		case <-ctx.Done():
			return
		}
	}
}

func (h *Hub) fanOut(snap Snapshot) {
	h.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(h.clients))
	for c := range h.clients {
		conns = append(conns, c)
	}
	h.mu.RUnlock()

	for _, c := range conns {
		if err := c.WriteJSON(snap); err != nil {
			h.logger.Warn("adminws: write failed, dropping client", "error", err)
			h.remove(c)
		}
	}
}

// HandleWS upgrades the request and registers the connection until the
// client disconnects. The read loop exists only to detect closure; admin
// clients do not send anything meaningful.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("adminws: upgrade failed", "error", err)
		return
	}

	h.mu.Lock()
	h.clients[conn] = struct{}{}
	h.mu.Unlock()

	defer func() {
		h.remove(conn)
		_ = conn.Close()
	}()

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) remove(conn *websocket.Conn) {
	h.mu.Lock()
	delete(h.clients, conn)
	h.mu.Unlock()
}
