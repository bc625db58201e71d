package sink

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/benchkit/meister/pkg/protocol"
)

// event is one entry on the live feed: a state change, a sink client-status,
// or a completed upload.
type event struct {
	Type   string                 `json:"type"`
	Action string                 `json:"action,omitempty"`
	Host   string                 `json:"host,omitempty"`
	Status *protocol.ClientStatus `json:"status,omitempty"`
}

// eventHub fans events out to websocket observers attached to /events. The
// feed is observational only; dropping a slow client never blocks the run.
type eventHub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*websocket.Conn]bool
	closed  bool
}

func newEventHub() *eventHub {
	return &eventHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// The feed carries no privileged operations; observers from any
			// origin may attach.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		clients: make(map[*websocket.Conn]bool),
	}
}

func (h *eventHub) handle(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[conn] = true
	h.mu.Unlock()
	slog.Debug("event observer connected", "remote", conn.RemoteAddr())

	// Drain (and discard) client frames so pings are answered; the read
	// failing is how we learn the observer went away.
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				h.drop(conn)
				return
			}
		}
	}()
}

func (h *eventHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.clients[conn] {
		delete(h.clients, conn)
		conn.Close()
	}
}

func (h *eventHub) broadcast(ev event) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for conn := range h.clients {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		if err := conn.WriteJSON(ev); err != nil {
			delete(h.clients, conn)
			conn.Close()
		}
	}
}

func (h *eventHub) close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for conn := range h.clients {
		conn.Close()
		delete(h.clients, conn)
	}
}
