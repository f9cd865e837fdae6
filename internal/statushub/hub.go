// Package statushub fans consumer status updates out to websocket listeners.
package statushub

import (
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-readaloud/internal/protocol"
)

const (
	writeTimeout = 2 * time.Second
	sendBuffer   = 32
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// listener owns one connection; only its writePump writes to conn.
type listener struct {
	conn *websocket.Conn
	send chan protocol.Status
}

type Hub struct {
	mu        sync.Mutex
	listeners map[*listener]struct{}
	closed    bool
	logger    *slog.Logger
}

func New(log *slog.Logger) *Hub {
	return &Hub{
		listeners: make(map[*listener]struct{}),
		logger:    log.With(slog.String("component", "statushub")),
	}
}

// ServeHTTP upgrades the request and keeps the listener registered until it
// disconnects. Inbound frames are ignored.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	l := &listener{conn: conn, send: make(chan protocol.Status, sendBuffer)}
	if !h.register(l) {
		conn.Close()
		return
	}
	go h.writePump(l)
	defer h.unregister(l)

	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

// Broadcast queues status for every listener without blocking. A listener
// whose queue is full is dropped.
func (h *Hub) Broadcast(status protocol.Status) {
	h.mu.Lock()
	defer h.mu.Unlock()
	for l := range h.listeners {
		select {
		case l.send <- status:
		default:
			h.logger.Debug("dropping slow status listener")
			h.removeLocked(l)
		}
	}
}

// Count returns the number of connected listeners.
func (h *Hub) Count() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.listeners)
}

func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for l := range h.listeners {
		h.removeLocked(l)
	}
}

func (h *Hub) writePump(l *listener) {
	defer l.conn.Close()
	for status := range l.send {
		_ = l.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		if err := l.conn.WriteJSON(status); err != nil {
			h.logger.Debug("status write failed", slog.String("error", err.Error()))
			h.unregister(l)
			return
		}
	}
}

func (h *Hub) register(l *listener) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.listeners[l] = struct{}{}
	return true
}

func (h *Hub) unregister(l *listener) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.removeLocked(l)
}

// removeLocked closes the send queue; writePump then closes the connection.
func (h *Hub) removeLocked(l *listener) {
	if _, ok := h.listeners[l]; !ok {
		return
	}
	delete(h.listeners, l)
	close(l.send)
}
