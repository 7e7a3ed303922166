package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/conneroisu/pagerender/internal/logging"
)

const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Send pings to peer with this period. A ping unanswered within
	// writeWait drops the client.
	pingPeriod = 54 * time.Second

	// Maximum message size allowed from peer.
	maxMessageSize = 512

	sendBuffer = 16
)

// ReloadMessage is pushed to connected browsers.
type ReloadMessage struct {
	Type      string    `json:"type"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
}

// ReloadHub tracks live reload sockets and fans messages out to them.
type ReloadHub struct {
	logger         logging.Logger
	originPatterns []string

	clients      map[*client]struct{}
	clientsMutex sync.RWMutex

	broadcast chan []byte
	done      chan struct{}
	closeOnce sync.Once
}

// NewReloadHub creates a hub. originPatterns are accepted in addition to
// same-host origins.
func NewReloadHub(logger logging.Logger, originPatterns []string) *ReloadHub {
	if logger == nil {
		logger = logging.Nop()
	}
	return &ReloadHub{
		logger:         logger.WithComponent("livereload"),
		originPatterns: originPatterns,
		clients:        make(map[*client]struct{}),
		broadcast:      make(chan []byte, sendBuffer),
		done:           make(chan struct{}),
	}
}

// ServeHTTP upgrades the request and registers the socket.
func (h *ReloadHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: h.originPatterns,
	})
	if err != nil {
		h.logger.Warn(r.Context(), err, "WebSocket upgrade failed")
		return
	}
	conn.SetReadLimit(maxMessageSize)

	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if !h.register(c) {
		conn.Close(websocket.StatusGoingAway, "server shutting down")
		return
	}

	go h.writePump(c)
	h.readPump(r.Context(), c)
}

// Run fans broadcasts out until ctx is cancelled or the hub is closed.
func (h *ReloadHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			h.Close()
			return
		case <-h.done:
			return
		case message := <-h.broadcast:
			h.clientsMutex.RLock()
			var slow []*client
			for c := range h.clients {
				select {
				case c.send <- message:
				default:
					slow = append(slow, c)
				}
			}
			h.clientsMutex.RUnlock()

			for _, c := range slow {
				h.unregister(c)
			}
		}
	}
}

// Broadcast queues msg for every connected client. It never blocks; when
// the queue is full the message is dropped.
func (h *ReloadHub) Broadcast(msg ReloadMessage) {
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Error(context.Background(), err, "Failed to encode reload message")
		return
	}

	select {
	case <-h.done:
	case h.broadcast <- data:
	default:
		h.logger.Warn(context.Background(), nil, "Reload queue full, dropping message", "type", msg.Type)
	}
}

// Count returns the number of connected clients.
func (h *ReloadHub) Count() int {
	h.clientsMutex.RLock()
	defer h.clientsMutex.RUnlock()
	return len(h.clients)
}

// Close disconnects every client. It is safe to call more than once.
func (h *ReloadHub) Close() {
	h.closeOnce.Do(func() {
		close(h.done)

		h.clientsMutex.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			close(c.send)
		}
		h.clientsMutex.Unlock()
	})
}

func (h *ReloadHub) register(c *client) bool {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	select {
	case <-h.done:
		return false
	default:
	}
	h.clients[c] = struct{}{}
	h.logger.Debug(context.Background(), "Client connected", "total", len(h.clients))
	return true
}

func (h *ReloadHub) unregister(c *client) {
	h.clientsMutex.Lock()
	defer h.clientsMutex.Unlock()

	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
		h.logger.Debug(context.Background(), "Client disconnected", "total", len(h.clients))
	}
}

// readPump drains the socket so control frames are processed, and
// unregisters the client when the peer goes away.
func (h *ReloadHub) readPump(ctx context.Context, c *client) {
	defer func() {
		h.unregister(c)
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		if _, _, err := c.conn.Read(ctx); err != nil {
			status := websocket.CloseStatus(err)
			if status != websocket.StatusNormalClosure && status != websocket.StatusGoingAway {
				h.logger.Debug(context.Background(), "WebSocket read ended", "error", err)
			}
			return
		}
	}
}

// writePump pumps messages to the websocket connection.
func (h *ReloadHub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close(websocket.StatusNormalClosure, "")
	}()

	for {
		select {
		case message, ok := <-c.send:
			if !ok {
				return
			}
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Write(ctx, websocket.MessageText, message)
			cancel()
			if err != nil {
				h.logger.Debug(context.Background(), "WebSocket write failed", "error", err)
				return
			}

		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), writeWait)
			err := c.conn.Ping(ctx)
			cancel()
			if err != nil {
				return
			}
		}
	}
}
