package health

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// streamBufferSize is the per-client outbound buffer, grounded on the
// teacher's WebSocketBufferSize constant — large enough to absorb a burst
// of snapshots without blocking the broadcaster.
const streamBufferSize = 64

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

// hub is a narrowed read-only broadcast hub: one topic (health snapshots),
// no inbound client messages processed, grounded on the teacher's
// server.Hub register/unregister/broadcast channel shape.
type hub struct {
	mu      sync.RWMutex
	clients map[*streamClient]bool
}

func newHub() *hub {
	return &hub{clients: make(map[*streamClient]bool)}
}

func (h *hub) broadcastJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

func (h *hub) register(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[c] = true
}

func (h *hub) unregister(c *streamClient) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
}

func (h *hub) clientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// serveStream upgrades the request and pushes periodic snapshots until the
// client disconnects.
func (s *Server) serveStream(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &streamClient{conn: conn, send: make(chan []byte, streamBufferSize)}
	s.hub.register(client)

	go s.writePump(client)
	s.readPump(client)
}

func (s *Server) readPump(c *streamClient) {
	defer func() {
		s.hub.unregister(c)
		c.conn.Close()
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (s *Server) writePump(c *streamClient) {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

// broadcastLoop periodically pushes a fresh snapshot to every connected
// stream client until Stop is called.
func (s *Server) broadcastLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.closeCh:
			return
		case <-ticker.C:
			if s.hub.clientCount() == 0 {
				continue
			}
			s.hub.broadcastJSON(s.Snapshot())
		}
	}
}
