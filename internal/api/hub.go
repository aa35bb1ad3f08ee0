package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/loqalabs/loqa-scribe/internal/session"
	"github.com/loqalabs/loqa-scribe/internal/visualizer"
)

const (
	writeWait  = 5 * time.Second
	pongWait   = 30 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 32
)

// Message is pushed to websocket clients.
type Message struct {
	Type   string             `json:"type"`
	State  *StateView         `json:"state,omitempty"`
	Points []visualizer.Point `json:"points,omitempty"`
	Width  int                `json:"width,omitempty"`
	Height int                `json:"height,omitempty"`
}

// StateView is session.State plus the derived display text.
type StateView struct {
	session.State
	Display string `json:"display"`
}

func NewStateView(st session.State) *StateView {
	return &StateView{State: st, Display: st.Display()}
}

// Hub fans state and waveform frames out to websocket clients. It doubles as
// the visualizer's drawing surface.
type Hub struct {
	width, height int
	logger        *slog.Logger
	upgrader      websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	closed  bool
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func NewHub(width, height int, logger *slog.Logger) *Hub {
	return &Hub{
		width:  width,
		height: height,
		logger: logger.With(slog.String("component", "ws-hub")),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[*client]struct{}),
	}
}

// Size implements visualizer.Surface.
func (h *Hub) Size() (int, int) { return h.width, h.height }

// DrawPolyline implements visualizer.Surface. Frames are dropped for clients
// that fall behind.
func (h *Hub) DrawPolyline(points []visualizer.Point) {
	if h.Clients() == 0 {
		return
	}
	h.broadcast(Message{Type: "waveform", Points: points, Width: h.width, Height: h.height})
}

// PublishState sends st to every client.
func (h *Hub) PublishState(st session.State) {
	h.broadcast(Message{Type: "state", State: NewStateView(st)})
}

// Clients reports the number of connected clients.
func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) broadcast(msg Message) {
	data, err := json.Marshal(msg)
	if err != nil {
		h.logger.Warn("failed to encode message", slog.String("error", err.Error()))
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		select {
		case c.send <- data:
		default:
		}
	}
}

// Serve upgrades the request and streams messages until the client leaves.
// initial, when non-nil, is sent first.
func (h *Hub) Serve(w http.ResponseWriter, r *http.Request, initial *Message) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", slog.String("error", err.Error()))
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendBuffer)}
	if initial != nil {
		if data, err := json.Marshal(initial); err == nil {
			c.send <- data
		}
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	h.logger.Info("websocket client connected", slog.String("remote", r.RemoteAddr))

	go h.writePump(c)
	h.readPump(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	if _, ok := h.clients[c]; ok {
		delete(h.clients, c)
		close(c.send)
	}
	h.mu.Unlock()
}

// readPump discards client input; it exists to notice disconnects and pongs.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.remove(c)
		c.conn.Close()
		h.logger.Info("websocket client disconnected")
	}()
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case data, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for c := range h.clients {
		delete(h.clients, c)
		close(c.send)
	}
}
