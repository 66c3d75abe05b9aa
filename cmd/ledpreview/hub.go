package main

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"ledstream/lib/ledlog"
)

const (
	writeWait  = 5 * time.Second
	sendLength = 16
)

type FixtureColor struct {
	ID       string  `json:"id"`
	Name     string  `json:"name"`
	X        float64 `json:"x"`
	Y        float64 `json:"y"`
	Width    float64 `json:"width"`
	Height   float64 `json:"height"`
	Rotation float64 `json:"rotation"`
	Color    string  `json:"color"`
}

// Update is one message pushed to browsers. Type is "frame" or "status".
type Update struct {
	Type     string         `json:"type"`
	Seq      uint64         `json:"seq,omitempty"`
	Fixtures []FixtureColor `json:"fixtures,omitempty"`
	State    string         `json:"state,omitempty"`
	Error    string         `json:"error,omitempty"`
}

type client struct {
	conn *websocket.Conn
	send chan []byte
	once sync.Once
}

func (c *client) close() {
	c.once.Do(func() { close(c.send) })
}

// Hub fans updates out to every connected browser. New clients first
// receive the latest update of each type.
type Hub struct {
	upgrader websocket.Upgrader

	mu      sync.Mutex
	clients map[*client]struct{}
	last    map[string][]byte
}

func NewHub() *Hub {
	return &Hub{
		clients: map[*client]struct{}{},
		last:    map[string][]byte{},
	}
}

func (h *Hub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		ledlog.Logger().Debug("ledpreview: upgrade failed", "err", err)
		return
	}
	c := &client{conn: conn, send: make(chan []byte, sendLength)}

	h.mu.Lock()
	for _, typ := range []string{"status", "frame"} {
		if msg, ok := h.last[typ]; ok {
			c.send <- msg
		}
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()

	go h.writeLoop(c)

	// Browsers never send anything; reading only detects the close.
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
}

func (h *Hub) writeLoop(c *client) {
	defer c.conn.Close()
	for msg := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			ledlog.Logger().Debug("ledpreview: write failed", "err", err)
			h.remove(c)
			return
		}
	}
}

// Broadcast sends u to every client. Clients that cannot keep up are
// disconnected.
func (h *Hub) Broadcast(u *Update) error {
	msg, err := json.Marshal(u)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.last[u.Type] = msg
	for c := range h.clients {
		select {
		case c.send <- msg:
		default:
			delete(h.clients, c)
			c.close()
		}
	}
	return nil
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.clients {
		delete(h.clients, c)
		c.close()
	}
}
