package fakebackend

import (
	"encoding/json"
	"log"
	"sync"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

// connection is one subscriber on the session event stream.
type connection struct {
	id    string
	token string
	conn  *websocket.Conn
	send  chan []byte
}

type tokenMessage struct {
	token string
	data  []byte
}

// hub fans session events out to the connections subscribed for a token.
type hub struct {
	connections map[string]*connection
	tokens      map[string]map[string]bool

	register   chan *connection
	unregister chan *connection
	broadcast  chan tokenMessage
	quit       chan struct{}

	mu sync.RWMutex
}

func newHub() *hub {
	return &hub{
		connections: make(map[string]*connection),
		tokens:      make(map[string]map[string]bool),
		register:    make(chan *connection),
		unregister:  make(chan *connection),
		broadcast:   make(chan tokenMessage, 64),
		quit:        make(chan struct{}),
	}
}

// run is the hub's main loop.
func (h *hub) run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.connections[conn.id] = conn
			if h.tokens[conn.token] == nil {
				h.tokens[conn.token] = make(map[string]bool)
			}
			h.tokens[conn.token][conn.id] = true
			h.mu.Unlock()

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.connections[conn.id]; ok {
				delete(h.connections, conn.id)
				delete(h.tokens[conn.token], conn.id)
				if len(h.tokens[conn.token]) == 0 {
					delete(h.tokens, conn.token)
				}
				close(conn.send)
			}
			h.mu.Unlock()

		case msg := <-h.broadcast:
			h.mu.RLock()
			for connID := range h.tokens[msg.token] {
				if conn, ok := h.connections[connID]; ok {
					select {
					case conn.send <- msg.data:
					default:
						log.Printf("WARN: event buffer full for connection %s", connID)
					}
				}
			}
			h.mu.RUnlock()

		case <-h.quit:
			return
		}
	}
}

func (h *hub) newConnection(ws *websocket.Conn, token string) *connection {
	return &connection{
		id:    uuid.New().String(),
		token: token,
		conn:  ws,
		send:  make(chan []byte, 16),
	}
}

func (h *hub) broadcastJSON(token string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	h.broadcast <- tokenMessage{token: token, data: data}
	return nil
}

func (h *hub) subscriberCount(token string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.tokens[token])
}

// writePump forwards queued events to the socket until the hub closes send.
func (c *connection) writePump() {
	defer c.conn.Close()
	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readPump drains the socket so close frames are processed.
func (c *connection) readPump(h *hub) {
	defer func() {
		select {
		case h.unregister <- c:
		case <-h.quit:
		}
	}()
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
