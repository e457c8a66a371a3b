package web

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/dmnk-game/dmnk/internal/auth"
	"github.com/dmnk-game/dmnk/internal/game"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
)

// WebSocket upgrader with reasonable settings
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		// the API only listens locally
		return true
	},
}

// Hub fans controller snapshots out to the websocket clients of the account
// they belong to.
type Hub struct {
	// Registered clients by lowercase account address
	clients map[string]map[*Client]bool

	broadcast  chan Update
	register   chan *Client
	unregister chan *Client
	done       chan struct{}

	mu sync.RWMutex
}

// Client represents a WebSocket connection
type Client struct {
	id      string
	hub     *Hub
	conn    *websocket.Conn
	send    chan []byte
	pong    chan struct{}
	account string
}

// Update is one message pushed to clients.
type Update struct {
	Account string      `json:"-"`
	Type    string      `json:"type"` // "snapshot" or "pong"
	Data    interface{} `json:"data,omitempty"`
}

func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		broadcast:  make(chan Update, 64),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
	}
}

// Run owns the client registry until ctx ends.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.mu.Lock()
			for _, clients := range h.clients {
				for client := range clients {
					close(client.send)
				}
			}
			h.clients = make(map[string]map[*Client]bool)
			h.mu.Unlock()
			return

		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.account] == nil {
				h.clients[client.account] = make(map[*Client]bool)
			}
			h.clients[client.account][client] = true
			h.mu.Unlock()

			log.Info().Str("client", client.id).Str("account", client.account).Msg("Client connected")

		case client := <-h.unregister:
			h.remove(client)
			log.Info().Str("client", client.id).Str("account", client.account).Msg("Client disconnected")

		case update := <-h.broadcast:
			message, err := json.Marshal(update)
			if err != nil {
				log.Error().Err(err).Msg("Failed to marshal update")
				continue
			}

			h.mu.RLock()
			var slow []*Client
			for client := range h.clients[update.Account] {
				select {
				case client.send <- message:
				default:
					slow = append(slow, client)
				}
			}
			h.mu.RUnlock()

			// Client's send buffer is full, drop it
			for _, client := range slow {
				h.remove(client)
			}
		}
	}
}

func (h *Hub) remove(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.clients[client.account]
	if !ok {
		return
	}
	if _, ok := clients[client]; ok {
		delete(clients, client)
		close(client.send)
		if len(clients) == 0 {
			delete(h.clients, client.account)
		}
	}
}

// ClientCount returns the number of connections of account.
func (h *Hub) ClientCount(account string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[strings.ToLower(account)])
}

// BroadcastSnapshot queues snap for the clients of its account. It never
// blocks, so it can be registered with Controller.OnChange.
func (h *Hub) BroadcastSnapshot(snap game.Snapshot) {
	update := Update{
		Account: strings.ToLower(snap.Account),
		Type:    "snapshot",
		Data:    snap,
	}
	select {
	case h.broadcast <- update:
	default:
		log.Warn().Str("account", snap.Account).Msg("Broadcast channel full, dropping update")
	}
}

// WebSocketHandler upgrades authenticated requests. The client receives the
// current snapshot right away and every change after that.
func (s *Service) WebSocketHandler(hub *Hub) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		account, ok := auth.AccountFromContext(r.Context())
		if !ok {
			http.Error(w, "Missing session token", http.StatusUnauthorized)
			return
		}

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Error().Err(err).Msg("Failed to upgrade WebSocket connection")
			return
		}

		client := &Client{
			id:      uuid.NewString(),
			hub:     hub,
			conn:    conn,
			send:    make(chan []byte, 256),
			pong:    make(chan struct{}, 1),
			account: strings.ToLower(account.Hex()),
		}

		s.mu.Lock()
		ctrl := s.ctrl
		if s.account != account {
			ctrl = nil
		}
		s.mu.Unlock()
		if ctrl != nil {
			if data, err := json.Marshal(Update{Type: "snapshot", Data: ctrl.Snapshot()}); err == nil {
				client.send <- data
			}
		}

		select {
		case hub.register <- client:
		case <-hub.done:
			conn.Close()
			return
		}

		go client.writePump()
		go client.readPump()
	}
}

// readPump handles incoming messages from the WebSocket
func (c *Client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().Err(err).Msg("WebSocket error")
			}
			break
		}

		var msg struct {
			Type string `json:"type"`
		}
		if err := json.Unmarshal(message, &msg); err == nil && msg.Type == "ping" {
			select {
			case c.pong <- struct{}{}:
			default:
			}
		}
	}
}

// writePump handles sending messages to the WebSocket
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-c.pong:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(Update{Type: "pong"}); err != nil {
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
