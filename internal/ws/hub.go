// Package ws fans engine events out to WebSocket clients subscribed to an
// auction.
package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"auction-engine/internal/model"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
	sendBuffer = 64
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// Msg is a message sent to clients.
type Msg struct {
	ID        int64           `json:"id,omitempty"`
	Type      model.EventType `json:"type"`
	AuctionID string          `json:"auction_id"`
	Data      any             `json:"data"`
	At        time.Time       `json:"at"`
}

// Hub manages per-auction WebSocket subscriptions. It is an events.Sink.
type Hub struct {
	log *zap.Logger

	mu      sync.RWMutex
	rooms   map[string]map[*conn]bool
	allConn map[*conn]bool
}

type conn struct {
	ws       *websocket.Conn
	send     chan []byte
	hub      *Hub
	auctions map[string]bool
}

func NewHub(log *zap.Logger) *Hub {
	if log == nil {
		log = zap.NewNop()
	}
	return &Hub{
		log:     log,
		rooms:   make(map[string]map[*conn]bool),
		allConn: make(map[*conn]bool),
	}
}

func (h *Hub) Name() string { return "ws" }

// Deliver sends e to every subscriber of its auction. Slow clients whose
// buffer is full miss the message rather than stall the dispatcher.
func (h *Hub) Deliver(_ context.Context, e model.Event) error {
	if e.AuctionID == "" {
		return nil
	}
	b, err := json.Marshal(Msg{ID: e.ID, Type: e.Type, AuctionID: e.AuctionID, Data: e.Payload, At: e.CreatedAt})
	if err != nil {
		return err
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.rooms[e.AuctionID] {
		select {
		case c.send <- b:
		default:
			h.log.Debug("slow client, dropping message", zap.String("auction_id", e.AuctionID))
		}
	}
	return nil
}

// Subscribers reports how many connections watch auctionID.
func (h *Hub) Subscribers(auctionID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[auctionID])
}

// Conns reports the number of open connections.
func (h *Hub) Conns() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.allConn)
}

// HandleWS upgrades the request. A connection may pass ?auction_id= to join
// that room right away, and sends {"action":"subscribe","auction_id":"..."}
// or "unsubscribe" to change rooms later.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.Error(err))
		return
	}
	c := &conn{
		ws:       wsConn,
		send:     make(chan []byte, sendBuffer),
		hub:      h,
		auctions: make(map[string]bool),
	}
	h.mu.Lock()
	h.allConn[c] = true
	h.mu.Unlock()
	if id := r.URL.Query().Get("auction_id"); id != "" {
		h.subscribe(c, id)
	}

	go c.writePump()
	go c.readPump()
}

func (c *conn) readPump() {
	defer func() {
		c.hub.removeConn(c)
		c.ws.Close()
	}()
	c.ws.SetReadLimit(4096)
	_ = c.ws.SetReadDeadline(time.Now().Add(pongWait))
	c.ws.SetPongHandler(func(string) error {
		return c.ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, msg, err := c.ws.ReadMessage()
		if err != nil {
			break
		}
		var sub struct {
			Action    string `json:"action"`
			AuctionID string `json:"auction_id"`
		}
		if err := json.Unmarshal(msg, &sub); err != nil || sub.AuctionID == "" {
			continue
		}
		switch sub.Action {
		case "subscribe":
			c.hub.subscribe(c, sub.AuctionID)
		case "unsubscribe":
			c.hub.unsubscribe(c, sub.AuctionID)
		}
	}
}

func (c *conn) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, nil)
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *Hub) subscribe(c *conn, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allConn[c] {
		return
	}
	room, ok := h.rooms[auctionID]
	if !ok {
		room = make(map[*conn]bool)
		h.rooms[auctionID] = room
	}
	room[c] = true
	c.auctions[auctionID] = true
}

func (h *Hub) leave(c *conn, auctionID string) {
	if room, ok := h.rooms[auctionID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(h.rooms, auctionID)
		}
	}
	delete(c.auctions, auctionID)
}

func (h *Hub) unsubscribe(c *conn, auctionID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.leave(c, auctionID)
}

// removeConn closes send under the write lock, so Deliver, which sends
// under the read lock, never writes to a closed channel.
func (h *Hub) removeConn(c *conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.allConn[c] {
		return
	}
	delete(h.allConn, c)
	for id := range c.auctions {
		h.leave(c, id)
	}
	close(c.send)
}
