// WebSocket hub for streaming committed interest payouts.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/shopspring/decimal"

	"github.com/atmx/interest-engine/internal/metrics"
	"github.com/atmx/interest-engine/internal/model"
)

// Message types.
const (
	MsgInterestPaid      = "interest_paid"
	MsgResolutionSettled = "resolution_settled"
)

// PayoutMessage is a JSON message sent to WebSocket clients. A
// resolution_settled message summarises one resolution and carries no
// user or payout ID.
type PayoutMessage struct {
	Type     string `json:"type"`
	PayoutID string `json:"payout_id,omitempty"`
	MarketID string `json:"market_id"`
	AnswerID string `json:"answer_id,omitempty"`
	UserID   string `json:"user_id,omitempty"`
	Amount   string `json:"amount"`
	Source   string `json:"source"`
	Count    int    `json:"count,omitempty"`
}

// PayoutHub manages WebSocket connections and broadcasts a message to all
// connected clients for every committed payout.
type PayoutHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	mu         sync.RWMutex
}

// NewPayoutHub creates a new WebSocket hub.
func NewPayoutHub() *PayoutHub {
	return &PayoutHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
	}
}

// Run starts the hub's main event loop. Must be called in a goroutine.
func (h *PayoutHub) Run() {
	for {
		select {
		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))
			slog.Info("ws client connected", "total", n)

		case conn := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[conn]; ok {
				delete(h.clients, conn)
				conn.Close()
			}
			n := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Set(float64(n))

		case msg := <-h.broadcast:
			h.mu.Lock()
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					conn.Close()
					delete(h.clients, conn)
				}
			}
			h.mu.Unlock()
		}
	}
}

// ClientCount returns the number of connected clients.
func (h *PayoutHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// PayoutsCommitted broadcasts one message per payout, then one summary per
// settled resolution. It never blocks the settlement that produced them.
func (h *PayoutHub) PayoutsCommitted(payouts []model.Payout) {
	type resolutionKey struct{ market, answer string }
	var order []resolutionKey
	totals := make(map[resolutionKey]decimal.Decimal)
	counts := make(map[resolutionKey]int)

	for _, p := range payouts {
		h.Broadcast(PayoutMessage{
			Type:     MsgInterestPaid,
			PayoutID: p.ID,
			MarketID: p.MarketID,
			AnswerID: p.AnswerID,
			UserID:   p.UserID,
			Amount:   p.Amount.String(),
			Source:   p.Source,
		})

		if p.Source != model.SourceResolution {
			continue
		}
		k := resolutionKey{p.MarketID, p.AnswerID}
		if _, ok := counts[k]; !ok {
			order = append(order, k)
		}
		totals[k] = totals[k].Add(p.Amount)
		counts[k]++
	}

	for _, k := range order {
		h.Broadcast(PayoutMessage{
			Type:     MsgResolutionSettled,
			MarketID: k.market,
			AnswerID: k.answer,
			Amount:   totals[k].String(),
			Source:   model.SourceResolution,
			Count:    counts[k],
		})
	}
}

// Broadcast sends a message to all connected clients.
func (h *PayoutHub) Broadcast(msg PayoutMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *PayoutHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	h.register <- conn

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() { h.unregister <- conn }()
		conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		conn.SetPongHandler(func(string) error {
			conn.SetReadDeadline(time.Now().Add(60 * time.Second))
			return nil
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				break
			}
		}
	}()

	// Ping ticker to keep connection alive through proxies.
	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			h.mu.RLock()
			_, ok := h.clients[conn]
			h.mu.RUnlock()
			if !ok {
				return
			}
			// WriteControl may run concurrently with the hub's writes.
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				return
			}
		}
	}()
}
