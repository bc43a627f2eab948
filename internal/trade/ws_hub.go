// WebSocket hub for real-time ledger events.

package trade

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/atmx/stockdex/internal/exchange"
	"github.com/atmx/stockdex/internal/metrics"
)

// WSMessage is a JSON message sent to WebSocket clients.
type WSMessage struct {
	Type     string `json:"type"`
	StockID  string `json:"stock_id"`
	Symbol   string `json:"symbol,omitempty"`
	OfferID  string `json:"offer_id,omitempty"`
	TradeID  string `json:"trade_id,omitempty"`
	Side     string `json:"side,omitempty"`
	Maker    string `json:"maker,omitempty"`
	Buyer    string `json:"buyer,omitempty"`
	Seller   string `json:"seller,omitempty"`
	Amount   uint64 `json:"amount,omitempty"`
	Price    uint64 `json:"price,omitempty"`
	Notional uint64 `json:"notional,omitempty"`
}

// MessageFor converts a committed exchange event into its wire message.
func MessageFor(ev exchange.Event) WSMessage {
	msg := WSMessage{Type: ev.Type}
	if st := ev.Stock; st != nil {
		msg.StockID = st.ID
		msg.Symbol = st.Symbol
		msg.Price = st.CurrentPrice
	}
	if o := ev.Offer; o != nil {
		msg.StockID = o.StockID
		msg.OfferID = o.ID
		msg.Side = o.Side()
		msg.Maker = o.Maker
		msg.Amount = o.Amount
		msg.Price = o.Price
	}
	if t := ev.Trade; t != nil {
		msg.StockID = t.StockID
		msg.TradeID = t.ID
		msg.Buyer = t.Buyer
		msg.Seller = t.Seller
		msg.Amount = t.Amount
		msg.Price = t.Price
		msg.Notional = t.Notional
	}
	if p := ev.Purchase; p != nil {
		msg.StockID = p.StockID
		msg.Buyer = p.Buyer
		msg.Seller = p.Authority
		msg.Amount = p.Amount
		msg.Price = p.Price
		msg.Notional = p.Cost
	}
	return msg
}

// WSHub manages WebSocket connections and broadcasts ledger events to all
// connected clients.
type WSHub struct {
	clients    map[*websocket.Conn]bool
	broadcast  chan []byte
	register   chan *websocket.Conn
	unregister chan *websocket.Conn
	done       chan struct{}
	mu         sync.RWMutex
}

// NewWSHub creates a new WebSocket hub.
func NewWSHub() *WSHub {
	return &WSHub{
		clients:    make(map[*websocket.Conn]bool),
		broadcast:  make(chan []byte, 256),
		register:   make(chan *websocket.Conn),
		unregister: make(chan *websocket.Conn),
		done:       make(chan struct{}),
	}
}

// Run starts the hub's main event loop and returns when ctx is done. Must be
// called in a goroutine.
func (h *WSHub) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			close(h.done)
			h.mu.Lock()
			for conn := range h.clients {
				conn.Close()
				delete(h.clients, conn)
			}
			h.mu.Unlock()
			metrics.WebSocketClients.Set(0)
			return

		case conn := <-h.register:
			h.mu.Lock()
			h.clients[conn] = true
			total := len(h.clients)
			h.mu.Unlock()
			metrics.WebSocketClients.Inc()
			slog.Info("ws client connected", "total", total)

		case conn := <-h.unregister:
			h.drop(conn)

		case msg := <-h.broadcast:
			h.mu.RLock()
			var failed []*websocket.Conn
			for conn := range h.clients {
				if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
					failed = append(failed, conn)
				}
			}
			h.mu.RUnlock()
			for _, conn := range failed {
				h.drop(conn)
			}
		}
	}
}

func (h *WSHub) drop(conn *websocket.Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[conn]; ok {
		delete(h.clients, conn)
		conn.Close()
		metrics.WebSocketClients.Dec()
	}
}

// Notify implements exchange.Notifier.
func (h *WSHub) Notify(ev exchange.Event) {
	h.Broadcast(MessageFor(ev))
}

// Broadcast sends a message to all connected clients.
func (h *WSHub) Broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		return
	}
	select {
	case h.broadcast <- data:
	default:
		// Drop if buffer full to avoid blocking settlement.
	}
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(_ *http.Request) bool {
		return true // Allow all origins during development.
	},
}

// HandleWS handles WebSocket upgrade requests at GET /api/v1/ws.
func (h *WSHub) HandleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Error("ws upgrade failed", "err", err)
		return
	}

	select {
	case h.register <- conn:
	case <-h.done:
		conn.Close()
		return
	}

	// Read pump: keep connection alive and detect disconnects.
	go func() {
		defer func() {
			select {
			case h.unregister <- conn:
			case <-h.done:
			}
		}()
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
