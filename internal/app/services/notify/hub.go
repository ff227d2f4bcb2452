// Package notify delivers post-commit transfer events to websocket
// subscribers and records audit entries. Both channels are best effort: a
// slow or absent consumer never blocks the engine.
package notify

import (
	"context"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finovia/payment_layer/internal/app/services/transfer"
	"github.com/finovia/payment_layer/pkg/logger"
)

const (
	writeWait      = 10 * time.Second
	clientBuffer   = 16
	maxMessageSize = 512
)

// Event is the wire shape pushed to subscribers of either party's account
// channel after a transfer commits.
type Event struct {
	Type            string `json:"type"`
	ReferenceNumber string `json:"reference_number"`
	SenderID        int64  `json:"sender_id"`
	ReceiverID      int64  `json:"receiver_id"`
	Amount          string `json:"amount"`
	CommissionFee   string `json:"commission_fee"`
	SenderBalance   string `json:"sender_balance"`
	ReceiverBalance string `json:"receiver_balance"`
	ProcessedAt     string `json:"processed_at"`
}

type client struct {
	accountID int64
	conn      *websocket.Conn
	send      chan Event
}

// Hub fans transfer events out to per-account websocket subscribers. It
// implements the engine's Notifier and system.Service.
type Hub struct {
	log      *logger.Logger
	upgrader websocket.Upgrader

	mu      sync.RWMutex
	clients map[int64]map[*client]struct{}
	closed  bool
}

// NewHub creates an empty hub.
func NewHub(log *logger.Logger) *Hub {
	if log == nil {
		log = logger.NewDefault("notify")
	}
	return &Hub{
		log: log,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
		clients: make(map[int64]map[*client]struct{}),
	}
}

// Name implements system.Service.
func (h *Hub) Name() string { return "notify" }

// Start implements system.Service.
func (h *Hub) Start(ctx context.Context) error { return nil }

// Stop closes every live connection.
func (h *Hub) Stop(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.closed = true
	for _, set := range h.clients {
		for c := range set {
			close(c.send)
		}
	}
	h.clients = make(map[int64]map[*client]struct{})
	return nil
}

// TransferCompleted implements transfer.Notifier. Both parties' channels
// receive the event; subscribers that cannot keep up are dropped.
func (h *Hub) TransferCompleted(res transfer.Result) {
	processedAt := ""
	if res.Transfer.ProcessedAt != nil {
		processedAt = res.Transfer.ProcessedAt.UTC().Format(time.RFC3339)
	}
	ev := Event{
		Type:            "transfer.completed",
		ReferenceNumber: res.Transfer.ReferenceNumber,
		SenderID:        res.Sender.ID,
		ReceiverID:      res.Receiver.ID,
		Amount:          res.Transfer.Amount.StringFixed(2),
		CommissionFee:   res.Transfer.CommissionFee.StringFixed(2),
		SenderBalance:   res.SenderBalance.StringFixed(2),
		ReceiverBalance: res.ReceiverBalance.StringFixed(2),
		ProcessedAt:     processedAt,
	}
	h.broadcast(res.Sender.ID, ev)
	if res.Receiver.ID != res.Sender.ID {
		h.broadcast(res.Receiver.ID, ev)
	}
}

func (h *Hub) broadcast(accountID int64, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients[accountID] {
		select {
		case c.send <- ev:
		default:
			h.log.WithField("account_id", accountID).Warn("dropping slow websocket subscriber")
			go h.remove(c)
		}
	}
}

// ServeHTTP upgrades the request to a websocket subscription on the account
// channel named by the account_id query parameter.
func (h *Hub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	accountID, err := strconv.ParseInt(r.URL.Query().Get("account_id"), 10, 64)
	if err != nil || accountID <= 0 {
		http.Error(w, "account_id query parameter is required", http.StatusBadRequest)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.WithError(err).Warn("websocket upgrade failed")
		return
	}

	c := &client{accountID: accountID, conn: conn, send: make(chan Event, clientBuffer)}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	if h.clients[accountID] == nil {
		h.clients[accountID] = make(map[*client]struct{})
	}
	h.clients[accountID][c] = struct{}{}
	h.mu.Unlock()

	go c.writeLoop()
	go h.readLoop(c)
}

func (c *client) writeLoop() {
	defer c.conn.Close()
	for ev := range c.send {
		c.conn.SetWriteDeadline(time.Now().Add(writeWait))
		if err := c.conn.WriteJSON(ev); err != nil {
			return
		}
	}
	c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// readLoop drains the connection so pings and close frames are processed,
// then unregisters the client.
func (h *Hub) readLoop(c *client) {
	c.conn.SetReadLimit(maxMessageSize)
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			break
		}
	}
	h.remove(c)
}

func (h *Hub) remove(c *client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set := h.clients[c.accountID]
	if _, ok := set[c]; !ok {
		return
	}
	delete(set, c)
	if len(set) == 0 {
		delete(h.clients, c.accountID)
	}
	close(c.send)
}

// SubscriberCount reports live subscribers on one account channel.
func (h *Hub) SubscriberCount(accountID int64) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[accountID])
}
