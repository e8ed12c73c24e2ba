package websocket

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/aaronwang/live-auction/internal/logging"
	"github.com/aaronwang/live-auction/internal/metrics"
	"github.com/aaronwang/live-auction/internal/models"
	"github.com/aaronwang/live-auction/internal/notify"
	"github.com/aaronwang/live-auction/internal/registry"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = 54 * time.Second
	sendBuffer = 256
)

// BidSubmitter admits bids on behalf of a connection
type BidSubmitter interface {
	SubmitBid(ctx context.Context, bidderID, auctionID string, amount decimal.Decimal) *models.BidResponse
}

// StatusChecker returns the live state of an auction, stepping its lifecycle if due
type StatusChecker interface {
	Check(ctx context.Context, auctionID string) (*registry.Snapshot, error)
}

// Manager manages all WebSocket connections.
// Connection lifecycle goes through register/unregister so hub membership and the
// connection gauge change in one place.
type Manager struct {
	hub     *notify.Hub
	bids    BidSubmitter
	status  StatusChecker
	logger  zerolog.Logger
	metrics *metrics.Metrics

	// Channels for managing connections
	register   chan *Client
	unregister chan *Client
	stopped    chan struct{}

	mu      sync.RWMutex
	clients map[string]*Client
}

// NewManager creates a new WebSocket manager
func NewManager(hub *notify.Hub, bids BidSubmitter, status StatusChecker, logger zerolog.Logger, m *metrics.Metrics) *Manager {
	return &Manager{
		hub:        hub,
		bids:       bids,
		status:     status,
		logger:     logging.Component(logger, "websocket"),
		metrics:    m,
		register:   make(chan *Client),
		unregister: make(chan *Client),
		stopped:    make(chan struct{}),
		clients:    make(map[string]*Client),
	}
}

// Run starts the manager's main loop until ctx is done, then closes every connection
func (m *Manager) Run(ctx context.Context) {
	defer close(m.stopped)
	for {
		select {
		case client := <-m.register:
			m.registerClient(client)

		case client := <-m.unregister:
			m.unregisterClient(client)

		case <-ctx.Done():
			m.mu.RLock()
			open := make([]*Client, 0, len(m.clients))
			for _, c := range m.clients {
				open = append(open, c)
			}
			m.mu.RUnlock()
			for _, c := range open {
				m.unregisterClient(c)
			}
			return
		}
	}
}

// RegisterClient adds a client to the manager; false once the manager stopped
func (m *Manager) RegisterClient(client *Client) bool {
	select {
	case m.register <- client:
		return true
	case <-m.stopped:
		return false
	}
}

// UnregisterClient removes a client from the manager
func (m *Manager) UnregisterClient(client *Client) {
	select {
	case m.unregister <- client:
	case <-m.stopped:
		client.Close()
	}
}

// ClientCount returns the number of open connections
func (m *Manager) ClientCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.clients)
}

// registerClient subscribes the connection to its identity's private topic
func (m *Manager) registerClient(client *Client) {
	m.mu.Lock()
	m.clients[client.id] = client
	m.mu.Unlock()

	m.hub.Join(notify.UserTopic(client.identity.UserID), client)
	m.metrics.Connections.Inc()

	m.logger.Debug().Str("clientId", client.id).Str("userId", client.identity.UserID).Msg("client connected")

	// Start goroutine to handle writes for this client
	go client.writePump()
}

// unregisterClient removes every subscription of the client and closes it
func (m *Manager) unregisterClient(client *Client) {
	m.mu.Lock()
	_, ok := m.clients[client.id]
	delete(m.clients, client.id)
	m.mu.Unlock()
	if !ok {
		return
	}

	m.hub.Remove(client)
	client.Close()
	m.metrics.Connections.Dec()

	m.logger.Debug().Str("clientId", client.id).Str("userId", client.identity.UserID).Msg("client disconnected")
}

// Client represents a WebSocket client connection bound to one identity
type Client struct {
	id       string
	identity models.Identity
	conn     *websocket.Conn
	send     chan []byte
	done     chan struct{}
	once     sync.Once
}

func newClient(id string, identity models.Identity, conn *websocket.Conn) *Client {
	return &Client{
		id:       id,
		identity: identity,
		conn:     conn,
		send:     make(chan []byte, sendBuffer),
		done:     make(chan struct{}),
	}
}

// ID identifies the connection in the hub
func (c *Client) ID() string {
	return c.id
}

// TrySend queues payload without blocking
func (c *Client) TrySend(payload []byte) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- payload:
		return true
	default:
		return false
	}
}

// Done is closed when the connection goes away
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Close stops the pumps; the write pump closes the socket
func (c *Client) Close() {
	c.once.Do(func() {
		close(c.done)
	})
}

// reply sends a direct response to this connection only
func (c *Client) reply(typ string, payload interface{}) {
	data, err := json.Marshal(notify.Message{Type: typ, Payload: payload})
	if err != nil {
		return
	}
	c.TrySend(data)
}

// writePump pumps messages from the send channel to the websocket connection
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.Close()
				return
			}

		case <-ticker.C:
			// Send ping to keep connection alive
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close()
				return
			}

		case <-c.done:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		}
	}
}

// inbound is a message sent by the client
type inbound struct {
	Type      string          `json:"type"`
	AuctionID string          `json:"auctionId"`
	Amount    decimal.Decimal `json:"amount"`
	IsTyping  bool            `json:"isTyping"`
}

// typingPayload is relayed to the other watchers of an auction
type typingPayload struct {
	AuctionID string `json:"auctionId"`
	UserID    string `json:"userId"`
	Username  string `json:"username,omitempty"`
	IsTyping  bool   `json:"isTyping"`
}

// readPump reads client commands until the connection fails, then unregisters it
func (m *Manager) readPump(c *Client, bidTimeout time.Duration) {
	defer m.UnregisterClient(c)

	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				m.logger.Warn().Err(err).Str("clientId", c.id).Msg("websocket read error")
			}
			return
		}

		var msg inbound
		if err := json.Unmarshal(message, &msg); err != nil {
			c.reply("error", map[string]string{"error": "malformed message"})
			continue
		}
		m.handle(c, &msg, bidTimeout)
	}
}

// handle executes one client command
func (m *Manager) handle(c *Client, msg *inbound, bidTimeout time.Duration) {
	if msg.AuctionID == "" {
		c.reply("error", map[string]string{"error": "auctionId is required"})
		return
	}
	topic := notify.AuctionTopic(msg.AuctionID)

	switch msg.Type {
	case "join_auction":
		m.hub.Join(topic, c)
		c.reply("joined_auction", map[string]string{"auctionId": msg.AuctionID})

	case "leave_auction":
		m.hub.Leave(topic, c)
		c.reply("left_auction", map[string]string{"auctionId": msg.AuctionID})

	case "place_bid":
		ctx, cancel := context.WithTimeout(context.Background(), bidTimeout)
		resp := m.bids.SubmitBid(ctx, c.identity.UserID, msg.AuctionID, msg.Amount)
		cancel()
		c.reply("bid_result", resp)

	case "auction_status":
		ctx, cancel := context.WithTimeout(context.Background(), bidTimeout)
		snap, err := m.status.Check(ctx, msg.AuctionID)
		cancel()
		if err != nil {
			c.reply("error", map[string]string{"error": "auction unavailable", "auctionId": msg.AuctionID})
			return
		}
		c.reply("auction_status", models.NewAuctionView(snap.Auction, time.Now()))

	case "typing":
		m.relayTyping(c, topic, msg)

	default:
		c.reply("error", map[string]string{"error": "unknown message type " + msg.Type})
	}
}

// relayTyping tells the other local watchers of the auction that c is composing a bid.
// Best effort: it is neither stored nor sent over the cross-node bus.
func (m *Manager) relayTyping(c *Client, topic string, msg *inbound) {
	data, err := json.Marshal(notify.Message{Type: "user_typing", Payload: typingPayload{
		AuctionID: msg.AuctionID,
		UserID:    c.identity.UserID,
		Username:  c.identity.Username,
		IsTyping:  msg.IsTyping,
	}})
	if err != nil {
		return
	}
	for _, sub := range m.hub.Subscribers(topic) {
		if sub.ID() == c.id {
			continue
		}
		sub.TrySend(data)
	}
}
