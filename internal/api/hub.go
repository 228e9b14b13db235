// Package api streams transaction records to WebSocket clients and serves
// the recent ones over REST.
package api

import (
	"encoding/json"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/burpheart/httpsift/pkg/types"
)

const (
	eventQueue  = 256
	clientQueue = 256
)

// Event is one record offered to stream subscribers.
type Event struct {
	Type   string      // record type: request, response, transaction, sse, grpc, error
	Host   string      // server the session talks to
	Flags  types.Flags // anomalies raised on the transaction
	Record any         // sent to matching clients as JSON
}

// Hub fans events out to the WebSocket clients whose filter accepts them.
// A client that cannot keep up loses events instead of stalling the rest.
type Hub struct {
	mu      sync.RWMutex
	clients map[*Client]struct{}

	events     chan Event
	register   chan *Client
	unregister chan *Client

	done     chan struct{}
	stopOnce sync.Once

	published atomic.Int64
	dropped   atomic.Int64
	logger    *zap.Logger
}

// NewHub creates a hub. Call Run to start delivering.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[*Client]struct{}),
		events:     make(chan Event, eventQueue),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		done:       make(chan struct{}),
		logger:     zap.NewNop(),
	}
}

// Run delivers events until Stop.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = struct{}{}
			h.mu.Unlock()

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()

		case ev := <-h.events:
			h.deliver(ev)

		case <-h.done:
			h.mu.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.mu.Unlock()
			return
		}
	}
}

// deliver encodes ev once, the first time a client wants it.
func (h *Hub) deliver(ev Event) {
	var data []byte
	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.clients {
		if !c.Filter().Match(&ev) {
			continue
		}
		if data == nil {
			var err error
			if data, err = json.Marshal(ev.Record); err != nil {
				h.logger.Debug("encode event", zap.String("type", ev.Type), zap.Error(err))
				return
			}
		}
		select {
		case c.send <- data:
		default:
			h.dropped.Add(1)
		}
	}
}

// Stop ends Run and disconnects every client.
func (h *Hub) Stop() {
	h.stopOnce.Do(func() { close(h.done) })
}

// Publish queues ev for delivery. It never blocks; when the queue is full
// the event is counted as dropped.
func (h *Hub) Publish(ev Event) {
	h.published.Add(1)
	select {
	case h.events <- ev:
	default:
		h.dropped.Add(1)
	}
}

// Published returns how many events were offered to the hub.
func (h *Hub) Published() int64 {
	return h.published.Load()
}

// Dropped returns how many deliveries were lost to full queues.
func (h *Hub) Dropped() int64 {
	return h.dropped.Load()
}

// ClientCount returns the number of connected clients.
func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

// Register adds a client.
func (h *Hub) Register(c *Client) {
	select {
	case h.register <- c:
	case <-h.done:
		close(c.send)
	}
}

// Unregister removes a client.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.done:
	}
}

// Client is one WebSocket subscriber.
type Client struct {
	hub    *Hub
	conn   *websocket.Conn
	send   chan []byte
	filter atomic.Pointer[Filter]
}

// NewClient creates a client receiving the events f accepts.
func NewClient(hub *Hub, conn *websocket.Conn, f Filter) *Client {
	c := &Client{
		hub:  hub,
		conn: conn,
		send: make(chan []byte, clientQueue),
	}
	c.filter.Store(&f)
	return c
}

// Filter returns the filter in use.
func (c *Client) Filter() *Filter {
	return c.filter.Load()
}

// update replaces the filter with the JSON spec in msg.
func (c *Client) update(msg []byte) error {
	var spec FilterSpec
	if err := json.Unmarshal(msg, &spec); err != nil {
		return err
	}
	f, err := spec.Compile()
	if err != nil {
		return err
	}
	c.filter.Store(&f)
	return nil
}

// WritePump writes queued events to the connection until the hub lets go
// of the client.
func (c *Client) WritePump() {
	defer c.conn.Close()

	for message := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
			return
		}
	}
	c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseGoingAway, ""))
}

// ReadPump reads filter updates sent by the client. Messages that do not
// parse leave the filter unchanged.
func (c *Client) ReadPump() {
	defer func() {
		c.hub.Unregister(c)
		c.conn.Close()
	}()

	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if err := c.update(msg); err != nil {
			c.hub.logger.Debug("ignoring filter update", zap.Error(err))
		}
	}
}
