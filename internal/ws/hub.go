// Package ws provides the WebSocket hub that fans broadcasts out to
// connected clients and forwards inbound client messages to a per-route
// handler.
package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

var (
	wsConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "marketstream_ws_connections",
		Help: "Current number of active WebSocket connections.",
	})
	wsMessagesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_ws_messages_total",
		Help: "Total number of WebSocket messages sent to clients.",
	})
	wsDroppedTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Name: "marketstream_ws_dropped_total",
		Help: "Total number of messages dropped for slow clients.",
	})
	wsBroadcastLatency = prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "marketstream_ws_broadcast_latency_seconds",
		Help:    "Latency of broadcasting a message to all clients on a route.",
		Buckets: prometheus.DefBuckets,
	})
)

func init() {
	prometheus.MustRegister(wsConnections, wsMessagesTotal, wsDroppedTotal, wsBroadcastLatency)
}

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = 30 * time.Second
	maxMessageSize = 4096
	sendQueueSize  = 256
)

// Handler consumes a raw inbound message from a client on a route.
type Handler func(clientID string, raw []byte)

// Client is a single WebSocket connection bound to one route.
type Client struct {
	id    string
	route string
	conn  *websocket.Conn
	send  chan []byte
	hub   *Hub

	closeOnce sync.Once
}

// Hub tracks clients per route and broadcasts route-tagged payloads.
type Hub struct {
	logger   *zap.Logger
	upgrader websocket.Upgrader

	mu       sync.RWMutex
	routes   map[string]map[*Client]struct{}
	handlers map[string]Handler
	closed   bool
}

// NewHub creates an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	return &Hub{
		logger:   logger,
		routes:   make(map[string]map[*Client]struct{}),
		handlers: make(map[string]Handler),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// Handle registers the inbound-message handler for a route. Must be called
// before clients connect to that route.
func (h *Hub) Handle(route string, handler Handler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.handlers[route] = handler
}

// ServeWS upgrades the HTTP request and registers the connection on route.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, route string) {
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &Client{
		id:    uuid.NewString(),
		route: route,
		conn:  conn,
		send:  make(chan []byte, sendQueueSize),
		hub:   h,
	}

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		conn.Close()
		return
	}
	clients, ok := h.routes[route]
	if !ok {
		clients = make(map[*Client]struct{})
		h.routes[route] = clients
	}
	clients[c] = struct{}{}
	h.mu.Unlock()

	wsConnections.Inc()
	h.logger.Debug("client connected", zap.String("client_id", c.id), zap.String("route", route))

	go c.writePump()
	go c.readPump()
}

// Broadcast delivers data to every client currently on route. Slow clients
// whose send queue is full are skipped, not blocked on.
func (h *Hub) Broadcast(route string, data []byte) {
	start := time.Now()
	defer func() {
		wsBroadcastLatency.Observe(time.Since(start).Seconds())
	}()

	h.mu.RLock()
	defer h.mu.RUnlock()
	for c := range h.routes[route] {
		select {
		case c.send <- data:
			wsMessagesTotal.Inc()
		default:
			wsDroppedTotal.Inc()
			h.logger.Warn("dropping message for slow client",
				zap.String("client_id", c.id),
				zap.String("route", route))
		}
	}
}

// HasSubscribers reports whether any client is connected on route.
func (h *Hub) HasSubscribers(route string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.routes[route]) > 0
}

// Shutdown closes every client connection and rejects new ones.
func (h *Hub) Shutdown() {
	h.mu.Lock()
	h.closed = true
	var all []*Client
	for _, clients := range h.routes {
		for c := range clients {
			all = append(all, c)
		}
	}
	h.routes = make(map[string]map[*Client]struct{})
	h.mu.Unlock()

	for _, c := range all {
		c.close()
	}
	wsConnections.Sub(float64(len(all)))
	h.logger.Info("WebSocket hub shut down", zap.Int("clients_closed", len(all)))
}

func (h *Hub) remove(c *Client) {
	h.mu.Lock()
	if clients, ok := h.routes[c.route]; ok {
		if _, present := clients[c]; present {
			delete(clients, c)
			wsConnections.Dec()
		}
		if len(clients) == 0 {
			delete(h.routes, c.route)
		}
	}
	h.mu.Unlock()
}

func (h *Hub) handlerFor(route string) Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.handlers[route]
}

func (c *Client) close() {
	c.closeOnce.Do(func() {
		close(c.send)
		c.conn.Close()
	})
}

// readPump forwards inbound messages to the route handler until the
// connection drops.
func (c *Client) readPump() {
	defer func() {
		c.hub.remove(c)
		c.close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		_, msg, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		if handler := c.hub.handlerFor(c.route); handler != nil {
			handler(c.id, msg)
		}
	}
}

// writePump sends queued messages and heartbeats to the client.
func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
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
