package events

import (
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = (pongWait * 9) / 10
)

// Event types pushed to subscribers.
const (
	TypeBatchScanned = "batch_scanned"
	TypeQuarantined  = "document_quarantined"
)

// Config contains event hub configuration
type Config struct {
	Enabled        bool   `yaml:"enabled" mapstructure:"enabled"`
	Path           string `yaml:"path" mapstructure:"path"`
	MaxConnections int    `yaml:"max_connections" mapstructure:"max_connections"`
}

// Event is one message on the feed.
type Event struct {
	Type      string      `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Data      interface{} `json:"data"`
}

// BatchScannedEvent summarizes a completed scan.
type BatchScannedEvent struct {
	BatchID          string  `json:"batch_id"`
	TotalDocs        int     `json:"total_docs"`
	QuarantinedCount int     `json:"quarantined_count"`
	MaxRisk          int     `json:"max_risk"`
	AvgRisk          float64 `json:"avg_risk"`
}

// QuarantinedEvent reports one quarantined document.
type QuarantinedEvent struct {
	BatchID string   `json:"batch_id"`
	DocID   string   `json:"doc_id"`
	Risk    int      `json:"risk"`
	Reasons []string `json:"reasons"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Hub maintains the set of subscribers and fans events out to them.
// Slow subscribers are dropped rather than back-pressuring the scan
// path.
type Hub struct {
	cfg        Config
	logger     *zap.Logger
	broadcast  chan Event
	register   chan *client
	unregister chan *client

	mu      sync.RWMutex
	clients map[*client]bool
}

type client struct {
	conn *websocket.Conn
	send chan Event
}

// NewHub creates the hub; call Run in a goroutine to start it.
func NewHub(cfg Config, logger *zap.Logger) *Hub {
	if cfg.MaxConnections <= 0 {
		cfg.MaxConnections = 100
	}
	return &Hub{
		cfg:        cfg,
		logger:     logger,
		broadcast:  make(chan Event, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		clients:    make(map[*client]bool),
	}
}

// Run dispatches registrations and broadcasts until the process exits.
func (h *Hub) Run() {
	for {
		select {
		case c := <-h.register:
			h.mu.Lock()
			h.clients[c] = true
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Event subscriber connected", zap.Int("active", n))

		case c := <-h.unregister:
			h.mu.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
			}
			n := len(h.clients)
			h.mu.Unlock()
			h.logger.Info("Event subscriber disconnected", zap.Int("active", n))

		case event := <-h.broadcast:
			h.mu.RLock()
			for c := range h.clients {
				select {
				case c.send <- event:
				default:
					// Subscriber too slow; drop the event for it.
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Publish enqueues an event without blocking the caller.
func (h *Hub) Publish(eventType string, data interface{}) {
	if !h.cfg.Enabled {
		return
	}
	select {
	case h.broadcast <- Event{Type: eventType, Timestamp: time.Now().UTC(), Data: data}:
	default:
		h.logger.Debug("Event feed saturated, dropping event", zap.String("type", eventType))
	}
}

// HandleWebSocket upgrades an HTTP request into a feed subscription.
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	if !h.cfg.Enabled {
		http.Error(w, "event feed disabled", http.StatusNotFound)
		return
	}
	h.mu.RLock()
	full := len(h.clients) >= h.cfg.MaxConnections
	h.mu.RUnlock()
	if full {
		http.Error(w, "too many subscribers", http.StatusServiceUnavailable)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("WebSocket upgrade failed", zap.Error(err))
		return
	}

	c := &client{conn: conn, send: make(chan Event, 64)}
	h.register <- c

	go h.writePump(c)
	go h.readPump(c)
}

// writePump serializes queued events onto the connection and keeps it
// alive with pings.
func (h *Hub) writePump(c *client) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case event, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteJSON(event); err != nil {
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

// readPump discards inbound frames; the feed is one-way. It exists to
// process pongs and observe disconnects.
func (h *Hub) readPump(c *client) {
	defer func() {
		h.unregister <- c
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

// ActiveSubscribers reports the current subscriber count.
func (h *Hub) ActiveSubscribers() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}
