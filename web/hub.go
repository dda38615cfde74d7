package web

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/XANi/azen2prom/registry"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 512
	clientBuffer   = 64
)

const (
	EventSnapshot            = "snapshot"
	EventSensorAdded         = "sensor_added"
	EventSensorUpdated       = "sensor_updated"
	EventAvailabilityChanged = "availability_changed"
	EventConnection          = "connection"
)

// Event is the frame sent to websocket clients.
type Event struct {
	Type    string `json:"type"`
	Serial  string `json:"serial"`
	Payload any    `json:"payload"`
}

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
}

// Hub fans events out to connected websocket clients. Broadcasting never
// blocks the caller; slow clients are disconnected.
type Hub struct {
	log        *zap.SugaredLogger
	broadcast  chan []byte
	register   chan *client
	unregister chan *client
	done       chan struct{}
	dropped    atomic.Int64

	sync.RWMutex
	clients map[*client]bool
}

type client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte
}

func NewHub(logger *zap.SugaredLogger) *Hub {
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Hub{
		log:        logger,
		broadcast:  make(chan []byte, 256),
		register:   make(chan *client),
		unregister: make(chan *client),
		done:       make(chan struct{}),
		clients:    map[*client]bool{},
	}
}

// Run serves registrations and broadcasts until ctx is cancelled. Run must
// only be called once.
func (h *Hub) Run(ctx context.Context) {
	defer close(h.done)
	for {
		select {
		case <-ctx.Done():
			h.Lock()
			for c := range h.clients {
				delete(h.clients, c)
				close(c.send)
			}
			h.Unlock()
			return
		case c := <-h.register:
			h.Lock()
			h.clients[c] = true
			h.Unlock()
			h.log.Debugf("websocket client registered: %s", c.conn.RemoteAddr())
		case c := <-h.unregister:
			h.Lock()
			if _, ok := h.clients[c]; ok {
				delete(h.clients, c)
				close(c.send)
				h.log.Debugf("websocket client unregistered: %s", c.conn.RemoteAddr())
			}
			h.Unlock()
		case msg := <-h.broadcast:
			h.Lock()
			for c := range h.clients {
				select {
				case c.send <- msg:
				default:
					h.log.Warnf("websocket client %s too slow, removing", c.conn.RemoteAddr())
					delete(h.clients, c)
					close(c.send)
				}
			}
			h.Unlock()
		}
	}
}

func (h *Hub) Clients() int {
	h.RLock()
	defer h.RUnlock()
	return len(h.clients)
}

func (h *Hub) Broadcast(ev Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		h.log.Errorf("error marshalling %s event: %s", ev.Type, err)
		return
	}
	select {
	case h.broadcast <- b:
	default:
		h.dropped.Add(1)
	}
}

// Listener forwards registry events of serial to clients.
func (h *Hub) Listener(serial string) registry.Listener {
	return registry.Listener{
		SensorAdded: func(s *registry.Sensor) {
			h.Broadcast(Event{Type: EventSensorAdded, Serial: serial, Payload: s.Snapshot()})
		},
		SensorUpdated: func(s *registry.Sensor) {
			h.Broadcast(Event{Type: EventSensorUpdated, Serial: serial, Payload: s.Snapshot()})
		},
		AvailabilityChanged: func(s *registry.Sensor, available bool) {
			h.Broadcast(Event{Type: EventAvailabilityChanged, Serial: serial, Payload: map[string]any{
				"unique_id": s.UniqueID(),
				"available": available,
			}})
		},
	}
}

func (h *Hub) ConnectionListener(serial string) func(connected bool) {
	return func(connected bool) {
		h.Broadcast(Event{Type: EventConnection, Serial: serial, Payload: map[string]bool{"connected": connected}})
	}
}

// ServeWS upgrades the request and sends initial before any broadcast.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request, initial ...Event) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Infof("websocket upgrade error: %s", err)
		return
	}
	c := &client{hub: h, conn: conn, send: make(chan []byte, clientBuffer)}
	for _, ev := range initial {
		b, err := json.Marshal(ev)
		if err != nil {
			h.log.Errorf("error marshalling %s event: %s", ev.Type, err)
			continue
		}
		c.send <- b
	}
	select {
	case h.register <- c:
	case <-h.done:
		_ = conn.Close()
		return
	}
	go c.writePump()
	go c.readPump()
}

// readPump only handles control frames; clients do not send commands.
func (c *client) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				c.hub.log.Debugf("websocket read error: %s", err)
			}
			return
		}
	}
}

func (c *client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				c.hub.log.Debugf("websocket write error: %s", err)
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
