package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/caregohq/carego-sync/internal/logging"
	"github.com/caregohq/carego-sync/internal/models"
	"github.com/caregohq/carego-sync/internal/queue"
	"github.com/caregohq/carego-sync/internal/uuid"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = 30 * time.Second
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     localOrigin,
}

// localOrigin admits non-browser clients (no Origin header) and browsers
// served from loopback. The bridge binds to loopback; this keeps remote
// pages from driving it through a local browser.
func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	u, err := url.Parse(origin)
	if err != nil {
		return false
	}
	host := u.Hostname()
	return host == "localhost" || host == "127.0.0.1" || host == "::1"
}

// wsClient is one websocket subscriber. Clients are consumers only; the
// read side exists for liveness and close detection.
type wsClient struct {
	id   string
	conn *websocket.Conn
	send chan []byte
	hub  *Hub
}

// Hub fans queue events out to websocket clients. It subscribes to the
// queue's event stream, so everything the engine and queue publish reaches
// every connected UI shell.
type Hub struct {
	queue      *queue.Queue
	clients    map[string]*wsClient
	register   chan *wsClient
	unregister chan *wsClient

	events <-chan models.QueueEvent
	cancel func()

	closeOnce sync.Once
	done      chan struct{}
}

// NewHub subscribes to the queue and starts the fan-out loop.
func NewHub(q *queue.Queue) *Hub {
	events, cancel := q.Subscribe(64)
	h := &Hub{
		queue:      q,
		clients:    make(map[string]*wsClient),
		register:   make(chan *wsClient),
		unregister: make(chan *wsClient),
		events:     events,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	go h.run()
	return h
}

// Close stops the fan-out loop and disconnects every client.
func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		h.cancel()
		close(h.done)
	})
}

func (h *Hub) run() {
	defer func() {
		for id, client := range h.clients {
			close(client.send)
			delete(h.clients, id)
		}
	}()

	for {
		select {
		case <-h.done:
			return

		case client := <-h.register:
			h.clients[client.id] = client
			h.sendSnapshot(client)
			logging.Debug("ws client connected",
				zap.String("client_id", client.id),
				zap.Int("total", len(h.clients)))

		case client := <-h.unregister:
			if _, ok := h.clients[client.id]; ok {
				delete(h.clients, client.id)
				close(client.send)
			}
			logging.Debug("ws client disconnected",
				zap.String("client_id", client.id),
				zap.Int("total", len(h.clients)))

		case ev, ok := <-h.events:
			if !ok {
				return
			}
			h.fanOut(ev)
		}
	}
}

// sendSnapshot gives a freshly connected client the current queue counts
// so it can render state before the first live event.
func (h *Hub) sendSnapshot(client *wsClient) {
	ev := models.QueueEvent{
		Kind: models.EventSnapshot,
		At:   time.Now().UnixMilli(),
	}
	counts, err := h.queue.Counts(context.Background())
	if err != nil {
		logging.Warn("ws snapshot counts", zap.Error(err))
	} else {
		ev.Counts = counts
	}

	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Error("ws marshal snapshot", zap.Error(err))
		return
	}
	select {
	case client.send <- payload:
	default:
	}
}

func (h *Hub) fanOut(ev models.QueueEvent) {
	payload, err := json.Marshal(ev)
	if err != nil {
		logging.Error("ws marshal event", zap.Error(err))
		return
	}
	for id, client := range h.clients {
		select {
		case client.send <- payload:
		default:
			// Client cannot keep up; drop it rather than stall the hub.
			close(client.send)
			delete(h.clients, id)
		}
	}
}

// Serve upgrades the request and attaches the client to the hub.
func (h *Hub) Serve(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logging.Warn("ws upgrade failed", zap.Error(err))
		return
	}

	client := &wsClient{
		id:   uuid.New(),
		conn: conn,
		send: make(chan []byte, 64),
		hub:  h,
	}

	select {
	case h.register <- client:
	case <-h.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

func (c *wsClient) readPump() {
	defer func() {
		select {
		case c.hub.unregister <- c:
		case <-c.hub.done:
		}
		c.conn.Close()
	}()

	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
		return nil
	})

	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				logging.Debug("ws read error", zap.Error(err))
			}
			return
		}
	}
}

func (c *wsClient) writePump() {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
