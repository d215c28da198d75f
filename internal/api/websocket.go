package api

import (
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/mindflora/mindflora/internal/core"
	"github.com/mindflora/mindflora/internal/logging"
	"github.com/mindflora/mindflora/internal/notifications"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 16
)

var (
	errClientClosed = errors.New("websocket client closed")
	errClientSlow   = errors.New("websocket client send buffer full")
)

// Subscriptions is where clients register for notification pushes
type Subscriptions interface {
	Subscribe(sub notifications.Subscriber)
	Unsubscribe(id string)
}

// WebSocketHub pushes in-app notifications to connected clients. Each
// connection subscribes for one user.
type WebSocketHub struct {
	upgrader websocket.Upgrader
	subs     Subscriptions

	clients map[string]*wsClient
	wg      sync.WaitGroup
	mu      sync.Mutex
}

// NewWebSocketHub creates a hub fed by subs
func NewWebSocketHub(subs Subscriptions) *WebSocketHub {
	return &WebSocketHub{
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return true
			},
		},
		subs:    subs,
		clients: make(map[string]*wsClient),
	}
}

// ServeHTTP upgrades the connection and streams the user's notifications
func (h *WebSocketHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	uid := r.URL.Query().Get("user_id")
	if uid == "" {
		http.Error(w, "user_id required", http.StatusBadRequest)
		return
	}

	c := &wsClient{
		id:     uuid.New().String(),
		userID: core.UserID(uid),
		send:   make(chan notifications.WebSocketMessage, wsSendBuffer),
		done:   make(chan struct{}),
	}
	// subscribe before the handshake completes so nothing created after
	// the client sees the upgrade is missed
	h.subs.Subscribe(c)

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.subs.Unsubscribe(c.id)
		return
	}
	c.conn = conn

	h.mu.Lock()
	h.clients[c.id] = c
	h.mu.Unlock()

	log := logging.WithFields(map[string]interface{}{"client": c.id, "user_id": c.userID})
	log.Debug("WebSocket client connected")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		h.writePump(c)
	}()
	go func() {
		defer h.wg.Done()
		h.readPump(c)
		h.drop(c)
		log.Debug("WebSocket client disconnected")
	}()
}

// Clients returns the number of connected clients
func (h *WebSocketHub) Clients() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Close disconnects every client and waits for their goroutines
func (h *WebSocketHub) Close() {
	h.mu.Lock()
	clients := make([]*wsClient, 0, len(h.clients))
	for _, c := range h.clients {
		clients = append(clients, c)
	}
	h.mu.Unlock()

	for _, c := range clients {
		c.conn.Close()
	}
	h.wg.Wait()
}

func (h *WebSocketHub) drop(c *wsClient) {
	h.subs.Unsubscribe(c.id)
	h.mu.Lock()
	delete(h.clients, c.id)
	h.mu.Unlock()
	c.close()
	c.conn.Close()
}

// readPump discards client frames and keeps the pong deadline fresh
func (h *WebSocketHub) readPump(c *wsClient) {
	c.conn.SetReadLimit(4096)
	c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	c.conn.SetPongHandler(func(string) error {
		return c.conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (h *WebSocketHub) writePump(c *wsClient) {
	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	for {
		select {
		case msg := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteJSON(msg); err != nil {
				c.conn.Close()
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.conn.Close()
				return
			}
		case <-c.done:
			return
		}
	}
}

// wsClient is one connection's notification subscription
type wsClient struct {
	id     string
	userID core.UserID
	conn   *websocket.Conn
	send   chan notifications.WebSocketMessage
	done   chan struct{}
	once   sync.Once
}

func (c *wsClient) ID() string { return c.id }

func (c *wsClient) UserID() core.UserID { return c.userID }

// Send queues n without blocking; a full buffer drops it
func (c *wsClient) Send(n notifications.Notification) error {
	select {
	case <-c.done:
		return errClientClosed
	default:
	}
	select {
	case c.send <- notifications.WebSocketMessage{Type: "notification", Payload: n}:
		return nil
	case <-c.done:
		return errClientClosed
	default:
		return errClientSlow
	}
}

func (c *wsClient) close() {
	c.once.Do(func() { close(c.done) })
}
