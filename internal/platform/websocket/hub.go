// Package websocket pushes ledger notifications to connected cash-office
// screens. Clients subscribe to event types; "*" subscribes to all of them.
package websocket

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	gorillawebsocket "github.com/gorilla/websocket"
	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/ledger/internal/platform/auth"
	"github.com/ehr/ledger/internal/platform/notification"
)

// AllEvents is the wildcard topic.
const AllEvents = "*"

const (
	sendBuffer = 64
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// ClientMessage is what a client sends to change its subscriptions, for
// example {"action":"subscribe","topic":"cash_request.approved"}. Several
// topics may be given at once in topics.
type ClientMessage struct {
	Action string   `json:"action"`
	Topic  string   `json:"topic,omitempty"`
	Topics []string `json:"topics,omitempty"`
}

func (m ClientMessage) topicList() []string {
	if m.Topic == "" {
		return m.Topics
	}
	return append([]string{m.Topic}, m.Topics...)
}

// Client is one connected screen.
type Client struct {
	ID      string
	ActorID string
	Send    chan []byte

	topics map[string]struct{}
}

func newClient(actorID string, topics []string) *Client {
	c := &Client{
		ID:      uuid.New().String(),
		ActorID: actorID,
		Send:    make(chan []byte, sendBuffer),
		topics:  make(map[string]struct{}),
	}
	for _, t := range topics {
		c.topics[t] = struct{}{}
	}
	return c
}

// Hub tracks clients by topic. It implements notification.Publisher so the
// dispatcher can feed it alongside the broker.
type Hub struct {
	log zerolog.Logger

	mu      sync.RWMutex
	clients map[string]map[*Client]struct{} // topic -> clients
	all     map[*Client]struct{}
}

func NewHub(log zerolog.Logger) *Hub {
	return &Hub{
		log:     log,
		clients: make(map[string]map[*Client]struct{}),
		all:     make(map[*Client]struct{}),
	}
}

func (h *Hub) Register(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.all[c] = struct{}{}
	for t := range c.topics {
		h.subscribeLocked(c, t)
	}
}

// Unregister removes c from every topic and closes its Send channel.
func (h *Hub) Unregister(c *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for t := range c.topics {
		h.unsubscribeLocked(c, t)
	}
	delete(h.all, c)
	close(c.Send)
}

func (h *Hub) subscribeLocked(c *Client, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*Client]struct{})
	}
	h.clients[topic][c] = struct{}{}
	c.topics[topic] = struct{}{}
}

func (h *Hub) unsubscribeLocked(c *Client, topic string) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
	delete(c.topics, topic)
}

// ProcessMessage applies a subscribe or unsubscribe request from c.
func (h *Hub) ProcessMessage(c *Client, msg ClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.all[c]; !ok {
		return
	}
	for _, t := range msg.topicList() {
		if t == "" {
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.subscribeLocked(c, t)
		case "unsubscribe":
			h.unsubscribeLocked(c, t)
		}
	}
}

// Publish sends ev to clients subscribed to its type or to AllEvents. A client
// whose buffer is full misses the event.
func (h *Hub) Publish(_ context.Context, ev notification.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	sent := make(map[*Client]struct{})
	for _, topic := range []string{string(ev.Type), AllEvents} {
		for c := range h.clients[topic] {
			if _, done := sent[c]; done {
				continue
			}
			sent[c] = struct{}{}
			select {
			case c.Send <- data:
			default:
				h.log.Warn().Str("client_id", c.ID).Str("event_type", string(ev.Type)).Msg("websocket client too slow, event dropped")
			}
		}
	}
	return nil
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

func (h *Hub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Close disconnects every client.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for c := range h.all {
		for t := range c.topics {
			h.unsubscribeLocked(c, t)
		}
		delete(h.all, c)
		close(c.Send)
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

// Handler upgrades authenticated requests to a websocket feed.
type Handler struct {
	hub      *Hub
	upgrader gorillawebsocket.Upgrader
}

// NewHandler accepts upgrades from the given origins. An empty list accepts
// same-origin requests only.
func NewHandler(hub *Hub, allowedOrigins []string) *Handler {
	origins := make(map[string]bool, len(allowedOrigins))
	for _, o := range allowedOrigins {
		origins[o] = true
	}
	return &Handler{
		hub: hub,
		upgrader: gorillawebsocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				origin := r.Header.Get("Origin")
				return origin == "" || origins[origin] || origin == "http://"+r.Host || origin == "https://"+r.Host
			},
		},
	}
}

// Connect serves GET /events/ws?topic=payment.completed&topic=... and
// subscribes to AllEvents when no topic is given.
func (h *Handler) Connect(c echo.Context) error {
	topics := c.QueryParams()["topic"]
	if len(topics) == 0 {
		topics = []string{AllEvents}
	}
	ws, err := h.upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		// Upgrade has already written the error response.
		return nil
	}

	client := newClient(auth.UserIDFromContext(c.Request().Context()), topics)
	h.hub.Register(client)
	h.hub.log.Debug().Str("client_id", client.ID).Str("actor_id", client.ActorID).Strs("topics", topics).Msg("websocket client connected")

	go h.writePump(client, ws)
	go h.readPump(client, ws)
	return nil
}

func (h *Handler) readPump(c *Client, ws *gorillawebsocket.Conn) {
	defer func() {
		h.hub.Unregister(c)
		ws.Close()
	}()
	ws.SetReadLimit(4096)
	ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		_, raw, err := ws.ReadMessage()
		if err != nil {
			return
		}
		var msg ClientMessage
		if err := json.Unmarshal(raw, &msg); err != nil {
			continue
		}
		h.hub.ProcessMessage(c, msg)
	}
}

func (h *Handler) writePump(c *Client, ws *gorillawebsocket.Conn) {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		ws.Close()
	}()
	for {
		select {
		case msg, ok := <-c.Send:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				ws.WriteMessage(gorillawebsocket.CloseMessage, []byte{})
				return
			}
			if err := ws.WriteMessage(gorillawebsocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			ws.SetWriteDeadline(time.Now().Add(writeWait))
			if err := ws.WriteMessage(gorillawebsocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
