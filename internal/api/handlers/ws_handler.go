package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPongWait   = 60 * time.Second
	wsPingPeriod = (wsPongWait * 9) / 10
	wsSendBuffer = 64
	// wsSeenWindow is how many recent event IDs a client remembers for de-duplication
	wsSeenWindow = 256
)

// wsMessage is the frame dashboards receive
type wsMessage struct {
	Type    entities.QueueEventType `json:"type"`
	Topic   string                  `json:"topic"`
	Message string                  `json:"message"`
	Data    *entities.QueueEvent    `json:"data"`
}

// wsClientMessage lets a dashboard change its queue subscriptions
type wsClientMessage struct {
	Action string   `json:"action"`
	Queues []string `json:"queues"`
}

type wsClient struct {
	id     string
	topics map[string]bool
	send   chan []byte

	seenMu sync.Mutex
	seen   map[string]struct{}
	ring   []string
	next   int
}

func newWSClient(topics map[string]bool) *wsClient {
	return &wsClient{
		id:     uuid.NewString(),
		topics: topics,
		send:   make(chan []byte, wsSendBuffer),
		seen:   make(map[string]struct{}, wsSeenWindow),
		ring:   make([]string, wsSeenWindow),
	}
}

// firstSighting records eventID and reports whether the client had not seen it yet.
// An event published on several topics the client follows is delivered once.
func (c *wsClient) firstSighting(eventID string) bool {
	if eventID == "" {
		return true
	}
	c.seenMu.Lock()
	defer c.seenMu.Unlock()

	if _, ok := c.seen[eventID]; ok {
		return false
	}
	if old := c.ring[c.next]; old != "" {
		delete(c.seen, old)
	}
	c.ring[c.next] = eventID
	c.next = (c.next + 1) % len(c.ring)
	c.seen[eventID] = struct{}{}
	return true
}

// QueueHub fans queue events out to WebSocket dashboards. It is a NotificationSink,
// so the notifier feeds it like any other sink.
type QueueHub struct {
	mu      sync.RWMutex
	clients map[string]map[*wsClient]struct{} // topic -> clients
	all     map[*wsClient]struct{}
}

// NewQueueHub creates an empty hub
func NewQueueHub() *QueueHub {
	return &QueueHub{
		clients: make(map[string]map[*wsClient]struct{}),
		all:     make(map[*wsClient]struct{}),
	}
}

var _ providers.NotificationSink = (*QueueHub)(nil)

func (h *QueueHub) register(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.all[c] = struct{}{}
	for topic := range c.topics {
		h.subscribeLocked(c, topic)
	}
}

func (h *QueueHub) unregister(c *wsClient) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	for topic := range c.topics {
		h.unsubscribeLocked(c, topic)
	}
	delete(h.all, c)
	close(c.send)
}

func (h *QueueHub) subscribeLocked(c *wsClient, topic string) {
	if h.clients[topic] == nil {
		h.clients[topic] = make(map[*wsClient]struct{})
	}
	h.clients[topic][c] = struct{}{}
	c.topics[topic] = true
}

func (h *QueueHub) unsubscribeLocked(c *wsClient, topic string) {
	if subs, ok := h.clients[topic]; ok {
		delete(subs, c)
		if len(subs) == 0 {
			delete(h.clients, topic)
		}
	}
	delete(c.topics, topic)
}

func (h *QueueHub) process(c *wsClient, msg wsClientMessage) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if _, ok := h.all[c]; !ok {
		return
	}
	for _, raw := range msg.Queues {
		q, err := entities.ParseQueue(raw)
		if err != nil {
			continue
		}
		switch msg.Action {
		case "subscribe":
			h.subscribeLocked(c, providers.QueueTopic(q))
		case "unsubscribe":
			h.unsubscribeLocked(c, providers.QueueTopic(q))
		}
	}
}

// Publish delivers event to clients subscribed to topic. Slow clients miss events,
// and a client that already received the same event on another topic is skipped.
func (h *QueueHub) Publish(_ context.Context, topic string, event *entities.QueueEvent) error {
	data, err := json.Marshal(wsMessage{
		Type:    event.Type,
		Topic:   topic,
		Message: event.Message,
		Data:    event,
	})
	if err != nil {
		return err
	}

	h.mu.RLock()
	defer h.mu.RUnlock()

	for c := range h.clients[topic] {
		if !c.firstSighting(event.ID) {
			continue
		}
		select {
		case c.send <- data:
		default:
		}
	}
	return nil
}

// ClientCount returns the number of connected dashboards
func (h *QueueHub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.all)
}

// TopicCount returns the number of dashboards subscribed to topic
func (h *QueueHub) TopicCount(topic string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients[topic])
}

// Relay feeds the hub from bus until ctx is done. It is used where the hub
// lives in a different process from the notifier.
func (h *QueueHub) Relay(ctx context.Context, bus providers.EventBus, topics ...string) error {
	for _, topic := range topics {
		ch, err := bus.Subscribe(ctx, topic)
		if err != nil {
			return err
		}
		go func(topic string, ch <-chan *entities.QueueEvent) {
			for {
				select {
				case <-ctx.Done():
					return
				case event, ok := <-ch:
					if !ok {
						return
					}
					h.Publish(ctx, topic, event)
				}
			}
		}(topic, ch)
	}
	return nil
}

// HubTopics lists every topic a hub relays: the firehose plus one per queue
func HubTopics() []string {
	return []string{
		providers.TopicQueueUpdates,
		providers.QueueTopic(entities.QueueClinic),
		providers.QueueTopic(entities.QueueImaging),
		providers.QueueTopic(entities.QueueResults),
	}
}

// WebSocketHandler upgrades dashboard connections and attaches them to a hub
type WebSocketHandler struct {
	hub      *QueueHub
	upgrader websocket.Upgrader
}

// NewWebSocketHandler creates a handler bound to hub
func NewWebSocketHandler(hub *QueueHub) *WebSocketHandler {
	return &WebSocketHandler{
		hub: hub,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
}

// HandleClinic handles GET /ws/clinic. Without ?queue= the client receives every
// queue event; with it, only the listed queues.
func (h *WebSocketHandler) HandleClinic(w http.ResponseWriter, r *http.Request) {
	topics := map[string]bool{}
	for _, raw := range splitList(r.URL.Query()["queue"]) {
		q, err := entities.ParseQueue(raw)
		if err != nil {
			respondWithError(w, http.StatusBadRequest, err.Error())
			return
		}
		topics[providers.QueueTopic(q)] = true
	}
	if len(topics) == 0 {
		topics[providers.TopicQueueUpdates] = true
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := newWSClient(topics)
	h.hub.register(client)
	log.Debug().Str("client_id", client.id).Int("clients", h.hub.ClientCount()).Msg("dashboard connected")

	go h.writePump(client, conn)
	go h.readPump(client, conn)
}

func (h *WebSocketHandler) readPump(c *wsClient, conn *websocket.Conn) {
	defer func() {
		h.hub.unregister(c)
		conn.Close()
	}()

	conn.SetReadLimit(4096)
	conn.SetReadDeadline(time.Now().Add(wsPongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(wsPongWait))
	})

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var msg wsClientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		h.hub.process(c, msg)
	}
}

func (h *WebSocketHandler) writePump(c *wsClient, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingPeriod)
	defer func() {
		ticker.Stop()
		conn.Close()
	}()

	for {
		select {
		case data, ok := <-c.send:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
