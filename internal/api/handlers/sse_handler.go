package handlers

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
)

// SSEHandler handles Server-Sent Events for real-time queue updates
type SSEHandler struct {
	eventBus  providers.EventBus
	clients   map[string]map[chan *entities.QueueEvent]bool // topic -> clients
	mu        sync.RWMutex
	heartbeat time.Duration
}

// NewSSEHandler creates a new SSE handler
func NewSSEHandler(eventBus providers.EventBus) *SSEHandler {
	return &SSEHandler{
		eventBus:  eventBus,
		clients:   make(map[string]map[chan *entities.QueueEvent]bool),
		heartbeat: 30 * time.Second,
	}
}

// SetHeartbeat overrides the keep-alive interval
func (h *SSEHandler) SetHeartbeat(d time.Duration) {
	if d > 0 {
		h.heartbeat = d
	}
}

// StreamAllQueues handles GET /api/stream/queues
func (h *SSEHandler) StreamAllQueues(w http.ResponseWriter, r *http.Request) {
	h.stream(w, r, providers.TopicQueueUpdates, map[string]interface{}{
		"queues":    entities.AllQueues,
		"timestamp": time.Now().UTC(),
	})
}

// StreamQueue handles GET /api/stream/queues/{queue}
func (h *SSEHandler) StreamQueue(w http.ResponseWriter, r *http.Request) {
	queue, err := entities.ParseQueue(r.PathValue("queue"))
	if err != nil {
		respondWithError(w, http.StatusBadRequest, err.Error())
		return
	}
	h.stream(w, r, providers.QueueTopic(queue), map[string]interface{}{
		"queue":     queue,
		"timestamp": time.Now().UTC(),
	})
}

// stream relays topic to the client until it disconnects. With ?clinician_id= only
// that clinician's encounters and reconcile notices are sent.
func (h *SSEHandler) stream(w http.ResponseWriter, r *http.Request, topic string, hello map[string]interface{}) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondWithError(w, http.StatusInternalServerError, "streaming not supported")
		return
	}
	clinician := optionalQuery(r, "clinician_id")

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	clientChan := make(chan *entities.QueueEvent, 10)
	h.registerClient(topic, clientChan)
	defer h.unregisterClient(topic, clientChan)

	eventChan, err := h.eventBus.Subscribe(r.Context(), topic)
	if err != nil {
		log.Error().Err(err).Str("topic", topic).Msg("failed to subscribe")
		respondWithError(w, http.StatusServiceUnavailable, "event stream unavailable")
		return
	}

	h.sendEvent(w, "connected", hello)
	flusher.Flush()

	go h.forwardEvents(r.Context(), eventChan, clientChan, clinician)

	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()

	for {
		select {
		case <-r.Context().Done():
			log.Debug().Str("topic", topic).Msg("client disconnected from queue stream")
			return
		case <-ticker.C:
			h.sendEvent(w, "heartbeat", map[string]interface{}{
				"timestamp": time.Now().UTC(),
			})
			flusher.Flush()
		case event := <-clientChan:
			if event == nil {
				continue
			}
			h.sendEvent(w, string(event.Type), event)
			flusher.Flush()
		}
	}
}

func (h *SSEHandler) forwardEvents(ctx context.Context, eventChan <-chan *entities.QueueEvent, clientChan chan<- *entities.QueueEvent, clinician *string) {
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-eventChan:
			if !ok {
				return
			}
			if !visibleTo(event, clinician) {
				continue
			}
			select {
			case clientChan <- event:
			default:
				// slow client; the next event prompts a re-fetch anyway
			}
		}
	}
}

func visibleTo(event *entities.QueueEvent, clinician *string) bool {
	if clinician == nil || event.Type == entities.QueueEventTypeReconcile {
		return true
	}
	return event.ClinicianID != nil && *event.ClinicianID == *clinician
}

func (h *SSEHandler) registerClient(topic string, clientChan chan *entities.QueueEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.clients[topic] == nil {
		h.clients[topic] = make(map[chan *entities.QueueEvent]bool)
	}
	h.clients[topic][clientChan] = true
	log.Debug().Str("topic", topic).Int("total", len(h.clients[topic])).Msg("sse client registered")
}

func (h *SSEHandler) unregisterClient(topic string, clientChan chan *entities.QueueEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if clients, exists := h.clients[topic]; exists {
		delete(clients, clientChan)
		if len(clients) == 0 {
			delete(h.clients, topic)
		}
	}
}

func (h *SSEHandler) sendEvent(w http.ResponseWriter, eventType string, data interface{}) {
	jsonData, err := json.Marshal(data)
	if err != nil {
		log.Error().Err(err).Msg("failed to marshal event data")
		return
	}

	fmt.Fprintf(w, "event: %s\n", eventType)
	fmt.Fprintf(w, "data: %s\n\n", jsonData)
}

// GetClientCount returns the number of connected clients
func (h *SSEHandler) GetClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	count := 0
	for _, clients := range h.clients {
		count += len(clients)
	}
	return count
}
