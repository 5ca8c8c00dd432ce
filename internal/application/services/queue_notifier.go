package services

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
	"github.com/zatekoja/clinicqueue/internal/infrastructure/observability"
)

// DefaultPublishTimeout bounds a single sink publish
const DefaultPublishTimeout = 2 * time.Second

// Notifier accepts queue events without blocking the caller
type Notifier interface {
	Notify(ctx context.Context, event *entities.QueueEvent)
}

// QueueNotifier dispatches events to its sinks from a single goroutine, so events
// leave in the order Notify accepted them. A full buffer drops the event.
type QueueNotifier struct {
	sinks          []providers.NotificationSink
	queue          chan *entities.QueueEvent
	publishTimeout time.Duration
	metrics        *observability.Metrics

	mu      sync.RWMutex
	started bool
	stopped bool
	done    chan struct{}
}

// NewQueueNotifier creates a notifier with a bounded buffer
func NewQueueNotifier(buffer int, sinks ...providers.NotificationSink) *QueueNotifier {
	if buffer <= 0 {
		buffer = 1
	}
	return &QueueNotifier{
		sinks:          sinks,
		queue:          make(chan *entities.QueueEvent, buffer),
		publishTimeout: DefaultPublishTimeout,
		done:           make(chan struct{}),
	}
}

// SetMetrics enables drop counting
func (n *QueueNotifier) SetMetrics(metrics *observability.Metrics) {
	n.metrics = metrics
}

// SetPublishTimeout overrides the per-publish timeout
func (n *QueueNotifier) SetPublishTimeout(d time.Duration) {
	if d > 0 {
		n.publishTimeout = d
	}
}

// Start launches the dispatch goroutine
func (n *QueueNotifier) Start() {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.started || n.stopped {
		return
	}
	n.started = true
	go n.run()
}

// Notify enqueues event. It never blocks; after Stop or on overflow the event is dropped.
func (n *QueueNotifier) Notify(ctx context.Context, event *entities.QueueEvent) {
	if event == nil {
		return
	}
	n.mu.RLock()
	defer n.mu.RUnlock()

	if n.stopped {
		return
	}
	select {
	case n.queue <- event:
	default:
		observability.RecordNotificationDropped(ctx, n.metrics)
		log.Warn().Str("event_id", event.ID).Int64("encounter_id", event.EncounterID).Msg("notification buffer full, dropping event")
	}
}

// Stop stops accepting events and waits for queued ones to drain or ctx to end
func (n *QueueNotifier) Stop(ctx context.Context) error {
	n.mu.Lock()
	if n.stopped {
		n.mu.Unlock()
		return nil
	}
	n.stopped = true
	close(n.queue)
	started := n.started
	n.mu.Unlock()

	if !started {
		return nil
	}
	select {
	case <-n.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *QueueNotifier) run() {
	defer close(n.done)
	for event := range n.queue {
		n.dispatch(event)
	}
}

func (n *QueueNotifier) dispatch(event *entities.QueueEvent) {
	for _, topic := range providers.TopicsFor(event) {
		for _, sink := range n.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), n.publishTimeout)
			err := sink.Publish(ctx, topic, event)
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("topic", topic).Str("event_id", event.ID).Msg("queue notification failed")
			}
		}
	}
}
