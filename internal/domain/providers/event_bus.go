package providers

import (
	"context"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
)

// NotificationSink publishes queue events. Delivery is best-effort.
type NotificationSink interface {
	Publish(ctx context.Context, topic string, event *entities.QueueEvent) error
}

// EventBus defines the interface for publishing and subscribing to events
type EventBus interface {
	NotificationSink

	// Subscribe subscribes to events on a topic
	Subscribe(ctx context.Context, topic string) (<-chan *entities.QueueEvent, error)

	// Unsubscribe drops every subscription on a topic
	Unsubscribe(ctx context.Context, topic string) error

	// Close closes the event bus and all subscriptions
	Close() error
}

const (
	// TopicQueueUpdates carries every queue event
	TopicQueueUpdates = "queue:updates"

	// TopicQueuePrefix is the prefix for per-queue topics
	TopicQueuePrefix = "queue:"
)

// QueueTopic returns the topic for a single queue
func QueueTopic(q entities.Queue) string {
	return TopicQueuePrefix + string(q)
}

// TopicsFor lists every topic an event should be published on
func TopicsFor(event *entities.QueueEvent) []string {
	topics := make([]string, 0, len(event.Queues)+1)
	topics = append(topics, TopicQueueUpdates)
	for _, q := range event.Queues {
		topics = append(topics, QueueTopic(q))
	}
	return topics
}
