package events

import (
	"context"
	"sync"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
)

// MemoryEventBus is an in-process EventBus for single-instance deployments and tests
type MemoryEventBus struct {
	subscribers *subscriberSet
	closeOnce   sync.Once
	done        chan struct{}
}

// NewMemoryEventBus creates an in-process event bus
func NewMemoryEventBus() *MemoryEventBus {
	return &MemoryEventBus{
		subscribers: newSubscriberSet(DefaultSubscriberBuffer),
		done:        make(chan struct{}),
	}
}

var _ providers.EventBus = (*MemoryEventBus)(nil)

// Publish delivers event to current subscribers of topic
func (b *MemoryEventBus) Publish(ctx context.Context, topic string, event *entities.QueueEvent) error {
	select {
	case <-b.done:
		return nil
	default:
	}
	b.subscribers.broadcast(topic, event)
	return nil
}

// Subscribe subscribes to events on a topic until ctx is done
func (b *MemoryEventBus) Subscribe(ctx context.Context, topic string) (<-chan *entities.QueueEvent, error) {
	ch, _ := b.subscribers.add(topic)
	go func() {
		select {
		case <-ctx.Done():
		case <-b.done:
		}
		b.subscribers.remove(topic, ch)
	}()
	return ch, nil
}

// Unsubscribe drops every subscriber on a topic
func (b *MemoryEventBus) Unsubscribe(ctx context.Context, topic string) error {
	b.subscribers.closeTopic(topic)
	return nil
}

// Close closes every subscription
func (b *MemoryEventBus) Close() error {
	b.closeOnce.Do(func() {
		close(b.done)
		for _, topic := range b.subscribers.topicNames() {
			b.subscribers.closeTopic(topic)
		}
	})
	return nil
}
