package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
	redisclient "github.com/zatekoja/clinicqueue/internal/infrastructure/clients/redis"
)

// RedisEventBus implements the EventBus interface using Redis Pub/Sub.
// One Redis subscription per topic feeds any number of local subscribers.
type RedisEventBus struct {
	client        *redisclient.Client
	subscribers   *subscriberSet
	subscriptions map[string]*redis.PubSub
	mu            sync.Mutex
	ctx           context.Context
	cancel        context.CancelFunc
}

// NewRedisEventBus creates a new Redis-based event bus
func NewRedisEventBus(client *redisclient.Client) *RedisEventBus {
	ctx, cancel := context.WithCancel(context.Background())
	return &RedisEventBus{
		client:        client,
		subscribers:   newSubscriberSet(DefaultSubscriberBuffer),
		subscriptions: make(map[string]*redis.PubSub),
		ctx:           ctx,
		cancel:        cancel,
	}
}

var _ providers.EventBus = (*RedisEventBus)(nil)

// Publish publishes an event to every subscriber of topic across all instances
func (b *RedisEventBus) Publish(ctx context.Context, topic string, event *entities.QueueEvent) error {
	data, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}

	if err := b.client.Client().Publish(ctx, topic, data).Err(); err != nil {
		return fmt.Errorf("failed to publish event: %w", err)
	}

	log.Debug().Str("topic", topic).Str("event_id", event.ID).Msg("published queue event")
	return nil
}

// Subscribe subscribes to events on a topic until ctx is done.
// The Redis round-trip runs without holding b.mu.
func (b *RedisEventBus) Subscribe(ctx context.Context, topic string) (<-chan *entities.QueueEvent, error) {
	b.mu.Lock()
	_, exists := b.subscriptions[topic]
	b.mu.Unlock()

	var fresh *redis.PubSub
	if !exists {
		fresh = b.client.Client().Subscribe(b.ctx, topic)
		// wait for the subscription to be confirmed so no publish is missed
		if _, err := fresh.Receive(ctx); err != nil {
			_ = fresh.Close()
			return nil, fmt.Errorf("failed to subscribe to %s: %w", topic, err)
		}
	}

	b.mu.Lock()
	if err := b.ctx.Err(); err != nil {
		b.mu.Unlock()
		if fresh != nil {
			_ = fresh.Close()
		}
		return nil, fmt.Errorf("failed to subscribe to %s: event bus closed", topic)
	}
	if _, ok := b.subscriptions[topic]; !ok {
		if fresh == nil {
			// the shared subscription went away while we were unlocked
			b.mu.Unlock()
			return b.Subscribe(ctx, topic)
		}
		b.subscriptions[topic] = fresh
		go b.receiveMessages(topic, fresh)
		fresh = nil
	}
	ch, _ := b.subscribers.add(topic)
	b.mu.Unlock()

	if fresh != nil {
		// a concurrent caller registered the topic first
		_ = fresh.Close()
	}

	log.Debug().Str("topic", topic).Int("subscribers", b.subscribers.count(topic)).Msg("subscribed")

	go func() {
		select {
		case <-ctx.Done():
		case <-b.ctx.Done():
		}
		b.removeSubscriber(topic, ch)
	}()

	return ch, nil
}

func (b *RedisEventBus) receiveMessages(topic string, pubsub *redis.PubSub) {
	ch := pubsub.Channel()
	for {
		select {
		case <-b.ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}

			var event entities.QueueEvent
			if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
				log.Error().Err(err).Str("topic", topic).Msg("failed to unmarshal queue event")
				continue
			}
			b.subscribers.broadcast(topic, &event)
		}
	}
}

func (b *RedisEventBus) removeSubscriber(topic string, ch chan *entities.QueueEvent) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers.remove(topic, ch) {
		return
	}
	if err := b.closeSubscriptionLocked(topic); err != nil {
		log.Warn().Err(err).Str("topic", topic).Msg("failed to close subscription")
	}
}

func (b *RedisEventBus) closeSubscription(topic string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.closeSubscriptionLocked(topic)
}

func (b *RedisEventBus) closeSubscriptionLocked(topic string) error {
	pubsub, ok := b.subscriptions[topic]
	if !ok {
		return nil
	}
	delete(b.subscriptions, topic)
	if err := pubsub.Close(); err != nil {
		return fmt.Errorf("failed to close subscription %s: %w", topic, err)
	}
	log.Debug().Str("topic", topic).Msg("closed subscription")
	return nil
}

// Unsubscribe drops every local subscriber on a topic
func (b *RedisEventBus) Unsubscribe(ctx context.Context, topic string) error {
	b.subscribers.closeTopic(topic)
	return b.closeSubscription(topic)
}

// Close closes the event bus and all subscriptions
func (b *RedisEventBus) Close() error {
	b.cancel()

	var errs []error
	for _, topic := range b.subscribers.topicNames() {
		b.subscribers.closeTopic(topic)
	}

	b.mu.Lock()
	topics := make([]string, 0, len(b.subscriptions))
	for topic := range b.subscriptions {
		topics = append(topics, topic)
	}
	b.mu.Unlock()

	for _, topic := range topics {
		if err := b.closeSubscription(topic); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
