package events

import (
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/zatekoja/clinicqueue/internal/domain/entities"
)

// DefaultSubscriberBuffer is the per-subscriber channel capacity
const DefaultSubscriberBuffer = 100

// subscriberSet tracks buffered subscriber channels per topic.
// Broadcast never blocks: a full subscriber misses the event.
type subscriberSet struct {
	mu     sync.RWMutex
	topics map[string]map[chan *entities.QueueEvent]struct{}
	buffer int
}

func newSubscriberSet(buffer int) *subscriberSet {
	if buffer <= 0 {
		buffer = DefaultSubscriberBuffer
	}
	return &subscriberSet{
		topics: make(map[string]map[chan *entities.QueueEvent]struct{}),
		buffer: buffer,
	}
}

// add registers a new subscriber and reports whether it is the topic's first
func (s *subscriberSet) add(topic string) (chan *entities.QueueEvent, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	first := false
	if s.topics[topic] == nil {
		s.topics[topic] = make(map[chan *entities.QueueEvent]struct{})
		first = true
	}
	ch := make(chan *entities.QueueEvent, s.buffer)
	s.topics[topic][ch] = struct{}{}
	return ch, first
}

// remove closes one subscriber and reports whether the topic is now empty
func (s *subscriberSet) remove(topic string, ch chan *entities.QueueEvent) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	subs, ok := s.topics[topic]
	if !ok {
		return false
	}
	if _, ok := subs[ch]; !ok {
		return false
	}
	delete(subs, ch)
	close(ch)
	if len(subs) == 0 {
		delete(s.topics, topic)
		return true
	}
	return false
}

func (s *subscriberSet) broadcast(topic string, event *entities.QueueEvent) int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	delivered := 0
	for ch := range s.topics[topic] {
		select {
		case ch <- event:
			delivered++
		default:
			log.Warn().Str("topic", topic).Str("event_id", event.ID).Msg("subscriber channel full, dropping event")
		}
	}
	return delivered
}

func (s *subscriberSet) closeTopic(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for ch := range s.topics[topic] {
		close(ch)
	}
	delete(s.topics, topic)
}

func (s *subscriberSet) topicNames() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, 0, len(s.topics))
	for t := range s.topics {
		names = append(names, t)
	}
	return names
}

func (s *subscriberSet) count(topic string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.topics[topic])
}
