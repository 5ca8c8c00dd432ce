package services

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/clinicqueue/internal/adapters/events"
	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
)

type captureSink struct {
	mu      sync.Mutex
	topics  []string
	events  []*entities.QueueEvent
	release chan struct{}
	err     error
}

func (s *captureSink) Publish(ctx context.Context, topic string, event *entities.QueueEvent) error {
	if s.release != nil {
		select {
		case <-s.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.topics = append(s.topics, topic)
	s.events = append(s.events, event)
	return s.err
}

func (s *captureSink) snapshot() ([]string, []*entities.QueueEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.topics...), append([]*entities.QueueEvent(nil), s.events...)
}

func clinicEvent(id int64) *entities.QueueEvent {
	enc := &entities.Encounter{ID: id, PatientID: "p", WorkflowState: entities.StateWaitingClinic, Status: entities.EncounterStatusInProgress}
	return entities.NewTransitionEvent(enc, entities.StateRegistered)
}

func TestQueueNotifier_DeliversInOrderToEveryTopic(t *testing.T) {
	sink := &captureSink{}
	n := NewQueueNotifier(16, sink)
	n.Start()

	for i := int64(1); i <= 5; i++ {
		n.Notify(context.Background(), clinicEvent(i))
	}
	require.NoError(t, n.Stop(context.Background()))

	topics, evts := sink.snapshot()
	require.Len(t, evts, 10)
	for i := 0; i < 5; i++ {
		assert.Equal(t, providers.TopicQueueUpdates, topics[2*i])
		assert.Equal(t, providers.QueueTopic(entities.QueueClinic), topics[2*i+1])
		assert.EqualValues(t, i+1, evts[2*i].EncounterID)
	}
}

func TestQueueNotifier_DropsWhenBufferFull(t *testing.T) {
	sink := &captureSink{release: make(chan struct{})}
	n := NewQueueNotifier(1, sink)
	n.Start()

	// the first event is picked up by the dispatcher and parks on release
	n.Notify(context.Background(), clinicEvent(1))
	require.Eventually(t, func() bool { return len(n.queue) == 0 }, time.Second, 5*time.Millisecond)

	done := make(chan struct{})
	go func() {
		for i := int64(2); i <= 10; i++ {
			n.Notify(context.Background(), clinicEvent(i))
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Notify blocked on a full buffer")
	}

	close(sink.release)
	require.NoError(t, n.Stop(context.Background()))

	_, evts := sink.snapshot()
	ids := map[int64]bool{}
	for _, e := range evts {
		ids[e.EncounterID] = true
	}
	assert.True(t, ids[1])
	assert.True(t, ids[2])
	assert.Len(t, ids, 2)
}

func TestQueueNotifier_SinkErrorsDoNotStopDispatch(t *testing.T) {
	failing := &captureSink{err: errors.New("broker down")}
	ok := &captureSink{}
	n := NewQueueNotifier(8, failing, ok)
	n.Start()

	n.Notify(context.Background(), clinicEvent(1))
	n.Notify(context.Background(), clinicEvent(2))
	require.NoError(t, n.Stop(context.Background()))

	_, evts := ok.snapshot()
	assert.Len(t, evts, 4)
}

func TestQueueNotifier_NotifyAfterStopIsIgnored(t *testing.T) {
	sink := &captureSink{}
	n := NewQueueNotifier(4, sink)
	n.Start()
	require.NoError(t, n.Stop(context.Background()))
	require.NoError(t, n.Stop(context.Background()))

	n.Notify(context.Background(), clinicEvent(1))
	_, evts := sink.snapshot()
	assert.Empty(t, evts)
}

func TestQueueNotifier_PublishesThroughEventBus(t *testing.T) {
	bus := events.NewMemoryEventBus()
	defer bus.Close()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch, err := bus.Subscribe(ctx, providers.QueueTopic(entities.QueueClinic))
	require.NoError(t, err)

	n := NewQueueNotifier(4, bus)
	n.Start()
	n.Notify(context.Background(), clinicEvent(7))

	select {
	case got := <-ch:
		assert.EqualValues(t, 7, got.EncounterID)
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
	require.NoError(t, n.Stop(context.Background()))
}
