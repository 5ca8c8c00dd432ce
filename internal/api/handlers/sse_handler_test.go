package handlers_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/zatekoja/clinicqueue/internal/adapters/events"
	"github.com/zatekoja/clinicqueue/internal/api/handlers"
	"github.com/zatekoja/clinicqueue/internal/domain/entities"
	"github.com/zatekoja/clinicqueue/internal/domain/providers"
)

// lockedRecorder lets the test read the body while the handler is still writing
type lockedRecorder struct {
	*httptest.ResponseRecorder
	mu sync.Mutex
}

func (r *lockedRecorder) Write(b []byte) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Write(b)
}

func (r *lockedRecorder) body() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ResponseRecorder.Body.String()
}

func clinicianEvent(id int64, clinician string) *entities.QueueEvent {
	enc := &entities.Encounter{ID: id, PatientID: "p", ClinicianID: &clinician, WorkflowState: entities.StateWaitingClinic}
	return entities.NewTransitionEvent(enc, entities.StateRegistered)
}

func runStream(t *testing.T, serve func(http.ResponseWriter, *http.Request), req *http.Request) (*lockedRecorder, context.CancelFunc, chan struct{}) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	w := &lockedRecorder{ResponseRecorder: httptest.NewRecorder()}

	done := make(chan struct{})
	go func() {
		serve(w, req.WithContext(ctx))
		close(done)
	}()
	return w, cancel, done
}

func stopStream(t *testing.T, cancel context.CancelFunc, done chan struct{}) {
	t.Helper()
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("handler did not exit after cancel")
	}
}

func TestSSEHandler_StreamQueue(t *testing.T) {
	bus := events.NewMemoryEventBus()
	defer bus.Close()
	handler := handlers.NewSSEHandler(bus)

	req := httptest.NewRequest("GET", "/api/stream/queues/clinic", nil)
	req.SetPathValue("queue", "clinic")
	w, cancel, done := runStream(t, handler.StreamQueue, req)

	assert.Eventually(t, func() bool { return strings.Contains(w.body(), "event: connected") }, time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, handler.GetClientCount())

	bus.Publish(context.Background(), providers.QueueTopic(entities.QueueClinic), clinicianEvent(42, "dr-a"))
	assert.Eventually(t, func() bool { return strings.Contains(w.body(), "event: queue_update") }, time.Second, 10*time.Millisecond)
	assert.Contains(t, w.body(), `"encounter_id":42`)

	stopStream(t, cancel, done)
	assert.Equal(t, "text/event-stream", w.Header().Get("Content-Type"))
	assert.Equal(t, "no-cache", w.Header().Get("Cache-Control"))
	assert.Equal(t, 0, handler.GetClientCount())
}

func TestSSEHandler_ClinicianFilter(t *testing.T) {
	bus := events.NewMemoryEventBus()
	defer bus.Close()
	handler := handlers.NewSSEHandler(bus)

	req := httptest.NewRequest("GET", "/api/stream/queues?clinician_id=dr-b", nil)
	w, cancel, done := runStream(t, handler.StreamAllQueues, req)
	assert.Eventually(t, func() bool { return strings.Contains(w.body(), "event: connected") }, time.Second, 10*time.Millisecond)

	bus.Publish(context.Background(), providers.TopicQueueUpdates, clinicianEvent(1, "dr-a"))
	bus.Publish(context.Background(), providers.TopicQueueUpdates, clinicianEvent(2, "dr-b"))
	assert.Eventually(t, func() bool { return strings.Contains(w.body(), `"encounter_id":2`) }, time.Second, 10*time.Millisecond)

	stopStream(t, cancel, done)
	assert.NotContains(t, w.body(), `"encounter_id":1`)
}

func TestSSEHandler_Heartbeat(t *testing.T) {
	bus := events.NewMemoryEventBus()
	defer bus.Close()
	handler := handlers.NewSSEHandler(bus)
	handler.SetHeartbeat(20 * time.Millisecond)

	req := httptest.NewRequest("GET", "/api/stream/queues", nil)
	w, cancel, done := runStream(t, handler.StreamAllQueues, req)
	assert.Eventually(t, func() bool { return strings.Contains(w.body(), "event: heartbeat") }, time.Second, 10*time.Millisecond)
	stopStream(t, cancel, done)
}

func TestSSEHandler_UnknownQueue(t *testing.T) {
	handler := handlers.NewSSEHandler(events.NewMemoryEventBus())

	req := httptest.NewRequest("GET", "/api/stream/queues/pharmacy", nil)
	req.SetPathValue("queue", "pharmacy")
	w := httptest.NewRecorder()

	handler.StreamQueue(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}
