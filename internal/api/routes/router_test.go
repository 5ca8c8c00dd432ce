package routes_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zatekoja/clinicqueue/internal/adapters/events"
	"github.com/zatekoja/clinicqueue/internal/adapters/memory"
	"github.com/zatekoja/clinicqueue/internal/api/handlers"
	"github.com/zatekoja/clinicqueue/internal/api/routes"
	"github.com/zatekoja/clinicqueue/internal/application/services"
)

func newServer(t *testing.T) (*httptest.Server, *routes.Router) {
	t.Helper()
	bus := events.NewMemoryEventBus()
	t.Cleanup(func() { bus.Close() })

	notifier := services.NewQueueNotifier(64, bus)
	notifier.Start()
	t.Cleanup(func() { notifier.Stop(context.Background()) })

	coord := services.NewQueueCoordinator(memory.NewEncounterStore(), nil, nil, notifier, services.CoordinatorConfig{})
	router := routes.NewRouter(
		handlers.NewQueueHandler(coord),
		handlers.NewSSEHandler(bus),
		handlers.NewWebSocketHandler(handlers.NewQueueHub()),
		nil,
	)
	srv := httptest.NewServer(router.SetupRoutes())
	t.Cleanup(srv.Close)
	return srv, router
}

func postJSON(t *testing.T, url, body string) (*http.Response, map[string]interface{}) {
	t.Helper()
	resp, err := http.Post(url, "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]interface{}
	if resp.StatusCode != http.StatusNoContent {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	}
	return resp, out
}

func TestRouter_VisitLifecycle(t *testing.T) {
	srv, _ := newServer(t)

	resp, enc := postJSON(t, srv.URL+"/api/encounters/check-in", `{"patient_id":"p1","clinician_id":"dr-a","initial_state":"WAITING_CLINIC"}`)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	id := int64(enc["id"].(float64))

	resp, _ = postJSON(t, srv.URL+"/api/encounters/check-in", `{"patient_id":"p1"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	resp, called := postJSON(t, srv.URL+"/api/queues/clinic/call-next", ``)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "IN_CLINIC", called["workflow_state"])

	resp, _ = postJSON(t, srv.URL+"/api/queues/clinic/call-next", ``)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	resp, body := postJSON(t, fmt.Sprintf("%s/api/encounters/%d/transition", srv.URL, id), `{"target_state":"REGISTERED"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "illegal_transition", body["code"])

	resp, done := postJSON(t, fmt.Sprintf("%s/api/encounters/%d/transition", srv.URL, id), `{"target_state":"completed"}`)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "COMPLETED", done["status"])

	resp, body = postJSON(t, fmt.Sprintf("%s/api/encounters/%d/transition", srv.URL, id), `{"target_state":"CANCELLED"}`)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "already_terminal", body["code"])

	get, err := http.Get(fmt.Sprintf("%s/api/encounters/%d", srv.URL, id))
	require.NoError(t, err)
	get.Body.Close()
	assert.Equal(t, http.StatusOK, get.StatusCode)

	missing, err := http.Get(srv.URL + "/api/encounters/999")
	require.NoError(t, err)
	missing.Body.Close()
	assert.Equal(t, http.StatusNotFound, missing.StatusCode)
}

func TestRouter_WaitlistAndCounters(t *testing.T) {
	srv, _ := newServer(t)

	for i := 0; i < 3; i++ {
		resp, _ := postJSON(t, srv.URL+"/api/encounters/check-in", fmt.Sprintf(`{"patient_id":"p%d","clinician_id":"dr-a","initial_state":"WAITING_CLINIC"}`, i))
		require.Equal(t, http.StatusCreated, resp.StatusCode)
	}

	resp, err := http.Get(srv.URL + "/api/queues/waitlist?states=WAITING_CLINIC&limit=2")
	require.NoError(t, err)
	var list struct {
		Encounters []map[string]interface{} `json:"encounters"`
		Count      int                      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&list))
	resp.Body.Close()
	assert.Equal(t, 2, list.Count)
	assert.Equal(t, "p0", list.Encounters[0]["patient_id"])

	resp, err = http.Get(srv.URL + "/api/queues/counters")
	require.NoError(t, err)
	var counters struct {
		Counters map[string]int64 `json:"counters"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&counters))
	resp.Body.Close()
	assert.EqualValues(t, 3, counters.Counters["clinic:waiting"])

	resp, reconciled := postJSON(t, srv.URL+"/api/queues/counters/reconcile", ``)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotNil(t, reconciled["counters"])

	stats, err := http.Get(srv.URL + "/api/dashboard/stats")
	require.NoError(t, err)
	stats.Body.Close()
	assert.Equal(t, http.StatusOK, stats.StatusCode)
}

func TestRouter_ETagRevalidation(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/api/queues/waitlist")
	require.NoError(t, err)
	resp.Body.Close()
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, _ := http.NewRequest("GET", srv.URL+"/api/queues/waitlist", nil)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)
}

func TestRouter_Health(t *testing.T) {
	srv, _ := newServer(t)

	resp, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	router := routes.NewRouter(handlers.NewQueueHandler(nil), nil, nil, nil)
	router.AddHealthCheck("postgres", func(context.Context) error { return nil })
	router.AddHealthCheck("redis", func(context.Context) error { return errors.New("connection refused") })
	degraded := httptest.NewServer(router.SetupRoutes())
	defer degraded.Close()

	resp, err = http.Get(degraded.URL + "/health")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	var report map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&report))
	assert.Equal(t, "ok", report["postgres"])
	assert.Equal(t, "connection refused", report["redis"])
}
