package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/baibot/bai/internal/dispatch"
	"github.com/baibot/bai/internal/metrics"
	"github.com/baibot/bai/internal/upstream"
)

type fakeIdentity struct {
	err error
}

func (f fakeIdentity) Me() (tgbotapi.User, error) {
	if f.err != nil {
		return tgbotapi.User{}, f.err
	}
	return tgbotapi.User{UserName: "bai_bot"}, nil
}

type fakeSubmitter struct {
	mu      sync.Mutex
	updates []dispatch.Update
	err     error
}

func (f *fakeSubmitter) Submit(u dispatch.Update) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.updates = append(f.updates, u)
	return nil
}

func newTestServer(identity Identity, submitter Submitter, recorder *upstream.Recorder) (*Server, *prometheus.Registry) {
	registry := prometheus.NewRegistry()
	s := NewServer(ServerConfig{Port: "0", WebhookPath: "/webhook"}, identity, submitter, recorder, registry)
	return s, registry
}

func serve(s *Server, method, target, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_WebhookQueuesMessage(t *testing.T) {
	sub := &fakeSubmitter{}
	s, _ := newTestServer(fakeIdentity{}, sub, upstream.NewRecorder())

	rec := serve(s, http.MethodPost, "/webhook",
		`{"update_id":1,"message":{"message_id":5,"date":0,"chat":{"id":42,"type":"private"},"from":{"id":7,"is_bot":false,"first_name":"Ada"},"text":"draw a cat"}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"ok":true}`, rec.Body.String())
	require.Len(t, sub.updates, 1)
	assert.Equal(t, dispatch.Update{ChatID: 42, MessageID: 5, Text: "draw a cat", FirstName: "Ada"}, sub.updates[0])
}

func TestServer_WebhookWithoutMessage(t *testing.T) {
	sub := &fakeSubmitter{}
	s, _ := newTestServer(fakeIdentity{}, sub, upstream.NewRecorder())

	rec := serve(s, http.MethodPost, "/webhook", `{"update_id":2,"callback_query":{"id":"x","from":{"id":1,"is_bot":false,"first_name":"A"}}}`)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, sub.updates)
}

func TestServer_WebhookInvalidPayload(t *testing.T) {
	s, _ := newTestServer(fakeIdentity{}, &fakeSubmitter{}, upstream.NewRecorder())

	rec := serve(s, http.MethodPost, "/webhook", `not json`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestServer_WebhookQueueFull(t *testing.T) {
	s, _ := newTestServer(fakeIdentity{}, &fakeSubmitter{err: ErrQueueFull}, upstream.NewRecorder())

	rec := serve(s, http.MethodPost, "/webhook", `{"update_id":3,"message":{"message_id":1,"date":0,"chat":{"id":1,"type":"private"},"text":"hi"}}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestServer_WebhookDisabled(t *testing.T) {
	s := NewServer(ServerConfig{Port: "0"}, fakeIdentity{}, nil, upstream.NewRecorder(), prometheus.NewRegistry())

	rec := serve(s, http.MethodPost, "/webhook", `{}`)
	assert.NotEqual(t, http.StatusOK, rec.Code)
}

func TestServer_HealthBeforeAnyCall(t *testing.T) {
	s, _ := newTestServer(fakeIdentity{}, &fakeSubmitter{}, upstream.NewRecorder())

	rec := serve(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"status":"healthy"`)
	assert.Contains(t, body, `"bot":"@bai_bot"`)
	assert.Contains(t, body, `"responseTime":"Failed or no successful calls"`)
	assert.Contains(t, body, `"lastChecked":"Never"`)
	assert.Contains(t, body, `"error":null`)
	assert.Contains(t, body, `"attemptCount":0`)
	assert.Contains(t, body, `"status":"unknown"`)
}

func TestServer_HealthReportsLatestOutcome(t *testing.T) {
	recorder := upstream.NewRecorder()
	d := 250 * time.Millisecond
	recorder.Record(upstream.Outcome{
		ResponseTime:  &d,
		Status:        upstream.StatusSuccess,
		LastCheckedAt: time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC),
		AttemptCount:  2,
	})
	s, _ := newTestServer(fakeIdentity{}, &fakeSubmitter{}, recorder)

	rec := serve(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"responseTime":"250ms"`)
	assert.Contains(t, body, `"status":"success"`)
	assert.Contains(t, body, `"lastChecked":"2024-05-01T10:00:00Z"`)
	assert.Contains(t, body, `"attemptCount":2`)
}

func TestServer_HealthUnhealthy(t *testing.T) {
	recorder := upstream.NewRecorder()
	recorder.Record(upstream.Outcome{Status: upstream.StatusFailed, Error: "status 502", AttemptCount: 3, LastCheckedAt: time.Now()})
	s, _ := newTestServer(fakeIdentity{err: errors.New("Unauthorized")}, &fakeSubmitter{}, recorder)

	rec := serve(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusInternalServerError, rec.Code)

	body := rec.Body.String()
	assert.Contains(t, body, `"status":"unhealthy"`)
	assert.Contains(t, body, `"bot":"unknown"`)
	assert.Contains(t, body, `"error":"Unauthorized"`)
	assert.Contains(t, body, `"error":"status 502"`)
}

func TestServer_Metrics(t *testing.T) {
	s, registry := newTestServer(fakeIdentity{}, &fakeSubmitter{}, upstream.NewRecorder())
	collector := metrics.NewCollectorWithRegistry(registry)
	collector.RecordDuplicate()

	rec := serve(s, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "bai_duplicate_updates_total 1")
}

type noopDispatcher struct{}

func (noopDispatcher) Dispatch(context.Context, dispatch.Update) error { return nil }

func TestServer_HealthIncludesWorkerPoolStats(t *testing.T) {
	pool := NewWorkerPool(noopDispatcher{}, WorkerPoolConfig{Workers: 2, QueueSize: 5})
	require.NoError(t, pool.Start())
	defer pool.Stop()

	s, _ := newTestServer(fakeIdentity{}, pool, upstream.NewRecorder())

	rec := serve(s, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)

	var body struct {
		WorkerPool map[string]interface{} `json:"workerPool"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, true, body.WorkerPool["started"])
	assert.Equal(t, float64(5), body.WorkerPool["queue_capacity"])
	assert.Equal(t, float64(2), body.WorkerPool["workers"])
}

func TestServer_HealthOmitsStatsForPlainSubmitter(t *testing.T) {
	s, _ := newTestServer(fakeIdentity{}, &fakeSubmitter{}, upstream.NewRecorder())

	rec := serve(s, http.MethodGet, "/health", "")
	assert.NotContains(t, rec.Body.String(), "workerPool")
}
