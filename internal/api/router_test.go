package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultize/alerting/internal/alerts"
	"github.com/vaultize/alerting/internal/rules"
	ws "github.com/vaultize/alerting/internal/websocket"
)

// fakeService stands in for the engine. Fields written by handlers are
// guarded so tests can read them after the response arrives.
type fakeService struct {
	ready      bool
	snaps      []alerts.RuleSnapshot
	panicRules bool

	triggerVerdict *alerts.Verdict
	triggerState   *alerts.RuleState
	triggerErr     error

	historyDocs []map[string]any
	historyErr  error

	mu            sync.Mutex
	triggeredName string
	historyQuery  alerts.HistoryQuery
}

func (f *fakeService) Ready() bool { return f.ready }

func (f *fakeService) Rules() []alerts.RuleSnapshot {
	if f.panicRules {
		panic("rules table corrupted")
	}
	return f.snaps
}

func (f *fakeService) Rule(name string) (alerts.RuleSnapshot, bool) {
	for _, s := range f.snaps {
		if s.Rule.Name == name {
			return s, true
		}
	}
	return alerts.RuleSnapshot{}, false
}

func (f *fakeService) TriggerRule(_ context.Context, name string) (*alerts.Verdict, *alerts.RuleState, error) {
	f.mu.Lock()
	f.triggeredName = name
	f.mu.Unlock()
	return f.triggerVerdict, f.triggerState, f.triggerErr
}

func (f *fakeService) History(_ context.Context, q alerts.HistoryQuery) ([]map[string]any, error) {
	f.mu.Lock()
	f.historyQuery = q
	f.mu.Unlock()
	return f.historyDocs, f.historyErr
}

func (f *fakeService) lastTriggered() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.triggeredName
}

func (f *fakeService) lastHistoryQuery() alerts.HistoryQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.historyQuery
}

type storeStub struct{ healthy bool }

func (s storeStub) Healthy() bool { return s.healthy }

func sampleRule(name string) *rules.Rule {
	return &rules.Rule{
		Name:        name,
		Description: "p95 latency guard",
		Enabled:     true,
		Query: rules.Query{
			Index:     []string{"logs-app-*"},
			TimeField: "event_time",
			Filter:    json.RawMessage(`{"term":{"level":"error"}}`),
		},
		Condition: rules.Condition{
			Operator:         rules.OpGreaterThan,
			Value:            250,
			AggregationField: "avg_latency.value",
		},
		Actions: []rules.Action{{
			Type: "webhook",
			Name: "ops-pager",
			Webhook: rules.Webhook{
				URL:     "https://hooks.internal.example/pager/T0KEN-SECRET",
				Method:  http.MethodPost,
				Headers: map[string]string{"X-Auth": "s3cr3t-value"},
			},
		}},
		EvalInterval:   time.Minute,
		QueryWindow:    15 * time.Minute,
		ThrottlePeriod: 10 * time.Minute,
		SourceFile:     name + ".json",
	}
}

func firingState(name string) *alerts.RuleState {
	evalAt := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	value := 312.4
	return &alerts.RuleState{
		RuleName:   name,
		State:      alerts.StateFiring,
		LastEvalAt: &evalAt,
		LastValue:  &value,
	}
}

func newTestAPI(t *testing.T, cfg RouterConfig) *httptest.Server {
	t.Helper()
	if cfg.Version == "" {
		cfg.Version = "test"
	}
	if cfg.StoreURL == "" {
		cfg.StoreURL = "https://store.example.test:9200"
	}
	srv := httptest.NewServer(ErrorHandler(NewRouter(cfg)))
	t.Cleanup(srv.Close)
	return srv
}

func doJSON(t *testing.T, method, url string, headers map[string]string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return resp.StatusCode, body
}

func doRaw(t *testing.T, method, url string) (int, string) {
	t.Helper()
	req, err := http.NewRequest(method, url, nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp.StatusCode, string(raw)
}

func dataOf(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	require.Equal(t, "success", body["status"], "expected a success envelope, got %v", body)
	data, ok := body["data"].(map[string]any)
	require.True(t, ok, "data should be an object, got %v", body["data"])
	return data
}

func errKindOf(t *testing.T, body map[string]any) string {
	t.Helper()
	require.Equal(t, "error", body["status"], "expected an error envelope, got %v", body)
	e, ok := body["error"].(map[string]any)
	require.True(t, ok)
	kind, _ := e["kind"].(string)
	return kind
}

func TestHealthReady(t *testing.T) {
	service := &fakeService{
		ready: true,
		snaps: []alerts.RuleSnapshot{{Rule: sampleRule("high-latency"), State: firingState("high-latency")}},
	}
	srv := newTestAPI(t, RouterConfig{Service: service, Store: storeStub{healthy: true}, Version: "1.4.0"})

	status, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "ready", body["status"])
	assert.Equal(t, ServiceName, body["service"])
	assert.Equal(t, "1.4.0", body["version"])
	assert.Equal(t, float64(1), body["rules_loaded"])
	assert.NotContains(t, body, "reasons")

	store, ok := body["store"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, true, store["healthy"])
	assert.Equal(t, "https://store.example.test:9200", store["url"])
}

func TestHealthNotReadyNamesTheReason(t *testing.T) {
	service := &fakeService{ready: false}
	srv := newTestAPI(t, RouterConfig{Service: service, Store: storeStub{healthy: false}})

	status, body := doJSON(t, http.MethodGet, srv.URL+"/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	assert.Equal(t, "not_ready", body["status"])

	reasons, ok := body["reasons"].([]any)
	require.True(t, ok)
	require.Len(t, reasons, 1)
	assert.Contains(t, reasons[0], "store")

	// Store answered but the engine is stopped: different reason.
	srv2 := newTestAPI(t, RouterConfig{Service: &fakeService{ready: false}, Store: storeStub{healthy: true}})
	status, body = doJSON(t, http.MethodGet, srv2.URL+"/health", nil)
	require.Equal(t, http.StatusServiceUnavailable, status)
	reasons, ok = body["reasons"].([]any)
	require.True(t, ok)
	assert.Contains(t, reasons[0], "engine")
}

func TestUnknownEndpointReturnsErrorEnvelope(t *testing.T) {
	srv := newTestAPI(t, RouterConfig{Service: &fakeService{ready: true}, Store: storeStub{healthy: true}})

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v2/nothing", nil)
	require.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, kindNotFound, errKindOf(t, body))
}

func TestMethodNotAllowed(t *testing.T) {
	srv := newTestAPI(t, RouterConfig{Service: &fakeService{ready: true}, Store: storeStub{healthy: true}})

	status, body := doJSON(t, http.MethodDelete, srv.URL+"/api/v1/alerts/rules", nil)
	require.Equal(t, http.StatusMethodNotAllowed, status)
	assert.Equal(t, kindMethodNotAllowed, errKindOf(t, body))
}

func TestPanicRecoveryReturns500(t *testing.T) {
	service := &fakeService{ready: true, panicRules: true}
	srv := newTestAPI(t, RouterConfig{Service: service, Store: storeStub{healthy: true}})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/api/v1/alerts/rules", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusInternalServerError, resp.StatusCode)
	assert.NotEmpty(t, resp.Header.Get("X-Request-ID"))

	var body map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.Equal(t, kindInternal, errKindOf(t, body))
}

func TestRequestIDRoundTrips(t *testing.T) {
	srv := newTestAPI(t, RouterConfig{Service: &fakeService{ready: true}, Store: storeStub{healthy: true}})

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/health", nil)
	require.NoError(t, err)
	req.Header.Set("X-Request-ID", "req-abc-123")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, "req-abc-123", resp.Header.Get("X-Request-ID"))

	// Without an incoming id the middleware mints one.
	resp2, err := http.Get(srv.URL + "/health")
	require.NoError(t, err)
	resp2.Body.Close()
	assert.NotEmpty(t, resp2.Header.Get("X-Request-ID"))
}

func TestStreamRequiresAdminToken(t *testing.T) {
	hub := ws.NewHub(func() any { return []string{} })
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go hub.Run(ctx)

	srv := newTestAPI(t, RouterConfig{
		Service:    &fakeService{ready: true},
		Store:      storeStub{healthy: true},
		Hub:        hub,
		AdminToken: "stream-secret",
	})

	status, body := doJSON(t, http.MethodGet, srv.URL+"/api/v1/alerts/stream", nil)
	require.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, kindUnauthorized, errKindOf(t, body))

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/alerts/stream"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, http.Header{
		"Authorization": []string{"Bearer stream-secret"},
	})
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil {
		resp.Body.Close()
	}

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	var msg struct {
		Type string `json:"type"`
	}
	require.NoError(t, conn.ReadJSON(&msg))
	assert.Equal(t, "welcome", msg.Type)
}
