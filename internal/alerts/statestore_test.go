package alerts

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vaultize/alerting/pkg/opensearch"
)

func testStateStore(t *testing.T, baseURL string) *StateStore {
	t.Helper()
	client, err := opensearch.NewClient(opensearch.ClientConfig{BaseURL: baseURL, Timeout: 2 * time.Second})
	require.NoError(t, err)
	return NewStateStore(client, "alert-state", "alert-history")
}

func TestEnsureIndicesCreatesOnlyMissing(t *testing.T) {
	var created []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/alert-state":
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodHead && r.URL.Path == "/alert-history":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodPut && r.URL.Path == "/alert-state":
			var body map[string]any
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			require.Contains(t, body, "mappings")
			props := body["mappings"].(map[string]any)["properties"].(map[string]any)
			assert.Contains(t, props, "rule_name")
			assert.Contains(t, props, "condition_met_since")
			created = append(created, r.URL.Path)
			io.WriteString(w, `{"acknowledged":true}`)
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
			w.WriteHeader(http.StatusTeapot)
		}
	}))
	defer srv.Close()

	store := testStateStore(t, srv.URL)
	require.NoError(t, store.EnsureIndices(context.Background()))
	assert.Equal(t, []string{"/alert-state"}, created)
}

func TestSaveWritesDocumentKeyedByRuleName(t *testing.T) {
	var gotPath string
	var gotDoc map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPut, r.Method)
		gotPath = r.URL.Path
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotDoc))
		io.WriteString(w, `{"result":"updated"}`)
	}))
	defer srv.Close()

	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	value := 312.4
	st := &RuleState{
		RuleName:          "high-latency",
		State:             StateFiring,
		LastEvalAt:        &now,
		LastValue:         &value,
		ConditionMetSince: &now,
	}
	require.NoError(t, testStateStore(t, srv.URL).Save(context.Background(), st))

	assert.Equal(t, "/alert-state/_doc/high-latency", gotPath)
	assert.Equal(t, "FIRING", gotDoc["state"])
	assert.Equal(t, 312.4, gotDoc["last_value"])
	assert.Equal(t, "2025-06-01T12:00:00Z", gotDoc["condition_met_since"])
	assert.NotContains(t, gotDoc, "last_notified_at", "unset optional fields stay out of the document")
}

func TestAppendLetsStoreAssignDocumentID(t *testing.T) {
	var gotPath, gotMethod string
	var gotDoc map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		gotMethod = r.Method
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotDoc))
		w.WriteHeader(http.StatusCreated)
		io.WriteString(w, `{"result":"created"}`)
	}))
	defer srv.Close()

	ev := NewEvent(EventStateChange, "high-latency", time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC))
	ev.PriorState = StateOK
	ev.NewState = StateFiring
	require.NoError(t, testStateStore(t, srv.URL).Append(context.Background(), &ev))

	assert.Equal(t, http.MethodPost, gotMethod)
	assert.Equal(t, "/alert-history/_doc", gotPath)
	assert.Equal(t, "state_change", gotDoc["event_type"])
	assert.Equal(t, "high-latency", gotDoc["rule_name"])
	assert.NotEmpty(t, gotDoc["event_id"])
}

func TestLoadAllRestoresStates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/alert-state/_search", r.URL.Path)
		io.WriteString(w, `{
			"took": 2,
			"hits": {
				"total": {"value": 2, "relation": "eq"},
				"hits": [
					{"_id": "high-latency", "_source": {"rule_name": "high-latency", "state": "FIRING", "consecutive_errors": 2, "last_error": "STORE_UNAVAILABLE: dial refused"}},
					{"_id": "disk-pressure", "_source": {"state": "OK"}}
				]
			}
		}`)
	}))
	defer srv.Close()

	states, err := testStateStore(t, srv.URL).LoadAll(context.Background())
	require.NoError(t, err)
	require.Len(t, states, 2)

	assert.Equal(t, StateFiring, states["high-latency"].State)
	assert.Equal(t, 2, states["high-latency"].ConsecutiveErrors)

	require.Contains(t, states, "disk-pressure", "rule name defaults to the document id")
	assert.Equal(t, StateOK, states["disk-pressure"].State)
}

func TestLoadAllRejectsUnknownState(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, `{"hits":{"total":{"value":1},"hits":[{"_id":"x","_source":{"rule_name":"x","state":"BROKEN"}}]}}`)
	}))
	defer srv.Close()

	_, err := testStateStore(t, srv.URL).LoadAll(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown state")
}

func TestHistoryQueryShape(t *testing.T) {
	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/alert-history/_search", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		io.WriteString(w, `{"hits":{"total":{"value":1},"hits":[{"_id":"1","_source":{"event_type":"state_change","rule_name":"high-latency"}}]}}`)
	}))
	defer srv.Close()

	store := testStateStore(t, srv.URL)
	docs, err := store.History(context.Background(), HistoryQuery{Rule: "high-latency", Since: "2025-06-01T00:00:00Z", Limit: 25})
	require.NoError(t, err)
	require.Len(t, docs, 1)
	assert.Equal(t, "state_change", docs[0]["event_type"])

	assert.Equal(t, 25.0, gotBody["size"])
	must := gotBody["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	require.Len(t, must, 2)
	rangeClause := must[0].(map[string]any)["range"].(map[string]any)["timestamp"].(map[string]any)
	assert.Equal(t, "2025-06-01T00:00:00Z", rangeClause["gte"])
	term := must[1].(map[string]any)["term"].(map[string]any)
	assert.Equal(t, "high-latency", term["rule_name"])

	sortClause := gotBody["sort"].([]any)[0].(map[string]any)["timestamp"].(map[string]any)
	assert.Equal(t, "desc", sortClause["order"])
}

func TestHistoryDefaultsAndClamps(t *testing.T) {
	var bodies []map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		bodies = append(bodies, body)
		io.WriteString(w, `{"hits":{"total":{"value":0},"hits":[]}}`)
	}))
	defer srv.Close()

	store := testStateStore(t, srv.URL)

	_, err := store.History(context.Background(), HistoryQuery{})
	require.NoError(t, err)
	_, err = store.History(context.Background(), HistoryQuery{Limit: 99999})
	require.NoError(t, err)

	require.Len(t, bodies, 2)

	assert.Equal(t, 100.0, bodies[0]["size"])
	must := bodies[0]["query"].(map[string]any)["bool"].(map[string]any)["must"].([]any)
	require.Len(t, must, 1, "no rule filter unless one is asked for")
	rangeClause := must[0].(map[string]any)["range"].(map[string]any)["timestamp"].(map[string]any)
	assert.Equal(t, "now-24h", rangeClause["gte"])

	assert.Equal(t, 1000.0, bodies[1]["size"])
}
