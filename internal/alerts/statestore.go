package alerts

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/rs/zerolog/log"

	"github.com/vaultize/alerting/pkg/opensearch"
)

// loadAllSize bounds the startup state scan. Far above any realistic
// rule count for a single engine.
const loadAllSize = 1000

// History listing bounds.
const (
	historyDefaultLimit = 100
	historyMaxLimit     = 1000
	historyDefaultSince = "now-24h"
)

var stateMapping = map[string]any{
	"settings": map[string]any{"number_of_shards": 1, "number_of_replicas": 1},
	"mappings": map[string]any{
		"properties": map[string]any{
			"rule_name":           map[string]any{"type": "keyword"},
			"state":               map[string]any{"type": "keyword"},
			"last_eval_at":        map[string]any{"type": "date"},
			"last_value":          map[string]any{"type": "double"},
			"condition_met_since": map[string]any{"type": "date"},
			"last_notified_at":    map[string]any{"type": "date"},
			"consecutive_errors":  map[string]any{"type": "integer"},
			"last_error":          map[string]any{"type": "text"},
		},
	},
}

var historyMapping = map[string]any{
	"settings": map[string]any{"number_of_shards": 1, "number_of_replicas": 1},
	"mappings": map[string]any{
		"properties": map[string]any{
			"event_id":             map[string]any{"type": "keyword"},
			"event_type":           map[string]any{"type": "keyword"},
			"rule_name":            map[string]any{"type": "keyword"},
			"timestamp":            map[string]any{"type": "date"},
			"prior_state":          map[string]any{"type": "keyword"},
			"new_state":            map[string]any{"type": "keyword"},
			"value":                map[string]any{"type": "double"},
			"threshold":            map[string]any{"type": "double"},
			"operator":             map[string]any{"type": "keyword"},
			"condition_met":        map[string]any{"type": "boolean"},
			"notification_sent":    map[string]any{"type": "boolean"},
			"notification_status":  map[string]any{"type": "keyword"},
			"notification_results": map[string]any{"type": "object", "enabled": true},
			"metadata":             map[string]any{"type": "object", "enabled": true},
			"query_took_ms":        map[string]any{"type": "integer"},
			"error":                map[string]any{"type": "text"},
		},
	},
}

// StateStore persists rule states and alert events in two dedicated
// indices. State documents are keyed by rule name and overwritten in
// place; history is append-only.
type StateStore struct {
	client       *opensearch.Client
	stateIndex   string
	historyIndex string
}

func NewStateStore(client *opensearch.Client, stateIndex, historyIndex string) *StateStore {
	return &StateStore{client: client, stateIndex: stateIndex, historyIndex: historyIndex}
}

// Healthy reports whether the store has answered at least one request
// since startup. Feeds the readiness probe.
func (s *StateStore) Healthy() bool {
	return s.client.EverSucceeded()
}

// EnsureIndices creates the state and history indices when missing.
// Idempotent; safe to run on every startup.
func (s *StateStore) EnsureIndices(ctx context.Context) error {
	for _, idx := range []struct {
		name    string
		mapping map[string]any
	}{
		{s.stateIndex, stateMapping},
		{s.historyIndex, historyMapping},
	} {
		exists, err := s.client.IndexExists(ctx, idx.name)
		if err != nil {
			return fmt.Errorf("checking index %s: %w", idx.name, err)
		}
		if exists {
			continue
		}
		if err := s.client.CreateIndex(ctx, idx.name, idx.mapping); err != nil {
			return fmt.Errorf("creating index %s: %w", idx.name, err)
		}
		log.Info().Str("index", idx.name).Msg("Created index")
	}
	return nil
}

// LoadAll reads every persisted rule state. Called once at startup; a
// document that does not decode to a known shape is an error so the
// caller can refuse to run against an incompatible index.
func (s *StateStore) LoadAll(ctx context.Context) (map[string]*RuleState, error) {
	body := map[string]any{
		"query": map[string]any{"match_all": map[string]any{}},
		"size":  loadAllSize,
	}
	res, err := s.client.Search(ctx, []string{s.stateIndex}, body)
	if err != nil {
		return nil, fmt.Errorf("loading rule states: %w", err)
	}

	out := make(map[string]*RuleState, len(res.Hits))
	for _, hit := range res.Hits {
		var st RuleState
		if err := json.Unmarshal(hit.Source, &st); err != nil {
			return nil, fmt.Errorf("state document %q does not decode: %w", hit.ID, err)
		}
		if st.RuleName == "" {
			st.RuleName = hit.ID
		}
		if !ValidState(st.State) {
			return nil, fmt.Errorf("state document %q carries unknown state %q", hit.ID, st.State)
		}
		out[st.RuleName] = &st
	}
	return out, nil
}

// Save overwrites the state document for one rule. The document id is
// the rule name, which is what makes the write idempotent.
func (s *StateStore) Save(ctx context.Context, st *RuleState) error {
	return s.client.Index(ctx, s.stateIndex, st.RuleName, st)
}

// Append writes one event to the history index. The store assigns the
// document id; the ULID in the body identifies the event.
func (s *StateStore) Append(ctx context.Context, ev *AlertEvent) error {
	return s.client.Index(ctx, s.historyIndex, "", ev)
}

// HistoryQuery filters the history listing.
type HistoryQuery struct {
	// Rule restricts to one rule; empty means all.
	Rule string
	// Since is the lower time bound, either RFC3339 or the store's
	// relative date math ("now-24h"). Defaults to the last day.
	Since string
	// Limit is clamped to [1, 1000]; zero means 100.
	Limit int
}

// History returns raw event documents, newest first.
func (s *StateStore) History(ctx context.Context, q HistoryQuery) ([]map[string]any, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = historyDefaultLimit
	}
	if limit > historyMaxLimit {
		limit = historyMaxLimit
	}
	since := q.Since
	if since == "" {
		since = historyDefaultSince
	}

	must := []any{
		map[string]any{"range": map[string]any{"timestamp": map[string]any{"gte": since}}},
	}
	if q.Rule != "" {
		must = append(must, map[string]any{"term": map[string]any{"rule_name": q.Rule}})
	}
	body := map[string]any{
		"query": map[string]any{"bool": map[string]any{"must": must}},
		"sort":  []any{map[string]any{"timestamp": map[string]any{"order": "desc"}}},
		"size":  limit,
	}

	res, err := s.client.Search(ctx, []string{s.historyIndex}, body)
	if err != nil {
		return nil, fmt.Errorf("querying alert history: %w", err)
	}
	out := make([]map[string]any, 0, len(res.Hits))
	for _, hit := range res.Hits {
		var doc map[string]any
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			log.Warn().Str("doc", hit.ID).Err(err).Msg("Skipping undecodable history document")
			continue
		}
		out = append(out, doc)
	}
	return out, nil
}
