package alerts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/vaultize/alerting/internal/rules"
	"github.com/vaultize/alerting/pkg/opensearch"
)

// ErrorKind classifies evaluation failures. All of them mean
// "condition unknown": the state machine leaves the lifecycle state
// alone and counts the error.
type ErrorKind string

const (
	ErrStoreUnavailable ErrorKind = "STORE_UNAVAILABLE"
	ErrQueryRejected    ErrorKind = "QUERY_REJECTED"
	ErrIndexMissing     ErrorKind = "INDEX_MISSING"
	ErrValueExtract     ErrorKind = "VALUE_EXTRACT"
	ErrTimeout          ErrorKind = "TIMEOUT"
)

// EvalError is a classified evaluation failure. It is data flowing
// through the state machine, not a Go error.
type EvalError struct {
	Kind    ErrorKind
	Message string
}

func (e *EvalError) String() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

// Verdict is the outcome of one evaluation.
type Verdict struct {
	Value        *float64
	ConditionMet bool
	Err          *EvalError
	TookMS       int64
	// Excerpt carries a short fragment of the store response for
	// debugging failed extractions. Never persisted.
	Excerpt string
}

// aggWrapper is the fixed name rule aggregations are mounted under in
// the request, and looked up under in the response.
const aggWrapper = "alert_agg"

const excerptLimit = 512

// Evaluator turns rule queries into verdicts.
type Evaluator struct {
	store *opensearch.Client
}

func NewEvaluator(store *opensearch.Client) *Evaluator {
	return &Evaluator{store: store}
}

// Evaluate runs one evaluation of rule at the given instant. The query
// window is resolved against now rather than the wall clock, so
// identical inputs produce identical requests.
func (e *Evaluator) Evaluate(ctx context.Context, rule *rules.Rule, now time.Time) Verdict {
	body := BuildSearchBody(rule, now)
	res, err := e.store.Search(ctx, rule.Query.Index, body)
	if err != nil {
		return Verdict{Err: classifyStoreError(err)}
	}

	var value float64
	if rule.HasAggregation() {
		v, extractErr := extractAggValue(res.Aggregations, rule.Condition.AggregationField)
		if extractErr != nil {
			return Verdict{
				Err:     &EvalError{Kind: ErrValueExtract, Message: extractErr.Error()},
				TookMS:  res.TookMs,
				Excerpt: excerpt(res.Aggregations),
			}
		}
		value = v
	} else {
		value = float64(res.TotalHits)
	}

	return Verdict{
		Value:        &value,
		ConditionMet: rule.Condition.Operator.Compare(value, rule.Condition.Value),
		TookMS:       res.TookMs,
	}
}

// BuildSearchBody assembles the search request for one evaluation: the
// rule filter AND a range clause over [now-window, now] with absolute
// RFC3339 bounds, plus the rule aggregation mounted under alert_agg.
func BuildSearchBody(rule *rules.Rule, now time.Time) map[string]any {
	from := now.Add(-rule.QueryWindow)
	rangeClause := map[string]any{
		"range": map[string]any{
			rule.Query.TimeField: map[string]any{
				"gte": from.UTC().Format(time.RFC3339),
				"lte": now.UTC().Format(time.RFC3339),
			},
		},
	}
	body := map[string]any{
		"size": 0,
		"query": map[string]any{
			"bool": map[string]any{
				"must": []any{json.RawMessage(rule.Query.Filter), rangeClause},
			},
		},
	}
	if rule.HasAggregation() {
		body["aggs"] = map[string]any{aggWrapper: json.RawMessage(rule.Query.Aggregation)}
	}
	return body
}

// extractAggValue pulls the scalar out of the aggregation response.
// Bucketless metric aggregations expose "value"; percentile-style ones
// expose a "values" object keyed by the requested percentile, which is
// what the part of the projection path after the first dot selects
// ("percentiles.95.0" reads values["95.0"]).
func extractAggValue(aggs json.RawMessage, field string) (float64, error) {
	if len(aggs) == 0 {
		return 0, errors.New("response carries no aggregations")
	}
	var root map[string]json.RawMessage
	if err := json.Unmarshal(aggs, &root); err != nil {
		return 0, fmt.Errorf("undecodable aggregations object: %w", err)
	}
	raw, ok := root[aggWrapper]
	if !ok {
		return 0, fmt.Errorf("response has no %s aggregation", aggWrapper)
	}
	var agg map[string]any
	if err := json.Unmarshal(raw, &agg); err != nil {
		return 0, fmt.Errorf("undecodable %s aggregation: %w", aggWrapper, err)
	}

	if values, ok := agg["values"].(map[string]any); ok {
		_, key, found := strings.Cut(field, ".")
		if !found {
			return 0, fmt.Errorf("projection path %q does not select a key of the values object", field)
		}
		v, ok := values[key]
		if !ok {
			return 0, fmt.Errorf("no value at %q in the values object", key)
		}
		return asFloat(v, key)
	}
	if v, ok := agg["value"]; ok {
		return asFloat(v, "value")
	}
	return 0, errors.New("aggregation response carries neither value nor values")
}

func asFloat(v any, at string) (float64, error) {
	if v == nil {
		return 0, fmt.Errorf("value at %q is null", at)
	}
	f, ok := v.(float64)
	if !ok {
		return 0, fmt.Errorf("value at %q is not numeric", at)
	}
	return f, nil
}

// classifyStoreError maps store client failures onto verdict error
// kinds. Timeouts are recognized through the wrapped context error so
// they stay distinguishable from other transport failures.
func classifyStoreError(err error) *EvalError {
	if errors.Is(err, context.DeadlineExceeded) {
		return &EvalError{Kind: ErrTimeout, Message: err.Error()}
	}
	if storeErr, ok := opensearch.AsStoreError(err); ok {
		switch storeErr.Kind {
		case opensearch.KindNotFound:
			return &EvalError{Kind: ErrIndexMissing, Message: storeErr.Error()}
		case opensearch.KindRejected:
			return &EvalError{Kind: ErrQueryRejected, Message: storeErr.Error()}
		}
	}
	return &EvalError{Kind: ErrStoreUnavailable, Message: err.Error()}
}

func excerpt(raw json.RawMessage) string {
	if len(raw) <= excerptLimit {
		return string(raw)
	}
	return string(raw[:excerptLimit])
}
