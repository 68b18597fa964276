// Package rules defines the alert rule schema and the directory loader
// that turns JSON rule files into validated, immutable Rule values.
package rules

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"
)

const (
	// MinInterval is the shortest evaluation interval a rule may request.
	MinInterval = 10 * time.Second
	// DefaultThrottle applies when a rule has no throttle block.
	DefaultThrottle = 15 * time.Minute
	// DefaultTimeField is used when query.time_field is omitted.
	DefaultTimeField = "@timestamp"
)

// Operator is a scalar comparison applied to the evaluated value.
type Operator string

const (
	OpGreaterThan    Operator = "gt"
	OpGreaterOrEqual Operator = "gte"
	OpLessThan       Operator = "lt"
	OpLessOrEqual    Operator = "lte"
	OpEqual          Operator = "eq"
)

// Valid reports whether o is one of the supported comparison operators.
func (o Operator) Valid() bool {
	switch o {
	case OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpEqual:
		return true
	}
	return false
}

// Compare reports whether "value o threshold" holds.
func (o Operator) Compare(value, threshold float64) bool {
	switch o {
	case OpGreaterThan:
		return value > threshold
	case OpGreaterOrEqual:
		return value >= threshold
	case OpLessThan:
		return value < threshold
	case OpLessOrEqual:
		return value <= threshold
	case OpEqual:
		return value == threshold
	}
	return false
}

// Schedule controls how often a rule is evaluated.
type Schedule struct {
	Interval string `json:"interval"`
}

// TimeRange restricts the query to a trailing window relative to the
// evaluation time. From uses the "now-<duration>" grammar; To is always
// "now". The evaluator resolves both against an explicit timestamp.
type TimeRange struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Query describes what the rule asks the search store on every tick.
// Filter and Aggregation are raw query DSL fragments passed through to
// the store unchanged.
type Query struct {
	Index       []string        `json:"index"`
	TimeField   string          `json:"time_field,omitempty"`
	TimeRange   TimeRange       `json:"time_range"`
	Filter      json.RawMessage `json:"filter,omitempty"`
	Aggregation json.RawMessage `json:"aggregation,omitempty"`
}

// Condition compares the scalar produced by the query against a fixed
// threshold. Without an aggregation the scalar is the hit count; with
// one, AggregationField is the dotted path to the value to extract.
type Condition struct {
	Type             string   `json:"type,omitempty"`
	Operator         Operator `json:"operator"`
	Value            float64  `json:"value"`
	AggregationField string   `json:"aggregation_field,omitempty"`
}

// Webhook is the delivery target of a webhook action. Body is a raw
// JSON template whose string leaves are rendered before delivery.
type Webhook struct {
	URL     string            `json:"url"`
	Method  string            `json:"method,omitempty"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body,omitempty"`
	Timeout string            `json:"timeout,omitempty"`

	// AttemptTimeout is Timeout parsed, or zero when unset (the
	// dispatcher then applies its configured default).
	AttemptTimeout time.Duration `json:"-"`
}

// Action is a single notification target. Webhooks are the only
// supported action type.
type Action struct {
	Type    string  `json:"type,omitempty"`
	Name    string  `json:"name"`
	Webhook Webhook `json:"webhook"`
}

// Throttle bounds how often a rule that stays FIRING re-notifies.
type Throttle struct {
	Value int    `json:"value"`
	Unit  string `json:"unit"`
}

// Duration converts the throttle block to a time.Duration.
func (t *Throttle) Duration() (time.Duration, error) {
	if t.Value <= 0 {
		return 0, fmt.Errorf("value must be a positive integer, got %d", t.Value)
	}
	switch t.Unit {
	case "seconds":
		return time.Duration(t.Value) * time.Second, nil
	case "minutes":
		return time.Duration(t.Value) * time.Minute, nil
	case "hours":
		return time.Duration(t.Value) * time.Hour, nil
	}
	return 0, fmt.Errorf("unit %q must be one of seconds, minutes, hours", t.Unit)
}

// Rule is one alert rule as loaded from a JSON file. After Normalize
// the value is immutable; the scheduler swaps whole snapshots instead
// of mutating rules in place.
type Rule struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Enabled     bool           `json:"enabled"`
	Schedule    Schedule       `json:"schedule"`
	Query       Query          `json:"query"`
	Condition   Condition      `json:"condition"`
	Actions     []Action       `json:"actions"`
	Throttle    *Throttle      `json:"throttle,omitempty"`
	Metadata    map[string]any `json:"metadata,omitempty"`

	// Derived values populated by Normalize.
	EvalInterval   time.Duration `json:"-"`
	QueryWindow    time.Duration `json:"-"`
	ThrottlePeriod time.Duration `json:"-"`

	// SourceFile is the base name of the file the rule was loaded
	// from. Informational only; ignored by Equal.
	SourceFile string `json:"-"`
}

// HasAggregation reports whether the rule extracts its scalar from an
// aggregation rather than the hit count.
func (r *Rule) HasAggregation() bool {
	return len(r.Query.Aggregation) > 0 && !bytes.Equal(bytes.TrimSpace(r.Query.Aggregation), []byte("null"))
}

// Equal reports whether two rules have the same definition. The source
// file name is ignored so renaming a file does not count as a change.
func (r *Rule) Equal(other *Rule) bool {
	if r == nil || other == nil {
		return r == other
	}
	a, errA := json.Marshal(r)
	b, errB := json.Marshal(other)
	return errA == nil && errB == nil && bytes.Equal(a, b)
}

var nameRe = regexp.MustCompile(`^[a-zA-Z0-9_-]{1,128}$`)

// Normalize applies schema defaults, parses the duration expressions,
// and validates the rule. It reports every problem found, not just the
// first one.
func (r *Rule) Normalize() error {
	var problems []string

	if !nameRe.MatchString(r.Name) {
		problems = append(problems, "name must be 1-128 characters of [a-zA-Z0-9_-]")
	}

	if d, err := ParseDuration(r.Schedule.Interval); err != nil {
		problems = append(problems, fmt.Sprintf("schedule.interval: %v", err))
	} else if d < MinInterval {
		problems = append(problems, fmt.Sprintf("schedule.interval %s is below the %s minimum", r.Schedule.Interval, MinInterval))
	} else {
		r.EvalInterval = d
	}

	problems = append(problems, r.normalizeQuery()...)
	problems = append(problems, r.normalizeCondition()...)

	if len(r.Actions) == 0 {
		problems = append(problems, "at least one action is required")
	}
	for i := range r.Actions {
		problems = append(problems, normalizeAction(i, &r.Actions[i])...)
	}

	problems = append(problems, r.normalizeThrottle()...)

	if len(problems) > 0 {
		return fmt.Errorf("invalid rule: %s", strings.Join(problems, "; "))
	}
	return nil
}

func (r *Rule) normalizeQuery() []string {
	var problems []string

	if len(r.Query.Index) == 0 {
		problems = append(problems, "query.index must list at least one index pattern")
	}
	for _, idx := range r.Query.Index {
		if strings.TrimSpace(idx) == "" {
			problems = append(problems, "query.index entries must be non-empty")
			break
		}
	}
	if r.Query.TimeField == "" {
		r.Query.TimeField = DefaultTimeField
	}
	if len(r.Query.Filter) == 0 || bytes.Equal(bytes.TrimSpace(r.Query.Filter), []byte("null")) {
		problems = append(problems, "query.filter is required")
	}
	if r.Query.TimeRange.From == "" {
		r.Query.TimeRange.From = "now-5m"
	}
	if r.Query.TimeRange.To == "" {
		r.Query.TimeRange.To = "now"
	}
	if w, err := parseWindow(r.Query.TimeRange.From); err != nil {
		problems = append(problems, fmt.Sprintf("query.time_range.from: %v", err))
	} else {
		r.QueryWindow = w
	}
	if r.Query.TimeRange.To != "now" {
		problems = append(problems, `query.time_range.to must be "now"`)
	}
	return problems
}

func (r *Rule) normalizeCondition() []string {
	var problems []string

	if r.Condition.Type == "" {
		r.Condition.Type = "threshold"
	}
	if r.Condition.Type != "threshold" {
		problems = append(problems, fmt.Sprintf("condition.type %q is not supported (only threshold)", r.Condition.Type))
	}
	if !r.Condition.Operator.Valid() {
		problems = append(problems, fmt.Sprintf("condition.operator %q must be one of gt, gte, lt, lte, eq", r.Condition.Operator))
	}
	if r.HasAggregation() && r.Condition.AggregationField == "" {
		problems = append(problems, "condition.aggregation_field is required when query.aggregation is set")
	}
	if !r.HasAggregation() && r.Condition.AggregationField != "" {
		problems = append(problems, "condition.aggregation_field requires query.aggregation")
	}
	return problems
}

func normalizeAction(i int, a *Action) []string {
	var problems []string

	if a.Type == "" {
		a.Type = "webhook"
	}
	if a.Type != "webhook" {
		problems = append(problems, fmt.Sprintf("actions[%d].type %q is not supported (only webhook)", i, a.Type))
		return problems
	}
	if a.Name == "" {
		problems = append(problems, fmt.Sprintf("actions[%d].name is required", i))
	}

	u, err := url.Parse(a.Webhook.URL)
	if a.Webhook.URL == "" || err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		problems = append(problems, fmt.Sprintf("actions[%d].webhook.url must be an absolute http(s) URL", i))
	}

	switch m := strings.ToUpper(a.Webhook.Method); m {
	case "":
		a.Webhook.Method = http.MethodPost
	case http.MethodPost, http.MethodPut, http.MethodPatch:
		a.Webhook.Method = m
	default:
		problems = append(problems, fmt.Sprintf("actions[%d].webhook.method %q is not supported (use POST, PUT, or PATCH)", i, a.Webhook.Method))
	}

	if a.Webhook.Timeout != "" {
		if d, err := ParseDuration(a.Webhook.Timeout); err != nil {
			problems = append(problems, fmt.Sprintf("actions[%d].webhook.timeout: %v", i, err))
		} else {
			a.Webhook.AttemptTimeout = d
		}
	}
	return problems
}

func (r *Rule) normalizeThrottle() []string {
	if r.Throttle == nil {
		// No throttle block: 15m, stretched so a slow rule does not
		// end up throttled below its own interval.
		r.ThrottlePeriod = DefaultThrottle
		if r.EvalInterval > DefaultThrottle {
			r.ThrottlePeriod = r.EvalInterval
		}
		return nil
	}
	d, err := r.Throttle.Duration()
	if err != nil {
		return []string{fmt.Sprintf("throttle: %v", err)}
	}
	if r.EvalInterval > 0 && d < r.EvalInterval {
		return []string{fmt.Sprintf("throttle %s must be at least schedule.interval %s", d, r.EvalInterval)}
	}
	r.ThrottlePeriod = d
	return nil
}

var durationRe = regexp.MustCompile(`^(\d+)([smhd])$`)

// ParseDuration parses the compact duration grammar used throughout
// rule files: a positive integer followed by one of s, m, h, d.
func ParseDuration(s string) (time.Duration, error) {
	m := durationRe.FindStringSubmatch(s)
	if m == nil {
		return 0, fmt.Errorf("invalid duration %q (expected <number><s|m|h|d>)", s)
	}
	n, err := strconv.Atoi(m[1])
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid duration %q (count must be a positive integer)", s)
	}
	switch m[2] {
	case "s":
		return time.Duration(n) * time.Second, nil
	case "m":
		return time.Duration(n) * time.Minute, nil
	case "h":
		return time.Duration(n) * time.Hour, nil
	default:
		return time.Duration(n) * 24 * time.Hour, nil
	}
}

// parseWindow extracts the trailing window from a "now-<duration>"
// range expression.
func parseWindow(from string) (time.Duration, error) {
	rest, ok := strings.CutPrefix(from, "now-")
	if !ok {
		return 0, fmt.Errorf("%q must use the now-<duration> form", from)
	}
	return ParseDuration(rest)
}
