package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/rs/zerolog/log"

	"github.com/vaultize/alerting/internal/alerts"
	"github.com/vaultize/alerting/internal/rules"
)

// AlertService is the slice of the engine the handlers consume.
type AlertService interface {
	Ready() bool
	Rules() []alerts.RuleSnapshot
	Rule(name string) (alerts.RuleSnapshot, bool)
	TriggerRule(ctx context.Context, name string) (*alerts.Verdict, *alerts.RuleState, error)
	History(ctx context.Context, q alerts.HistoryQuery) ([]map[string]any, error)
}

// ReloadFunc re-reads the rules directory and swaps the result into
// the engine. It reports the diff and the per-file load failures.
type ReloadFunc func() (alerts.ReloadResult, []rules.FileError, error)

// AlertHandlers serves the rule, history, and reload endpoints.
type AlertHandlers struct {
	service AlertService
	reload  ReloadFunc

	// loadErrors returns the per-file failures of the most recent
	// load, whether it came through this API, a SIGHUP, or the
	// directory watcher.
	loadErrors func() []rules.FileError

	// trigger is TriggerRule behind the admin gate, built once.
	trigger http.HandlerFunc
}

// NewAlertHandlers creates the handlers.
func NewAlertHandlers(service AlertService, reload ReloadFunc, adminToken string, loadErrors func() []rules.FileError) *AlertHandlers {
	if loadErrors == nil {
		loadErrors = func() []rules.FileError { return nil }
	}
	h := &AlertHandlers{
		service:    service,
		reload:     reload,
		loadErrors: loadErrors,
	}
	h.trigger = RequireAdmin(adminToken, h.TriggerRule)
	return h
}

// ActionView exposes an action without its delivery details. Webhook
// URLs, headers, and body templates can carry expanded secrets and
// never leave the process.
type ActionView struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RuleView is the externally visible projection of a rule.
type RuleView struct {
	Name             string         `json:"name"`
	Description      string         `json:"description,omitempty"`
	Enabled          bool           `json:"enabled"`
	Indices          []string       `json:"indices"`
	Interval         string         `json:"interval"`
	Window           string         `json:"window"`
	Operator         string         `json:"operator"`
	Threshold        float64        `json:"threshold"`
	AggregationField string         `json:"aggregation_field,omitempty"`
	Throttle         string         `json:"throttle"`
	Actions          []ActionView   `json:"actions"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	SourceFile       string         `json:"source_file,omitempty"`
}

func newRuleView(r *rules.Rule) RuleView {
	v := RuleView{
		Name:             r.Name,
		Description:      r.Description,
		Enabled:          r.Enabled,
		Indices:          r.Query.Index,
		Interval:         r.EvalInterval.String(),
		Window:           r.QueryWindow.String(),
		Operator:         string(r.Condition.Operator),
		Threshold:        r.Condition.Value,
		AggregationField: r.Condition.AggregationField,
		Throttle:         r.ThrottlePeriod.String(),
		Metadata:         r.Metadata,
		SourceFile:       r.SourceFile,
	}
	for _, a := range r.Actions {
		v.Actions = append(v.Actions, ActionView{Name: a.Name, Type: a.Type})
	}
	return v
}

type ruleWithState struct {
	RuleView
	State *alerts.RuleState `json:"state,omitempty"`
}

type loadErrorView struct {
	File  string `json:"file"`
	Error string `json:"error"`
}

// verdictView flattens a verdict for the trigger response.
type verdictView struct {
	Value        *float64 `json:"value,omitempty"`
	ConditionMet bool     `json:"condition_met"`
	TookMS       int64    `json:"took_ms,omitempty"`
	ErrorKind    string   `json:"error_kind,omitempty"`
	Error        string   `json:"error,omitempty"`
}

func newVerdictView(v *alerts.Verdict) verdictView {
	out := verdictView{Value: v.Value, ConditionMet: v.ConditionMet, TookMS: v.TookMS}
	if v.Err != nil {
		out.ErrorKind = string(v.Err.Kind)
		out.Error = v.Err.Message
	}
	return out
}

// HandleRules lists every loaded rule with its current state, plus the
// files that failed to load.
func (h *AlertHandlers) HandleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, kindMethodNotAllowed, "method not allowed")
		return
	}

	snaps := h.service.Rules()
	views := make([]ruleWithState, 0, len(snaps))
	for _, s := range snaps {
		views = append(views, ruleWithState{RuleView: newRuleView(s.Rule), State: s.State})
	}

	payload := map[string]any{"rules": views}
	if errs := h.currentLoadErrors(); len(errs) > 0 {
		payload["load_errors"] = errs
	}
	writeSuccess(w, http.StatusOK, payload)
}

// HandleRule dispatches /api/v1/alerts/rules/{name}/{status|trigger}.
func (h *AlertHandlers) HandleRule(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/api/v1/alerts/rules/")
	parts := strings.Split(rest, "/")
	if len(parts) != 2 || parts[0] == "" {
		writeError(w, http.StatusNotFound, kindNotFound, "no such endpoint")
		return
	}

	switch parts[1] {
	case "status":
		if r.Method != http.MethodGet {
			writeError(w, http.StatusMethodNotAllowed, kindMethodNotAllowed, "method not allowed")
			return
		}
		h.ruleStatus(w, parts[0])
	case "trigger":
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, kindMethodNotAllowed, "method not allowed")
			return
		}
		h.trigger(w, r)
	default:
		writeError(w, http.StatusNotFound, kindNotFound, "no such endpoint")
	}
}

func (h *AlertHandlers) ruleStatus(w http.ResponseWriter, name string) {
	snap, ok := h.service.Rule(name)
	if !ok {
		writeError(w, http.StatusNotFound, kindNotFound, fmt.Sprintf("rule %q is not loaded", name))
		return
	}
	writeSuccess(w, http.StatusOK, map[string]any{
		"rule":  newRuleView(snap.Rule),
		"state": snap.State,
	})
}

// TriggerRule evaluates one rule immediately with full scheduled-tick
// semantics and returns the verdict with the resulting state.
func (h *AlertHandlers) TriggerRule(w http.ResponseWriter, r *http.Request) {
	if !h.service.Ready() {
		writeError(w, http.StatusServiceUnavailable, kindNotReady, "engine is not ready")
		return
	}

	name := ruleNameFromPath(r.URL.Path)
	verdict, state, err := h.service.TriggerRule(r.Context(), name)
	if errors.Is(err, alerts.ErrRuleNotFound) {
		writeError(w, http.StatusNotFound, kindNotFound, fmt.Sprintf("rule %q is not loaded", name))
		return
	}
	if err != nil || verdict == nil {
		log.Error().Err(err).Str("rule", name).Msg("Manual evaluation failed")
		writeError(w, http.StatusInternalServerError, kindInternal, "evaluation did not complete")
		return
	}

	log.Info().Str("rule", name).Bool("condition_met", verdict.ConditionMet).Msg("Manual evaluation triggered")
	writeSuccess(w, http.StatusOK, map[string]any{
		"verdict": newVerdictView(verdict),
		"state":   state,
	})
}

// HandleHistory proxies the history index with optional rule, since,
// and limit filters. Events come back newest first.
func (h *AlertHandlers) HandleHistory(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, kindMethodNotAllowed, "method not allowed")
		return
	}
	if !h.service.Ready() {
		writeError(w, http.StatusServiceUnavailable, kindNotReady, "engine is not ready")
		return
	}

	q := alerts.HistoryQuery{
		Rule:  strings.TrimSpace(r.URL.Query().Get("rule")),
		Since: strings.TrimSpace(r.URL.Query().Get("since")),
	}
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 1 {
			writeError(w, http.StatusBadRequest, kindBadRequest,
				fmt.Sprintf("limit %q must be a positive integer", raw))
			return
		}
		q.Limit = n
	}

	events, err := h.service.History(r.Context(), q)
	if err != nil {
		log.Error().Err(err).Msg("History query failed")
		writeError(w, http.StatusInternalServerError, kindInternal, "history query failed")
		return
	}
	if events == nil {
		events = []map[string]any{}
	}
	writeSuccess(w, http.StatusOK, map[string]any{"events": events, "count": len(events)})
}

// HandleReload re-reads the rules directory and applies the diff.
func (h *AlertHandlers) HandleReload(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, kindMethodNotAllowed, "method not allowed")
		return
	}

	res, _, err := h.reload()
	if err != nil {
		log.Error().Err(err).Msg("Rule reload failed")
		writeError(w, http.StatusInternalServerError, kindInternal, fmt.Sprintf("reload failed: %v", err))
		return
	}

	writeSuccess(w, http.StatusOK, res)
}

func (h *AlertHandlers) currentLoadErrors() []loadErrorView {
	errs := h.loadErrors()
	views := make([]loadErrorView, 0, len(errs))
	for _, fe := range errs {
		views = append(views, loadErrorView{File: fe.File, Error: fe.Err.Error()})
	}
	return views
}

func ruleNameFromPath(path string) string {
	rest := strings.TrimPrefix(path, "/api/v1/alerts/rules/")
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		return rest[:i]
	}
	return rest
}
