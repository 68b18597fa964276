package alerts

import (
	"context"
	"errors"
	"hash/fnv"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"github.com/vaultize/alerting/internal/metrics"
	"github.com/vaultize/alerting/internal/notifications"
	"github.com/vaultize/alerting/internal/rules"
)

const (
	defaultMaxConcurrentEvals = 32
	defaultShutdownGrace      = 5 * time.Second
)

// ErrRuleNotFound is returned for operations against a rule name that
// is not in the active rule table.
var ErrRuleNotFound = errors.New("rule not found")

// EngineConfig assembles an Engine from its parts.
type EngineConfig struct {
	Rules      []*rules.Rule
	Evaluator  *Evaluator
	Store      *StateStore
	Dispatcher *notifications.Dispatcher
	// MaxConcurrent caps evaluations in flight across all rules.
	MaxConcurrent int64
	// PublicURL is the externally reachable base of the management API,
	// used to build the rule status link in notifications. Empty leaves
	// the link out.
	PublicURL string
	// ShutdownGrace is how long Stop waits for in-flight evaluations
	// before cancelling them.
	ShutdownGrace time.Duration
	// OnEvent, when set, observes every appended history event.
	OnEvent func(AlertEvent)
}

// ruleTable is the immutable rule set snapshot. Reload swaps the whole
// table; tick handlers read whichever table is current when they fire.
type ruleTable struct {
	rules map[string]*rules.Rule
}

func newRuleTable(list []*rules.Rule) *ruleTable {
	t := &ruleTable{rules: make(map[string]*rules.Rule, len(list))}
	for _, r := range list {
		t.rules[r.Name] = r
	}
	return t
}

// ruleRuntime is the mutable per-rule runtime record.
type ruleRuntime struct {
	// mu serializes evaluations of one rule. Scheduled ticks TryLock
	// and drop the tick when the previous evaluation is still running;
	// manual triggers block until the rule is free.
	mu sync.Mutex
	// state is owned by the evaluation path and only touched under mu.
	state *RuleState
	// published is a clone of state refreshed after every evaluation
	// so API reads never wait on an evaluation in flight.
	published atomic.Pointer[RuleState]
}

func newRuleRuntime(st *RuleState) *ruleRuntime {
	rt := &ruleRuntime{state: st}
	rt.published.Store(st.Clone())
	return rt
}

// ruleWorker is the scheduler goroutine handle for one enabled rule.
type ruleWorker struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Engine drives the whole alerting lifecycle: it schedules rule
// evaluations, applies the state machine, dispatches notifications,
// and persists states and history.
type Engine struct {
	evaluator  *Evaluator
	store      *StateStore
	dispatcher *notifications.Dispatcher
	evalSem    *semaphore.Weighted
	publicURL  string
	grace      time.Duration
	onEvent    func(AlertEvent)

	snapshot atomic.Pointer[ruleTable]

	mu      sync.Mutex
	states  map[string]*ruleRuntime
	workers map[string]*ruleWorker

	// tickCtx stops the schedulers, runCtx aborts evaluations and
	// dispatches, persistCtx covers store writes. Stop cancels them in
	// that order so evaluations already running get the grace period
	// and their writes still go out.
	tickCtx       context.Context
	tickCancel    context.CancelFunc
	runCtx        context.Context
	runCancel     context.CancelFunc
	persistCtx    context.Context
	persistCancel context.CancelFunc

	wg      sync.WaitGroup
	running atomic.Bool
}

// NewEngine wires up an engine. Nothing runs until Start.
func NewEngine(cfg EngineConfig) *Engine {
	maxConc := cfg.MaxConcurrent
	if maxConc <= 0 {
		maxConc = defaultMaxConcurrentEvals
	}
	grace := cfg.ShutdownGrace
	if grace <= 0 {
		grace = defaultShutdownGrace
	}
	e := &Engine{
		evaluator:  cfg.Evaluator,
		store:      cfg.Store,
		dispatcher: cfg.Dispatcher,
		evalSem:    semaphore.NewWeighted(maxConc),
		publicURL:  strings.TrimSuffix(cfg.PublicURL, "/"),
		grace:      grace,
		onEvent:    cfg.OnEvent,
		states:     make(map[string]*ruleRuntime),
		workers:    make(map[string]*ruleWorker),
	}
	e.snapshot.Store(newRuleTable(cfg.Rules))
	return e
}

// Start prepares the store indices, restores persisted rule states,
// and launches one scheduler per enabled rule. The supplied context
// bounds the startup store calls only; Stop tears the engine down.
func (e *Engine) Start(ctx context.Context) error {
	if !e.running.CompareAndSwap(false, true) {
		return errors.New("engine already started")
	}

	if err := e.store.EnsureIndices(ctx); err != nil {
		e.running.Store(false)
		return err
	}
	persisted, err := e.store.LoadAll(ctx)
	if err != nil {
		e.running.Store(false)
		return err
	}

	e.tickCtx, e.tickCancel = context.WithCancel(context.Background())
	e.runCtx, e.runCancel = context.WithCancel(context.Background())
	e.persistCtx, e.persistCancel = context.WithCancel(context.Background())

	snap := e.snapshot.Load()
	restored, scheduled := 0, 0
	e.mu.Lock()
	for name, rule := range snap.rules {
		st := persisted[name]
		if st != nil {
			restored++
		} else {
			st = NewRuleState(name)
		}
		rt := newRuleRuntime(st)
		e.states[name] = rt
		if rule.Enabled {
			e.startWorkerLocked(name, rt, rule.EvalInterval)
			scheduled++
		}
	}
	e.mu.Unlock()

	metrics.SetRulesLoaded(len(snap.rules))
	e.updateFiringGauge()

	log.Info().
		Int("rules", len(snap.rules)).
		Int("scheduled", scheduled).
		Int("restored", restored).
		Msg("Alert engine started")
	return nil
}

// Stop shuts the engine down: schedulers stop immediately, in-flight
// evaluations get the grace period to complete, then everything still
// running is cancelled and the store write context is released.
func (e *Engine) Stop() {
	if !e.running.CompareAndSwap(true, false) {
		return
	}
	log.Info().Msg("Stopping alert engine")

	e.tickCancel()

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(e.grace):
		log.Warn().Dur("grace", e.grace).Msg("Evaluations still running after grace period, cancelling")
	}
	e.runCancel()
	<-done
	e.persistCancel()

	log.Info().Msg("Alert engine stopped")
}

// Ready reports whether the engine is running and the store has
// answered at least one request since startup.
func (e *Engine) Ready() bool {
	return e.running.Load() && e.store.Healthy()
}

// startWorkerLocked launches the scheduler for one rule. Caller holds
// e.mu.
func (e *Engine) startWorkerLocked(name string, rt *ruleRuntime, interval time.Duration) {
	ctx, cancel := context.WithCancel(e.tickCtx)
	w := &ruleWorker{cancel: cancel, done: make(chan struct{})}
	e.workers[name] = w
	e.wg.Add(1)
	go e.runWorker(ctx, name, rt, interval, w.done)
}

// stopWorkerLocked cancels one scheduler and waits for it to exit.
// Caller holds e.mu; the scheduler loop never takes e.mu, so the wait
// cannot deadlock.
func (e *Engine) stopWorkerLocked(name string) {
	w, ok := e.workers[name]
	if !ok {
		return
	}
	w.cancel()
	<-w.done
	delete(e.workers, name)
}

// startupOffset spreads first evaluations inside one interval so a
// restart does not slam the store with every rule at once. Hashing the
// name keeps each rule's phase stable across restarts.
func startupOffset(name string, interval time.Duration) time.Duration {
	h := fnv.New64a()
	h.Write([]byte(name))
	return time.Duration(h.Sum64() % uint64(interval))
}

func (e *Engine) runWorker(ctx context.Context, name string, rt *ruleRuntime, interval time.Duration, done chan struct{}) {
	defer close(done)
	defer e.wg.Done()

	offset := startupOffset(name, interval)
	log.Debug().
		Str("rule", name).
		Dur("interval", interval).
		Dur("offset", offset).
		Msg("Rule schedule started")

	timer := time.NewTimer(offset)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return
	case <-timer.C:
	}
	e.tick(name, rt)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.tick(name, rt)
		}
	}
}

// tick runs one scheduled evaluation. The evaluation itself happens on
// a separate goroutine so the scheduler keeps observing ticks and can
// count overruns instead of silently queueing them.
func (e *Engine) tick(name string, rt *ruleRuntime) {
	rule := e.snapshot.Load().rules[name]
	if rule == nil || !rule.Enabled {
		return
	}
	if !rt.mu.TryLock() {
		metrics.RecordOverrun()
		log.Warn().Str("rule", name).Msg("Previous evaluation still running, dropping tick")
		return
	}
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		defer rt.mu.Unlock()
		e.runEvaluation(e.runCtx, rule, rt, time.Now().UTC())
	}()
}

// TriggerRule evaluates one rule immediately with full scheduled-tick
// semantics: the state machine applies, notifications go out under the
// usual throttle gates, and state and history are persisted. The
// rule's timer phase is untouched. Disabled rules can be triggered.
func (e *Engine) TriggerRule(ctx context.Context, name string) (*Verdict, *RuleState, error) {
	rule := e.snapshot.Load().rules[name]
	if rule == nil {
		return nil, nil, ErrRuleNotFound
	}
	e.mu.Lock()
	rt := e.states[name]
	e.mu.Unlock()
	if rt == nil {
		return nil, nil, ErrRuleNotFound
	}

	rt.mu.Lock()
	defer rt.mu.Unlock()

	verdict := e.runEvaluation(ctx, rule, rt, time.Now().UTC())
	if verdict == nil {
		return nil, nil, ctx.Err()
	}
	return verdict, rt.state.Clone(), nil
}

// runEvaluation performs one evaluation end to end. Caller holds
// rt.mu. Returns nil only when the context died before the evaluation
// could start.
func (e *Engine) runEvaluation(ctx context.Context, rule *rules.Rule, rt *ruleRuntime, now time.Time) *Verdict {
	if err := e.evalSem.Acquire(ctx, 1); err != nil {
		return nil
	}
	defer e.evalSem.Release(1)

	started := time.Now()
	verdict := e.evaluator.Evaluate(ctx, rule, now)
	elapsed := time.Since(started)

	if verdict.Err != nil {
		// An evaluation aborted by shutdown or a dropped request is
		// not a store failure; leave the error counters alone.
		if ctx.Err() != nil {
			return &verdict
		}
		e.recordFailure(rule, rt, &verdict, now)
		metrics.RecordEvaluation("error", elapsed)
		return &verdict
	}

	e.applyVerdict(ctx, rule, rt, &verdict, now)
	if verdict.ConditionMet {
		metrics.RecordEvaluation("condition_met", elapsed)
	} else {
		metrics.RecordEvaluation("ok", elapsed)
	}
	return &verdict
}

// shouldRecordError decides whether an evaluation failure becomes a
// history event. Rejected queries are configuration bugs and recorded
// every time; transient failures only at the first occurrence and at
// escalation milestones to keep a flapping store from flooding the
// history index.
func shouldRecordError(kind ErrorKind, consecutive int) bool {
	if kind == ErrQueryRejected {
		return true
	}
	return consecutive == 1 || consecutive == 5 || consecutive == 25
}

// recordFailure applies an errored verdict: lifecycle state stays
// put, the error streak grows, and milestone failures land in the
// history index. Caller holds rt.mu.
func (e *Engine) recordFailure(rule *rules.Rule, rt *ruleRuntime, verdict *Verdict, now time.Time) {
	st := rt.state
	st.LastEvalAt = &now
	st.ConsecutiveErrors++
	st.LastError = verdict.Err.String()

	log.Warn().
		Str("rule", rule.Name).
		Str("kind", string(verdict.Err.Kind)).
		Int("consecutive", st.ConsecutiveErrors).
		Str("error", verdict.Err.Message).
		Msg("Rule evaluation failed")

	if shouldRecordError(verdict.Err.Kind, st.ConsecutiveErrors) {
		ev := NewEvent(EventEvaluationError, rule.Name, now)
		ev.PriorState = st.State
		ev.NewState = st.State
		ev.Error = st.LastError
		ev.Metadata = rule.Metadata
		e.appendEvent(&ev)
	}
	e.persistAndPublish(rt)
}

// applyVerdict applies a successful verdict: state machine, throttled
// dispatch, history, persistence. Caller holds rt.mu.
func (e *Engine) applyVerdict(ctx context.Context, rule *rules.Rule, rt *ruleRuntime, verdict *Verdict, now time.Time) {
	st := rt.state
	prior := st.State

	st.LastEvalAt = &now
	st.LastValue = verdict.Value
	st.ConsecutiveErrors = 0
	st.LastError = ""

	tr := decide(prior, verdict.ConditionMet)
	if tr.To == StateFiring {
		if prior != StateFiring {
			st.ConditionMetSince = &now
		}
	} else {
		st.ConditionMetSince = nil
	}
	st.State = tr.To

	dispatched := false
	aggregate := ""
	var results []notifications.Result
	if tr.Notify && (!tr.Throttled || throttleOpen(st, rule, now)) {
		results, aggregate = e.notify(ctx, rule, st, verdict, now)
		dispatched = true
		// A batch where every action failed does not advance the
		// throttle window, so the next tick retries.
		if aggregate != notifications.AggregateAllFailed {
			st.LastNotifiedAt = &now
		}
	}

	if prior != st.State {
		metrics.RecordTransition(prior, st.State)
		log.Info().
			Str("rule", rule.Name).
			Str("from", prior).
			Str("to", st.State).
			Float64("value", *verdict.Value).
			Msg("Rule state changed")
	}

	if tr.Event || (tr.EventIfNotified && dispatched) {
		ev := NewEvent(EventStateChange, rule.Name, now)
		ev.PriorState = prior
		ev.NewState = st.State
		ev.Value = verdict.Value
		threshold := rule.Condition.Value
		ev.Threshold = &threshold
		ev.Operator = string(rule.Condition.Operator)
		met := verdict.ConditionMet
		ev.ConditionMet = &met
		ev.NotificationSent = dispatched && aggregate != notifications.AggregateAllFailed
		if dispatched {
			ev.NotificationStatus = aggregate
			ev.Notifications = results
		}
		ev.Metadata = rule.Metadata
		ev.QueryTookMS = verdict.TookMS
		e.appendEvent(&ev)
	}

	e.persistAndPublish(rt)
}

// throttleOpen reports whether enough time has passed since the last
// delivered notification for a throttled dispatch to go out.
func throttleOpen(st *RuleState, rule *rules.Rule, now time.Time) bool {
	if st.LastNotifiedAt == nil {
		return true
	}
	return now.Sub(*st.LastNotifiedAt) >= rule.ThrottlePeriod
}

func (e *Engine) notify(ctx context.Context, rule *rules.Rule, st *RuleState, verdict *Verdict, now time.Time) ([]notifications.Result, string) {
	n := &notifications.Notification{
		RuleName:    rule.Name,
		Description: rule.Description,
		State:       strings.ToLower(st.State),
		Value:       *verdict.Value,
		Threshold:   rule.Condition.Value,
		Operator:    string(rule.Condition.Operator),
		ObservedAt:  now,
		Metadata:    rule.Metadata,
		RuleURL:     e.ruleURL(rule.Name),
	}
	results, aggregate := e.dispatcher.Dispatch(ctx, rule.Actions, n)
	metrics.RecordNotification(aggregate)
	if aggregate != notifications.AggregateAllOK {
		log.Warn().
			Str("rule", rule.Name).
			Str("aggregate", aggregate).
			Msg("Notification batch incomplete")
	}
	return results, aggregate
}

func (e *Engine) ruleURL(name string) string {
	if e.publicURL == "" {
		return ""
	}
	return e.publicURL + "/api/v1/alerts/rules/" + name + "/status"
}

// appendEvent writes one history record and feeds the event hook.
func (e *Engine) appendEvent(ev *AlertEvent) {
	if err := e.store.Append(e.persistCtx, ev); err != nil {
		log.Error().
			Str("rule", ev.RuleName).
			Str("event", ev.EventID).
			Err(err).
			Msg("Failed to append alert event")
	}
	if e.onEvent != nil {
		e.onEvent(*ev)
	}
}

// persistAndPublish flushes the state document and refreshes the
// lock-free copy readers see.
func (e *Engine) persistAndPublish(rt *ruleRuntime) {
	st := rt.state
	if err := e.store.Save(e.persistCtx, st); err != nil {
		log.Error().Str("rule", st.RuleName).Err(err).Msg("Failed to persist rule state")
	}
	rt.published.Store(st.Clone())
	e.updateFiringGauge()
}

func (e *Engine) updateFiringGauge() {
	firing := 0
	e.mu.Lock()
	for _, rt := range e.states {
		if st := rt.published.Load(); st != nil && st.State == StateFiring {
			firing++
		}
	}
	e.mu.Unlock()
	metrics.SetRulesFiring(firing)
}

// ReloadResult summarizes one rule table swap.
type ReloadResult struct {
	Added   int      `json:"added"`
	Removed int      `json:"removed"`
	Updated int      `json:"updated"`
	Errored int      `json:"errored"`
	Errors  []string `json:"errors,omitempty"`
}

// Reload swaps in a freshly loaded rule set. Unchanged rules keep
// their schedule phase and lifecycle state, updated rules restart
// their schedule but keep state, removed rules stop and drop their
// runtime state. Files that failed to load are reported and the rules
// they would have defined are simply absent.
func (e *Engine) Reload(loaded []*rules.Rule, fileErrs []rules.FileError) ReloadResult {
	res := ReloadResult{Errored: len(fileErrs)}
	for _, fe := range fileErrs {
		res.Errors = append(res.Errors, fe.Error())
	}

	next := newRuleTable(loaded)

	e.mu.Lock()
	prev := e.snapshot.Load()
	e.snapshot.Store(next)

	for name := range prev.rules {
		if _, ok := next.rules[name]; ok {
			continue
		}
		e.stopWorkerLocked(name)
		delete(e.states, name)
		res.Removed++
	}

	for name, rule := range next.rules {
		old, existed := prev.rules[name]
		if !existed {
			rt := newRuleRuntime(NewRuleState(name))
			e.states[name] = rt
			if rule.Enabled {
				e.startWorkerLocked(name, rt, rule.EvalInterval)
			}
			res.Added++
			continue
		}
		if rule.Equal(old) {
			continue
		}
		res.Updated++
		e.stopWorkerLocked(name)
		if rule.Enabled {
			e.startWorkerLocked(name, e.states[name], rule.EvalInterval)
		}
	}
	e.mu.Unlock()

	metrics.SetRulesLoaded(len(next.rules))
	e.updateFiringGauge()

	log.Info().
		Int("added", res.Added).
		Int("removed", res.Removed).
		Int("updated", res.Updated).
		Int("errored", res.Errored).
		Msg("Rules reloaded")
	return res
}

// RuleSnapshot pairs a rule with its most recently published state.
// The state is a private copy; callers treat it as read-only.
type RuleSnapshot struct {
	Rule  *rules.Rule
	State *RuleState
}

// Rules lists every rule in the active table, sorted by name.
func (e *Engine) Rules() []RuleSnapshot {
	snap := e.snapshot.Load()
	names := make([]string, 0, len(snap.rules))
	for name := range snap.rules {
		names = append(names, name)
	}
	sort.Strings(names)

	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]RuleSnapshot, 0, len(names))
	for _, name := range names {
		var st *RuleState
		if rt := e.states[name]; rt != nil {
			st = rt.published.Load()
		}
		out = append(out, RuleSnapshot{Rule: snap.rules[name], State: st})
	}
	return out
}

// Rule returns one rule and its state, or false for unknown names.
func (e *Engine) Rule(name string) (RuleSnapshot, bool) {
	rule := e.snapshot.Load().rules[name]
	if rule == nil {
		return RuleSnapshot{}, false
	}
	e.mu.Lock()
	rt := e.states[name]
	e.mu.Unlock()
	var st *RuleState
	if rt != nil {
		st = rt.published.Load()
	}
	return RuleSnapshot{Rule: rule, State: st}, true
}

// History lists recent alert events from the history index.
func (e *Engine) History(ctx context.Context, q HistoryQuery) ([]map[string]any, error) {
	return e.store.History(ctx, q)
}
