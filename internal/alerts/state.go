// Package alerts implements the alert evaluation engine: per-rule
// scheduling, the OK/FIRING/RESOLVED state machine, throttled
// notification dispatch, and state/history persistence.
package alerts

import "time"

// Lifecycle states. RESOLVED is transient: it is visited on the
// evaluation that first observes recovery and collapses to OK on the
// next one.
const (
	StateOK       = "OK"
	StateFiring   = "FIRING"
	StateResolved = "RESOLVED"
)

// ValidState reports whether s is a known lifecycle state.
func ValidState(s string) bool {
	return s == StateOK || s == StateFiring || s == StateResolved
}

// RuleState is the persistent per-rule lifecycle record. The JSON
// shape doubles as the state index document.
type RuleState struct {
	RuleName          string     `json:"rule_name"`
	State             string     `json:"state"`
	LastEvalAt        *time.Time `json:"last_eval_at,omitempty"`
	LastValue         *float64   `json:"last_value,omitempty"`
	ConditionMetSince *time.Time `json:"condition_met_since,omitempty"`
	LastNotifiedAt    *time.Time `json:"last_notified_at,omitempty"`
	ConsecutiveErrors int        `json:"consecutive_errors"`
	LastError         string     `json:"last_error,omitempty"`
}

// NewRuleState returns the default state for a rule seen for the
// first time.
func NewRuleState(name string) *RuleState {
	return &RuleState{RuleName: name, State: StateOK}
}

// Clone returns an independent copy safe to hand to readers while the
// original keeps being mutated by the evaluation path.
func (s *RuleState) Clone() *RuleState {
	if s == nil {
		return nil
	}
	out := *s
	out.LastEvalAt = cloneTime(s.LastEvalAt)
	out.LastValue = cloneFloat(s.LastValue)
	out.ConditionMetSince = cloneTime(s.ConditionMetSince)
	out.LastNotifiedAt = cloneTime(s.LastNotifiedAt)
	return &out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// transition is what one successful evaluation requires of the engine.
type transition struct {
	To string
	// Notify requests a dispatch; Throttled gates it on the throttle
	// window. Resolution and re-firing dispatches are ungated because
	// the state changed.
	Notify    bool
	Throttled bool
	// Event appends a history record unconditionally;
	// EventIfNotified appends one only when a dispatch actually
	// happened (the FIRING reminder case).
	Event           bool
	EventIfNotified bool
}

// decide maps (current state, condition verdict) to the transition
// table. Every reachable lifecycle change goes through here.
func decide(current string, conditionMet bool) transition {
	switch {
	case current == StateFiring && conditionMet:
		return transition{To: StateFiring, Notify: true, Throttled: true, EventIfNotified: true}
	case current == StateFiring && !conditionMet:
		return transition{To: StateResolved, Notify: true, Event: true}
	case current == StateResolved && conditionMet:
		return transition{To: StateFiring, Notify: true, Event: true}
	case current == StateResolved && !conditionMet:
		return transition{To: StateOK}
	case conditionMet: // OK
		return transition{To: StateFiring, Notify: true, Throttled: true, Event: true}
	default: // OK, quiet
		return transition{To: StateOK}
	}
}
