package alerts

import (
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/vaultize/alerting/internal/notifications"
)

// Event types written to the history index.
const (
	EventStateChange     = "state_change"
	EventEvaluationError = "evaluation_error"
)

// AlertEvent is one append-only record in the history index. The
// document id is assigned by the store; EventID is a ULID carried in
// the body so events stay time-sortable and uniquely addressable.
type AlertEvent struct {
	EventID            string                 `json:"event_id"`
	EventType          string                 `json:"event_type"`
	RuleName           string                 `json:"rule_name"`
	Timestamp          time.Time              `json:"timestamp"`
	PriorState         string                 `json:"prior_state,omitempty"`
	NewState           string                 `json:"new_state,omitempty"`
	Value              *float64               `json:"value,omitempty"`
	Threshold          *float64               `json:"threshold,omitempty"`
	Operator           string                 `json:"operator,omitempty"`
	ConditionMet       *bool                  `json:"condition_met,omitempty"`
	NotificationSent   bool                   `json:"notification_sent"`
	NotificationStatus string                 `json:"notification_status,omitempty"`
	Notifications      []notifications.Result `json:"notification_results,omitempty"`
	Metadata           map[string]any         `json:"metadata,omitempty"`
	QueryTookMS        int64                  `json:"query_took_ms,omitempty"`
	Error              string                 `json:"error,omitempty"`
}

// NewEvent starts an event with identity and timing filled in.
func NewEvent(eventType, ruleName string, ts time.Time) AlertEvent {
	return AlertEvent{
		EventID:   ulid.Make().String(),
		EventType: eventType,
		RuleName:  ruleName,
		Timestamp: ts,
	}
}
