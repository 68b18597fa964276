package rules

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseDuration(t *testing.T) {
	tests := []struct {
		in      string
		want    time.Duration
		wantErr bool
	}{
		{in: "5s", want: 5 * time.Second},
		{in: "30s", want: 30 * time.Second},
		{in: "15m", want: 15 * time.Minute},
		{in: "2h", want: 2 * time.Hour},
		{in: "1d", want: 24 * time.Hour},
		{in: "", wantErr: true},
		{in: "10", wantErr: true},
		{in: "m", wantErr: true},
		{in: "5w", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "5.5m", wantErr: true},
		{in: " 5m", wantErr: true},
		{in: "0s", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseDuration(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestOperatorCompare(t *testing.T) {
	tests := []struct {
		op        Operator
		value     float64
		threshold float64
		want      bool
	}{
		{OpGreaterThan, 5, 3, true},
		{OpGreaterThan, 3, 3, false},
		{OpGreaterOrEqual, 3, 3, true},
		{OpGreaterOrEqual, 2.9, 3, false},
		{OpLessThan, 2, 3, true},
		{OpLessThan, 3, 3, false},
		{OpLessOrEqual, 3, 3, true},
		{OpLessOrEqual, 3.1, 3, false},
		{OpEqual, 3, 3, true},
		{OpEqual, 3.5, 3, false},
		{Operator("between"), 3, 3, false},
	}
	for _, tt := range tests {
		got := tt.op.Compare(tt.value, tt.threshold)
		assert.Equal(t, tt.want, got, "%v Compare(%v, %v)", tt.op, tt.value, tt.threshold)
	}
}

func TestOperatorValid(t *testing.T) {
	for _, op := range []Operator{OpGreaterThan, OpGreaterOrEqual, OpLessThan, OpLessOrEqual, OpEqual} {
		assert.True(t, op.Valid(), "%v", op)
	}
	assert.False(t, Operator("").Valid())
	assert.False(t, Operator("GT").Valid())
	assert.False(t, Operator("neq").Valid())
}

func TestThrottleDuration(t *testing.T) {
	tests := []struct {
		name     string
		throttle Throttle
		want     time.Duration
		wantErr  string
	}{
		{name: "seconds", throttle: Throttle{Value: 90, Unit: "seconds"}, want: 90 * time.Second},
		{name: "minutes", throttle: Throttle{Value: 15, Unit: "minutes"}, want: 15 * time.Minute},
		{name: "hours", throttle: Throttle{Value: 2, Unit: "hours"}, want: 2 * time.Hour},
		{name: "bad unit", throttle: Throttle{Value: 5, Unit: "days"}, wantErr: "unit"},
		{name: "zero value", throttle: Throttle{Value: 0, Unit: "minutes"}, wantErr: "positive"},
		{name: "negative value", throttle: Throttle{Value: -1, Unit: "minutes"}, wantErr: "positive"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.throttle.Duration()
			if tt.wantErr != "" {
				require.Error(t, err)
				assert.Contains(t, err.Error(), tt.wantErr)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestNormalizeDefaultThrottleNeverBelowInterval(t *testing.T) {
	rule := validRule()
	rule.Schedule.Interval = "1h"
	rule.Throttle = nil

	require.NoError(t, rule.Normalize())
	assert.Equal(t, time.Hour, rule.ThrottlePeriod, "default throttle should stretch to the interval")

	rule = validRule()
	rule.Throttle = nil
	require.NoError(t, rule.Normalize())
	assert.Equal(t, DefaultThrottle, rule.ThrottlePeriod)
}

func TestNormalizeRejectsThrottleBelowInterval(t *testing.T) {
	rule := validRule()
	rule.Schedule.Interval = "5m"
	rule.Throttle = &Throttle{Value: 30, Unit: "seconds"}

	err := rule.Normalize()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "throttle 30s must be at least schedule.interval 5m")
}

func TestNormalizeReportsAllProblems(t *testing.T) {
	rule := &Rule{
		Name:      "bad name!",
		Schedule:  Schedule{Interval: "5s"},
		Condition: Condition{Operator: "between", Value: 1},
	}

	err := rule.Normalize()
	require.Error(t, err)
	msg := err.Error()
	assert.Contains(t, msg, "name must be")
	assert.Contains(t, msg, "below the 10s minimum")
	assert.Contains(t, msg, "query.index")
	assert.Contains(t, msg, "query.filter is required")
	assert.Contains(t, msg, "condition.operator")
	assert.Contains(t, msg, "at least one action")
}

// validRule returns a minimal rule that passes Normalize, for tests
// that break exactly one field at a time.
func validRule() *Rule {
	return &Rule{
		Name:     "cpu-high",
		Enabled:  true,
		Schedule: Schedule{Interval: "1m"},
		Query: Query{
			Index:  []string{"metrics-*"},
			Filter: []byte(`{"term":{"host":"db1"}}`),
		},
		Condition: Condition{Operator: OpGreaterThan, Value: 90},
		Actions: []Action{
			{Name: "ops", Webhook: Webhook{URL: "https://hooks.example.com/ops"}},
		},
	}
}
