// Package notifications renders webhook payloads and delivers them
// with retries. Rendering is a small text expansion, not a real
// template language: only {{alert.KEY}} placeholders are recognized.
package notifications

import (
	"bytes"
	"encoding/json"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// Notification carries the alert data available to one delivery batch.
type Notification struct {
	RuleName    string
	Description string
	State       string // new lifecycle state, lower-case
	Value       float64
	Threshold   float64
	Operator    string
	ObservedAt  time.Time
	Metadata    map[string]any
	RuleURL     string
}

// RenderContext is the flat key space templates read from.
type RenderContext map[string]any

// Context flattens the notification into the template key space used
// by {{alert.KEY}} placeholders. Nested metadata maps flatten with
// dotted keys, so {"team": {"oncall": "x"}} is reachable as
// {{alert.metadata.team.oncall}}.
func (n *Notification) Context() RenderContext {
	ctx := RenderContext{
		"name":        n.RuleName,
		"description": n.Description,
		"state":       n.State,
		"value":       n.Value,
		"threshold":   n.Threshold,
		"operator":    n.Operator,
		"observed_at": n.ObservedAt,
		"url_to_rule": n.RuleURL,
	}
	flattenInto(ctx, "metadata", n.Metadata)
	return ctx
}

func flattenInto(ctx RenderContext, prefix string, m map[string]any) {
	for k, v := range m {
		key := prefix + "." + k
		if nested, ok := v.(map[string]any); ok {
			flattenInto(ctx, key, nested)
			continue
		}
		ctx[key] = v
	}
}

func (n *Notification) defaultBody() map[string]any {
	return map[string]any{
		"alert": map[string]any{
			"name":        n.RuleName,
			"description": n.Description,
			"state":       n.State,
			"value":       n.Value,
			"threshold":   n.Threshold,
			"operator":    n.Operator,
			"observed_at": n.ObservedAt.UTC().Format(time.RFC3339),
			"metadata":    n.Metadata,
			"url":         n.RuleURL,
		},
	}
}

// An optional leading backslash marks the placeholder as literal.
var placeholderRe = regexp.MustCompile(`\\?\{\{\s*alert\.([a-zA-Z0-9_.]+)\s*\}\}`)

// RenderString expands {{alert.KEY}} placeholders in s. A placeholder
// preceded by a backslash is emitted verbatim with the backslash
// removed. Unknown keys expand to the empty string; rendering never
// fails.
func RenderString(s string, ctx RenderContext) string {
	return placeholderRe.ReplaceAllStringFunc(s, func(m string) string {
		if strings.HasPrefix(m, `\`) {
			return m[1:]
		}
		key := placeholderRe.FindStringSubmatch(m)[1]
		v, ok := ctx[key]
		if !ok {
			return ""
		}
		return formatValue(v)
	})
}

// RenderJSON walks a decoded JSON value and renders every string leaf.
// Non-string leaves pass through untouched.
func RenderJSON(v any, ctx RenderContext) any {
	switch t := v.(type) {
	case string:
		return RenderString(t, ctx)
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, item := range t {
			out[k] = RenderJSON(item, ctx)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = RenderJSON(item, ctx)
		}
		return out
	}
	return v
}

// RenderBody produces the JSON payload for one delivery. Actions
// without a body template get a default payload carrying the whole
// alert.
func RenderBody(tmpl json.RawMessage, n *Notification) []byte {
	if len(tmpl) == 0 || bytes.Equal(bytes.TrimSpace(tmpl), []byte("null")) {
		out, _ := json.Marshal(n.defaultBody())
		return out
	}
	var doc any
	if err := json.Unmarshal(tmpl, &doc); err != nil {
		// The template came out of a parsed rule file, so this should
		// be unreachable. Fall back to the default payload.
		out, _ := json.Marshal(n.defaultBody())
		return out
	}
	out, _ := json.Marshal(RenderJSON(doc, n.Context()))
	return out
}

func formatValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case time.Time:
		return t.UTC().Format(time.RFC3339)
	case float64:
		return strconv.FormatFloat(t, 'g', 6, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	default:
		out, err := json.Marshal(t)
		if err != nil {
			return ""
		}
		return string(out)
	}
}
