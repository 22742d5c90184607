// Package rules implements the user-configurable routing table evaluated
// ahead of the hardcoded detectors. Rules are matched strictly in stored
// order; the first rule whose conditions all hold wins.
package rules

import (
	"fmt"
	"regexp"
	"strings"
)

// Field selects the message attribute a condition inspects.
type Field string

const (
	FieldSender  Field = "sender"
	FieldSubject Field = "subject"
	FieldBody    Field = "body"
)

// Operator is how a condition compares its value against the field.
type Operator string

const (
	OpContains Operator = "contains"
	OpEquals   Operator = "equals"
	OpRegex    Operator = "regex"
)

// Priority is carried through to payloads and logs; it does not reorder
// processing.
type Priority string

const (
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// Condition is one field/operator/value predicate. Matching is
// case-insensitive unless CaseSensitive is set.
type Condition struct {
	Field         Field    `json:"field"`
	Operator      Operator `json:"operator"`
	Value         string   `json:"value"`
	CaseSensitive bool     `json:"case_sensitive"`
}

// Actions describes what to do when a rule matches.
type Actions struct {
	WebhookURL     string   `json:"webhook_url"`
	Priority       Priority `json:"priority"`
	StopProcessing bool     `json:"stop_processing"`
}

// Rule is one entry of the routing table.
type Rule struct {
	ID         string      `json:"id"`
	Name       string      `json:"name"`
	Conditions []Condition `json:"conditions"`
	Actions    Actions     `json:"actions"`
}

// Match returns the first rule whose conditions all match, or nil.
func Match(list []Rule, sender, subject, body string) *Rule {
	for i := range list {
		if matches(&list[i], sender, subject, body) {
			return &list[i]
		}
	}
	return nil
}

func matches(r *Rule, sender, subject, body string) bool {
	if len(r.Conditions) == 0 {
		return false
	}
	for _, c := range r.Conditions {
		if !conditionMatches(c, fieldValue(c.Field, sender, subject, body)) {
			return false
		}
	}
	return true
}

func fieldValue(f Field, sender, subject, body string) string {
	switch f {
	case FieldSender:
		return sender
	case FieldSubject:
		return subject
	case FieldBody:
		return body
	}
	return ""
}

func conditionMatches(c Condition, value string) bool {
	target, probe := value, c.Value
	if !c.CaseSensitive {
		target = strings.ToLower(target)
		probe = strings.ToLower(probe)
	}

	switch c.Operator {
	case OpContains:
		return strings.Contains(target, probe)
	case OpEquals:
		return target == probe
	case OpRegex:
		expr := c.Value
		if !c.CaseSensitive {
			expr = "(?i)" + expr
		}
		re, err := regexp.Compile(expr)
		if err != nil {
			return false
		}
		return re.MatchString(value)
	}
	return false
}

// Validate checks a whole rule list. Rule updates are atomic
// validate-then-replace: a list with any invalid rule is rejected whole.
func Validate(list []Rule) error {
	for i, r := range list {
		if err := validateRule(r); err != nil {
			return fmt.Errorf("rule %d (%s): %w", i, r.Name, err)
		}
	}
	return nil
}

func validateRule(r Rule) error {
	if len(r.Conditions) == 0 {
		return fmt.Errorf("at least one condition is required")
	}
	for _, c := range r.Conditions {
		switch c.Field {
		case FieldSender, FieldSubject, FieldBody:
		default:
			return fmt.Errorf("unknown field %q", c.Field)
		}
		switch c.Operator {
		case OpContains, OpEquals, OpRegex:
		default:
			return fmt.Errorf("unknown operator %q", c.Operator)
		}
		if c.Value == "" {
			return fmt.Errorf("condition value is required")
		}
		if c.Operator == OpRegex {
			if _, err := regexp.Compile(c.Value); err != nil {
				return fmt.Errorf("invalid regex %q: %w", c.Value, err)
			}
		}
	}
	if !strings.HasPrefix(r.Actions.WebhookURL, "https://") {
		return fmt.Errorf("webhook_url must be https")
	}
	switch r.Actions.Priority {
	case "", PriorityNormal, PriorityHigh:
	default:
		return fmt.Errorf("unknown priority %q", r.Actions.Priority)
	}
	return nil
}
