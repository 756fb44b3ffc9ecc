package models

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"
)

// RuleType selects the matcher used when evaluating a triage rule.
type RuleType string

const (
	RuleSenderDomain    RuleType = "sender_domain"
	RuleSenderAddress   RuleType = "sender_address"
	RuleHeaderCondition RuleType = "header_condition"
	RuleMimeType        RuleType = "mime_type"
)

// ValidRuleTypes is the closed set accepted by the admin API.
var ValidRuleTypes = []RuleType{RuleSenderDomain, RuleSenderAddress, RuleHeaderCondition, RuleMimeType}

// IsValid reports whether t is one of the known rule types.
func (t RuleType) IsValid() bool {
	switch t {
	case RuleSenderDomain, RuleSenderAddress, RuleHeaderCondition, RuleMimeType:
		return true
	}
	return false
}

// ActionKind is the discriminant of the Action tagged variant.
type ActionKind string

const (
	ActionSkip             ActionKind = "skip"
	ActionMetadataOnly     ActionKind = "metadata_only"
	ActionLowPriorityQueue ActionKind = "low_priority_queue"
	ActionPassThrough      ActionKind = "pass_through"
	ActionRouteTo          ActionKind = "route_to"
)

// Action is the routing action a rule yields. It is parsed once at the store
// boundary from the persisted tagged string ("skip", "route_to:finance", ...)
// and never re-parsed downstream.
type Action struct {
	Kind   ActionKind `json:"kind"`
	Target string     `json:"target,omitempty"`
}

// ParseAction parses the persisted action string into the tagged variant.
// The "route_to:<target>" form requires a non-empty target.
func ParseAction(s string) (Action, error) {
	switch ActionKind(s) {
	case ActionSkip, ActionMetadataOnly, ActionLowPriorityQueue, ActionPassThrough:
		return Action{Kind: ActionKind(s)}, nil
	}
	if target, ok := strings.CutPrefix(s, string(ActionRouteTo)+":"); ok {
		if target == "" {
			return Action{}, fmt.Errorf("invalid action %q: empty route_to target", s)
		}
		return Action{Kind: ActionRouteTo, Target: target}, nil
	}
	return Action{}, fmt.Errorf("invalid action %q", s)
}

// String renders the action back into its persisted tagged-string form.
func (a Action) String() string {
	if a.Kind == ActionRouteTo {
		return string(ActionRouteTo) + ":" + a.Target
	}
	return string(a.Kind)
}

// Label returns the action label for metrics, with route_to collapsed so the
// target never becomes a metric label value.
func (a Action) Label() string {
	return string(a.Kind)
}

// CreatedBy provenance values accepted by the admin API.
const (
	CreatedByDashboard = "dashboard"
	CreatedByAPI       = "api"
	CreatedBySeed      = "seed"
)

// ValidCreatedBy reports whether v is an accepted provenance value.
func ValidCreatedBy(v string) bool {
	return v == CreatedByDashboard || v == CreatedByAPI || v == CreatedBySeed
}

// RuleCondition is the JSON condition document of a triage rule. Its shape
// depends on the rule type; unused fields stay empty.
type RuleCondition struct {
	// sender_domain: Domain plus Match ("suffix" is the only supported mode).
	// A pattern with a leading dot (".chase.com") matches any subdomain;
	// without one it matches the exact domain string only.
	Domain string `json:"domain,omitempty"`
	Match  string `json:"match,omitempty"`

	// sender_address: exact address, or Contains for substring matching.
	Address  string `json:"address,omitempty"`
	Contains string `json:"contains,omitempty"`

	// header_condition: header name, with optional expected value.
	// Value empty means presence check only.
	Header string `json:"header,omitempty"`
	Value  string `json:"value,omitempty"`

	// mime_type: exact match.
	MimeType string `json:"mime_type,omitempty"`
}

// TriageRule is one deterministic routing rule. Rules are never hard-deleted;
// evaluation only sees enabled rows with DeletedAt unset, ordered by
// (priority, created_at, id).
type TriageRule struct {
	ID        string        `json:"id"`
	RuleType  RuleType      `json:"rule_type"`
	Condition RuleCondition `json:"condition"`
	Action    Action        `json:"action"`
	Priority  int           `json:"priority"`
	Enabled   bool          `json:"enabled"`
	CreatedBy string        `json:"created_by"`
	CreatedAt time.Time     `json:"created_at"`
	DeletedAt *time.Time    `json:"deleted_at,omitempty"`
}

// CreateRuleRequest is the admin API request for creating a triage rule.
type CreateRuleRequest struct {
	RuleType  RuleType        `json:"rule_type"`
	Condition json.RawMessage `json:"condition"`
	Action    string          `json:"action"`
	Priority  int             `json:"priority"`
	Enabled   *bool           `json:"enabled,omitempty"`
	CreatedBy string          `json:"created_by"`
}

// UpdateRuleRequest is the admin API request for updating a triage rule.
// Nil fields are left unchanged.
type UpdateRuleRequest struct {
	Condition json.RawMessage `json:"condition,omitempty"`
	Action    *string         `json:"action,omitempty"`
	Priority  *int            `json:"priority,omitempty"`
	Enabled   *bool           `json:"enabled,omitempty"`
}

// PassReason is the closed set of reasons an evaluation passes through.
type PassReason string

const (
	PassNoMatch          PassReason = "no_match"
	PassCacheUnavailable PassReason = "cache_unavailable"
	PassRulesDisabled    PassReason = "rules_disabled"
)

// Decision is the outcome of triage for one event.
type Decision struct {
	MatchedRule   *TriageRule `json:"matched_rule,omitempty"`
	Action        Action      `json:"action"`
	SourceChannel string      `json:"source_channel"`
	PassReason    PassReason  `json:"pass_reason,omitempty"`
}

// ThreadAffinitySettings is the singleton thread-affinity configuration.
// Overrides map thread ids to "disabled" or "force:<target>".
type ThreadAffinitySettings struct {
	Enabled   bool              `json:"enabled"`
	TTLDays   int               `json:"ttl_days"`
	Overrides map[string]string `json:"overrides,omitempty"`
	UpdatedAt time.Time         `json:"updated_at"`
}
