package triage

import (
	"strings"

	"github.com/switchboard-systems/switchboard/internal/models"
)

// FirstMatch returns the first rule matching the envelope, or nil. Rules must
// already be in evaluation order (priority, created_at, id); given the same
// rule set and envelope the outcome is fully deterministic.
func FirstMatch(rules []*models.TriageRule, envelope *models.IngestEnvelope) *models.TriageRule {
	for _, rule := range rules {
		if ruleMatches(rule, envelope) {
			return rule
		}
	}
	return nil
}

func ruleMatches(rule *models.TriageRule, envelope *models.IngestEnvelope) bool {
	switch rule.RuleType {
	case models.RuleSenderDomain:
		return matchDomain(rule.Condition.Domain, senderDomain(envelope.Sender.Identity))
	case models.RuleSenderAddress:
		return matchAddress(rule.Condition, envelope.Sender.Identity)
	case models.RuleHeaderCondition:
		return matchHeader(rule.Condition, envelope.Payload.Headers)
	case models.RuleMimeType:
		return strings.EqualFold(rule.Condition.MimeType, envelope.Payload.MimeType)
	}
	return false
}

// senderDomain extracts the domain part of an address-like identity.
// Identities without an @ are treated as bare domains.
func senderDomain(identity string) string {
	if at := strings.LastIndex(identity, "@"); at >= 0 {
		return strings.ToLower(identity[at+1:])
	}
	return strings.ToLower(identity)
}

// matchDomain compares a sender domain against the rule pattern. A pattern
// with a leading dot (".chase.com") matches any subdomain of it; without one
// it matches the exact domain string only, so a "chase.com" rule never fires
// for "alerts.chase.com".
func matchDomain(pattern, domain string) bool {
	if pattern == "" || domain == "" {
		return false
	}
	pattern = strings.ToLower(pattern)

	if strings.HasPrefix(pattern, ".") {
		return strings.HasSuffix(domain, pattern)
	}
	return domain == pattern
}

func matchAddress(cond models.RuleCondition, identity string) bool {
	identity = strings.ToLower(identity)
	if cond.Address != "" {
		return identity == strings.ToLower(cond.Address)
	}
	if cond.Contains != "" {
		return strings.Contains(identity, strings.ToLower(cond.Contains))
	}
	return false
}

// matchHeader checks header presence, or equality when the rule carries an
// expected value. Header names compare case-insensitively.
func matchHeader(cond models.RuleCondition, headers map[string]string) bool {
	if cond.Header == "" {
		return false
	}
	for name, value := range headers {
		if !strings.EqualFold(name, cond.Header) {
			continue
		}
		if cond.Value == "" {
			return true
		}
		return strings.EqualFold(value, cond.Value)
	}
	return false
}
