package sanitize

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/sirupsen/logrus"
)

// RuleAction is what the matcher does when a rule fires.
type RuleAction string

const (
	ActionReject RuleAction = "reject"
	ActionStrip  RuleAction = "strip"
	ActionLog    RuleAction = "log"
)

// Rule is one configured pattern rule.
type Rule struct {
	Name     string
	Pattern  string
	Action   RuleAction
	Severity string
}

// RuleMatch reports one fired rule.
type RuleMatch struct {
	Name     string
	Action   RuleAction
	Severity string
}

type compiledRule struct {
	Rule
	re *regexp.Regexp
}

// PatternMatcher evaluates an ordered rule list against string content.
// Read-only after construction; safe to share across connections.
type PatternMatcher struct {
	enabled bool
	rules   []compiledRule
}

// DefaultRules is the rule set shipped when the configuration lists none.
func DefaultRules() []Rule {
	return []Rule{
		{
			Name:     "command_injection",
			Pattern:  "(?:^|[;&|`]|\\$\\()\\s*(?:cat|ls|rm|mv|cp|curl|wget|nc|netcat|sh|bash|zsh|python\\d?|perl|ruby|eval|exec)\\b",
			Action:   ActionReject,
			Severity: "critical",
		},
		{
			Name:     "path_traversal",
			Pattern:  `(?:\.\./|\.\.\\){1,}`,
			Action:   ActionReject,
			Severity: "high",
		},
		{
			Name:     "sql_injection",
			Pattern:  `\b(?:union\s+select|drop\s+table|insert\s+into|delete\s+from|or\s+1\s*=\s*1)\b`,
			Action:   ActionReject,
			Severity: "high",
		},
		{
			Name:     "script_injection",
			Pattern:  `<script\b|javascript:|\bon(?:error|load|click|mouseover)\s*=`,
			Action:   ActionStrip,
			Severity: "medium",
		},
	}
}

// NewPatternMatcher compiles the rules with case-insensitive global
// semantics. A rule that fails to compile is a fatal configuration error.
func NewPatternMatcher(enabled bool, rules []Rule) (*PatternMatcher, error) {
	if rules == nil {
		rules = DefaultRules()
	}
	pm := &PatternMatcher{enabled: enabled}
	for _, r := range rules {
		pat := r.Pattern
		if !strings.HasPrefix(pat, "(?i)") {
			pat = "(?i)" + pat
		}
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, fmt.Errorf("pattern rule %q: %v", r.Name, err)
		}
		if r.Action == "" {
			r.Action = ActionLog
		}
		pm.rules = append(pm.rules, compiledRule{Rule: r, re: re})
	}
	return pm, nil
}

// Check evaluates every rule against s. Reject rules clear allowed, strip
// rules remove their matches from sanitized, log rules record the match
// and preserve the text. Rules never abort at runtime.
func (pm *PatternMatcher) Check(s, context string) (allowed bool, matches []RuleMatch, sanitized string) {
	allowed = true
	sanitized = s
	if !pm.enabled {
		return
	}
	for i := range pm.rules {
		r := &pm.rules[i]
		if !r.re.MatchString(sanitized) {
			continue
		}
		matches = append(matches, RuleMatch{Name: r.Name, Action: r.Action, Severity: r.Severity})
		switch r.Action {
		case ActionReject:
			allowed = false
		case ActionStrip:
			sanitized = r.re.ReplaceAllString(sanitized, "")
		case ActionLog:
			logrus.Debugf("pattern rule %s matched in %s", r.Name, context)
		}
	}
	return
}
