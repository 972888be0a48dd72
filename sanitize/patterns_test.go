package sanitize

import (
	"testing"

	"gotest.tools/assert"
)

func TestPatternMatcherDefaultRules(t *testing.T) {
	pm, err := NewPatternMatcher(true, nil)
	assert.NilError(t, err)

	allowed, matches, _ := pm.Check("ls; cat /etc/passwd", "tools/execute")
	assert.Assert(t, !allowed)
	assert.Equal(t, matches[0].Name, "command_injection")

	allowed, matches, _ = pm.Check("read ../../etc/shadow", "")
	assert.Assert(t, !allowed)
	assert.Equal(t, matches[0].Name, "path_traversal")

	allowed, _, _ = pm.Check("perfectly ordinary text", "")
	assert.Assert(t, allowed)
}

func TestPatternMatcherStrip(t *testing.T) {
	pm, err := NewPatternMatcher(true, []Rule{
		{Name: "no_foo", Pattern: `foo+`, Action: ActionStrip, Severity: "low"},
	})
	assert.NilError(t, err)

	allowed, matches, sanitized := pm.Check("a foo b fooo c", "")
	assert.Assert(t, allowed)
	assert.Equal(t, len(matches), 1)
	assert.Equal(t, sanitized, "a  b  c")
}

func TestPatternMatcherLogPreservesText(t *testing.T) {
	pm, err := NewPatternMatcher(true, []Rule{
		{Name: "watch", Pattern: `suspicious`, Action: ActionLog, Severity: "low"},
	})
	assert.NilError(t, err)

	allowed, matches, sanitized := pm.Check("very suspicious text", "")
	assert.Assert(t, allowed)
	assert.Equal(t, len(matches), 1)
	assert.Equal(t, sanitized, "very suspicious text")
}

func TestPatternMatcherCaseInsensitive(t *testing.T) {
	pm, err := NewPatternMatcher(true, []Rule{
		{Name: "drop", Pattern: `DROP TABLE`, Action: ActionReject, Severity: "high"},
	})
	assert.NilError(t, err)
	allowed, _, _ := pm.Check("drop table users", "")
	assert.Assert(t, !allowed)
}

func TestPatternMatcherBadRegexFatal(t *testing.T) {
	_, err := NewPatternMatcher(true, []Rule{
		{Name: "broken", Pattern: `([unclosed`, Action: ActionReject},
	})
	assert.ErrorContains(t, err, "broken")
}

func TestPatternMatcherDisabled(t *testing.T) {
	pm, err := NewPatternMatcher(false, nil)
	assert.NilError(t, err)
	allowed, matches, sanitized := pm.Check("ls; cat /etc/passwd", "")
	assert.Assert(t, allowed)
	assert.Assert(t, matches == nil)
	assert.Equal(t, sanitized, "ls; cat /etc/passwd")
}
