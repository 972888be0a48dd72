package sanitize

import (
	"fmt"
	"regexp"
)

// Modification and violation tags emitted by field validation.
const (
	TagValueTruncated  = "value_truncated"
	TagHTMLStripped    = "html_stripped"
	TagInvalidToolName = "invalid_tool_name"
)

// ValidationConfig bounds message fields. Zero values disable the
// corresponding check.
type ValidationConfig struct {
	MaxMessageSize      int
	MaxPromptLength     int
	MaxToolNameLength   int
	MaxParamValueLength int
	ToolNamePattern     string
	StripHTML           bool
	StripScripts        bool
}

var (
	scriptBlockPattern = regexp.MustCompile(`(?is)<script\b[^>]*>.*?</script>`)
	htmlTagPattern     = regexp.MustCompile(`(?s)<[^>]*>`)
)

// Validator enforces the configured field limits inside the deep walk.
// Read-only after construction; safe to share across connections.
type Validator struct {
	cfg        ValidationConfig
	toolNameRe *regexp.Regexp
}

// NewValidator compiles the tool-name pattern. A bad pattern is a fatal
// configuration error.
func NewValidator(cfg ValidationConfig) (*Validator, error) {
	v := &Validator{cfg: cfg}
	if cfg.ToolNamePattern != "" {
		re, err := regexp.Compile(cfg.ToolNamePattern)
		if err != nil {
			return nil, fmt.Errorf("tool name pattern: %v", err)
		}
		v.toolNameRe = re
	}
	return v, nil
}

// MaxMessageSize returns the frame size cap, zero for unlimited.
func (v *Validator) MaxMessageSize() int { return v.cfg.MaxMessageSize }

// limit is the tighter of the prompt and param-value caps.
func (v *Validator) limit() int {
	switch {
	case v.cfg.MaxParamValueLength > 0:
		return v.cfg.MaxParamValueLength
	default:
		return v.cfg.MaxPromptLength
	}
}

// FilterString truncates over-long values and strips script/HTML content.
// The returned tags name what changed.
func (v *Validator) FilterString(s string) (string, []string) {
	var tags []string
	if v.cfg.StripScripts && scriptBlockPattern.MatchString(s) {
		s = scriptBlockPattern.ReplaceAllString(s, "")
		tags = append(tags, TagHTMLStripped)
	}
	if v.cfg.StripHTML && htmlTagPattern.MatchString(s) {
		s = htmlTagPattern.ReplaceAllString(s, "")
		if len(tags) == 0 {
			tags = append(tags, TagHTMLStripped)
		}
	}
	if max := v.limit(); max > 0 && len(s) > max {
		s = truncateRunes(s, max)
		tags = append(tags, TagValueTruncated)
	}
	return s, tags
}

// CheckToolName validates params.name of a tools/call request. ok is
// false when the name is over-long or fails the configured pattern.
func (v *Validator) CheckToolName(name string) bool {
	if name == "" {
		return true
	}
	if v.cfg.MaxToolNameLength > 0 && len(name) > v.cfg.MaxToolNameLength {
		return false
	}
	if v.toolNameRe != nil && !v.toolNameRe.MatchString(name) {
		return false
	}
	return true
}

// truncateRunes cuts s to at most max bytes without splitting a rune.
func truncateRunes(s string, max int) string {
	if len(s) <= max {
		return s
	}
	for max > 0 && s[max]&0xc0 == 0x80 {
		max--
	}
	return s[:max]
}
