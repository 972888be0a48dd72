// Package sanitize implements the per-connection sanitization pipeline:
// ANSI filtering, character whitelisting, pattern rules, secret detection,
// field validation, and the orchestrator that walks JSON-RPC messages.
package sanitize

import (
	"regexp"
	"strings"
)

// AnsiAction selects what the filter does with detected sequences.
type AnsiAction string

const (
	AnsiStrip  AnsiAction = "strip"
	AnsiReject AnsiAction = "reject"
	AnsiEncode AnsiAction = "encode"
)

// ansiPattern covers the structured escape forms: CSI (with SGR and DEC
// private modes), OSC terminated by BEL or ST, DCS/SOS/PM/APC terminated
// by ST, cursor save/restore, and the 8-bit CSI introducer.
var ansiPattern = regexp.MustCompile(strings.Join([]string{
	"\x1b\\[[0-9;?]*[@-~]",
	"\x1b\\][^\x07\x1b]*(?:\x07|\x1b\\\\)",
	"\x1b[PX^_][^\x1b]*\x1b\\\\",
	"\x1b[78]",
	`\x{9b}[0-9;?]*[@-~]`,
}, "|"))

// AnsiFilter detects and neutralizes terminal escape sequences.
// Read-only after construction; safe to share across connections.
type AnsiFilter struct {
	enabled bool
	action  AnsiAction
}

// NewAnsiFilter builds a filter. An unrecognized action falls back to
// strip.
func NewAnsiFilter(enabled bool, action AnsiAction) *AnsiFilter {
	switch action {
	case AnsiStrip, AnsiReject, AnsiEncode:
	default:
		action = AnsiStrip
	}
	return &AnsiFilter{enabled: enabled, action: action}
}

func containsEscape(s string) bool {
	return strings.ContainsRune(s, 0x1b) || strings.ContainsRune(s, 0x9b)
}

// Filter applies the configured action. removed reports whether anything
// was detected. Disabled filters are the identity.
func (f *AnsiFilter) Filter(s string) (out string, removed bool) {
	if !f.enabled || !containsEscape(s) {
		return s, false
	}
	switch f.action {
	case AnsiReject:
		return "", true
	case AnsiEncode:
		out = strings.ReplaceAll(s, "\x1b", `\x1b`)
		out = strings.ReplaceAll(out, "\u009b", `\x9b`)
		return out, out != s
	default:
		out = ansiPattern.ReplaceAllString(s, "")
		// Residual introducers left by malformed sequences.
		out = strings.ReplaceAll(out, "\x1b", "")
		out = strings.ReplaceAll(out, "\u009b", "")
		return out, out != s
	}
}
