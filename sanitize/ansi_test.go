package sanitize

import (
	"strings"
	"testing"

	"gotest.tools/assert"
)

func TestAnsiStrip(t *testing.T) {
	f := NewAnsiFilter(true, AnsiStrip)
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"sgr color", "\x1b[31mRED\x1b[0m", "RED"},
		{"csi cursor", "move\x1b[2Aup", "moveup"},
		{"osc bel", "\x1b]0;title\x07text", "text"},
		{"osc st", "\x1b]8;;http://x\x1b\\link", "link"},
		{"dcs", "\x1bPq payload\x1b\\after", "after"},
		{"apc", "\x1b_hidden\x1b\\visible", "visible"},
		{"dec private", "\x1b[?25lhide", "hide"},
		{"save restore", "\x1b7text\x1b8", "text"},
		{"eight bit csi", "\u009b31mred", "red"},
		{"bare escape", "a\x1bb", "ab"},
		{"clean", "nothing here", "nothing here"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			out, removed := f.Filter(tt.in)
			assert.Equal(t, out, tt.want)
			assert.Equal(t, removed, tt.in != tt.want)
			// No ESC byte survives strip mode.
			assert.Assert(t, !strings.ContainsRune(out, 0x1b))
		})
	}
}

func TestAnsiReject(t *testing.T) {
	f := NewAnsiFilter(true, AnsiReject)
	out, removed := f.Filter("danger\x1b[31m")
	assert.Equal(t, out, "")
	assert.Assert(t, removed)

	out, removed = f.Filter("clean")
	assert.Equal(t, out, "clean")
	assert.Assert(t, !removed)
}

func TestAnsiEncode(t *testing.T) {
	f := NewAnsiFilter(true, AnsiEncode)
	out, removed := f.Filter("\x1b[31mRED")
	assert.Equal(t, out, `\x1b[31mRED`)
	assert.Assert(t, removed)
}

func TestAnsiDisabledIsIdentity(t *testing.T) {
	f := NewAnsiFilter(false, AnsiStrip)
	in := "\x1b[31mRED\x1b[0m"
	out, removed := f.Filter(in)
	assert.Equal(t, out, in)
	assert.Assert(t, !removed)
}

func TestAnsiDeterministic(t *testing.T) {
	f := NewAnsiFilter(true, AnsiStrip)
	in := "\x1b]0;x\x07mixed\x1b[1m\x1btail"
	first, _ := f.Filter(in)
	for i := 0; i < 10; i++ {
		out, _ := f.Filter(in)
		assert.Equal(t, out, first)
	}
	// Idempotent: filtering the output changes nothing.
	again, removed := f.Filter(first)
	assert.Equal(t, again, first)
	assert.Assert(t, !removed)
}
