package sanitize

import (
	"sort"
	"strings"
)

// Violation tags emitted by the character whitelist. The set is closed.
const (
	TagZeroWidthRemoved      = "zero_width_removed"
	TagControlRemoved        = "control_removed"
	TagUnicodeRemoved        = "unicode_removed"
	TagNonWhitelistedRemoved = "non_whitelisted_removed"
)

// Range is an inclusive code-point range.
type Range struct {
	Lo rune
	Hi rune
}

// DefaultRanges is printable ASCII. Tab, LF, and CR are not included;
// configurations that want them must list them explicitly.
var DefaultRanges = []Range{{0x20, 0x7e}}

// DefaultBlacklist removes ESC and DEL even when a range covers them.
var DefaultBlacklist = []rune{0x1b, 0x7f}

var zeroWidthSet = map[rune]bool{
	0x200b: true, 0x200c: true, 0x200d: true,
	0xfeff: true, 0x2060: true, 0x180e: true,
}

func isZeroWidth(r rune) bool {
	if zeroWidthSet[r] {
		return true
	}
	return r >= 0x2000 && r <= 0x200a
}

func isControl(r rune) bool {
	if r == '\t' || r == '\n' || r == '\r' {
		return false
	}
	return (r <= 0x1f) || (r >= 0x7f && r <= 0x9f)
}

// Whitelist enforces a configurable Unicode code-point allow set.
// Read-only after construction; safe to share across connections.
type Whitelist struct {
	enabled   bool
	ranges    []Range
	blacklist map[rune]bool
}

// NewWhitelist builds a whitelist from inclusive ranges minus a blacklist.
// Nil slices select the defaults.
func NewWhitelist(enabled bool, ranges []Range, blacklist []rune) *Whitelist {
	if ranges == nil {
		ranges = DefaultRanges
	}
	if blacklist == nil {
		blacklist = DefaultBlacklist
	}
	bl := make(map[rune]bool, len(blacklist))
	for _, r := range blacklist {
		bl[r] = true
	}
	return &Whitelist{enabled: enabled, ranges: ranges, blacklist: bl}
}

// Allowed reports whether r is in the effective allow set.
func (w *Whitelist) Allowed(r rune) bool {
	if w.blacklist[r] {
		return false
	}
	for _, rg := range w.ranges {
		if r >= rg.Lo && r <= rg.Hi {
			return true
		}
	}
	return false
}

// Filter removes disallowed code points, iterating by Unicode scalar
// value. The returned tags name the classes of removed characters.
func (w *Whitelist) Filter(s string) (string, []string) {
	if !w.enabled {
		return s, nil
	}
	var out strings.Builder
	tags := make(map[string]bool)
	for _, r := range s {
		// Zero-width characters are always removed so the specific tag
		// is emitted even when a range covers them.
		if isZeroWidth(r) {
			tags[TagZeroWidthRemoved] = true
			continue
		}
		if w.Allowed(r) {
			out.WriteRune(r)
			continue
		}
		switch {
		case isControl(r):
			tags[TagControlRemoved] = true
		case r > 0x7f:
			tags[TagUnicodeRemoved] = true
		default:
			tags[TagNonWhitelistedRemoved] = true
		}
	}
	if len(tags) == 0 {
		return s, nil
	}
	list := make([]string, 0, len(tags))
	for t := range tags {
		list = append(list, t)
	}
	sort.Strings(list)
	return out.String(), list
}
