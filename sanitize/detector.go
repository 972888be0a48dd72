package sanitize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// DefaultMinKeyLength discards raw matches shorter than this many bytes.
const DefaultMinKeyLength = 20

// Finding is one detected credential-shaped substring.
type Finding struct {
	Value  string
	Type   string
	Offset int
	Length int
}

// CustomPattern appends a caller-supplied shape to the builtin catalog.
type CustomPattern struct {
	Name    string
	Pattern string
}

type secretPattern struct {
	name string
	re   *regexp.Regexp

	// entropy is the minimum per-character Shannon entropy a match must
	// reach. Zero disables the gate unless the name implies a generic
	// pattern.
	entropy float64

	// hex patterns skip the entropy and letter-case false-positive tests.
	hex bool

	// bypassFP skips the non-entropy false-positive tests entirely.
	bypassFP bool
}

// builtinCatalog is the fixed catalog of credential shapes. Order matters:
// more specific prefixes are listed before the shapes they would otherwise
// collide with, and the first pattern to claim a span wins.
func builtinCatalog() []secretPattern {
	mk := func(name, pattern string, entropy float64) secretPattern {
		return secretPattern{name: name, re: regexp.MustCompile(pattern), entropy: entropy}
	}
	hex := func(name, pattern string) secretPattern {
		return secretPattern{name: name, re: regexp.MustCompile(pattern), hex: true}
	}
	catalog := []secretPattern{
		mk("openai-project-key", `\bsk-proj-[A-Za-z0-9_-]{20,}\b`, 3.0),
		mk("anthropic-key", `\bsk-ant-[A-Za-z0-9-]{95,100}\b`, 3.0),
		mk("openai-key", `\bsk-[A-Za-z0-9]{32,64}\b`, 3.0),
		mk("aws-access-key-id", `\b(?:AKIA|ABIA|ACCA)[A-Z0-9]{16}\b`, 2.5),
		{
			name:     "aws-secret-access-key",
			re:       regexp.MustCompile(`\b[A-Za-z0-9/+=]{40}\b`),
			entropy:  3.5,
			bypassFP: true,
		},
		mk("github-token", `\b(?:ghp|gho|ghu|ghs|ghr)_[A-Za-z0-9]{36,255}\b`, 3.0),
		mk("github-fine-grained-pat", `\bgithub_pat_[A-Za-z0-9_]{36,255}\b`, 3.0),
		mk("google-api-key", `\bAIza[A-Za-z0-9_-]{35}\b`, 0),
		mk("slack-token", `\bxox[bpra]-\d{10,13}-\d{10,13}-[A-Za-z0-9]{23,34}\b`, 0),
		mk("stripe-key", `\b(?:sk|pk|rk)_(?:live|test)_[A-Za-z0-9]{99}\b`, 0),
		mk("sendgrid-api-key", `\bSG\.[A-Za-z0-9_-]{22}\.[A-Za-z0-9_-]{43}\b`, 0),
		hex("twilio-api-key", `\bSK[0-9a-f]{32}\b`),
		mk("jwt", `\beyJ[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\.[A-Za-z0-9_-]{10,}\b`, 0),
		mk("discord-bot-token", `\b[MNO][A-Za-z0-9_-]{23}\.[A-Za-z0-9_-]{6}\.[A-Za-z0-9_-]{27,38}\b`, 0),
		mk("discord-webhook", `https://discord(?:app)?\.com/api/webhooks/\d{17,20}/[A-Za-z0-9_-]{60,68}`, 0),
		mk("gitlab-pat", `\bgl(?:pat|cbt)-[A-Za-z0-9_-]{20,}\b`, 0),
		mk("dockerhub-pat", `\bdckr_(?:pat|oat)_[A-Za-z0-9_-]{24,}\b`, 0),
		mk("npm-token", `\bnpm_[A-Za-z0-9]{36}\b`, 0),
		mk("doppler-token", `\bdp\.(?:ct|pt|st|scim)\.[A-Za-z0-9]{40,44}\b`, 0),
		hex("datadog-api-key", `\b[a-f0-9]{32}\b`),
		hex("datadog-app-key", `\b[a-f0-9]{40}\b`),
		mk("database-uri", `(?i)\b(?:postgres(?:ql)?|mysql|mongodb(?:\+srv)?|redis|amqps?|mssql)://[^\s:/@]+:[^\s@/]+@[^\s"']+`, 0),
	}
	return catalog
}

var fileExtensions = []string{
	".jpg", ".jpeg", ".png", ".gif", ".pdf", ".doc",
	".docx", ".txt", ".csv", ".json", ".xml",
}

var testPrefixes = []string{"test", "demo", "example", "sample", "dummy", "fake"}

var (
	allDigits = regexp.MustCompile(`^[0-9]+$`)
	allUpper  = regexp.MustCompile(`^[A-Z]+$`)
	allLower  = regexp.MustCompile(`^[a-z]+$`)
)

// Detector finds credential-shaped substrings. Read-only after
// construction; safe to share across connections.
type Detector struct {
	minKeyLength int
	patterns     []secretPattern
}

// NewDetector builds a detector. With builtin false only the custom
// patterns are evaluated. Custom patterns that fail to compile are fatal.
func NewDetector(builtin bool, custom []CustomPattern, minKeyLength int) (*Detector, error) {
	if minKeyLength <= 0 {
		minKeyLength = DefaultMinKeyLength
	}
	d := &Detector{minKeyLength: minKeyLength}
	if builtin {
		d.patterns = builtinCatalog()
	}
	for _, c := range custom {
		re, err := regexp.Compile(c.Pattern)
		if err != nil {
			return nil, fmt.Errorf("custom secret pattern %q: %v", c.Name, err)
		}
		d.patterns = append(d.patterns, secretPattern{name: c.Name, re: re})
	}
	return d, nil
}

type span struct {
	start, end int
	value      string
	typ        string
}

func overlaps(a span, claimed []span) bool {
	for _, c := range claimed {
		if a.start < c.end && c.start < a.end {
			return true
		}
	}
	return false
}

// genericThreshold applies to patterns whose name marks them as generic.
const genericThreshold = 3.0

func (d *Detector) accept(p *secretPattern, value string) bool {
	if len(value) < d.minKeyLength {
		return false
	}
	if !p.bypassFP {
		if allDigits.MatchString(value) {
			return false
		}
		if !p.hex && (allUpper.MatchString(value) || allLower.MatchString(value)) {
			return false
		}
		lower := strings.ToLower(value)
		for _, prefix := range testPrefixes {
			if strings.HasPrefix(lower, prefix) {
				return false
			}
		}
		for _, ext := range fileExtensions {
			if strings.HasSuffix(lower, ext) {
				return false
			}
		}
	}
	if p.hex {
		return true
	}
	threshold := p.entropy
	if threshold == 0 {
		name := strings.ToLower(p.name)
		if strings.Contains(name, "generic") || strings.Contains(name, "potential") {
			threshold = genericThreshold
		}
	}
	if threshold > 0 && shannonEntropy(value) < threshold {
		return false
	}
	return true
}

// findSpans returns every accepted match, overlap-resolved in catalog
// order and sorted by offset.
func (d *Detector) findSpans(s string) []span {
	var claimed []span
	for i := range d.patterns {
		p := &d.patterns[i]
		for _, loc := range p.re.FindAllStringIndex(s, -1) {
			cand := span{start: loc[0], end: loc[1], value: s[loc[0]:loc[1]], typ: p.name}
			if overlaps(cand, claimed) {
				continue
			}
			if !d.accept(p, cand.value) {
				continue
			}
			claimed = append(claimed, cand)
		}
	}
	sort.Slice(claimed, func(i, j int) bool { return claimed[i].start < claimed[j].start })
	return claimed
}

// Detect reports accepted matches. Identical matched substrings are
// reported once, first occurrence kept.
func (d *Detector) Detect(s string) []Finding {
	var out []Finding
	seen := make(map[string]bool)
	for _, sp := range d.findSpans(s) {
		if seen[sp.value] {
			continue
		}
		seen[sp.value] = true
		out = append(out, Finding{
			Value:  sp.value,
			Type:   sp.typ,
			Offset: sp.start,
			Length: sp.end - sp.start,
		})
	}
	return out
}

// Replace substitutes every detected span with the string mint returns
// for it. mint is called once per span; for repeated values it is expected
// to return a stable substitute.
func (d *Detector) Replace(s string, mint func(value, typ string) string) string {
	spans := d.findSpans(s)
	if len(spans) == 0 {
		return s
	}
	var b strings.Builder
	last := 0
	for _, sp := range spans {
		b.WriteString(s[last:sp.start])
		b.WriteString(mint(sp.value, sp.typ))
		last = sp.end
	}
	b.WriteString(s[last:])
	return b.String()
}
