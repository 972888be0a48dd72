package sanitize

import (
	"sort"

	"github.com/sirupsen/logrus"

	"mcproxy.dev/mcproxy/events"
	"mcproxy.dev/mcproxy/jsonrpc"
	"mcproxy.dev/mcproxy/vault"
)

// Direction says which trust boundary a message is crossing.
type Direction int

const (
	// ClientToServer is traffic from the untrusted peer toward the
	// downstream server.
	ClientToServer Direction = iota
	// ServerToClient is traffic from the trusted downstream back out.
	ServerToClient
)

func (d Direction) String() string {
	if d == ClientToServer {
		return "client_to_server"
	}
	return "server_to_client"
}

// Tag recorded when ANSI sequences are removed or encoded.
const TagAnsiRemoved = "ansi_sequences_removed"

// Outcome is the result of sanitizing one message.
type Outcome struct {
	Safe          bool
	Modified      bool
	Message       *jsonrpc.Message
	Violations    []string
	Modifications []string
	HadSecrets    bool
}

// Options fixes the per-connection sanitizer behavior.
type Options struct {
	StrictMode       bool
	SecretProtection bool
}

// Sanitizer walks JSON-RPC messages for one connection, applying secret
// substitution and the layered filters. The filters and detector are
// shared read-only objects; the vault handle and connection id are this
// instance's own.
type Sanitizer struct {
	connID string
	opts   Options

	ansi      *AnsiFilter
	whitelist *Whitelist
	patterns  *PatternMatcher
	validator *Validator
	detector  *Detector

	vault *vault.Vault
	sink  events.Sink
}

// New creates the sanitizer for one connection.
func New(connID string, opts Options, ansi *AnsiFilter, wl *Whitelist, pm *PatternMatcher, val *Validator, det *Detector, v *vault.Vault, sink events.Sink) *Sanitizer {
	if sink == nil {
		sink = events.Discard{}
	}
	return &Sanitizer{
		connID:    connID,
		opts:      opts,
		ansi:      ansi,
		whitelist: wl,
		patterns:  pm,
		validator: val,
		detector:  det,
		vault:     v,
		sink:      sink,
	}
}

// tagSet accumulates unique tags, listed in sorted order.
type tagSet map[string]bool

func (t tagSet) add(tags ...string) {
	for _, tag := range tags {
		t[tag] = true
	}
}

func (t tagSet) list() []string {
	if len(t) == 0 {
		return nil
	}
	out := make([]string, 0, len(t))
	for tag := range t {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// SanitizeMessage runs the pipeline over msg in the given direction. The
// message tree is modified in place and returned in the outcome.
func (s *Sanitizer) SanitizeMessage(msg *jsonrpc.Message, dir Direction) Outcome {
	out := Outcome{Message: msg}
	violations := make(tagSet)
	modifications := make(tagSet)

	// Secrets are mined only on the untrusted ingress path. Server output
	// is never a source of new vault entries.
	if dir == ClientToServer && s.opts.SecretProtection && s.detector != nil {
		s.substituteSecrets(msg.Root(), &out)
	}

	s.deepSanitize(msg.Root(), msg.Method(), violations, modifications)

	if name := msg.ToolName(); name != "" && s.validator != nil {
		if !s.validator.CheckToolName(name) {
			violations.add(TagInvalidToolName)
		}
	}

	out.Violations = violations.list()
	out.Modifications = modifications.list()
	out.Modified = out.Modified || len(out.Modifications) > 0 || len(out.Violations) > 0 || out.HadSecrets
	out.Safe = len(out.Violations) == 0 || !s.opts.StrictMode

	if len(out.Violations) > 0 {
		s.sink.Emit(events.New(events.PatternMatch, s.connID, map[string]any{
			"method":     msg.Method(),
			"direction":  dir.String(),
			"violations": out.Violations,
		}))
	}
	return out
}

func (s *Sanitizer) substituteSecrets(v *jsonrpc.Value, out *Outcome) {
	switch v.Kind() {
	case jsonrpc.KindString:
		str, _ := v.Str()
		replaced := s.detector.Replace(str, func(value, typ string) string {
			placeholder, err := s.vault.Store(value, s.connID, typ)
			if err != nil {
				// Substitution is refused; the plaintext stays with the
				// caller and goes no further than this message.
				logrus.Warnf("conn %s: secret substitution failed: %v", s.connID, err)
				return value
			}
			s.sink.Emit(events.New(events.SecretSubstituted, s.connID, map[string]any{
				"type":        typ,
				"placeholder": placeholder,
			}))
			out.HadSecrets = true
			return placeholder
		})
		if replaced != str {
			v.SetStr(replaced)
			out.Modified = true
		}
	case jsonrpc.KindArray:
		for _, el := range v.Items() {
			s.substituteSecrets(el, out)
		}
	case jsonrpc.KindObject:
		for _, m := range v.Members() {
			s.substituteSecrets(m.Value, out)
		}
	}
}

// filterString runs one string leaf through the filter chain.
func (s *Sanitizer) filterString(str, context string, violations, modifications tagSet) string {
	if s.ansi != nil {
		filtered, removed := s.ansi.Filter(str)
		if removed {
			modifications.add(TagAnsiRemoved)
			str = filtered
		}
	}
	if s.whitelist != nil {
		filtered, tags := s.whitelist.Filter(str)
		if len(tags) > 0 {
			violations.add(tags...)
			str = filtered
		}
	}
	if s.patterns != nil {
		_, matches, sanitized := s.patterns.Check(str, context)
		for _, m := range matches {
			switch m.Action {
			case ActionReject:
				// Text is preserved; strict mode decides delivery.
				violations.add(m.Name)
			case ActionStrip:
				modifications.add(m.Name + "_stripped")
			}
		}
		str = sanitized
	}
	if s.validator != nil {
		filtered, tags := s.validator.FilterString(str)
		if len(tags) > 0 {
			modifications.add(tags...)
			str = filtered
		}
	}
	return str
}

func (s *Sanitizer) deepSanitize(v *jsonrpc.Value, context string, violations, modifications tagSet) {
	switch v.Kind() {
	case jsonrpc.KindString:
		str, _ := v.Str()
		filtered := s.filterString(str, context, violations, modifications)
		if filtered != str {
			v.SetStr(filtered)
		}
	case jsonrpc.KindArray:
		for _, el := range v.Items() {
			s.deepSanitize(el, context, violations, modifications)
		}
	case jsonrpc.KindObject:
		members := v.Members()
		kept := members[:0]
		for _, m := range members {
			key := s.filterString(m.Key, context, violations, modifications)
			if key == "" {
				// A key emptied by filtering drops the whole entry.
				modifications.add("entry_dropped")
				continue
			}
			m.Key = key
			s.deepSanitize(m.Value, context, violations, modifications)
			kept = append(kept, m)
		}
		v.SetMembers(kept)
	}
}

// Resubstitute restores original secrets for this connection's
// placeholders. Applied by the outbound leg immediately before the
// message leaves for the downstream server.
func (s *Sanitizer) Resubstitute(msg *jsonrpc.Message) (modified bool) {
	return s.resubstitute(msg.Root())
}

func (s *Sanitizer) resubstitute(v *jsonrpc.Value) (modified bool) {
	switch v.Kind() {
	case jsonrpc.KindString:
		str, _ := v.Str()
		if vault.IsPlaceholder(str) {
			if secret, ok := s.vault.Retrieve(str, s.connID); ok {
				v.SetStr(secret)
				return true
			}
			return false
		}
		if vault.Pattern.MatchString(str) {
			replaced := vault.Pattern.ReplaceAllStringFunc(str, func(p string) string {
				if secret, ok := s.vault.Retrieve(p, s.connID); ok {
					modified = true
					return secret
				}
				// Unowned or expired placeholders stay literal.
				return p
			})
			if modified {
				v.SetStr(replaced)
			}
		}
	case jsonrpc.KindArray:
		for _, el := range v.Items() {
			if s.resubstitute(el) {
				modified = true
			}
		}
	case jsonrpc.KindObject:
		for _, m := range v.Members() {
			if s.resubstitute(m.Value) {
				modified = true
			}
		}
	}
	return modified
}

// Cleanup drops this connection's vault records. Called at teardown.
func (s *Sanitizer) Cleanup() {
	if s.vault != nil {
		s.vault.RemoveAll(s.connID)
	}
}

// ConnectionID returns the owning connection id.
func (s *Sanitizer) ConnectionID() string { return s.connID }
