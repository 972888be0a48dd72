// Package events defines the security events the proxy emits and the sinks
// that receive them.
package events

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Kind enumerates the security event types.
type Kind string

const (
	RateLimitExceeded       Kind = "rate_limit_exceeded"
	SanitizationBlocked     Kind = "sanitization_blocked"
	SecretSubstituted       Kind = "secret_substituted"
	UnauthorizedVaultAccess Kind = "unauthorized_vault_access"
	PatternMatch            Kind = "pattern_match"
)

// Event is one security event. Details carries scrubbed context only:
// method names, violation tags, placeholders. Raw secrets never enter an
// Event.
type Event struct {
	ID           string         `json:"id"`
	Kind         Kind           `json:"kind"`
	ConnectionID string         `json:"connection_id"`
	Timestamp    time.Time      `json:"timestamp"`
	Details      map[string]any `json:"details,omitempty"`
}

// New stamps an event with a fresh id and the current time.
func New(kind Kind, connID string, details map[string]any) Event {
	return Event{
		ID:           uuid.NewString(),
		Kind:         kind,
		ConnectionID: connID,
		Timestamp:    time.Now(),
		Details:      details,
	}
}

// Sink receives security events. Emit must be safe for concurrent use.
type Sink interface {
	Emit(Event)
}

// LogSink writes events through logrus.
type LogSink struct{}

func (LogSink) Emit(e Event) {
	logrus.WithFields(logrus.Fields{
		"event_id":   e.ID,
		"kind":       string(e.Kind),
		"connection": e.ConnectionID,
		"details":    e.Details,
	}).Warn("security event")
}

// Discard drops every event. Used where no sink is configured.
type Discard struct{}

func (Discard) Emit(Event) {}

// Counter tallies events by kind behind LogSink-style fan-out; the status
// endpoint reads the totals.
type Counter struct {
	m      sync.Mutex
	counts map[Kind]uint64
	next   Sink
}

// NewCounter wraps next, counting each event before forwarding it.
func NewCounter(next Sink) *Counter {
	if next == nil {
		next = Discard{}
	}
	return &Counter{counts: make(map[Kind]uint64), next: next}
}

func (c *Counter) Emit(e Event) {
	c.m.Lock()
	c.counts[e.Kind]++
	c.m.Unlock()
	c.next.Emit(e)
}

// Totals returns a snapshot of the per-kind counts.
func (c *Counter) Totals() map[Kind]uint64 {
	c.m.Lock()
	defer c.m.Unlock()
	out := make(map[Kind]uint64, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// ChanSink delivers events to a channel, dropping when the receiver lags.
// Test helper and coordinator relay.
type ChanSink chan Event

func (c ChanSink) Emit(e Event) {
	select {
	case c <- e:
	default:
	}
}
