package events

import (
	"testing"

	"gotest.tools/assert"
)

func TestCounterTotals(t *testing.T) {
	sink := make(ChanSink, 8)
	c := NewCounter(sink)

	c.Emit(New(PatternMatch, "conn-1", nil))
	c.Emit(New(PatternMatch, "conn-1", nil))
	c.Emit(New(RateLimitExceeded, "conn-2", map[string]any{"method": "tools/call"}))

	totals := c.Totals()
	assert.Equal(t, totals[PatternMatch], uint64(2))
	assert.Equal(t, totals[RateLimitExceeded], uint64(1))

	// Events pass through to the wrapped sink.
	e := <-sink
	assert.Equal(t, e.Kind, PatternMatch)
	assert.Assert(t, e.ID != "")
	assert.Equal(t, e.ConnectionID, "conn-1")
}

func TestChanSinkDropsWhenFull(t *testing.T) {
	sink := make(ChanSink, 1)
	sink.Emit(New(SecretSubstituted, "c", nil))
	// A lagging receiver never blocks the emitter.
	sink.Emit(New(SecretSubstituted, "c", nil))
	assert.Equal(t, len(sink), 1)
}
