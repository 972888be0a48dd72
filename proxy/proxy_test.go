package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"go.uber.org/goleak"
	"gotest.tools/assert"

	"mcproxy.dev/mcproxy/config"
	"mcproxy.dev/mcproxy/events"
	"mcproxy.dev/mcproxy/transport"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

// harness stands in for both peers: the untrusted client on one pipe and
// the downstream MCP server on another.
type harness struct {
	t    *testing.T
	co   *Coordinator
	rec  *ConnectionRecord
	sink events.ChanSink

	client     *transport.PipeConn
	downstream *transport.PipeConn

	dialQueue chan transport.MsgConn
	done      chan struct{}
}

func newHarness(t *testing.T, mutate func(*config.Config)) *harness {
	t.Helper()
	cfg := config.Default()
	cfg.RateLimiting.Enabled = false
	cfg.Proxy.ReconnectInitialMS = 10
	if mutate != nil {
		mutate(cfg)
	}
	assert.NilError(t, cfg.Validate())

	h := &harness{
		t:         t,
		sink:      make(events.ChanSink, 64),
		dialQueue: make(chan transport.MsgConn, 4),
		done:      make(chan struct{}),
	}
	co, err := NewCoordinator(cfg, h.sink)
	assert.NilError(t, err)
	h.co = co

	co.DialServer = func(ctx context.Context) (transport.MsgConn, error) {
		select {
		case c := <-h.dialQueue:
			return c, nil
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-h.done:
			return nil, transport.ErrClosed
		}
	}

	clientEnd, proxyEnd := transport.Pipe()
	h.client = clientEnd
	h.offerDownstream()

	h.rec = co.Attach(proxyEnd)
	co.wg.Add(1)
	go func() {
		defer co.wg.Done()
		h.rec.Client.Run()
		co.detach(h.rec.ID)
	}()

	t.Cleanup(func() {
		close(h.done)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		co.Shutdown(ctx)
	})
	return h
}

// offerDownstream queues a fresh downstream pipe for the next dial and
// keeps the test's end in h.downstream.
func (h *harness) offerDownstream() {
	proxySide, testSide := transport.Pipe()
	h.downstream = testSide
	h.dialQueue <- proxySide
}

func (h *harness) sendFromClient(raw string) {
	h.t.Helper()
	assert.NilError(h.t, h.client.WriteMsg([]byte(raw)))
}

func readWithTimeout(t *testing.T, conn transport.MsgConn) string {
	t.Helper()
	type result struct {
		data []byte
		err  error
	}
	ch := make(chan result, 1)
	go func() {
		data, err := conn.ReadMsg()
		ch <- result{data, err}
	}()
	select {
	case r := <-ch:
		assert.NilError(t, r.err)
		return string(r.data)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for message")
		return ""
	}
}

func waitEvent(t *testing.T, sink events.ChanSink, kind events.Kind) events.Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case e := <-sink:
			if e.Kind == kind {
				return e
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
		}
	}
}

func TestForwardCleanMessage(t *testing.T) {
	h := newHarness(t, nil)
	h.sendFromClient(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)
	got := readWithTimeout(t, h.downstream)
	assert.Equal(t, got, `{"jsonrpc":"2.0","method":"tools/list","id":1}`)

	// And the response path.
	assert.NilError(t, h.downstream.WriteMsg([]byte(`{"jsonrpc":"2.0","result":{"tools":[]},"id":1}`)))
	got = readWithTimeout(t, h.client)
	assert.Equal(t, got, `{"jsonrpc":"2.0","result":{"tools":[]},"id":1}`)
}

func TestScenarioAnsiStrip(t *testing.T) {
	h := newHarness(t, nil)
	h.sendFromClient(`{"jsonrpc":"2.0","method":"echo","params":{"t":"\u001b[31mRED\u001b[0m"},"id":1}`)
	got := readWithTimeout(t, h.downstream)
	assert.Equal(t, got, `{"jsonrpc":"2.0","method":"echo","params":{"t":"RED"},"id":1}`)
}

func TestScenarioCommandInjectionStrict(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Sanitization.StrictMode = true
	})
	h.sendFromClient(`{"jsonrpc":"2.0","method":"tools/execute","params":{"input":"ls; cat /etc/passwd"},"id":7}`)

	got := readWithTimeout(t, h.client)
	assert.Equal(t, got, `{"jsonrpc":"2.0","id":7,"error":{"code":-32603,"message":"Message contains forbidden content"}}`)

	e := waitEvent(t, h.sink, events.SanitizationBlocked)
	assert.DeepEqual(t, e.Details["violations"], []string{"command_injection"})

	// Nothing was forwarded: the next clean message is the first thing
	// the downstream sees.
	h.sendFromClient(`{"jsonrpc":"2.0","method":"ping","id":8}`)
	got = readWithTimeout(t, h.downstream)
	assert.Equal(t, got, `{"jsonrpc":"2.0","method":"ping","id":8}`)
}

const testSecret = "sk-aBc123XyZ456DefGhi789JklMno012PqrStu345VwxYz678"

func TestScenarioSecretRoundTrip(t *testing.T) {
	h := newHarness(t, nil)
	h.sendFromClient(`{"jsonrpc":"2.0","method":"call","params":{"k":"` + testSecret + `"},"id":2}`)

	// The downstream sees the original secret again: substituted on
	// ingress, restored on egress.
	got := readWithTimeout(t, h.downstream)
	assert.Equal(t, got, `{"jsonrpc":"2.0","method":"call","params":{"k":"`+testSecret+`"},"id":2}`)

	e := waitEvent(t, h.sink, events.SecretSubstituted)
	placeholder, _ := e.Details["placeholder"].(string)
	assert.Assert(t, len(placeholder) == len("MCPROXY_KEY_")+32)

	// The vault refuses the placeholder for any other connection.
	_, ok := h.co.vault.Retrieve(placeholder, "other-conn")
	assert.Assert(t, !ok)
	waitEvent(t, h.sink, events.UnauthorizedVaultAccess)
}

func TestScenarioRateLimit(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.RateLimiting.Enabled = true
		c.RateLimiting.Global = config.ScopeConfig{}
		c.RateLimiting.PerClient = config.ScopeConfig{RequestsPerMinute: 2}
	})

	for i := 1; i <= 2; i++ {
		h.sendFromClient(fmt.Sprintf(`{"jsonrpc":"2.0","method":"echo","id":%d}`, i))
		readWithTimeout(t, h.downstream)
	}
	h.sendFromClient(`{"jsonrpc":"2.0","method":"echo","id":3}`)
	got := readWithTimeout(t, h.client)
	assert.Equal(t, got, `{"jsonrpc":"2.0","id":3,"error":{"code":-32603,"message":"Rate limit exceeded"}}`)
	waitEvent(t, h.sink, events.RateLimitExceeded)
}

func TestScenarioReconnectQueueing(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Proxy.MaxQueueSize = 10
	})

	// Prove the first connection works, then kill it.
	h.sendFromClient(`{"jsonrpc":"2.0","method":"warm","id":0}`)
	readWithTimeout(t, h.downstream)
	h.downstream.Close()

	// Wait for the leg to notice and enter its backoff loop.
	waitFor(t, func() bool { return h.rec.Server.state.Load() == serverStateReconnecting })

	for i := 1; i <= 3; i++ {
		h.sendFromClient(fmt.Sprintf(`{"jsonrpc":"2.0","method":"queued","id":%d}`, i))
	}
	waitFor(t, func() bool { return h.rec.Server.queueLen() == 3 })

	// Offer the replacement connection; the queue drains FIFO.
	h.offerDownstream()
	for i := 1; i <= 3; i++ {
		got := readWithTimeout(t, h.downstream)
		assert.Equal(t, got, fmt.Sprintf(`{"jsonrpc":"2.0","method":"queued","id":%d}`, i))
	}

	// Later traffic flows on the new connection after the drain.
	h.sendFromClient(`{"jsonrpc":"2.0","method":"after","id":9}`)
	got := readWithTimeout(t, h.downstream)
	assert.Equal(t, got, `{"jsonrpc":"2.0","method":"after","id":9}`)
}

func TestQueueDropsNewest(t *testing.T) {
	h := newHarness(t, func(c *config.Config) {
		c.Proxy.MaxQueueSize = 2
	})
	h.sendFromClient(`{"jsonrpc":"2.0","method":"warm","id":0}`)
	readWithTimeout(t, h.downstream)
	h.downstream.Close()
	waitFor(t, func() bool { return h.rec.Server.state.Load() == serverStateReconnecting })

	for i := 1; i <= 3; i++ {
		h.sendFromClient(fmt.Sprintf(`{"jsonrpc":"2.0","method":"q","id":%d}`, i))
	}
	waitFor(t, func() bool { return h.rec.Server.Dropped() == 1 })

	h.offerDownstream()
	assert.Equal(t, readWithTimeout(t, h.downstream), `{"jsonrpc":"2.0","method":"q","id":1}`)
	assert.Equal(t, readWithTimeout(t, h.downstream), `{"jsonrpc":"2.0","method":"q","id":2}`)

	h.sendFromClient(`{"jsonrpc":"2.0","method":"after","id":9}`)
	assert.Equal(t, readWithTimeout(t, h.downstream), `{"jsonrpc":"2.0","method":"after","id":9}`)
}

func TestInvalidJSONAndEnvelope(t *testing.T) {
	h := newHarness(t, nil)

	h.sendFromClient(`{not json`)
	got := readWithTimeout(t, h.client)
	assert.Equal(t, got, `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Invalid JSON format"}}`)

	h.sendFromClient(`{"jsonrpc":"1.0","method":"x","id":4}`)
	got = readWithTimeout(t, h.client)
	assert.Equal(t, got, `{"jsonrpc":"2.0","id":4,"error":{"code":-32600,"message":"Invalid JSON-RPC message"}}`)

	// The connection survives both.
	h.sendFromClient(`{"jsonrpc":"2.0","method":"still/alive","id":5}`)
	assert.Equal(t, readWithTimeout(t, h.downstream), `{"jsonrpc":"2.0","method":"still/alive","id":5}`)
}

func TestServerOutputSanitized(t *testing.T) {
	h := newHarness(t, nil)
	h.sendFromClient(`{"jsonrpc":"2.0","method":"warm","id":0}`)
	readWithTimeout(t, h.downstream)

	assert.NilError(t, h.downstream.WriteMsg([]byte(`{"jsonrpc":"2.0","result":{"text":"\u001b[31mout\u001b[0m"},"id":0}`)))
	got := readWithTimeout(t, h.client)
	assert.Equal(t, got, `{"jsonrpc":"2.0","result":{"text":"out"},"id":0}`)
}

func TestConnectionCountersAndShutdown(t *testing.T) {
	h := newHarness(t, nil)
	assert.Equal(t, h.co.ActiveConnections(), 1)

	h.sendFromClient(`{"jsonrpc":"2.0","method":"m","id":1}`)
	readWithTimeout(t, h.downstream)

	in, _, _ := h.rec.Client.Stats()
	assert.Equal(t, in, uint64(1))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	h.co.Shutdown(ctx)
	assert.Equal(t, h.co.ActiveConnections(), 0)
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition never became true")
}

// Sanity check that synthesized errors are valid JSON-RPC themselves.
func TestSynthesizedErrorsParse(t *testing.T) {
	h := newHarness(t, nil)
	h.sendFromClient(`not even close`)
	got := readWithTimeout(t, h.client)
	var decoded map[string]any
	assert.NilError(t, json.Unmarshal([]byte(got), &decoded))
	assert.Equal(t, decoded["jsonrpc"], "2.0")
}
