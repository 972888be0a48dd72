package proxy

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"gotest.tools/assert"

	"mcproxy.dev/mcproxy/config"
	"mcproxy.dev/mcproxy/events"
	"mcproxy.dev/mcproxy/transport"
)

// wsHarness runs the coordinator behind a real websocket listener.
type wsHarness struct {
	co         *Coordinator
	srv        *httptest.Server
	downstream *transport.PipeConn
}

func newWSHarness(t *testing.T, mutate func(*config.Config)) *wsHarness {
	t.Helper()
	cfg := config.Default()
	cfg.RateLimiting.Enabled = false
	if mutate != nil {
		mutate(cfg)
	}
	co, err := NewCoordinator(cfg, make(events.ChanSink, 64))
	assert.NilError(t, err)

	proxySide, testSide := transport.Pipe()
	co.DialServer = func(ctx context.Context) (transport.MsgConn, error) {
		return proxySide, nil
	}

	srv := httptest.NewServer(co)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		co.Shutdown(ctx)
		srv.Close()
	})
	return &wsHarness{co: co, srv: srv, downstream: testSide}
}

func (h *wsHarness) dialClient(t *testing.T) *websocket.Conn {
	t.Helper()
	url := strings.Replace(h.srv.URL, "http://", "ws://", 1)
	c, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	assert.NilError(t, err)
	return c
}

func TestWebSocketSessionEndToEnd(t *testing.T) {
	h := newWSHarness(t, nil)
	c := h.dialClient(t)
	defer c.Close()

	assert.NilError(t, c.WriteMessage(websocket.TextMessage, []byte(`{"jsonrpc":"2.0","method":"tools/list","id":1}`)))
	got := readWithTimeout(t, h.downstream)
	assert.Equal(t, got, `{"jsonrpc":"2.0","method":"tools/list","id":1}`)

	assert.NilError(t, h.downstream.WriteMsg([]byte(`{"jsonrpc":"2.0","result":{"tools":[]},"id":1}`)))
	_, resp, err := c.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, string(resp), `{"jsonrpc":"2.0","result":{"tools":[]},"id":1}`)
}

func TestBinaryFrameRejected(t *testing.T) {
	h := newWSHarness(t, nil)
	c := h.dialClient(t)
	defer c.Close()

	assert.NilError(t, c.WriteMessage(websocket.BinaryMessage, []byte{0xde, 0xad}))
	_, resp, err := c.ReadMessage()
	assert.NilError(t, err)
	assert.Equal(t, string(resp), `{"jsonrpc":"2.0","id":null,"error":{"code":-32700,"message":"Invalid JSON format"}}`)
}

func TestConnectionLimitRefusedWithPolicyClose(t *testing.T) {
	h := newWSHarness(t, func(c *config.Config) {
		c.Proxy.MaxConnections = 0
	})
	c := h.dialClient(t)
	defer c.Close()

	_, _, err := c.ReadMessage()
	closeErr, ok := err.(*websocket.CloseError)
	assert.Assert(t, ok, "expected close error, got %v", err)
	assert.Equal(t, closeErr.Code, transport.ClosePolicy)
}
