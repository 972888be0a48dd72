package transport

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"mcproxy.dev/mcproxy/common"
)

// Close codes the proxy uses at the application level.
const (
	CloseNormal        = websocket.CloseNormalClosure
	ClosePolicy        = websocket.ClosePolicyViolation
	writeTimeout       = 10 * time.Second
	handshakeTimeout   = 10 * time.Second
)

// WSConn adapts a gorilla websocket connection to MsgConn. Reads are
// single-goroutine by contract; writes are serialized internally.
type WSConn struct {
	c *websocket.Conn

	writeM sync.Mutex
	closed common.AtomicBool
}

// Enforce WSConn implements MsgConn.
var _ MsgConn = &WSConn{}

// NewWSConn wraps an already-established websocket connection. Incoming
// pings are answered with pongs by the handler installed here.
func NewWSConn(c *websocket.Conn, maxMessageSize int64) *WSConn {
	if maxMessageSize > 0 {
		c.SetReadLimit(maxMessageSize)
	}
	w := &WSConn{c: c}
	c.SetPingHandler(func(appData string) error {
		w.writeM.Lock()
		defer w.writeM.Unlock()
		return c.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeTimeout))
	})
	return w
}

// Dial opens the outbound websocket to the downstream server. The
// context bounds the handshake.
func Dial(ctx context.Context, url string, maxMessageSize int64) (*WSConn, error) {
	dialer := websocket.Dialer{HandshakeTimeout: handshakeTimeout}
	c, resp, err := dialer.DialContext(ctx, url, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, err
	}
	return NewWSConn(c, maxMessageSize), nil
}

// Upgrader upgrades inbound HTTP requests to websocket sessions.
var Upgrader = websocket.Upgrader{
	HandshakeTimeout: handshakeTimeout,
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	// The proxy is origin-agnostic; peers are untrusted by design and
	// every message is sanitized.
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ReadMsg returns the next text frame. Binary frames yield
// ErrBinaryFrame without consuming the connection.
func (w *WSConn) ReadMsg() ([]byte, error) {
	if w.closed.IsSet() {
		return nil, ErrClosed
	}
	mt, data, err := w.c.ReadMessage()
	if err != nil {
		return nil, err
	}
	if mt != websocket.TextMessage {
		return nil, ErrBinaryFrame
	}
	return data, nil
}

// WriteMsg sends one text frame.
func (w *WSConn) WriteMsg(b []byte) error {
	if w.closed.IsSet() {
		return ErrClosed
	}
	w.writeM.Lock()
	defer w.writeM.Unlock()
	w.c.SetWriteDeadline(time.Now().Add(writeTimeout))
	return w.c.WriteMessage(websocket.TextMessage, b)
}

// CloseWithCode sends a close frame with the given application close code
// before tearing the connection down.
func (w *WSConn) CloseWithCode(code int, reason string) error {
	if w.closed.IsSet() {
		return nil
	}
	w.closed.SetTrue()
	w.writeM.Lock()
	msg := websocket.FormatCloseMessage(code, reason)
	err := w.c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
	w.writeM.Unlock()
	if err != nil {
		logrus.Debugf("transport: close frame: %v", err)
	}
	return w.c.Close()
}

// Close closes with the normal closure code.
func (w *WSConn) Close() error {
	return w.CloseWithCode(CloseNormal, "")
}
