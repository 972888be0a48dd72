package proxy

import (
	"sync"
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"mcproxy.dev/mcproxy/events"
	"mcproxy.dev/mcproxy/jsonrpc"
	"mcproxy.dev/mcproxy/ratelimit"
	"mcproxy.dev/mcproxy/sanitize"
	"mcproxy.dev/mcproxy/transport"
)

// ClientLeg states.
const (
	clientStateAccepted    = int32(0)
	clientStateHandshaking = int32(1)
	clientStateForwarding  = int32(2)
	clientStateClosing     = int32(3)
	clientStateClosed      = int32(4)
)

// ClientLeg is the inbound session from an untrusted client. Frames are
// processed strictly in arrival order: a message is forwarded or dropped
// before the next one is decoded.
type ClientLeg struct {
	connID  string
	conn    transport.MsgConn
	server  *ServerLeg
	san     *sanitize.Sanitizer
	limiter *ratelimit.Limiter
	sink    events.Sink

	maxMessageSize int

	state atomic.Int32

	writeM sync.Mutex

	msgsIn     atomic.Uint64
	msgsOut    atomic.Uint64
	violations atomic.Uint64

	closeOnce sync.Once
}

// NewClientLeg wires the inbound session.
func NewClientLeg(connID string, conn transport.MsgConn, server *ServerLeg, san *sanitize.Sanitizer, limiter *ratelimit.Limiter, sink events.Sink, maxMessageSize int) *ClientLeg {
	if sink == nil {
		sink = events.Discard{}
	}
	return &ClientLeg{
		connID:         connID,
		conn:           conn,
		server:         server,
		san:            san,
		limiter:        limiter,
		sink:           sink,
		maxMessageSize: maxMessageSize,
	}
}

// Run establishes the downstream session, then forwards frames until the
// client disconnects or the leg is closed. It owns the teardown.
func (c *ClientLeg) Run() {
	defer c.teardown()

	c.state.Store(clientStateHandshaking)
	if err := c.server.Connect(); err != nil {
		logrus.Errorf("conn %s: downstream unavailable: %v", c.connID, err)
		c.sendError(nil, jsonrpc.CodeInternalError, jsonrpc.MsgServerDown)
		return
	}

	c.state.Store(clientStateForwarding)
	for {
		data, err := c.conn.ReadMsg()
		if err == transport.ErrBinaryFrame {
			c.sendError(nil, jsonrpc.CodeParseError, jsonrpc.MsgParseError)
			continue
		}
		if err != nil {
			if c.state.Load() < clientStateClosing {
				logrus.Infof("conn %s: client disconnected: %v", c.connID, err)
			}
			return
		}
		c.processFrame(data)
	}
}

// processFrame runs one inbound frame through the full admission
// pipeline: size check, parse, validate, rate limit, sanitize, forward.
func (c *ClientLeg) processFrame(data []byte) {
	c.msgsIn.Add(1)

	if c.maxMessageSize > 0 && len(data) > c.maxMessageSize {
		c.sendError(nil, jsonrpc.CodeInvalidRequest, jsonrpc.MsgInvalidMessage)
		return
	}

	msg, err := jsonrpc.Parse(data)
	if err != nil {
		c.sendError(nil, jsonrpc.CodeParseError, jsonrpc.MsgParseError)
		return
	}
	if err := msg.Validate(); err != nil {
		c.sendError(msg.ID(), jsonrpc.CodeInvalidRequest, jsonrpc.MsgInvalidMessage)
		return
	}

	method := msg.Method()
	if c.limiter != nil {
		if err := c.limiter.Check(c.connID, method); err != nil {
			c.violations.Add(1)
			c.sink.Emit(events.New(events.RateLimitExceeded, c.connID, map[string]any{
				"method": method,
			}))
			c.sendError(msg.ID(), jsonrpc.CodeInternalError, jsonrpc.MsgRateLimited)
			return
		}
	}

	out := c.san.SanitizeMessage(msg, sanitize.ClientToServer)
	if !out.Safe {
		c.violations.Add(1)
		c.sink.Emit(events.New(events.SanitizationBlocked, c.connID, map[string]any{
			"method":     method,
			"violations": out.Violations,
		}))
		c.sendError(msg.ID(), jsonrpc.CodeInternalError, jsonrpc.MsgForbiddenContent)
		return
	}
	if len(out.Violations) > 0 {
		c.violations.Add(1)
	}

	if c.server.Closed() {
		c.sendError(msg.ID(), jsonrpc.CodeInternalError, jsonrpc.MsgServerDown)
		return
	}
	if err := c.server.Send(out.Message); err != nil {
		logrus.Warnf("conn %s: downstream send failed: %v", c.connID, err)
		c.sendError(msg.ID(), jsonrpc.CodeInternalError, jsonrpc.MsgServerDown)
	}
}

// HandleServerMessage sanitizes one downstream message and delivers it to
// the client. Violations are recorded but server output is delivered in
// sanitized form regardless of strict mode.
func (c *ClientLeg) HandleServerMessage(msg *jsonrpc.Message) {
	out := c.san.SanitizeMessage(msg, sanitize.ServerToClient)
	if len(out.Violations) > 0 {
		c.violations.Add(1)
		logrus.Debugf("conn %s: server output sanitized: %v", c.connID, out.Violations)
	}
	c.send(out.Message)
}

// HandleServerClose reacts to the downstream leg giving up. It must not
// call ServerLeg.Close; it just tells the client and lets Run tear down.
func (c *ClientLeg) HandleServerClose(err error) {
	if c.state.Load() >= clientStateClosing {
		return
	}
	if err != nil {
		c.sendError(nil, jsonrpc.CodeInternalError, jsonrpc.MsgServerDown)
	}
	c.conn.Close()
}

func (c *ClientLeg) send(msg *jsonrpc.Message) {
	data, err := msg.Encode()
	if err != nil {
		logrus.Errorf("conn %s: encode: %v", c.connID, err)
		return
	}
	c.writeM.Lock()
	defer c.writeM.Unlock()
	if err := c.conn.WriteMsg(data); err != nil {
		logrus.Debugf("conn %s: client write failed: %v", c.connID, err)
		return
	}
	c.msgsOut.Add(1)
}

func (c *ClientLeg) sendError(id *jsonrpc.Value, code int, message string) {
	c.send(jsonrpc.NewErrorResponse(id, code, message))
}

// teardown closes both legs and scrubs the connection's vault records.
func (c *ClientLeg) teardown() {
	c.closeOnce.Do(func() {
		c.state.Store(clientStateClosing)
		c.server.Close()
		c.conn.Close()
		c.san.Cleanup()
		if c.limiter != nil {
			c.limiter.Forget(c.connID)
		}
		c.state.Store(clientStateClosed)
		logrus.Infof("conn %s: closed (in=%d out=%d violations=%d)", c.connID, c.msgsIn.Load(), c.msgsOut.Load(), c.violations.Load())
	})
}

// Close ends the session from outside (coordinator shutdown).
func (c *ClientLeg) Close() {
	if c.state.Load() >= clientStateClosing {
		return
	}
	c.state.Store(clientStateClosing)
	// Closing the transport unblocks Run, which performs the teardown.
	c.conn.Close()
}

// Stats returns the per-connection counters.
func (c *ClientLeg) Stats() (in, out, violations uint64) {
	return c.msgsIn.Load(), c.msgsOut.Load(), c.violations.Load()
}

// ConnectionID returns the leg's connection id.
func (c *ClientLeg) ConnectionID() string { return c.connID }
