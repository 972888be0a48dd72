package proxy

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"mcproxy.dev/mcproxy/common"
	"mcproxy.dev/mcproxy/jsonrpc"
	"mcproxy.dev/mcproxy/sanitize"
	"mcproxy.dev/mcproxy/transport"
)

// ServerLeg states.
const (
	serverStateIdle         = int32(0)
	serverStateConnecting   = int32(1)
	serverStateConnected    = int32(2)
	serverStateReconnecting = int32(3)
	serverStateClosed       = int32(4)
)

// DialFunc opens the outbound connection to the downstream server.
type DialFunc func(ctx context.Context) (transport.MsgConn, error)

// ServerLegConfig fixes the outbound session behavior.
type ServerLegConfig struct {
	AutoReconnect        bool
	ReconnectInitial     time.Duration
	ReconnectMaxAttempts int
	MaxQueueSize         int
	HandshakeTimeout     time.Duration
}

// ServerLeg is the outbound session to the downstream server: connect,
// reconnect with backoff, bounded queueing while disconnected, and the
// re-substitution of placeholders just before bytes leave the trust
// boundary.
type ServerLeg struct {
	connID string
	cfg    ServerLegConfig
	dial   DialFunc
	san    *sanitize.Sanitizer

	// onMessage receives parsed, validated messages from the server.
	onMessage func(*jsonrpc.Message)
	// onClose fires once when the leg is finished for good. It may run
	// on the leg's own read goroutine, so it must not call Close.
	onClose func(error)

	state atomic.Int32

	m     sync.Mutex
	conn  transport.MsgConn
	queue *common.BoundedQueue[*jsonrpc.Message]

	closeOnce sync.Once
	done      chan struct{}
	wg        sync.WaitGroup

	sent    atomic.Uint64
	dropped atomic.Uint64
}

// NewServerLeg creates the leg in the Idle state.
func NewServerLeg(connID string, cfg ServerLegConfig, dial DialFunc, san *sanitize.Sanitizer, onMessage func(*jsonrpc.Message), onClose func(error)) *ServerLeg {
	if cfg.ReconnectInitial <= 0 {
		cfg.ReconnectInitial = time.Second
	}
	if cfg.ReconnectMaxAttempts <= 0 {
		cfg.ReconnectMaxAttempts = 5
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	return &ServerLeg{
		connID:    connID,
		cfg:       cfg,
		dial:      dial,
		san:       san,
		onMessage: onMessage,
		onClose:   onClose,
		queue:     common.NewBoundedQueue[*jsonrpc.Message](cfg.MaxQueueSize),
		done:      make(chan struct{}),
	}
}

// Connected reports whether the leg currently has a live connection.
func (s *ServerLeg) Connected() bool {
	return s.state.Load() == serverStateConnected
}

// Closed reports whether the leg is finished for good.
func (s *ServerLeg) Closed() bool {
	return s.state.Load() == serverStateClosed
}

// Connect performs the initial dial. On failure with auto-reconnect
// enabled the leg moves straight into its backoff loop and Connect
// returns nil; sends in the meantime are queued.
func (s *ServerLeg) Connect() error {
	s.state.Store(serverStateConnecting)
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
	conn, err := s.dial(ctx)
	cancel()
	if err != nil {
		logrus.Warnf("conn %s: downstream connect failed: %v", s.connID, err)
		if s.cfg.AutoReconnect {
			s.wg.Add(1)
			go s.reconnectLoop()
			return nil
		}
		s.finish(err)
		return err
	}
	s.attach(conn)
	return nil
}

// attach installs a live connection, drains the queue in FIFO order
// before new sends are accepted, and starts the read loop.
func (s *ServerLeg) attach(conn transport.MsgConn) {
	s.m.Lock()
	if s.state.Load() == serverStateClosed {
		s.m.Unlock()
		conn.Close()
		return
	}
	s.conn = conn
	for _, msg := range s.queue.Drain() {
		if err := s.writeLocked(msg); err != nil {
			logrus.Warnf("conn %s: drain write failed: %v", s.connID, err)
			break
		}
	}
	s.state.Store(serverStateConnected)
	s.m.Unlock()

	logrus.Infof("conn %s: downstream connected", s.connID)
	s.wg.Add(1)
	go s.readLoop(conn)
}

// Send re-substitutes placeholders and transmits, or queues while the
// connection is down. A full queue drops the newest message.
func (s *ServerLeg) Send(msg *jsonrpc.Message) error {
	if s.Closed() {
		return transport.ErrClosed
	}
	s.san.Resubstitute(msg)

	s.m.Lock()
	defer s.m.Unlock()
	if s.state.Load() == serverStateConnected && s.conn != nil {
		return s.writeLocked(msg)
	}
	if !s.queue.Push(msg) {
		s.dropped.Add(1)
		logrus.Warnf("conn %s: outbound queue full, dropping message", s.connID)
	}
	return nil
}

// +checklocks:s.m
func (s *ServerLeg) writeLocked(msg *jsonrpc.Message) error {
	data, err := msg.Encode()
	if err != nil {
		return err
	}
	if err := s.conn.WriteMsg(data); err != nil {
		return err
	}
	s.sent.Add(1)
	return nil
}

func (s *ServerLeg) readLoop(conn transport.MsgConn) {
	defer s.wg.Done()
	for {
		data, err := conn.ReadMsg()
		if err != nil {
			select {
			case <-s.done:
				return
			default:
			}
			logrus.Warnf("conn %s: downstream read failed: %v", s.connID, err)
			s.m.Lock()
			s.conn = nil
			s.m.Unlock()
			if s.cfg.AutoReconnect {
				s.wg.Add(1)
				go s.reconnectLoop()
			} else {
				s.finish(err)
			}
			return
		}
		msg, err := jsonrpc.Parse(data)
		if err != nil {
			logrus.Warnf("conn %s: downstream sent invalid JSON: %v", s.connID, err)
			continue
		}
		if err := msg.Validate(); err != nil {
			logrus.Warnf("conn %s: downstream sent invalid JSON-RPC: %v", s.connID, err)
			continue
		}
		s.onMessage(msg)
	}
}

// reconnectLoop retries the dial with exponential backoff until it
// succeeds, the attempts are exhausted, or the leg is closed.
func (s *ServerLeg) reconnectLoop() {
	defer s.wg.Done()
	s.state.Store(serverStateReconnecting)
	var lastErr error
	for attempt := 1; attempt <= s.cfg.ReconnectMaxAttempts; attempt++ {
		delay := s.cfg.ReconnectInitial << (attempt - 1)
		logrus.Infof("conn %s: reconnect attempt %d/%d in %v", s.connID, attempt, s.cfg.ReconnectMaxAttempts, delay)
		select {
		case <-time.After(delay):
		case <-s.done:
			return
		}
		ctx, cancel := context.WithTimeout(context.Background(), s.cfg.HandshakeTimeout)
		conn, err := s.dial(ctx)
		cancel()
		if err == nil {
			s.attach(conn)
			return
		}
		lastErr = err
		logrus.Warnf("conn %s: reconnect attempt %d failed: %v", s.connID, attempt, err)
	}
	logrus.Errorf("conn %s: reconnect attempts exhausted", s.connID)
	s.finish(lastErr)
}

// finish moves the leg to Closed exactly once and notifies upward.
func (s *ServerLeg) finish(err error) {
	s.closeOnce.Do(func() {
		s.state.Store(serverStateClosed)
		close(s.done)
		s.m.Lock()
		conn := s.conn
		s.conn = nil
		s.queue.Drain()
		s.m.Unlock()
		if conn != nil {
			conn.Close()
		}
		if s.onClose != nil {
			s.onClose(err)
		}
	})
}

// Close tears the leg down deliberately; no reconnect is attempted.
func (s *ServerLeg) Close() {
	s.finish(nil)
	s.wg.Wait()
}

func (s *ServerLeg) queueLen() int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.queue.Len()
}

// Sent returns the count of messages transmitted downstream.
func (s *ServerLeg) Sent() uint64 { return s.sent.Load() }

// Dropped returns the count of messages lost to queue overflow.
func (s *ServerLeg) Dropped() uint64 { return s.dropped.Load() }
